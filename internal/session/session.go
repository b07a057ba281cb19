// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/sound"
	"github.com/pedro-hdias/mudbroker/internal/types"
	"github.com/pedro-hdias/mudbroker/internal/upstream"
)

// transportWriteHighwater is the per-transport outbound queue depth past
// which a transport is considered back-pressured and closed (spec.md §5).
const transportWriteHighwater = 256

var (
	ErrInvalidState = sessionErr("invalid_state")
	ErrQueueFull    = sessionErr("queue_full")
)

type sessionErr string

func (e sessionErr) Error() string { return string(e) }

// DialFunc opens a new upstream connection. Supplied by the caller (see
// internal/session/dialer.go) so Session never constructs a *net.Conn
// itself and is trivially testable with a fake.
type DialFunc func(ctx context.Context) (types.UpstreamConn, error)

// outboundFrame is a queued, not-yet-serialized server→client message.
type outboundFrame struct {
	msgType string
	payload any
}

// attachedTransport pairs an Envelope with its own outbound queue and
// writer goroutine, so a slow transport never blocks fan-out to others.
type attachedTransport struct {
	env    *envelope.Envelope
	outbox chan outboundFrame
	cancel context.CancelFunc
}

// Session is the per-user state machine and multiplexer: it holds
// identity, history, the partial-line buffer, the pending-command queue,
// the set of attached transports, and the upstream handle. All mutable
// fields are guarded by mu.
type Session struct {
	publicID types.PublicID
	owner    types.Owner
	limits   Limits
	dial     DialFunc
	engine   sound.Engine
	log      *slog.Logger

	mu              sync.Mutex
	state           ConnectionState
	historyLines    []string
	historyBytes    int
	partialBuffer   string
	pendingCommands []string
	attached        map[*attachedTransport]struct{}
	upstream        types.UpstreamConn
	upstreamCancel  context.CancelFunc
	lastActivity    time.Time
	credentialsHint string
	loginInFlight   bool
	draining        bool
}

// New constructs a Session in state DISCONNECTED.
func New(publicID types.PublicID, owner types.Owner, limits Limits, dial DialFunc, engine sound.Engine, log *slog.Logger) *Session {
	return &Session{
		publicID:     publicID,
		owner:        owner,
		limits:       limits,
		dial:         dial,
		engine:       engine,
		log:          log,
		state:        StateDisconnected,
		attached:     make(map[*attachedTransport]struct{}),
		lastActivity: time.Now(),
	}
}

func (s *Session) PublicID() types.PublicID { return s.publicID }
func (s *Session) Owner() types.Owner       { return s.owner }

func (s *Session) touchLocked() { s.lastActivity = time.Now() }

// LastActivity returns the timestamp of the most recent transport or
// upstream event (used by the manager's sweep).
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AttachedCount reports the number of currently attached transports.
func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// State reports the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the state and retained history, for the manager to
// reply with on a recovered attach (spec.md §4.2/§4.5).
func (s *Session) Snapshot() (state ConnectionState, historyContent string, hasHistory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, strings.Join(s.historyLines, ""), len(s.historyLines) > 0
}

// Attach registers a transport's Envelope with the session and starts its
// dedicated writer goroutine. The caller is responsible for sending any
// init_ok/history/state frames on env directly before or after Attach.
func (s *Session) Attach(env *envelope.Envelope) *attachedTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &attachedTransport{
		env:    env,
		outbox: make(chan outboundFrame, transportWriteHighwater),
		cancel: cancel,
	}

	s.mu.Lock()
	s.attached[t] = struct{}{}
	s.touchLocked()
	s.mu.Unlock()

	go s.runTransportWriter(ctx, t)
	return t
}

// Detach removes a transport from the attached set. If this empties the
// set, last activity is stamped so the manager's sweep can begin its idle
// clock.
func (s *Session) Detach(t *attachedTransport) {
	s.mu.Lock()
	if _, ok := s.attached[t]; ok {
		delete(s.attached, t)
		s.touchLocked()
	}
	s.mu.Unlock()
	t.cancel()
}

func (s *Session) runTransportWriter(ctx context.Context, t *attachedTransport) {
	for {
		select {
		case f, ok := <-t.outbox:
			if !ok {
				return
			}
			if err := t.env.WriteFrame(ctx, f.msgType, f.payload); err != nil {
				s.log.Warn("transport write failed, detaching", "public_id", s.publicID, "error", err)
				s.Detach(t)
				t.env.Close(envelope.CloseWriteError, "write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// fanOut delivers one message to every attached transport, in the
// serialization order the session mutex imposes (spec.md §5). A
// transport whose outbox is already full is considered back-pressured
// and is dropped with code 1013; other transports are unaffected.
func (s *Session) fanOut(msgType string, payload any) {
	s.mu.Lock()
	transports := make([]*attachedTransport, 0, len(s.attached))
	for t := range s.attached {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	for _, t := range transports {
		select {
		case t.outbox <- outboundFrame{msgType: msgType, payload: payload}:
		default:
			s.log.Warn("transport back-pressured, closing", "public_id", s.publicID)
			s.Detach(t)
			t.env.Close(envelope.CloseRateLimited, "write backpressure")
		}
	}
}

// RequestConnect opens the upstream connection. Allowed only from
// DISCONNECTED (spec.md §4.3).
func (s *Session) RequestConnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrInvalidState
	}
	prev := s.state
	s.state = StateConnecting
	s.mu.Unlock()
	logStateChange(s.log, string(s.publicID), prev, StateConnecting, "request_connect")

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		logStateChange(s.log, string(s.publicID), StateConnecting, StateDisconnected, "dial failed")
		s.fanOut(envelope.MsgState, stateFrame(StateDisconnected))
		s.fanOut(envelope.MsgSystem, systemFrame(fmt.Sprintf("connection failed: %v", err)))
		return err
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.upstream = conn
	s.upstreamCancel = cancel
	prev = s.state
	s.state = StateConnected
	// Set before the state frame goes out: a command submitted the
	// instant the client observes state=CONNECTED must still queue
	// behind whatever was pending rather than race it to upstream.
	s.draining = true
	s.touchLocked()
	s.mu.Unlock()
	logStateChange(s.log, string(s.publicID), prev, StateConnected, "upstream established")

	s.fanOut(envelope.MsgState, stateFrame(StateConnected))

	go s.runUpstreamReader(readerCtx, conn)
	go s.drainPending(readerCtx)

	return nil
}

// RequestDisconnect closes the upstream connection gracefully, clears
// credentials hint and pending queue, and transitions to DISCONNECTED.
func (s *Session) RequestDisconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	conn := s.upstream
	cancel := s.upstreamCancel
	s.state = StateDisconnected
	s.upstream = nil
	s.upstreamCancel = nil
	s.credentialsHint = ""
	s.loginInFlight = false
	s.pendingCommands = nil
	s.partialBuffer = ""
	s.draining = false
	s.mu.Unlock()

	logStateChange(s.log, string(s.publicID), prev, StateDisconnected, "request_disconnect")
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.fanOut(envelope.MsgState, stateFrame(StateDisconnected))
	return err
}

// SubmitCommand splits value on ';' into separate commands (empty
// elements removed) and writes or queues each in order (spec.md §4.3).
func (s *Session) SubmitCommand(ctx context.Context, value string) error {
	for _, part := range splitCommand(value) {
		if err := s.enqueueOrWrite(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// SubmitLogin writes username then password as separate lines, recording
// credentialsHint and an in-flight login used to gate the
// AWAITING_LOGIN → CONNECTED transition once the MUD stops prompting.
func (s *Session) SubmitLogin(ctx context.Context, username, password string) error {
	s.mu.Lock()
	s.credentialsHint = username
	s.loginInFlight = true
	s.mu.Unlock()

	if err := s.enqueueOrWrite(ctx, username); err != nil {
		return err
	}
	return s.enqueueOrWrite(ctx, password)
}

func splitCommand(value string) []string {
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// enqueueOrWrite writes a single line to upstream when CONNECTED or
// AWAITING_LOGIN, or appends it to pendingCommands otherwise (including
// on write back-pressure), bounded by CommandQueueMax.
func (s *Session) enqueueOrWrite(ctx context.Context, line string) error {
	s.mu.Lock()
	state := s.state
	up := s.upstream
	draining := s.draining
	s.touchLocked()
	live := state == StateConnected || state == StateAwaitingLogin
	if !live || up == nil || draining {
		err := s.enqueuePendingLocked(line)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := up.Writer(ctx, []byte(line+"\n")); err != nil {
		if errors.Is(err, upstream.ErrBackpressure) {
			s.mu.Lock()
			err2 := s.enqueuePendingLocked(line)
			s.mu.Unlock()
			return err2
		}
		return err
	}
	return nil
}

func (s *Session) enqueuePendingLocked(line string) error {
	if len(s.pendingCommands) >= s.limits.CommandQueueMax {
		return ErrQueueFull
	}
	s.pendingCommands = append(s.pendingCommands, line)
	return nil
}

// drainPending flushes queued commands to upstream in arrival order
// immediately after a successful (re)connect, holding the draining gate
// up the whole time so enqueueOrWrite keeps queuing instead of writing
// through (spec.md §4.5 queue draining; testable property 3/4: a
// command submitted the instant the client observes state=CONNECTED
// must not race a still-draining queue to upstream). Loops until the
// queue is observed empty under the same lock that clears the gate, so
// a command enqueued mid-drain is picked up by a further pass rather
// than left stranded behind a cleared gate.
func (s *Session) drainPending(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pendingCommands) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		pending := s.pendingCommands
		s.pendingCommands = nil
		conn := s.upstream
		s.mu.Unlock()

		for i, cmd := range pending {
			if conn == nil {
				s.mu.Lock()
				s.draining = false
				s.mu.Unlock()
				return
			}
			if err := conn.Writer(ctx, []byte(cmd+"\n")); err != nil {
				s.log.Warn("drain pending command failed", "public_id", s.publicID, "error", err)
				s.mu.Lock()
				s.pendingCommands = append(append([]string{}, pending[i:]...), s.pendingCommands...)
				s.draining = false
				s.mu.Unlock()
				return
			}
		}
	}
}

func (s *Session) runUpstreamReader(ctx context.Context, conn types.UpstreamConn) {
	ticker := time.NewTicker(s.limits.PartialFlushAge)
	defer ticker.Stop()

	reader := conn.Reader()
	for {
		select {
		case chunk, ok := <-reader:
			if !ok {
				s.handleUpstreamClosed()
				return
			}
			s.ingest(chunk)
		case <-ticker.C:
			s.checkPartialFlush()
		case <-ctx.Done():
			return
		}
	}
}

// ingest appends a raw chunk to the partial buffer, splits it into
// complete lines, processes each, and force-checks the partial buffer
// for a flushable prompt once it grows past PartialMaxBytes (spec.md
// §4.3).
func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	s.partialBuffer += string(chunk)
	lines, rest := splitLines(s.partialBuffer)
	s.partialBuffer = rest
	s.touchLocked()
	forceCheck := len(rest) > s.limits.PartialMaxBytes
	s.mu.Unlock()

	for _, line := range lines {
		s.processLine(line)
	}
	if forceCheck {
		s.checkPartialFlush()
	}
}

// splitLines splits buf on \r?\n; every element but the last is a
// complete line (terminator stripped), the last is the new partial
// buffer.
func splitLines(buf string) (lines []string, rest string) {
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		line := buf[start:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, line)
		start = i + 1
	}
	return lines, buf[start:]
}

// processLine appends one complete upstream line to history, evaluates
// the sound engine against it, and fans out line then (if any) sound
// frames, preserving order (spec.md §4.3/§4.6).
func (s *Session) processLine(rawLine string) {
	trimmed := strings.TrimRight(rawLine, " \t")

	s.mu.Lock()
	s.appendHistoryLocked(trimmed)
	s.mu.Unlock()

	events := s.engine.Evaluate(rawLine)

	s.fanOut(envelope.MsgLine, map[string]string{"content": trimmed})
	if len(events) > 0 {
		s.fanOut(envelope.MsgSound, map[string]any{"events": events})
	}

	s.maybeTransitionOnLine(rawLine)
}

func (s *Session) appendHistoryLocked(line string) {
	entry := line + "\n"
	s.historyLines = append(s.historyLines, entry)
	s.historyBytes += len(entry)

	for (s.limits.HistoryMaxBytes > 0 && s.historyBytes > s.limits.HistoryMaxBytes) ||
		(s.limits.HistoryMaxLines > 0 && len(s.historyLines) > s.limits.HistoryMaxLines) {
		evicted := s.historyLines[0]
		s.historyLines = s.historyLines[1:]
		s.historyBytes -= len(evicted)
	}
}

// maybeTransitionOnLine drives CONNECTED/AWAITING_LOGIN transitions off
// prompt detection (spec.md §4.5).
func (s *Session) maybeTransitionOnLine(line string) {
	if isLoginPrompt(line) {
		s.mu.Lock()
		if s.state == StateConnected {
			prev := s.state
			s.state = StateAwaitingLogin
			s.mu.Unlock()
			logStateChange(s.log, string(s.publicID), prev, StateAwaitingLogin, "login prompt detected")
			s.fanOut(envelope.MsgState, stateFrame(StateAwaitingLogin))
			return
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.state == StateAwaitingLogin && s.loginInFlight {
		prev := s.state
		s.state = StateConnected
		s.loginInFlight = false
		s.mu.Unlock()
		logStateChange(s.log, string(s.publicID), prev, StateConnected, "login completed")
		s.fanOut(envelope.MsgState, stateFrame(StateConnected))
	} else {
		s.mu.Unlock()
	}
}

// checkPartialFlush flushes the partial buffer as a synthetic line only
// if it currently matches a recognised prompt pattern, otherwise leaves
// it buffered (spec.md §4.3).
func (s *Session) checkPartialFlush() {
	s.mu.Lock()
	buf := s.partialBuffer
	matches := buf != "" && (isLoginPrompt(buf) || isConfirmPrompt(buf))
	if !matches {
		s.mu.Unlock()
		return
	}
	s.partialBuffer = ""
	s.touchLocked()
	s.mu.Unlock()

	s.processLine(buf)
}

func (s *Session) handleUpstreamClosed() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateDisconnected
	s.upstream = nil
	s.upstreamCancel = nil
	s.partialBuffer = ""
	s.draining = false
	s.mu.Unlock()

	logStateChange(s.log, string(s.publicID), prev, StateDisconnected, "upstream closed")
	s.fanOut(envelope.MsgState, stateFrame(StateDisconnected))
	s.fanOut(envelope.MsgSystem, systemFrame("upstream connection closed"))
}

func stateFrame(state ConnectionState) map[string]string {
	return map[string]string{"value": string(state)}
}

func systemFrame(message string) map[string]string {
	return map[string]string{"message": message}
}
