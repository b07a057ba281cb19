// internal/session/session_test.go
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/sound"
	"github.com/pedro-hdias/mudbroker/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine never produces sound events; the sound engine's own
// behavior is covered in internal/sound, so session tests only need a
// stand-in that satisfies sound.Engine.
type stubEngine struct{}

func (stubEngine) Evaluate(string) []sound.Event { return nil }

// fakeTransport is a minimal in-memory types.Transport.
type fakeTransport struct {
	mu     sync.Mutex
	in     chan []byte
	out    [][]byte
	closed bool
	code   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64)}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-f.in:
		if !ok {
			return nil, errors.New("closed")
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, raw)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeTransport) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.out))
	copy(out, f.out)
	return out
}

// fakeUpstream is an in-memory types.UpstreamConn.
type fakeUpstream struct {
	mu         sync.Mutex
	reader     chan []byte
	written    [][]byte
	closed     bool
	writeDelay time.Duration
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{reader: make(chan []byte, 64)}
}

func (f *fakeUpstream) Reader() <-chan []byte { return f.reader }

func (f *fakeUpstream) Writer(ctx context.Context, p []byte) error {
	f.mu.Lock()
	delay := f.writeDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.reader)
	}
	return nil
}

func (f *fakeUpstream) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestSession(t *testing.T, up *fakeUpstream) *Session {
	t.Helper()
	publicID := types.NewPublicID()
	owner, err := types.NewOwner()
	if err != nil {
		t.Fatal(err)
	}
	limits := DefaultLimits()
	limits.PartialFlushAge = 10 * time.Millisecond
	dial := func(ctx context.Context) (types.UpstreamConn, error) {
		if up == nil {
			return nil, errors.New("dial refused")
		}
		return up, nil
	}
	return New(publicID, owner, limits, dial, stubEngine{}, testLogger())
}

func TestRequestConnectAndCommandOrdering(t *testing.T) {
	up := newFakeUpstream()
	s := newTestSession(t, up)

	if err := s.RequestConnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateConnected })

	if err := s.SubmitCommand(context.Background(), "look; smile; say hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return len(up.writtenLines()) == 3 })
	lines := up.writtenLines()
	want := []string{"look\n", "smile\n", "say hi\n"}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("command %d: want %q, got %q", i, w, lines[i])
		}
	}
}

func TestPartialLineBuffering(t *testing.T) {
	up := newFakeUpstream()
	s := newTestSession(t, up)

	s.Attach(envelope.New(newFakeTransport(), nil))

	if err := s.RequestConnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateConnected })

	up.reader <- []byte("hello ")
	up.reader <- []byte("world\nhi\n")

	waitFor(t, time.Second, func() bool {
		_, history, _ := s.Snapshot()
		return history == "hello world\nhi\n"
	})
}

func TestRequestConnectFailureReturnsDisconnected(t *testing.T) {
	s := newTestSession(t, nil)
	if err := s.RequestConnect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after failed connect, got %s", s.State())
	}
}

func TestSubmitCommandQueuesWhileDisconnected(t *testing.T) {
	s := newTestSession(t, newFakeUpstream())
	if err := s.SubmitCommand(context.Background(), "look"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	n := len(s.pendingCommands)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 queued command, got %d", n)
	}
}

func TestCommandQueueFullReturnsError(t *testing.T) {
	s := newTestSession(t, newFakeUpstream())
	s.limits.CommandQueueMax = 2

	if err := s.SubmitCommand(context.Background(), "a; b"); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitCommand(context.Background(), "c"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestFanOutToMultipleTransports(t *testing.T) {
	up := newFakeUpstream()
	s := newTestSession(t, up)

	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	s.Attach(envelope.New(ft1, nil))
	s.Attach(envelope.New(ft2, nil))

	if err := s.RequestConnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateConnected })

	up.reader <- []byte("a line\n")

	waitFor(t, time.Second, func() bool { return len(ft1.writes()) > 0 && len(ft2.writes()) > 0 })
}

// TestQueueDrainsBeforeNewCommandRaces reproduces pipelined connect+command
// on the same transport: a command is submitted the instant RequestConnect
// returns, with no wait for state=CONNECTED to settle, while a slow-writing
// upstream keeps drainPending busy. The new command must still land after
// every already-queued one (testable property 3/4: same-transport ordering
// and queue draining before new commands).
func TestQueueDrainsBeforeNewCommandRaces(t *testing.T) {
	up := newFakeUpstream()
	up.writeDelay = 20 * time.Millisecond
	s := newTestSession(t, up)

	if err := s.SubmitCommand(context.Background(), "queued1; queued2"); err != nil {
		t.Fatal(err)
	}

	if err := s.RequestConnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// No wait for StateConnected here: submit immediately, as a client
	// pipelining connect+command on the same transport would.
	if err := s.SubmitCommand(context.Background(), "newcmd"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return len(up.writtenLines()) == 3 })
	lines := up.writtenLines()
	want := []string{"queued1\n", "queued2\n", "newcmd\n"}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("command %d: want %q, got %q (full: %v)", i, w, lines[i], lines)
		}
	}
}

func TestRequestDisconnectClearsState(t *testing.T) {
	up := newFakeUpstream()
	s := newTestSession(t, up)

	if err := s.RequestConnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateConnected })

	if err := s.RequestDisconnect(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", s.State())
	}
}
