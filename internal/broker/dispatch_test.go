package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/session"
	"github.com/pedro-hdias/mudbroker/internal/sound"
)

// fakeTransport feeds a scripted sequence of raw frames to ReadFrame and
// records every frame written back, standing in for internal/transport/ws
// in these tests.
type fakeTransport struct {
	mu          sync.Mutex
	toRead      [][]byte
	written     []envelope.Frame
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeTransport(frames ...[]byte) *fakeTransport {
	return &fakeTransport{toRead: frames}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.toRead) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := f.toRead[0]
	f.toRead = f.toRead[1:]
	f.mu.Unlock()
	return next, nil
}

func (f *fakeTransport) WriteFrame(ctx context.Context, raw []byte) error {
	var fr envelope.Frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) framesOfType(msgType string) []envelope.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Frame
	for _, fr := range f.written {
		if fr.Type == msgType {
			out = append(out, fr)
		}
	}
	return out
}

func rawFrame(t *testing.T, msgType string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame := envelope.Frame{Type: msgType, Payload: raw}
	encoded, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func testManager(t *testing.T, maxSessions int) *session.Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := session.NewDialer("localhost", 4000, 4096, time.Second, time.Second, 1)
	engine := sound.NewEngine(nil, log)
	cfg := session.DefaultManagerConfig()
	cfg.MaxSessions = maxSessions
	return session.NewManager(cfg, dialer, engine, log)
}

func noopLimiter() *envelope.RateLimiter {
	return envelope.NewRateLimiter(1000, time.Second)
}

func TestDispatchInitCreatesSession(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgInit, map[string]any{}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	if manager.Count() != 1 {
		t.Fatalf("expected 1 live session, got %d", manager.Count())
	}
	initOKs := transport.framesOfType(envelope.MsgInitOK)
	if len(initOKs) != 1 {
		t.Fatalf("expected one init_ok frame, got %d", len(initOKs))
	}
	var payload map[string]any
	if err := json.Unmarshal(initOKs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != string(session.AttachCreated) {
		t.Errorf("expected status=created, got %v", payload["status"])
	}
}

func TestDispatchOwnerMismatchClosesWith4003(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Create a session out of band to learn its publicId.
	seed := newFakeTransport()
	seedEnv := envelope.New(seed, noopLimiter())
	result := manager.Attach(seedEnv, "", "")
	if result.Status != session.AttachCreated {
		t.Fatalf("expected seed session created, got %v", result.Status)
	}

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgInit, map[string]any{
			"publicId": string(result.Session.PublicID()),
			"owner":    "wrong-owner",
		}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	invalids := transport.framesOfType(envelope.MsgSessionInvalid)
	if len(invalids) != 1 {
		t.Fatalf("expected one session_invalid frame, got %d", len(invalids))
	}
	var payload map[string]any
	if err := json.Unmarshal(invalids[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["reason"] != "owner_mismatch" {
		t.Errorf("expected reason=owner_mismatch, got %v", payload["reason"])
	}
	if !transport.closed || transport.closeCode != envelope.CloseOwnerMismatch {
		t.Errorf("expected close code %d, got closed=%v code=%d", envelope.CloseOwnerMismatch, transport.closed, transport.closeCode)
	}
}

func TestDispatchCapacityRefusalClosesWith4008(t *testing.T) {
	manager := testManager(t, 1)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Fill the only slot out of band so the init below finds the manager
	// at capacity (a MaxSessions of 0 means unlimited, not zero).
	seed := newFakeTransport()
	if r := manager.Attach(envelope.New(seed, noopLimiter()), "", ""); r.Status != session.AttachCreated {
		t.Fatalf("expected seed session created, got %v", r.Status)
	}

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgInit, map[string]any{}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	if manager.Count() != 1 {
		t.Fatalf("expected live session count to stay at 1, got %d", manager.Count())
	}
	invalids := transport.framesOfType(envelope.MsgSessionInvalid)
	if len(invalids) != 1 {
		t.Fatalf("expected one session_invalid frame, got %d", len(invalids))
	}
	var payload map[string]any
	if err := json.Unmarshal(invalids[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["reason"] != "capacity" {
		t.Errorf("expected reason=capacity, got %v", payload["reason"])
	}
	if !transport.closed || transport.closeCode != envelope.CloseMaxSessions {
		t.Errorf("expected close code %d, got closed=%v code=%d", envelope.CloseMaxSessions, transport.closed, transport.closeCode)
	}
}

func TestDispatchSecondInitIsDestructive(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgInit, map[string]any{}),
		rawFrame(t, envelope.MsgInit, map[string]any{}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	if manager.Count() != 2 {
		t.Fatalf("expected 2 distinct sessions created, got %d", manager.Count())
	}
	initOKs := transport.framesOfType(envelope.MsgInitOK)
	if len(initOKs) != 2 {
		t.Fatalf("expected two init_ok frames, got %d", len(initOKs))
	}
}

func TestDispatchRecoveredAttachSendsHistoryAndState(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	seed := newFakeTransport()
	seedEnv := envelope.New(seed, noopLimiter())
	result := manager.Attach(seedEnv, "", "")

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgInit, map[string]any{
			"publicId": string(result.Session.PublicID()),
			"owner":    string(result.Session.Owner()),
		}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	initOKs := transport.framesOfType(envelope.MsgInitOK)
	if len(initOKs) != 1 {
		t.Fatalf("expected one init_ok frame, got %d", len(initOKs))
	}
	var payload map[string]any
	if err := json.Unmarshal(initOKs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != string(session.AttachRecovered) {
		t.Errorf("expected status=recovered, got %v", payload["status"])
	}
	if len(transport.framesOfType(envelope.MsgHistory)) != 1 {
		t.Errorf("expected a history frame on recovered attach")
	}
	if len(transport.framesOfType(envelope.MsgState)) != 1 {
		t.Errorf("expected a state frame on recovered attach")
	}
}

func TestUnrecognizedFrameTypeClosesWithPolicyViolation(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := newFakeTransport(
		rawFrame(t, "bogus", map[string]any{}),
		rawFrame(t, envelope.MsgInit, map[string]any{}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	// The envelope layer rejects an unrecognized type before dispatch ever
	// sees it, so the connection closes on the first frame and the init
	// queued behind it is never reached.
	if len(transport.framesOfType(envelope.MsgInitOK)) != 0 {
		t.Errorf("expected no init_ok: connection should have closed on the malformed frame first")
	}
	if !transport.closed || transport.closeCode != envelope.ClosePolicy {
		t.Errorf("expected close code %d, got closed=%v code=%d", envelope.ClosePolicy, transport.closed, transport.closeCode)
	}
}

func TestDispatchCommandOnUnattachedConnectionIsNoop(t *testing.T) {
	manager := testManager(t, 50)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := newFakeTransport(
		rawFrame(t, envelope.MsgCommand, map[string]any{"value": "look"}),
	)
	conn := NewConnection(transport, noopLimiter(), manager, log)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	conn.Serve(ctx)

	if len(transport.framesOfType(envelope.MsgError)) != 0 {
		t.Errorf("expected no error frames for a no-op command on an unattached connection")
	}
}
