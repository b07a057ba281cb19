// Package debugapi serves the inspection endpoints spec.md §6 names:
// /sessions, /api/sessions/status, /logs, /api/logs/stream. It is gated
// behind DEBUG and, when one is configured, a shared secret; nothing here
// is reachable in production operation.
package debugapi

import (
	"context"
	"log/slog"
	"sync"
)

// Ring is a bounded, append-only buffer of formatted log lines, backing
// the /logs and /api/logs/stream endpoints. It bounds memory by line
// count the same way Session bounds its history ring (oldest-first
// eviction), since both are "keep the last N text lines" structures.
type Ring struct {
	mu   sync.Mutex
	cap  int
	buf  []string
	subs map[chan string]struct{}
}

// NewRing constructs a Ring holding at most capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{
		cap:  capacity,
		subs: make(map[chan string]struct{}),
	}
}

func (r *Ring) append(line string) {
	r.mu.Lock()
	r.buf = append(r.buf, line)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	subs := make([]chan string, 0, len(r.subs))
	for ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber; drop the line rather than block logging.
		}
	}
}

// Tail returns the last n retained lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]string, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

// Subscribe registers ch to receive every subsequently appended line.
// Unsubscribe removes it; callers must always pair the two.
func (r *Ring) Subscribe() chan string {
	ch := make(chan string, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (r *Ring) Unsubscribe(ch chan string) {
	r.mu.Lock()
	delete(r.subs, ch)
	r.mu.Unlock()
	close(ch)
}

// handler wraps an existing slog.Handler, feeding every formatted record
// into a Ring in addition to the wrapped handler's normal output.
type handler struct {
	slog.Handler
	ring *Ring
}

// WrapHandler returns a slog.Handler that behaves exactly like next but
// additionally mirrors every record into ring, for /logs to serve.
func WrapHandler(next slog.Handler, ring *Ring) slog.Handler {
	return &handler{Handler: next, ring: ring}
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	line := formatRecord(r)
	h.ring.append(line)
	return h.Handler.Handle(ctx, r)
}

func formatRecord(r slog.Record) string {
	msg := r.Level.String() + " " + r.Time.Format("2006-01-02T15:04:05.000Z07:00") + " " + r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.Key + "=" + a.Value.String()
		return true
	})
	return msg
}
