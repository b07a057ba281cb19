package debugapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/pedro-hdias/mudbroker/internal/session"
)

// Server is the debug-only net/http mux spec.md §6 names: /sessions,
// /api/sessions/status, /logs, /api/logs/stream. It is only ever mounted
// by cmd/mudbroker when DEBUG is set (see cmd_serve.go); every handler
// additionally checks secret as a second gate, since DEBUG alone is an
// easy thing to leave set by accident.
type Server struct {
	manager *session.Manager
	ring    *Ring
	secret  string
	mux     *http.ServeMux
}

// NewServer constructs a debug Server. secret may be empty, in which case
// the shared-secret check is skipped (still gated by DEBUG at the
// mount-point in cmd_serve.go).
func NewServer(manager *session.Manager, ring *Ring, secret string) *Server {
	s := &Server{manager: manager, ring: ring, secret: secret, mux: http.NewServeMux()}
	s.mux.HandleFunc("/sessions", s.authorize(s.handleSessions))
	s.mux.HandleFunc("/api/sessions/status", s.authorize(s.handleSessionsStatus))
	s.mux.HandleFunc("/logs", s.authorize(s.handleLogs))
	s.mux.HandleFunc("/api/logs/stream", s.authorize(s.handleLogsStream))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" && r.Header.Get("X-Debug-Secret") != s.secret {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

type sessionStatus struct {
	PublicID      string `json:"publicId"`
	Fingerprint   string `json:"fingerprint"`
	State         string `json:"state"`
	AttachedCount int    `json:"attachedCount"`
	LastActivity  string `json:"lastActivity"`
}

func (s *Server) summaries() []sessionStatus {
	live := s.manager.ListSessions()
	out := make([]sessionStatus, 0, len(live))
	for _, sess := range live {
		out = append(out, sessionStatus{
			PublicID:      string(sess.PublicID),
			Fingerprint:   sess.Fingerprint,
			State:         string(sess.State),
			AttachedCount: sess.AttachedCount,
			LastActivity:  sess.LastActivity.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out
}

func (s *Server) handleSessionsStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.summaries())
}

// handleSessions is the human-readable counterpart to /api/sessions/status,
// never exposing owner secrets or history content — only the fingerprint.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, "<html><body><h1>sessions</h1><table border=\"1\">")
	fmt.Fprint(w, "<tr><th>public_id</th><th>fingerprint</th><th>state</th><th>attached</th><th>last_activity</th></tr>")
	for _, sess := range s.summaries() {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>",
			sess.PublicID, sess.Fingerprint, sess.State, sess.AttachedCount, sess.LastActivity)
	}
	fmt.Fprint(w, "</table></body></html>")
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range s.ring.Tail(500) {
		fmt.Fprintln(w, line)
	}
}

// handleLogsStream pushes every subsequently logged line as a
// server-sent event, for a peer watching /logs live.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.ring.Subscribe()
	defer s.ring.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
