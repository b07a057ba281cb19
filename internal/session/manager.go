// internal/session/manager.go
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/sound"
	"github.com/pedro-hdias/mudbroker/internal/types"
)

// AttachStatus is the outcome of an Attach call, mirrored into the
// init_ok/session_invalid reply by the broker dispatch layer.
type AttachStatus string

const (
	AttachCreated      AttachStatus = "created"
	AttachRecovered    AttachStatus = "recovered"
	AttachOwnerInvalid AttachStatus = "owner_mismatch"
	AttachAtCapacity   AttachStatus = "capacity"
)

// AttachResult carries what the broker needs to compose its reply frames.
type AttachResult struct {
	Status         AttachStatus
	Session        *Session
	Transport      *attachedTransport
	State          ConnectionState
	HistoryContent string
	HasHistory     bool
}

// ManagerConfig bundles the manager's tunables (SPEC_FULL.md §4.2).
type ManagerConfig struct {
	MaxSessions   int
	SweepInterval time.Duration
	Limits        Limits
}

// DefaultManagerConfig mirrors original_source/v3/app/config.py.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:   50,
		SweepInterval: 60 * time.Second,
		Limits:        DefaultLimits(),
	}
}

// Manager owns the process-wide public_id → Session mapping (spec.md
// §4.2). The map itself is a concurrent-map/v2 ConcurrentMap sharded
// internally for concurrent access; newly created sessions always mint a
// fresh, never-before-seen public_id, so the create path has no
// create-create race to arbitrate, and the recover/reject path only needs
// a plain Get since each Session serializes its own concurrent Attach
// calls under its own mutex. MAX_SESSIONS admission is NOT a cmap
// operation at all: ConcurrentMap shards its buckets, so a per-key
// Upsert can make one bucket's insert atomic but can never make a
// whole-map Count()-then-Set() atomic across a concurrent init{} burst.
// liveCount is a dedicated atomic counter reserved with a
// compare-and-swap loop before a session is ever inserted, closing that
// TOCTOU window independently of the map's own sharding.
type Manager struct {
	cfg    ManagerConfig
	dialer *Dialer
	engine sound.Engine
	log    *slog.Logger

	sessions  cmap.ConcurrentMap[string, *Session]
	liveCount atomic.Int64
}

// NewManager constructs a Manager. dialer opens upstream connections;
// engine evaluates sound rules against every upstream line.
func NewManager(cfg ManagerConfig, dialer *Dialer, engine sound.Engine, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		engine:   engine,
		log:      log,
		sessions: cmap.New[*Session](),
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	return m.sessions.Count()
}

// DebugSummary is a read-only snapshot of one session for the debug API
// (internal/debugapi). It never exposes owner, history, or anything an
// attacker could replay into an attach call — only the fingerprint
// (types.Fingerprint), which is one-way.
type DebugSummary struct {
	PublicID      types.PublicID
	Fingerprint   string
	State         ConnectionState
	AttachedCount int
	LastActivity  time.Time
}

// ListSessions returns a DebugSummary for every live session, for
// internal/debugapi's /sessions and /api/sessions/status endpoints.
func (m *Manager) ListSessions() []DebugSummary {
	out := make([]DebugSummary, 0, m.sessions.Count())
	m.sessions.IterCb(func(id string, sess *Session) {
		out = append(out, DebugSummary{
			PublicID:      sess.PublicID(),
			Fingerprint:   types.Fingerprint(sess.PublicID()),
			State:         sess.State(),
			AttachedCount: sess.AttachedCount(),
			LastActivity:  sess.LastActivity(),
		})
	})
	return out
}

// Attach implements the three-way attach branch of spec.md §4.2:
//  1. no publicId, or an unknown one presented without an owner → mint a
//     fresh session (capacity permitting).
//  2. known publicId, owner matches → recover, attaching the transport.
//  3. known publicId, owner missing/mismatched, or unknown publicId
//     presented with an owner → reject, session untouched.
func (m *Manager) Attach(env *envelope.Envelope, requestedID types.PublicID, requestedOwner types.Owner) AttachResult {
	if requestedID == "" {
		return m.createSession(env)
	}

	existing, ok := m.sessions.Get(string(requestedID))
	if !ok && requestedOwner == "" {
		return m.createSession(env)
	}

	// Unknown publicId presented with an owner: per spec.md §4.2 item 3,
	// this is a mismatch, not a fresh creation — the peer claimed an
	// identity the manager has no record of.
	if !ok || requestedOwner == "" || requestedOwner != existing.Owner() {
		return AttachResult{Status: AttachOwnerInvalid}
	}

	t := existing.Attach(env)
	state, history, hasHistory := existing.Snapshot()
	return AttachResult{
		Status:         AttachRecovered,
		Session:        existing,
		Transport:      t,
		State:          state,
		HistoryContent: history,
		HasHistory:     hasHistory,
	}
}

// reserveSlot atomically admits one more session against MaxSessions,
// or reports false if the cap is already reached. A 0 MaxSessions means
// unlimited.
func (m *Manager) reserveSlot() bool {
	if m.cfg.MaxSessions <= 0 {
		return true
	}
	for {
		cur := m.liveCount.Load()
		if cur >= int64(m.cfg.MaxSessions) {
			return false
		}
		if m.liveCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (m *Manager) createSession(env *envelope.Envelope) AttachResult {
	if !m.reserveSlot() {
		return AttachResult{Status: AttachAtCapacity}
	}

	publicID := types.NewPublicID()
	owner, err := types.NewOwner()
	if err != nil {
		m.log.Error("failed to mint owner secret", "error", err)
		m.liveCount.Add(-1)
		return AttachResult{Status: AttachAtCapacity}
	}

	sess := New(publicID, owner, m.cfg.Limits, m.dialer.AsDialFunc(), m.engine, m.log)
	m.sessions.Set(string(publicID), sess)

	t := sess.Attach(env)
	state, history, hasHistory := sess.Snapshot()

	return AttachResult{
		Status:         AttachCreated,
		Session:        sess,
		Transport:      t,
		State:          state,
		HistoryContent: history,
		HasHistory:     hasHistory,
	}
}

// Detach removes a transport from its session. It never removes the
// session itself; idle sessions are reaped only by Sweep.
func (m *Manager) Detach(sess *Session, t *attachedTransport) {
	sess.Detach(t)
}

// DetachTransport is Detach for callers outside this package, which only
// ever hold the transport handle returned in AttachResult.Transport as an
// opaque any (attachedTransport is unexported by design — nothing outside
// session/ may construct or inspect one).
func (m *Manager) DetachTransport(sess *Session, t any) {
	if sess == nil || t == nil {
		return
	}
	handle, ok := t.(*attachedTransport)
	if !ok {
		return
	}
	sess.Detach(handle)
}

// Sweep evicts every session with no attached transports whose last
// activity is older than IdleTimeout, closing its upstream connector
// (spec.md §4.2/§4.5 SWEEP_EVICTION).
func (m *Manager) Sweep() {
	now := time.Now()
	var evict []string

	m.sessions.IterCb(func(id string, sess *Session) {
		if sess.AttachedCount() > 0 {
			return
		}
		if now.Sub(sess.LastActivity()) > m.cfg.Limits.IdleTimeout {
			evict = append(evict, id)
		}
	})

	for _, id := range evict {
		if sess, ok := m.sessions.Get(id); ok {
			if err := sess.RequestDisconnect(); err != nil {
				m.log.Warn("sweep: error disconnecting evicted session", "public_id", id, "error", err)
			}
			m.log.Info("sweep evicted idle session", "public_id", id)
		}
		m.sessions.Remove(id)
		m.liveCount.Add(-1)
	}
}

// RunSweepLoop runs Sweep on cfg.SweepInterval until ctx is cancelled.
func (m *Manager) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
