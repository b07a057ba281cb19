// internal/session/state.go
package session

import "log/slog"

// ConnectionState is a session's position in its upstream lifecycle.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "DISCONNECTED"
	StateConnecting     ConnectionState = "CONNECTING"
	StateConnected      ConnectionState = "CONNECTED"
	StateAwaitingLogin  ConnectionState = "AWAITING_LOGIN"
	StateReconnecting   ConnectionState = "RECONNECTING"
)

// logStateChange logs a state transition at debug level, matching the
// volume the Python original's mud/state.py used (debug, not info — state
// changes are frequent and not operationally interesting by themselves).
func logStateChange(log *slog.Logger, publicID string, previous, next ConnectionState, context string) {
	log.Debug("state change",
		"public_id", publicID,
		"from", string(previous),
		"to", string(next),
		"context", context,
	)
}

// logStateRead logs an observation of current state, used sparingly on
// the few paths that branch on it outside the owning goroutine.
func logStateRead(log *slog.Logger, publicID string, state ConnectionState, context string) {
	log.Debug("state read",
		"public_id", publicID,
		"state", string(state),
		"context", context,
	)
}
