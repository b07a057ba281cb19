// internal/envelope/codes.go
package envelope

// Close codes the broker uses when it closes a transport. Carried from
// original_source/v3/app/config.py's WS_CLOSE_CODES, plus MaxSessions
// which the distilled spec.md dropped (original_source/v3 wires it,
// SPEC_FULL.md §6 restores it).
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseWriteError    = 1011
	CloseRateLimited   = 1013
	CloseOwnerMismatch = 4003
	CloseMaxSessions   = 4008
)

// Error kinds. Names are categorical (spec.md §7), not Go error types;
// each maps to one of a small, fixed set of sentinel errors below.
var (
	ErrMalformedFrame = newKindError("MALFORMED_FRAME")
	ErrOversizedFrame = newKindError("OVERSIZED_FRAME")
	ErrRateLimited    = newKindError("RATE_LIMITED")
	ErrClosed         = newKindError("CLOSED")
)

type kindError string

func newKindError(kind string) error { return kindError(kind) }

func (k kindError) Error() string { return string(k) }
