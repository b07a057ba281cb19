// internal/session/config.go
package session

import "time"

// Limits bundles the tunable budgets a Session enforces. All defaults
// mirror original_source/v3/app/config.py.
type Limits struct {
	HistoryMaxBytes int
	HistoryMaxLines int
	CommandQueueMax int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	PartialFlushAge time.Duration // spec.md §4.3: flush every 200ms
	PartialMaxBytes int           // spec.md §4.3: force-flush past 4KiB
}

// DefaultLimits returns the spec's defaults (spec.md §3/§4, confirmed by
// original_source/v3/app/config.py).
func DefaultLimits() Limits {
	return Limits{
		HistoryMaxBytes: 512 * 1024,
		HistoryMaxLines: 2000,
		CommandQueueMax: 10,
		WriteTimeout:    5 * time.Second,
		IdleTimeout:     10 * time.Minute,
		PartialFlushAge: 200 * time.Millisecond,
		PartialMaxBytes: 4 * 1024,
	}
}
