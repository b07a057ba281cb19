// internal/sound/models.go
package sound

import "github.com/dlclark/regexp2"

// Event is one structured sound instruction fanned out to clients
// verbatim (spec.md §4.6, narrowed from original_source/v3/app/sounds/models.py's
// SoundEvent to the fields the {play,stop,delay,pan,volume,channel,sound_id}
// subset actually populates).
type Event struct {
	Action  string  `json:"action"`
	Channel string  `json:"channel,omitempty"`
	Path    string  `json:"path,omitempty"`
	DelayMs int     `json:"delayMs,omitempty"`
	Pan     float64 `json:"pan,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	SoundID string  `json:"soundId,omitempty"`
	Target  string  `json:"target,omitempty"`
}

// op is one compiled call in a rule's send block.
type op struct {
	kind  string
	value string
}

// Rule is a compiled trigger + send block. Gag is parsed and retained on
// the rule for schema fidelity with the document contract, but is not
// wired to suppress line fan-out: doing so would violate the delivered-
// history-is-a-prefix-of-upstream guarantee the session's history ring
// depends on.
type Rule struct {
	source  string
	trigger *regexp2.Regexp
	gag     bool
	ops     []op
}
