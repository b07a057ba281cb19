// internal/sound/engine.go
package sound

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dlclark/regexp2"
)

// ansiSGR and ansiOSC strip the two escape sequence shapes a MUD line
// commonly carries around the very substring a trigger is meant to match
// (color/style codes and OSC window-title sequences) before trigger
// matching ever sees the line. Matched and discarded here, never stored:
// history and the client-visible transcript keep the raw, styled line.
var (
	ansiSGR = regexp.MustCompile("\x1b\\[[0-9;]*m")
	ansiOSC = regexp.MustCompile("\x1b\\][^\x07]*\x07")
)

// normalizeForMatch strips ANSI SGR/OSC escape sequences so a trigger
// written against plain text still fires on a line wrapped in color
// codes, mirroring the upstream MUD client's own display normalization.
func normalizeForMatch(line string) string {
	line = ansiSGR.ReplaceAllString(line, "")
	line = ansiOSC.ReplaceAllString(line, "")
	return line
}

// Engine evaluates every compiled rule's trigger against an upstream line
// and returns the events produced, in rule-declaration order (spec.md
// §4.6). It is the interface internal/session depends on.
type Engine interface {
	Evaluate(line string) []Event
}

// RuleEngine is the concrete Engine: a hot-swappable, declaration-ordered
// rule set. Rules are held behind an atomic pointer so ReloadFrom can
// swap in a freshly parsed set without a mutex on the evaluation hot
// path.
type RuleEngine struct {
	rules atomic.Pointer[[]*Rule]
	log   *slog.Logger
}

// NewEngine builds a RuleEngine starting from an already-compiled rule
// set (see ParseDocument/LoadFile).
func NewEngine(rules []*Rule, log *slog.Logger) *RuleEngine {
	e := &RuleEngine{log: log}
	e.rules.Store(&rules)
	return e
}

// ReloadFrom atomically replaces the active rule set, used by the
// fsnotify watcher on a successful re-parse (spec.md §7 RULE_PARSE_ERROR:
// a document that fails to parse leaves the previous rule set in
// effect — the caller simply does not call ReloadFrom on parse failure).
func (e *RuleEngine) ReloadFrom(rules []*Rule) {
	e.rules.Store(&rules)
	e.log.Info("sound rule set reloaded", "rule_count", len(rules))
}

// accumulator holds the channel/pan/volume/delay/sound_id state that
// channel/pan/volume/delay/sound_id calls set and that play/stop calls
// consume, left-to-right within one rule's send block (spec.md §4.6).
type accumulator struct {
	channel string
	pan     float64
	volume  float64
	delayMs int
	soundID string
}

// Evaluate tests every rule's trigger against line in declaration order;
// on match, interprets the send block and appends its events. Multiple
// matching rules concatenate their events in rule order.
func (e *RuleEngine) Evaluate(line string) []Event {
	rulesPtr := e.rules.Load()
	if rulesPtr == nil {
		return nil
	}

	line = normalizeForMatch(line)

	var events []Event
	for _, rule := range *rulesPtr {
		m, err := rule.trigger.FindStringMatch(line)
		if err != nil || m == nil {
			continue
		}
		events = append(events, e.runRule(rule, m)...)
	}
	return events
}

func (e *RuleEngine) runRule(rule *Rule, m *regexp2.Match) []Event {
	acc := accumulator{volume: 100}
	var out []Event

	for _, o := range rule.ops {
		switch o.kind {
		case "channel":
			acc.channel = o.value
		case "sound_id":
			acc.soundID = o.value
		case "pan":
			if v, err := strconv.ParseFloat(o.value, 64); err == nil {
				acc.pan = v
			}
		case "volume":
			if v, err := strconv.ParseFloat(o.value, 64); err == nil {
				acc.volume = v
			}
		case "delay":
			if v, err := strconv.Atoi(o.value); err == nil {
				acc.delayMs = v
			}
		case "play":
			out = append(out, Event{
				Action:  "play",
				Channel: acc.channel,
				Path:    interpolate(o.value, m),
				DelayMs: acc.delayMs,
				Pan:     acc.pan,
				Volume:  acc.volume,
				SoundID: acc.soundID,
			})
		case "stop":
			out = append(out, Event{
				Action:  "stop",
				Channel: acc.channel,
				Target:  interpolate(o.value, m),
			})
		default:
			e.log.Warn("unrecognized sound op ignored", "kind", o.kind, "rule", rule.source)
		}
	}
	return out
}

// interpolate replaces %1..%9 with the corresponding capture group from
// m, leaving unmatched placeholders untouched.
func interpolate(path string, m *regexp2.Match) string {
	if !strings.ContainsRune(path, '%') {
		return path
	}
	groups := m.Groups()
	for i := 1; i <= 9 && i < len(groups); i++ {
		placeholder := fmt.Sprintf("%%%d", i)
		if !strings.Contains(path, placeholder) {
			continue
		}
		path = strings.ReplaceAll(path, placeholder, groups[i].String())
	}
	return path
}
