// internal/sound/watch_test.go
package sound

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const wolfDoc = `
rules:
  - trigger: "^You hear (.*) howl$"
    send:
      - channel: fx
      - play: "wolf_%1.wav"
`

const ravenDoc = `
rules:
  - trigger: "^A raven caws$"
    send:
      - channel: fx
      - play: "raven.wav"
`

// waitForEvents polls engine.Evaluate until it returns a non-empty result
// or the deadline passes, since the watcher reloads asynchronously.
func waitForEvents(t *testing.T, engine *RuleEngine, line string) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := engine.Evaluate(line); len(events) > 0 {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rule set was never reloaded to match %q", line)
	return nil
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(wolfDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadFile(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(rules, testLogger())

	if events := engine.Evaluate("You hear grey howl"); len(events) != 1 {
		t.Fatalf("expected initial rule set to match, got %d events", len(events))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := WatchFile(ctx, path, engine, testLogger()); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(ravenDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	events := waitForEvents(t, engine, "A raven caws")
	if events[0].Path != "raven.wav" {
		t.Errorf("expected raven.wav, got %s", events[0].Path)
	}
	if events := engine.Evaluate("You hear grey howl"); len(events) != 0 {
		t.Errorf("expected the old wolf rule to no longer match after reload, got %d events", len(events))
	}
}

func TestWatchFileKeepsPreviousRuleSetOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(wolfDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadFile(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(rules, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := WatchFile(ctx, path, engine, testLogger()); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("not: [valid: yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a chance to observe and reject the broken write.
	time.Sleep(200 * time.Millisecond)

	if events := engine.Evaluate("You hear grey howl"); len(events) != 1 {
		t.Errorf("expected the previous rule set to keep serving after a bad reload, got %d events", len(events))
	}
}
