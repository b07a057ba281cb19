// internal/sound/watch.go
package sound

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchFile watches path for writes and reloads engine's rule set on
// every change, until ctx is cancelled. A document that fails to parse
// is logged and the previously active rule set keeps serving (spec.md
// §7 RULE_PARSE_ERROR, extended to whole-document hot-reload failures
// per SPEC_FULL.md §4.6).
func WatchFile(ctx context.Context, path string, engine *RuleEngine, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rules, err := LoadFile(path, log)
				if err != nil {
					log.Warn("rule document hot-reload failed, keeping previous rule set", "path", path, "error", err)
					continue
				}
				engine.ReloadFrom(rules)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("rule file watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
