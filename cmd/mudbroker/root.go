package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/config"
	"github.com/pedro-hdias/mudbroker/internal/debugapi"
)

// debugAPIAddr is where serve mounts internal/debugapi.Server when
// cfg.Debug.Enabled, and where status/cmd_lifecycle.go looks for it.
const debugAPIAddr = ":9090"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "mudbroker",
	Short: "Multi-user session broker for a line-oriented MUD server",
}

func init() {
	defaultPath := filepath.Join(os.Getenv("HOME"), ".mudbroker", "config.json")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultPath, "config file path")
}

// loadConfig loads the config at cfgPath, exiting with the config-error
// status (spec.md §6: exit code 2) on failure. Every subcommand resolves
// its configuration through this single path.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// setupLogging installs the process-wide slog default logger at the
// level cfg.LogLevel names, writing to stderr as text.
func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// slogFromRing wraps base's handler so every record it logs is also
// mirrored into ring, for the debug API's /logs and /api/logs/stream.
func slogFromRing(base *slog.Logger, ring *debugapi.Ring) *slog.Logger {
	return slog.New(debugapi.WrapHandler(base.Handler(), ring))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
