package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/tidwall/jsonc"
)

// Config is the broker's full configuration surface: listen address, the
// upstream MUD target, every tunable limit spec.md §3/§4 names, the
// manager's capacity/sweep knobs, the sound rule path, and the debug API
// gate. Duration fields round-trip through the JSONC file as plain
// nanosecond integers (encoding/json has no special case for
// time.Duration); env overrides accept friendly strings like "5s" since
// envdecode parses those natively.
type Config struct {
	Listen   string `json:"listen" env:"MUDBROKER_LISTEN,default=:8080"`
	LogLevel string `json:"log_level" env:"MUDBROKER_LOG_LEVEL,default=info"`
	RunDir   string `json:"run_dir" env:"MUDBROKER_RUN_DIR"`

	MUD struct {
		Host string `json:"host" env:"MUDBROKER_MUD_HOST,default=localhost"`
		Port int    `json:"port" env:"MUDBROKER_MUD_PORT,default=4000"`
	} `json:"mud"`

	Limits struct {
		HistoryMaxBytes   int           `json:"history_max_bytes" env:"MUDBROKER_HISTORY_MAX_BYTES,default=524288"`
		HistoryMaxLines   int           `json:"history_max_lines" env:"MUDBROKER_HISTORY_MAX_LINES,default=2000"`
		CommandQueueMax   int           `json:"command_queue_max" env:"MUDBROKER_COMMAND_QUEUE_MAX,default=10"`
		WriteTimeout      time.Duration `json:"write_timeout_ns" env:"MUDBROKER_WRITE_TIMEOUT,default=5s"`
		IdleTimeout       time.Duration `json:"idle_timeout_ns" env:"MUDBROKER_IDLE_TIMEOUT,default=10m"`
		PartialFlushAge   time.Duration `json:"partial_flush_age_ns" env:"MUDBROKER_PARTIAL_FLUSH_AGE,default=200ms"`
		PartialMaxBytes   int           `json:"partial_max_bytes" env:"MUDBROKER_PARTIAL_MAX_BYTES,default=4096"`
		DialTimeout       time.Duration `json:"dial_timeout_ns" env:"MUDBROKER_DIAL_TIMEOUT,default=10s"`
		MaxConcurrentDial int64         `json:"max_concurrent_dial" env:"MUDBROKER_MAX_CONCURRENT_DIAL,default=10"`
		ReadBufSize       int           `json:"read_buf_size" env:"MUDBROKER_READ_BUF_SIZE,default=4096"`
	} `json:"limits"`

	Manager struct {
		MaxSessions   int           `json:"max_sessions" env:"MUDBROKER_MAX_SESSIONS,default=50"`
		SweepInterval time.Duration `json:"sweep_interval_ns" env:"MUDBROKER_SWEEP_INTERVAL,default=60s"`
	} `json:"manager"`

	RateLimit struct {
		FramesPerSecond float64 `json:"frames_per_second" env:"MUDBROKER_RATE_FRAMES_PER_SECOND,default=20"`
		Burst           int     `json:"burst" env:"MUDBROKER_RATE_BURST,default=20"`
	} `json:"rate_limit"`

	Sound struct {
		RulesPath string `json:"rules_path" env:"MUDBROKER_RULES_PATH,default=rules.yaml"`
	} `json:"sound"`

	Debug struct {
		// Enabled has no env tag: envdecode's bool kind is
		// strconv.ParseBool-based and rejects "yes", which DEBUG must
		// accept (spec.md §6 DEBUG=true|1|yes). Parsed by hand in Load
		// via debugEnvEnabled instead.
		Enabled bool   `json:"enabled"`
		Secret  string `json:"secret" env:"MUDBROKER_DEBUG_API_SECRET"`
	} `json:"debug"`
}

// debugEnvEnabled reports whether the DEBUG environment variable
// authorizes debug mode. Accepts true/1/yes case-insensitively; any other
// non-empty value disables debug mode, and only an unset (empty) DEBUG
// leaves debug mode at the file's configured value.
func debugEnvEnabled(raw string) (bool, bool) {
	switch {
	case raw == "":
		return false, false
	case strings.EqualFold(raw, "true"), raw == "1", strings.EqualFold(raw, "yes"):
		return true, true
	default:
		return false, true
	}
}

// Load reads path (JSONC — comments stripped with github.com/tidwall/jsonc
// before encoding/json.Unmarshal) if it exists, writing a default file on
// first run, then overrides every field from environment variables
// (highest precedence) via github.com/joeshaw/envdecode, mirroring the
// teacher's file-then-env layering in internal/config/config.go.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(raw), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := envdecode.StrictDecode(cfg); err != nil {
		return nil, fmt.Errorf("decode env overrides: %w", err)
	}
	if enabled, set := debugEnvEnabled(os.Getenv("DEBUG")); set {
		cfg.Debug.Enabled = enabled
	}

	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(os.Getenv("HOME"), ".mudbroker")
	}
	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := envdecode.StrictDecode(cfg); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// Save persists cfg to path as indented JSON, writing a temp file first
// and renaming it into place.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// toMap round-trips cfg through JSON into a plain map, for ListValues,
// GetValue, and SetValue to operate on via Flatten/Unflatten.
func toMap(cfg *Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every configuration key in dot-separated flat form.
// When mask is true, secret values (see IsSecretKey) are redacted.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns one dot-separated key's
// value, masked if it is a secret.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	val, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return val, nil
}

// SetValue loads the config at path, sets one dot-separated key to value
// (parsed against the existing field's type), and saves the result.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	current, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	parsed, err := parseLike(current, value)
	if err != nil {
		return fmt.Errorf("parse value for %q: %w", key, err)
	}
	flat[key] = parsed

	nested := Unflatten(flat)
	raw, err := json.Marshal(nested)
	if err != nil {
		return fmt.Errorf("marshal updated config: %w", err)
	}
	updated := &Config{}
	if err := json.Unmarshal(raw, updated); err != nil {
		return fmt.Errorf("decode updated config: %w", err)
	}
	return Save(path, updated)
}

// parseLike parses raw against the runtime type of current, since the
// CLI only ever receives strings but the flat map holds typed values.
func parseLike(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case float64:
		if _, err := strconv.Atoi(raw); err == nil {
			return strconv.ParseFloat(raw, 64)
		}
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
