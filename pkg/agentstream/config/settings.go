package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the resolved pipeline configuration. Every field carries a
// working default so an empty file (or no file) yields a usable pipeline.
type Settings struct {
	Validator ValidatorSettings
	Formatter FormatterSettings
	Stream    StreamSettings
	Handlers  HandlerSettings
	DLQ       DLQSettings
	Server    ServerSettings
}

// ValidatorSettings tunes ingress validation.
type ValidatorSettings struct {
	// IdleTTL evicts sequence tracking for sessions with no events.
	IdleTTL time.Duration
}

// FormatterSettings tunes wire-format conversion.
type FormatterSettings struct {
	// RetryHintMS is the client reconnect hint in milliseconds.
	RetryHintMS int

	// CacheSize bounds the formatted-record cache.
	CacheSize int
}

// StreamSettings tunes subscriber delivery.
type StreamSettings struct {
	ReplayWindow      int
	BufferCapacity    int
	HeartbeatInterval time.Duration
	CoalesceWindow    time.Duration
	StallTimeout      time.Duration
}

// HandlerSettings tunes dispatch and the built-in handlers.
type HandlerSettings struct {
	Timeout       time.Duration
	BatchWorkers  int
	EscalateAfter int
	AbortAfter    int
}

// DLQSettings tunes dead-letter retention.
type DLQSettings struct {
	// Path is the SQLite file. Empty keeps dead letters in memory only.
	Path string

	MaxSize    int
	RetryDelay time.Duration
}

// ServerSettings tunes the HTTP ingress/egress surface.
type ServerSettings struct {
	Addr           string
	AllowedOrigins []string
}

// DefaultSettings are the values used when no configuration is provided.
var DefaultSettings = Settings{
	Validator: ValidatorSettings{IdleTTL: 30 * time.Minute},
	Formatter: FormatterSettings{RetryHintMS: 3000, CacheSize: 512},
	Stream: StreamSettings{
		ReplayWindow:      256,
		BufferCapacity:    64,
		HeartbeatInterval: 15 * time.Second,
		CoalesceWindow:    150 * time.Millisecond,
		StallTimeout:      time.Minute,
	},
	Handlers: HandlerSettings{
		Timeout:       5 * time.Second,
		BatchWorkers:  8,
		EscalateAfter: 3,
		AbortAfter:    10,
	},
	DLQ: DLQSettings{MaxSize: 10000, RetryDelay: 30 * time.Second},
	Server: ServerSettings{
		Addr:           ":8080",
		AllowedOrigins: []string{"*"},
	},
}

// Settings resolves the configuration tree against the defaults.
//
//	validator:
//	  idle_ttl: 30m
//	stream:
//	  replay_window: 256
//	  heartbeat_interval: 15s
//	...
func (c Config) Settings() Settings {
	s := DefaultSettings

	v := c.Sub("validator")
	s.Validator.IdleTTL = v.Duration("idle_ttl", s.Validator.IdleTTL)

	f := c.Sub("formatter")
	s.Formatter.RetryHintMS = f.Int("retry_hint_ms", s.Formatter.RetryHintMS)
	s.Formatter.CacheSize = f.Int("cache_size", s.Formatter.CacheSize)

	st := c.Sub("stream")
	s.Stream.ReplayWindow = st.Int("replay_window", s.Stream.ReplayWindow)
	s.Stream.BufferCapacity = st.Int("buffer_capacity", s.Stream.BufferCapacity)
	s.Stream.HeartbeatInterval = st.Duration("heartbeat_interval", s.Stream.HeartbeatInterval)
	s.Stream.CoalesceWindow = st.Duration("coalesce_window", s.Stream.CoalesceWindow)
	s.Stream.StallTimeout = st.Duration("stall_timeout", s.Stream.StallTimeout)

	h := c.Sub("handlers")
	s.Handlers.Timeout = h.Duration("timeout", s.Handlers.Timeout)
	s.Handlers.BatchWorkers = h.Int("batch_workers", s.Handlers.BatchWorkers)
	s.Handlers.EscalateAfter = h.Int("escalate_after", s.Handlers.EscalateAfter)
	s.Handlers.AbortAfter = h.Int("abort_after", s.Handlers.AbortAfter)

	d := c.Sub("dlq")
	s.DLQ.Path = d.String("path", s.DLQ.Path)
	s.DLQ.MaxSize = d.Int("max_size", s.DLQ.MaxSize)
	s.DLQ.RetryDelay = d.Duration("retry_delay", s.DLQ.RetryDelay)

	srv := c.Sub("server")
	s.Server.Addr = srv.String("addr", s.Server.Addr)
	if srv.Has("allowed_origins") {
		if origins := stringSlice(srv.Raw()["allowed_origins"]); origins != nil {
			s.Server.AllowedOrigins = origins
		}
	}

	return s
}

// FromFile reads a settings file and resolves it against the defaults. The
// extension picks the format: .yaml, .yml, or .json.
func FromFile(path string) (Settings, error) {
	var decode func([]byte) (Config, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decode = FromYAML
	case ".json":
		decode = FromJSON
	default:
		return Settings{}, fmt.Errorf("settings file %s: unsupported extension", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Settings{}, err
	}
	return cfg.Settings(), nil
}

// FromYAML decodes YAML bytes into a Config tree.
func FromYAML(data []byte) (Config, error) {
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return Config{}, fmt.Errorf("decode yaml settings: %w", err)
	}
	return New(tree), nil
}

// FromJSON decodes JSON bytes into a Config tree.
func FromJSON(data []byte) (Config, error) {
	tree := map[string]any{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return Config{}, fmt.Errorf("decode json settings: %w", err)
	}
	return New(tree), nil
}

// stringSlice converts a decoded YAML/JSON list to []string, or nil if any
// element is not a string.
func stringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			result = append(result, s)
		}
		return result
	}
	return nil
}
