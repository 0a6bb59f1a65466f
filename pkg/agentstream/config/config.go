// Package config resolves pipeline settings from YAML or JSON files. Files
// decode into a loose key tree; Settings binds the tree onto typed defaults,
// so a partial file (or none at all) yields a working pipeline.
package config

import (
	"time"
)

// Config is a decoded configuration tree. Accessors fall back to the given
// default when a key is absent or holds the wrong type; they never error.
type Config struct {
	tree map[string]any
}

// New wraps a decoded key tree. A nil tree is an empty Config.
func New(tree map[string]any) Config {
	if tree == nil {
		tree = map[string]any{}
	}
	return Config{tree: tree}
}

// Has reports whether the key is present.
func (c Config) Has(key string) bool {
	_, ok := c.tree[key]
	return ok
}

// String returns the string at key, or fallback.
func (c Config) String(key, fallback string) string {
	if s, ok := c.tree[key].(string); ok {
		return s
	}
	return fallback
}

// Int returns the integer at key, or fallback. JSON decodes numbers as
// float64; whole floats convert, fractional ones fall back.
func (c Config) Int(key string, fallback int) int {
	switch n := c.tree[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	return fallback
}

// Duration returns the duration at key, or fallback. Strings go through
// time.ParseDuration ("15s", "30m"); bare numbers are seconds.
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	switch v := c.tree[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	}
	return fallback
}

// Sub returns the nested Config at key. Missing keys and scalar values both
// yield an empty Config, so chained lookups stay fallback-safe.
func (c Config) Sub(key string) Config {
	if m, ok := c.tree[key].(map[string]any); ok {
		return New(m)
	}
	return New(nil)
}

// Raw exposes the underlying tree for the few list-valued keys the typed
// accessors do not cover. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.tree
}
