// Package config defines the orchestrator's runtime configuration: its
// schema, JSON/YAML/TOML loading, and the copy-on-write atomic swap used
// for runtime overrides (spec.md §5: "Config: copy-on-write;
// update_config swaps atomically").
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full configuration. Fields marked with a
// "Mutable" doc note may be changed at runtime via the admin endpoint;
// the rest are fixed once Start() has read them.
type Config struct {
	// MaxConcurrency is the upper bound of the worker pool. Mutable.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
	// RetryAttempts is the number of attempts including the first. Mutable.
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts" toml:"retry_attempts"`
	// BackoffFactor: attempt i sleeps factor*2^i seconds. Mutable.
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
	// CircuitBreakerThreshold is the number of failures to open the circuit. Mutable.
	CircuitBreakerThreshold int `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold" toml:"circuit_breaker_threshold"`
	// CircuitBreakerTimeout is seconds before a half-open probe. Mutable.
	CircuitBreakerTimeout float64 `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout" toml:"circuit_breaker_timeout"`
	// TaskTimeout is the per-attempt timeout in seconds. Mutable.
	TaskTimeout float64 `json:"task_timeout" yaml:"task_timeout" toml:"task_timeout"`

	// ServiceRateLimits maps service name to (capacity, refill_rate).
	ServiceRateLimits map[string][2]float64 `json:"service_rate_limits" yaml:"service_rate_limits" toml:"service_rate_limits"`
	// ServiceConcurrency maps service name to its max concurrent tasks.
	ServiceConcurrency map[string]int `json:"service_concurrency" yaml:"service_concurrency" toml:"service_concurrency"`

	// AutoscaleInterval is the seconds between autoscaler loop iterations.
	AutoscaleInterval float64 `json:"autoscale_interval" yaml:"autoscale_interval" toml:"autoscale_interval"`

	// WALPath is the filesystem path of the write-ahead log.
	WALPath string `json:"wal_path" yaml:"wal_path" toml:"wal_path"`
	// LeaderLockPath is the filesystem path of the advisory leader lock.
	// Defaults to WALPath + ".lock" if empty.
	LeaderLockPath string `json:"leader_lock_path" yaml:"leader_lock_path" toml:"leader_lock_path"`
	// AdminPort is the local TCP port for the admin endpoint; 0 chooses a
	// free port; a nil/absent value (represented here as -1) disables it.
	AdminPort int `json:"admin_port" yaml:"admin_port" toml:"admin_port"`

	// LogLevel is the minimum level emitted by internal/logging.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// LogFormat is "json" (default) or "console".
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	// ShutdownGracePeriod bounds how long Stop() waits for in-flight
	// handlers, in seconds.
	ShutdownGracePeriod float64 `json:"shutdown_grace_period" yaml:"shutdown_grace_period" toml:"shutdown_grace_period"`
}

// Default returns a Config populated with spec.md §6's documented
// defaults. WALPath is required and left empty; callers must set it.
func Default() Config {
	return Config{
		MaxConcurrency:          5,
		RetryAttempts:           3,
		BackoffFactor:           0.5,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30.0,
		TaskTimeout:             30.0,
		ServiceRateLimits:       map[string][2]float64{},
		ServiceConcurrency:      map[string]int{},
		AutoscaleInterval:       0.5,
		AdminPort:               -1,
		LogLevel:                "info",
		LogFormat:               "json",
		ShutdownGracePeriod:     30.0,
	}
}

// Validate checks invariants that must hold regardless of source (file,
// env, admin override).
func (c Config) Validate() error {
	if c.WALPath == "" {
		return fmt.Errorf("config: wal_path is required")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("config: max_concurrency must be >= 1")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: retry_attempts must be >= 1")
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: circuit_breaker_threshold must be >= 1")
	}
	if c.AutoscaleInterval <= 0 {
		return fmt.Errorf("config: autoscale_interval must be > 0")
	}
	return nil
}

// ResolvedLeaderLockPath returns LeaderLockPath, defaulting to
// WALPath+".lock" when unset (spec.md §6).
func (c Config) ResolvedLeaderLockPath() string {
	if c.LeaderLockPath != "" {
		return c.LeaderLockPath
	}
	return c.WALPath + ".lock"
}

// TaskTimeoutDuration is TaskTimeout as a time.Duration.
func (c Config) TaskTimeoutDuration() time.Duration {
	return secondsToDuration(c.TaskTimeout)
}

// BackoffFactorDuration is BackoffFactor as a time.Duration base unit.
func (c Config) BackoffFactorDuration() time.Duration {
	return secondsToDuration(c.BackoffFactor)
}

// CircuitBreakerTimeoutDuration is CircuitBreakerTimeout as a time.Duration.
func (c Config) CircuitBreakerTimeoutDuration() time.Duration {
	return secondsToDuration(c.CircuitBreakerTimeout)
}

// AutoscaleIntervalDuration is AutoscaleInterval as a time.Duration.
func (c Config) AutoscaleIntervalDuration() time.Duration {
	return secondsToDuration(c.AutoscaleInterval)
}

// ShutdownGracePeriodDuration is ShutdownGracePeriod as a time.Duration.
func (c Config) ShutdownGracePeriodDuration() time.Duration {
	return secondsToDuration(c.ShutdownGracePeriod)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Format names a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromExtension infers a Format from a file's extension, defaulting
// to JSON (spec.md §6: "JSON file (and optionally YAML)").
func FormatFromExtension(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Load reads and parses a config file at path, starting from Default() so
// any fields the file omits keep their default value.
func Load(path string, format Format) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse toml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MutableFields lists the config keys that are allowed in a runtime
// override (spec.md §4.9/§6: the ✎-marked fields).
var MutableFields = map[string]bool{
	"max_concurrency":           true,
	"retry_attempts":            true,
	"backoff_factor":            true,
	"circuit_breaker_threshold": true,
	"circuit_breaker_timeout":   true,
	"task_timeout":              true,
}

// Holder is an atomically-swappable Config, implementing the
// copy-on-write policy spec.md §5 requires.
type Holder struct {
	ptr atomic.Pointer[Config]
}

// NewHolder creates a Holder seeded with initial.
func NewHolder(initial Config) *Holder {
	h := &Holder{}
	c := initial
	h.ptr.Store(&c)
	return h
}

// Load returns the current config snapshot.
func (h *Holder) Load() Config {
	return *h.ptr.Load()
}

// Change describes one field's transition, for WAL config_override
// records and admin responses.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Apply validates and applies a set of overrides atomically, returning the
// map of changes actually made (unknown keys are silently ignored per
// spec.md §4.9). It does not itself persist anything; callers (the
// orchestrator facade) are responsible for making the WAL append durable
// before calling Apply, per SPEC_FULL.md's resolution of the open
// question in spec.md §9.
func (h *Holder) Apply(overrides map[string]any) (map[string]Change, error) {
	current := h.Load()
	next := current
	changes := make(map[string]Change)

	for key, value := range overrides {
		if !MutableFields[key] {
			continue
		}
		old, err := applyField(&next, key, value)
		if err != nil {
			return nil, err
		}
		changes[key] = Change{Old: old, New: value}
	}

	if len(changes) == 0 {
		return changes, nil
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	h.ptr.Store(&next)
	return changes, nil
}

func applyField(c *Config, key string, value any) (old any, err error) {
	asFloat := func(v any) (float64, error) {
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		default:
			return 0, fmt.Errorf("config: field %q expects a number, got %T", key, v)
		}
	}
	asInt := func(v any) (int, error) {
		f, err := asFloat(v)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	}

	switch key {
	case "max_concurrency":
		old = c.MaxConcurrency
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.MaxConcurrency = n
	case "retry_attempts":
		old = c.RetryAttempts
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.RetryAttempts = n
	case "backoff_factor":
		old = c.BackoffFactor
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		c.BackoffFactor = f
	case "circuit_breaker_threshold":
		old = c.CircuitBreakerThreshold
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.CircuitBreakerThreshold = n
	case "circuit_breaker_timeout":
		old = c.CircuitBreakerTimeout
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		c.CircuitBreakerTimeout = f
	case "task_timeout":
		old = c.TaskTimeout
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		c.TaskTimeout = f
	default:
		return nil, fmt.Errorf("config: unknown mutable field %q", key)
	}
	return old, nil
}
