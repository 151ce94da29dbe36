// Package config defines the hub configuration model: YAML loading,
// environment overrides, validation, and a thread-safe wrapper for
// concurrent readers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML strings like "10s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete hub configuration.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Registry  RegistryConfig  `yaml:"registry"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Bus       BusConfig       `yaml:"bus"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HubConfig identifies the hub instance.
type HubConfig struct {
	ID          string `yaml:"id"`          // Hub identifier (e.g., "hub-local")
	Environment string `yaml:"environment"` // "prod", "dev", "test"
}

// RegistryConfig tunes the component registry.
type RegistryConfig struct {
	HistoryLimit    int      `yaml:"history_limit"`    // State history entries retained per component
	ReclaimAfter    Duration `yaml:"reclaim_after"`    // FAILED registrations older than this are reclaimed
	SnapshotPath    string   `yaml:"snapshot_path"`    // Optional periodic JSON snapshot ("" disables)
	SnapshotEvery   Duration `yaml:"snapshot_every"`   // Snapshot interval
	RestoreSnapshot bool     `yaml:"restore_snapshot"` // Load snapshot on start if present
}

// HeartbeatConfig tunes liveness detection.
type HeartbeatConfig struct {
	Interval       Duration            `yaml:"interval"`        // Expected heartbeat interval
	SweepInterval  Duration            `yaml:"sweep_interval"`  // Miss-detection sweep period
	DegradedMisses int                 `yaml:"degraded_misses"` // Consecutive misses before DEGRADED
	FailedMisses   int                 `yaml:"failed_misses"`   // Consecutive misses before FAILED
	TypeIntervals  map[string]Duration `yaml:"type_intervals"`  // Per component-type interval overrides
	RestartInitial Duration            `yaml:"restart_initial"` // Base delay for restart scheduling
	RestartMax     Duration            `yaml:"restart_max"`     // Cap for restart backoff
}

// BusConfig tunes the message bus.
type BusConfig struct {
	HistorySize      int      `yaml:"history_size"`      // Max retained envelopes per topic
	HistoryMaxAge    Duration `yaml:"history_max_age"`   // Envelopes older than this are expired
	SubscriberBuffer int      `yaml:"subscriber_buffer"` // Per-subscriber channel depth
	DeliveryTimeout  Duration `yaml:"delivery_timeout"`  // Max wait per subscriber delivery
	DeliveryWorkers  int      `yaml:"delivery_workers"`  // Fan-out worker pool size
	DeliveryQueue    int      `yaml:"delivery_queue"`    // Fan-out pool queue depth
}

// BreakerConfig tunes capability circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"` // Consecutive failures before OPEN
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`  // OPEN duration before a HALF_OPEN probe
	CallTimeout      Duration `yaml:"call_timeout"`      // Per capability-call timeout
}

// ResolverConfig tunes dependency cycle resolution.
type ResolverConfig struct {
	ResolutionBudget int `yaml:"resolution_budget"` // Max resolve passes before giving up
}

// GatewayConfig tunes the HTTP/WebSocket surface.
type GatewayConfig struct {
	Port           int      `yaml:"port"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"` // Assigned to inbound calls lacking a deadline
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration used when a field is unset.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ID:          "hub-local",
			Environment: "dev",
		},
		Registry: RegistryConfig{
			HistoryLimit:  50,
			ReclaimAfter:  Duration(30 * time.Minute),
			SnapshotEvery: Duration(time.Minute),
		},
		Heartbeat: HeartbeatConfig{
			Interval:       Duration(10 * time.Second),
			SweepInterval:  Duration(2 * time.Second),
			DegradedMisses: 3,
			FailedMisses:   6,
			RestartInitial: Duration(2 * time.Second),
			RestartMax:     Duration(2 * time.Minute),
		},
		Bus: BusConfig{
			HistorySize:      1000,
			HistoryMaxAge:    Duration(time.Hour),
			SubscriberBuffer: 256,
			DeliveryTimeout:  Duration(5 * time.Second),
			DeliveryWorkers:  16,
			DeliveryQueue:    4096,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			CallTimeout:      Duration(10 * time.Second),
		},
		Resolver: ResolverConfig{
			ResolutionBudget: 10,
		},
		Gateway: GatewayConfig{
			Port:           8100,
			ReadTimeout:    Duration(10 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			RequestTimeout: Duration(15 * time.Second),
			ShutdownGrace:  Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, applies
// HUBKIT_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies HUBKIT_* environment variables over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUBKIT_HUB_ID"); v != "" {
		cfg.Hub.ID = v
	}
	if v := os.Getenv("HUBKIT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("HUBKIT_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("HUBKIT_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.Interval = Duration(d)
		}
	}
	if v := os.Getenv("HUBKIT_SNAPSHOT_PATH"); v != "" {
		cfg.Registry.SnapshotPath = v
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Hub.ID == "" {
		return fmt.Errorf("config: hub.id is required")
	}
	if c.Registry.HistoryLimit <= 0 {
		return fmt.Errorf("config: registry.history_limit must be positive")
	}
	if c.Heartbeat.Interval.Std() <= 0 {
		return fmt.Errorf("config: heartbeat.interval must be positive")
	}
	if c.Heartbeat.SweepInterval.Std() <= 0 {
		return fmt.Errorf("config: heartbeat.sweep_interval must be positive")
	}
	if c.Heartbeat.DegradedMisses <= 0 {
		return fmt.Errorf("config: heartbeat.degraded_misses must be positive")
	}
	if c.Heartbeat.FailedMisses <= c.Heartbeat.DegradedMisses {
		return fmt.Errorf("config: heartbeat.failed_misses must exceed degraded_misses")
	}
	if c.Bus.HistorySize <= 0 {
		return fmt.Errorf("config: bus.history_size must be positive")
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: bus.subscriber_buffer must be positive")
	}
	if c.Bus.DeliveryTimeout.Std() <= 0 {
		return fmt.Errorf("config: bus.delivery_timeout must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout.Std() <= 0 {
		return fmt.Errorf("config: breaker.recovery_timeout must be positive")
	}
	if c.Resolver.ResolutionBudget <= 0 {
		return fmt.Errorf("config: resolver.resolution_budget must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("config: metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return DefaultConfig()
	}
	clone := *c
	if c.Heartbeat.TypeIntervals != nil {
		clone.Heartbeat.TypeIntervals = make(map[string]Duration, len(c.Heartbeat.TypeIntervals))
		for k, v := range c.Heartbeat.TypeIntervals {
			clone.Heartbeat.TypeIntervals[k] = v
		}
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// HeartbeatIntervalFor returns the expected heartbeat interval for a
// component type, falling back to the uniform default.
func (hc HeartbeatConfig) HeartbeatIntervalFor(componentType string) time.Duration {
	if d, ok := hc.TypeIntervals[componentType]; ok && d.Std() > 0 {
		return d.Std()
	}
	return hc.Interval.Std()
}
