package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Limits      LimitsConfig      `yaml:"limits"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionsConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type CoordinatorConfig struct {
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`
	LaggardPolicy     string        `yaml:"laggard_policy"`
	DefaultStreams    []string      `yaml:"default_streams"`
}

type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	AssessAttempts   int           `yaml:"assess_attempts"`
	// DegradeOnCircuitOpen switches to basic mode while the circuit is open.
	DegradeOnCircuitOpen bool `yaml:"degrade_on_circuit_open"`
}

type BroadcastConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientBuffer      int           `yaml:"client_buffer"`
}

// LimitsConfig bounds session creation per client address.
type LimitsConfig struct {
	CreateRate  float64 `yaml:"create_rate"`
	CreateBurst int     `yaml:"create_burst"`
}

type WatchdogConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	MemoryHighPercent float64       `yaml:"memory_high_percent"`
	MemoryLowPercent  float64       `yaml:"memory_low_percent"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Sessions: SessionsConfig{
			MaxAge:        time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			CheckpointTimeout: 5 * time.Second,
			LaggardPolicy:     "low_confidence",
			DefaultStreams:    []string{"analytical", "creative", "critical", "synthetic"},
		},
		Resilience: ResilienceConfig{
			FailureThreshold:     5,
			BackoffBase:          10 * time.Millisecond,
			BackoffCap:           2 * time.Second,
			AssessAttempts:       3,
			DegradeOnCircuitOpen: true,
		},
		Broadcast: BroadcastConfig{
			HeartbeatInterval: 15 * time.Second,
			ClientBuffer:      64,
		},
		Limits: LimitsConfig{
			CreateRate:  2,
			CreateBurst: 10,
		},
		Watchdog: WatchdogConfig{
			Enabled:           true,
			Interval:          10 * time.Second,
			MemoryHighPercent: 90,
			MemoryLowPercent:  75,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

var (
	laggardPolicies = []string{"low_confidence", "fail"}
	logLevels       = []string{"debug", "info", "warn", "error"}
	logFormats      = []string{"text", "json"}
)

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Sessions.MaxAge > 0, "sessions.max_age must be positive")
	check(c.Sessions.SweepInterval > 0, "sessions.sweep_interval must be positive")
	check(c.Coordinator.CheckpointTimeout > 0, "coordinator.checkpoint_timeout must be positive")
	check(slices.Contains(laggardPolicies, c.Coordinator.LaggardPolicy),
		"coordinator.laggard_policy %q is not one of %s", c.Coordinator.LaggardPolicy, strings.Join(laggardPolicies, ", "))
	check(len(c.Coordinator.DefaultStreams) > 0, "coordinator.default_streams must not be empty")
	check(c.Resilience.FailureThreshold >= 1, "resilience.failure_threshold must be at least 1")
	check(c.Resilience.BackoffBase > 0, "resilience.backoff_base must be positive")
	check(c.Resilience.BackoffCap >= c.Resilience.BackoffBase, "resilience.backoff_cap must not be below backoff_base")
	check(c.Resilience.AssessAttempts >= 1, "resilience.assess_attempts must be at least 1")
	check(c.Broadcast.HeartbeatInterval > 0, "broadcast.heartbeat_interval must be positive")
	check(c.Broadcast.ClientBuffer >= 1, "broadcast.client_buffer must be at least 1")
	check(c.Limits.CreateRate > 0, "limits.create_rate must be positive")
	check(c.Limits.CreateBurst >= 1, "limits.create_burst must be at least 1")
	if c.Watchdog.Enabled {
		check(c.Watchdog.Interval > 0, "watchdog.interval must be positive")
		check(c.Watchdog.MemoryHighPercent > 0 && c.Watchdog.MemoryHighPercent <= 100,
			"watchdog.memory_high_percent %v out of range", c.Watchdog.MemoryHighPercent)
		check(c.Watchdog.MemoryLowPercent > 0 && c.Watchdog.MemoryLowPercent < c.Watchdog.MemoryHighPercent,
			"watchdog.memory_low_percent must be positive and below memory_high_percent")
	}
	check(slices.Contains(logLevels, strings.ToLower(c.Logging.Level)), "logging.level %q is not recognized", c.Logging.Level)
	check(slices.Contains(logFormats, strings.ToLower(c.Logging.Format)), "logging.format %q is not recognized", c.Logging.Format)

	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Diff lists the settings that differ between old and new, one
// "section.key: old → new" line each. Server and broadcast settings are
// left out since they only apply at startup.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		if as != bs {
			changes = append(changes, fmt.Sprintf("%s: %s → %s", key, as, bs))
		}
	}

	add("sessions.max_age", old.Sessions.MaxAge, new.Sessions.MaxAge)
	add("sessions.sweep_interval", old.Sessions.SweepInterval, new.Sessions.SweepInterval)
	add("coordinator.checkpoint_timeout", old.Coordinator.CheckpointTimeout, new.Coordinator.CheckpointTimeout)
	add("coordinator.laggard_policy", old.Coordinator.LaggardPolicy, new.Coordinator.LaggardPolicy)
	add("coordinator.default_streams", old.Coordinator.DefaultStreams, new.Coordinator.DefaultStreams)
	add("resilience.failure_threshold", old.Resilience.FailureThreshold, new.Resilience.FailureThreshold)
	add("resilience.backoff_base", old.Resilience.BackoffBase, new.Resilience.BackoffBase)
	add("resilience.backoff_cap", old.Resilience.BackoffCap, new.Resilience.BackoffCap)
	add("resilience.assess_attempts", old.Resilience.AssessAttempts, new.Resilience.AssessAttempts)
	add("resilience.degrade_on_circuit_open", old.Resilience.DegradeOnCircuitOpen, new.Resilience.DegradeOnCircuitOpen)
	add("limits.create_rate", old.Limits.CreateRate, new.Limits.CreateRate)
	add("limits.create_burst", old.Limits.CreateBurst, new.Limits.CreateBurst)
	add("watchdog.memory_high_percent", old.Watchdog.MemoryHighPercent, new.Watchdog.MemoryHighPercent)
	add("watchdog.memory_low_percent", old.Watchdog.MemoryLowPercent, new.Watchdog.MemoryLowPercent)
	add("logging.level", old.Logging.Level, new.Logging.Level)

	return changes
}
