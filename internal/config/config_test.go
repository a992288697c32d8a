package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Resilience.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Resilience.FailureThreshold)
	}
	if !cfg.Resilience.DegradeOnCircuitOpen {
		t.Error("DegradeOnCircuitOpen = false, want true")
	}
	if len(cfg.Coordinator.DefaultStreams) != 4 {
		t.Errorf("len(DefaultStreams) = %d, want 4", len(cfg.Coordinator.DefaultStreams))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
coordinator:
  checkpoint_timeout: 2s
  laggard_policy: fail
  default_streams: [analytical, critical]
resilience:
  backoff_base: 50ms
  backoff_cap: 1s
logging:
  format: json
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "0.0.0.0:9090")
	}
	if cfg.Coordinator.CheckpointTimeout != 2*time.Second {
		t.Errorf("CheckpointTimeout = %v, want 2s", cfg.Coordinator.CheckpointTimeout)
	}
	if cfg.Coordinator.LaggardPolicy != "fail" {
		t.Errorf("LaggardPolicy = %q, want fail", cfg.Coordinator.LaggardPolicy)
	}
	if got := cfg.Coordinator.DefaultStreams; len(got) != 2 || got[1] != "critical" {
		t.Errorf("DefaultStreams = %v, want [analytical critical]", got)
	}
	if cfg.Resilience.BackoffBase != 50*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 50ms", cfg.Resilience.BackoffBase)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Resilience.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want default 5", cfg.Resilience.FailureThreshold)
	}
	if cfg.Sessions.MaxAge != time.Hour {
		t.Errorf("Sessions.MaxAge = %v, want default 1h", cfg.Sessions.MaxAge)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero checkpoint timeout", func(c *Config) { c.Coordinator.CheckpointTimeout = 0 }, "checkpoint_timeout"},
		{"unknown laggard policy", func(c *Config) { c.Coordinator.LaggardPolicy = "wait" }, "laggard_policy"},
		{"no streams", func(c *Config) { c.Coordinator.DefaultStreams = nil }, "default_streams"},
		{"zero threshold", func(c *Config) { c.Resilience.FailureThreshold = 0 }, "failure_threshold"},
		{"cap below base", func(c *Config) { c.Resilience.BackoffCap = time.Millisecond }, "backoff_cap"},
		{"low above high", func(c *Config) { c.Watchdog.MemoryLowPercent = 95 }, "memory_low_percent"},
		{"watchdog disabled skips checks", func(c *Config) {
			c.Watchdog.Enabled = false
			c.Watchdog.MemoryLowPercent = 95
		}, ""},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"zero burst", func(c *Config) { c.Limits.CreateBurst = 0 }, "create_burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("resilience:\n  failure_threshold: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() should reject failure_threshold 0")
	}
}

func TestDiffNoChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if changes := Diff(a, b); len(changes) != 0 {
		t.Errorf("Diff of identical configs = %v, want empty", changes)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	old := defaultConfig()
	new := defaultConfig()

	new.Coordinator.LaggardPolicy = "fail"
	new.Resilience.BackoffCap = time.Second
	new.Coordinator.DefaultStreams = []string{"analytical"}
	new.Server.Port = 9999

	changes := Diff(old, new)

	found := map[string]bool{}
	for _, c := range changes {
		found[c] = true
	}
	want := []string{
		"coordinator.laggard_policy: low_confidence → fail",
		"resilience.backoff_cap: 2s → 1s",
		"coordinator.default_streams: [analytical creative critical synthetic] → [analytical]",
	}
	for _, w := range want {
		if !found[w] {
			t.Errorf("Missing expected change: %q\nGot: %v", w, changes)
		}
	}
	if len(changes) != len(want) {
		t.Errorf("got %d changes, want %d: %v", len(changes), len(want), changes)
	}
}

func TestWatchAppliesReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("coordinator:\n  checkpoint_timeout: 5s\n"), 0644); err != nil {
		t.Fatal(err)
	}
	current, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, cfgPath, current, nil, func(c *Config, _ []string) { applied <- c })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(cfgPath, []byte("resilience:\n  failure_threshold: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDelay)

	if err := os.WriteFile(cfgPath, []byte("coordinator:\n  checkpoint_timeout: 1s\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-applied:
		if c.Coordinator.CheckpointTimeout != time.Second {
			t.Errorf("CheckpointTimeout = %v, want 1s", c.Coordinator.CheckpointTimeout)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload was not applied")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
