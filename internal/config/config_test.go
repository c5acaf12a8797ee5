package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.StartURL = "https://marketplace.test/search"
	return cfg
}

func TestDefaultsAreValidWithStartURL(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.CompletenessTarget != 0.95 {
		t.Errorf("default completeness target = %v, want 0.95", cfg.CompletenessTarget)
	}
	if cfg.RecheckInterval != 25 {
		t.Errorf("default recheck interval = %d, want 25", cfg.RecheckInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("default max retries = %d, want 3", cfg.MaxRetries)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty start url", func(c *Config) { c.StartURL = "" }},
		{"bad scheme", func(c *Config) { c.StartURL = "ftp://x.test" }},
		{"zero ceiling", func(c *Config) { c.PageCeiling = 0 }},
		{"target above one", func(c *Config) { c.CompletenessTarget = 1.2 }},
		{"zero target", func(c *Config) { c.CompletenessTarget = 0 }},
		{"zero recheck", func(c *Config) { c.RecheckInterval = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"inverted delay range", func(c *Config) { c.DelayRange = DelayRange{MinMs: 500, MaxMs: 100} }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"unknown policy", func(c *Config) { c.SchedulePolicy = "lunar" }},
		{"no sink", func(c *Config) { c.DatabasePath = ""; c.PostgresDSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.yaml")
	raw := `
start_url: https://marketplace.test/search
page_ceiling: 120
completeness_target: 0.9
recheck_interval: 10
delay_range:
  min_ms: 2000
  max_ms: 6000
schedule_policy: night_window
restart_cooldown: 45s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageCeiling != 120 {
		t.Errorf("page ceiling = %d, want 120", cfg.PageCeiling)
	}
	if cfg.SchedulePolicy != "night_window" {
		t.Errorf("schedule policy = %q, want night_window", cfg.SchedulePolicy)
	}
	if cfg.RestartCooldown != 45*time.Second {
		t.Errorf("restart cooldown = %v, want 45s", cfg.RestartCooldown)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxRetries != 3 {
		t.Errorf("max retries = %d, want default 3", cfg.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HARVESTER_PAGE_CEILING", "77")
	t.Setenv("HARVESTER_SCHEDULE_POLICY", "weekend_only")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageCeiling != 77 {
		t.Errorf("page ceiling = %d, want 77 from env", cfg.PageCeiling)
	}
	if cfg.SchedulePolicy != "weekend_only" {
		t.Errorf("schedule policy = %q, want weekend_only from env", cfg.SchedulePolicy)
	}
}
