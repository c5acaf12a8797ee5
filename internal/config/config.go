// Package config holds run configuration for the harvester. Values come from
// an optional YAML file, environment variables, and CLI flags, in increasing
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/listwatch/harvester/internal/errors"
)

// DelayRange bounds the randomized inter-page delay in milliseconds.
type DelayRange struct {
	MinMs int `yaml:"min_ms"`
	MaxMs int `yaml:"max_ms"`
}

// Config is the full run configuration.
type Config struct {
	StartURL string `yaml:"start_url"`

	// Collection controls.
	PageCeiling        int        `yaml:"page_ceiling"`
	CompletenessTarget float64    `yaml:"completeness_target"`
	RecheckInterval    int        `yaml:"recheck_interval"`
	MaxRetries         int        `yaml:"max_retries"`
	DelayRange         DelayRange `yaml:"delay_range"`

	// Scheduling.
	Workers         int           `yaml:"workers"`
	SchedulePolicy  string        `yaml:"schedule_policy"` // continuous|offset_start|night_window|weekend_only
	MaxRestarts     int           `yaml:"max_restarts"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
	WorkDir         string        `yaml:"work_dir"`

	// Renderer.
	Headless          bool          `yaml:"headless"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ChallengeTimeout  time.Duration `yaml:"challenge_timeout"`
	UserAgent         string        `yaml:"user_agent"`

	// Extraction profile (site-specific selector/regex tables).
	ProfilePath string `yaml:"profile"`

	// Persistence.
	DatabasePath string `yaml:"database_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	RedisAddr    string `yaml:"redis_addr"`

	// Observability.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns conservative defaults for a polite run.
func Default() *Config {
	return &Config{
		PageCeiling:        500,
		CompletenessTarget: 0.95,
		RecheckInterval:    25,
		MaxRetries:         3,
		DelayRange:         DelayRange{MinMs: 1500, MaxMs: 4500},
		Workers:            1,
		SchedulePolicy:     "continuous",
		MaxRestarts:        2,
		RestartCooldown:    30 * time.Second,
		WorkDir:            ".harvester",
		Headless:           true,
		NavigationTimeout:  45 * time.Second,
		ChallengeTimeout:   90 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		DatabasePath:       "harvester.db",
		LogLevel:           "info",
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StartURL = envString("HARVESTER_START_URL", c.StartURL)
	c.PageCeiling = envInt("HARVESTER_PAGE_CEILING", c.PageCeiling)
	c.CompletenessTarget = envFloat("HARVESTER_COMPLETENESS_TARGET", c.CompletenessTarget)
	c.RecheckInterval = envInt("HARVESTER_RECHECK_INTERVAL", c.RecheckInterval)
	c.MaxRetries = envInt("HARVESTER_MAX_RETRIES", c.MaxRetries)
	c.Workers = envInt("HARVESTER_WORKERS", c.Workers)
	c.SchedulePolicy = envString("HARVESTER_SCHEDULE_POLICY", c.SchedulePolicy)
	c.DatabasePath = envString("HARVESTER_DB", c.DatabasePath)
	c.PostgresDSN = envString("HARVESTER_PG_DSN", c.PostgresDSN)
	c.RedisAddr = envString("HARVESTER_REDIS_ADDR", c.RedisAddr)
	c.MetricsAddr = envString("HARVESTER_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envString("HARVESTER_LOG_LEVEL", c.LogLevel)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

var validPolicies = map[string]bool{
	"continuous":   true,
	"offset_start": true,
	"night_window": true,
	"weekend_only": true,
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.StartURL == "" {
		return fmt.Errorf("start URL cannot be empty")
	}
	if err := errors.ValidateURL(c.StartURL); err != nil {
		return fmt.Errorf("start URL: %w", err)
	}
	if c.PageCeiling <= 0 {
		return fmt.Errorf("page ceiling must be positive")
	}
	if c.CompletenessTarget <= 0 || c.CompletenessTarget > 1 {
		return fmt.Errorf("completeness target must be in (0, 1], got %v", c.CompletenessTarget)
	}
	if c.RecheckInterval <= 0 {
		return fmt.Errorf("recheck interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.DelayRange.MinMs < 0 || c.DelayRange.MaxMs < c.DelayRange.MinMs {
		return fmt.Errorf("delay range [%d, %d] is invalid", c.DelayRange.MinMs, c.DelayRange.MaxMs)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if !validPolicies[c.SchedulePolicy] {
		return fmt.Errorf("unknown schedule policy %q", c.SchedulePolicy)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max restarts cannot be negative")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive")
	}
	if c.ChallengeTimeout <= 0 {
		return fmt.Errorf("challenge timeout must be positive")
	}
	if c.DatabasePath == "" && c.PostgresDSN == "" {
		return fmt.Errorf("either database_path or postgres_dsn is required")
	}
	return nil
}

// Summary returns the configuration fields recorded in the session summary.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"start_url":           c.StartURL,
		"page_ceiling":        c.PageCeiling,
		"completeness_target": c.CompletenessTarget,
		"recheck_interval":    c.RecheckInterval,
		"max_retries":         c.MaxRetries,
		"delay_range_ms":      [2]int{c.DelayRange.MinMs, c.DelayRange.MaxMs},
		"workers":             c.Workers,
		"schedule_policy":     c.SchedulePolicy,
		"headless":            c.Headless,
	}
}
