package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedProvider declares a provider configuration created on first start when
// the configuration store is empty.
type SeedProvider struct {
	Provider    string            `yaml:"provider"`
	DisplayName string            `yaml:"name"`
	Priority    int               `yaml:"priority"`
	Settings    map[string]string `yaml:"settings"`
}

// Config holds all application settings. Sensitive values can be overridden
// through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Routing struct {
		Strategy string `yaml:"strategy"` // "priority" or "performance"
	} `yaml:"routing"`

	Scheduler struct {
		IntervalSec     int  `yaml:"interval_sec"`
		InitialDelaySec int  `yaml:"initial_delay_sec"`
		BulkFetch       bool `yaml:"bulk_fetch"`
	} `yaml:"scheduler"`

	Health struct {
		IntervalSec      int     `yaml:"interval_sec"`
		ProbeTimeoutSec  int     `yaml:"probe_timeout_sec"`
		MaxConcurrent    int     `yaml:"max_concurrent"`
		LatencyCeilingMS float64 `yaml:"latency_ceiling_ms"`
	} `yaml:"health"`

	FallbackSymbols []string       `yaml:"fallback_symbols"`
	Providers       []SeedProvider `yaml:"providers"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides for secrets, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity, filling defaults where a zero
// value has a sensible one.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		c.Storage.Path = "data/stockfeed.db"
	}
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = "priority"
	}
	if c.Routing.Strategy != "priority" && c.Routing.Strategy != "performance" {
		return fmt.Errorf("unknown routing strategy: %s", c.Routing.Strategy)
	}
	if c.Scheduler.IntervalSec <= 0 {
		c.Scheduler.IntervalSec = 60
	}
	if c.Scheduler.InitialDelaySec < 0 {
		return fmt.Errorf("scheduler initial delay must not be negative")
	}
	if c.Health.IntervalSec <= 0 {
		c.Health.IntervalSec = 30
	}
	if c.Health.ProbeTimeoutSec <= 0 {
		c.Health.ProbeTimeoutSec = 10
	}
	if c.Health.MaxConcurrent <= 0 {
		c.Health.MaxConcurrent = 4
	}
	if c.Health.LatencyCeilingMS <= 0 {
		c.Health.LatencyCeilingMS = 5000
	}
	for i, p := range c.Providers {
		if p.Provider == "" {
			return fmt.Errorf("providers[%d]: provider type is required", i)
		}
	}
	return nil
}

// overrideWithEnv replaces seed provider secrets when matching environment
// variables exist, e.g. STOCKFEED_ALPHAVANTAGE_API_KEY for the
// "alphavantage" provider's api_key setting.
func overrideWithEnv(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := "STOCKFEED_" + strings.ToUpper(strings.ReplaceAll(p.Provider, "-", "_")) + "_"
		for key := range p.Settings {
			env := prefix + strings.ToUpper(key)
			if v := os.Getenv(env); v != "" {
				p.Settings[key] = v
			}
		}
	}
}
