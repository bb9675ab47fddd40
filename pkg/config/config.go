// Package config loads service configuration from YAML plus environment
// overrides, and defines per-tenant behavior settings with their clamps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Wait-window clamps (spec: default 60s, bounded 100ms..120s).
const (
	DefaultWaitMs = 60000
	MinWaitMs     = 100
	MaxWaitMs     = 120000

	DefaultCheckMs              = 1000
	DefaultDelayVariancePercent = 20
)

// TenantConfig is the per-tenant behavior configuration.
type TenantConfig struct {
	FlowID                   string `yaml:"flow_id"`
	WaitTimeBeforeReplyingMs int    `yaml:"wait_time_before_replying_ms"`
	TypingIndicatorEnabled   bool   `yaml:"typing_indicator_enabled"`
	MinTypingDurationMs      int    `yaml:"min_typing_duration_ms"`
	MaxTypingDurationMs      int    `yaml:"max_typing_duration_ms"`
	NaturalDelaysEnabled     bool   `yaml:"natural_delays_enabled"`
	DelayVariancePercent     int    `yaml:"delay_variance_percent"`
	CommunicationStyle       string `yaml:"communication_style"`
	ProjectDescription       string `yaml:"project_description"`
	TargetAudience           string `yaml:"target_audience"`
}

// Normalize applies defaults and clamps to the tenant config.
func (t *TenantConfig) Normalize() {
	if t.WaitTimeBeforeReplyingMs == 0 {
		t.WaitTimeBeforeReplyingMs = DefaultWaitMs
	}
	if t.WaitTimeBeforeReplyingMs < MinWaitMs {
		t.WaitTimeBeforeReplyingMs = MinWaitMs
	}
	if t.WaitTimeBeforeReplyingMs > MaxWaitMs {
		t.WaitTimeBeforeReplyingMs = MaxWaitMs
	}
	if t.DelayVariancePercent == 0 {
		t.DelayVariancePercent = DefaultDelayVariancePercent
	}
}

// WaitTime returns the normalized inactivity window as a duration.
func (t *TenantConfig) WaitTime() time.Duration {
	return time.Duration(t.WaitTimeBeforeReplyingMs) * time.Millisecond
}

// LLMConfig configures the LLM adapter.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMs   int     `yaml:"timeout_ms"`
	MaxRetries  int     `yaml:"max_retries"`
}

// Config is the umbrella service configuration.
type Config struct {
	HTTPPort       string `yaml:"http_port"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisNamespace string `yaml:"redis_namespace"`
	DatabaseURL    string `yaml:"database_url"`
	CheckMs        int    `yaml:"check_interval_ms"`

	LLM      LLMConfig               `yaml:"llm"`
	Defaults TenantConfig            `yaml:"defaults"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
}

// Load reads configuration from a YAML file (optional) and applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(&cfg.HTTPPort, "HTTP_PORT", "8080")
	applyEnv(&cfg.RedisAddr, "REDIS_ADDR", "localhost:6379")
	applyEnv(&cfg.RedisNamespace, "REDIS_NAMESPACE", "")
	applyEnv(&cfg.DatabaseURL, "DATABASE_URL", "")
	applyEnv(&cfg.LLM.APIKey, "LLM_API_KEY", "")
	applyEnv(&cfg.LLM.BaseURL, "LLM_BASE_URL", "")
	applyEnv(&cfg.LLM.Model, "LLM_MODEL", "")

	if cfg.CheckMs <= 0 {
		cfg.CheckMs = DefaultCheckMs
	}
	cfg.Defaults.Normalize()
	for id, tc := range cfg.Tenants {
		tc.Normalize()
		cfg.Tenants[id] = tc
	}
	return cfg, nil
}

// Tenant returns the configuration for a tenant, falling back to defaults.
func (c *Config) Tenant(id string) TenantConfig {
	if tc, ok := c.Tenants[id]; ok {
		return tc
	}
	return c.Defaults
}

// CheckInterval returns the debounce poll interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckMs) * time.Millisecond
}

func applyEnv(target *string, key, fallback string) {
	if v := os.Getenv(key); v != "" {
		*target = v
		return
	}
	if *target == "" {
		*target = fallback
	}
}
