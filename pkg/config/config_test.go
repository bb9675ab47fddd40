package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero takes default", 0, DefaultWaitMs},
		{"below minimum clamps up", 10, MinWaitMs},
		{"above maximum clamps down", 500000, MaxWaitMs},
		{"in range untouched", 5000, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := TenantConfig{WaitTimeBeforeReplyingMs: tt.in}
			tc.Normalize()
			assert.Equal(t, tt.want, tc.WaitTimeBeforeReplyingMs)
		})
	}

	t.Run("variance default", func(t *testing.T) {
		tc := TenantConfig{}
		tc.Normalize()
		assert.Equal(t, DefaultDelayVariancePercent, tc.DelayVariancePercent)
	})
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: "9090"
redis_addr: "redis:6379"
llm:
  model: gpt-4o-mini
defaults:
  wait_time_before_replying_ms: 3000
  communication_style: "formal"
tenants:
  acme:
    flow_id: onboarding
    wait_time_before_replying_ms: 50
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 3000, cfg.Defaults.WaitTimeBeforeReplyingMs)

	// Tenant clamps apply on load.
	acme := cfg.Tenant("acme")
	assert.Equal(t, "onboarding", acme.FlowID)
	assert.Equal(t, MinWaitMs, acme.WaitTimeBeforeReplyingMs)

	// Unknown tenants fall back to defaults.
	other := cfg.Tenant("unknown")
	assert.Equal(t, "formal", other.CommunicationStyle)
	assert.Equal(t, 3000, other.WaitTimeBeforeReplyingMs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("REDIS_ADDR", "other:6379")
	t.Setenv("LLM_MODEL", "gpt-4o")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.HTTPPort)
	assert.Equal(t, "other:6379", cfg.RedisAddr)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, DefaultCheckMs, cfg.CheckMs)
	assert.Equal(t, time.Duration(DefaultCheckMs)*time.Millisecond, cfg.CheckInterval())
	assert.Equal(t, DefaultWaitMs, cfg.Defaults.WaitTimeBeforeReplyingMs)
}

func TestLoadMissingFileIsTolerated(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants: ["), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWaitTime(t *testing.T) {
	tc := TenantConfig{WaitTimeBeforeReplyingMs: 2500}
	assert.Equal(t, 2500*time.Millisecond, tc.WaitTime())
}
