package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseRateLimit(t *testing.T) {
	rl, err := ParseRateLimit("10/min")
	require.NoError(t, err)
	assert.Equal(t, 10, rl.Limit)
	assert.Equal(t, time.Minute, rl.Window)

	rl, err = ParseRateLimit("500/hour")
	require.NoError(t, err)
	assert.Equal(t, 500, rl.Limit)
	assert.Equal(t, time.Hour, rl.Window)

	rl, err = ParseRateLimit("3/sec")
	require.NoError(t, err)
	assert.Equal(t, time.Second, rl.Window)

	_, err = ParseRateLimit("10")
	assert.Error(t, err)
	_, err = ParseRateLimit("x/min")
	assert.Error(t, err)
	_, err = ParseRateLimit("10/fortnight")
	assert.Error(t, err)
	_, err = ParseRateLimit("0/min")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tracetrack")
	t.Setenv("SESSION_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.IdleSessionTTL)
	assert.Equal(t, time.Hour, cfg.AbsoluteSessionTTL)
	assert.Equal(t, 5, cfg.LockoutThreshold)
	assert.Equal(t, 15*time.Minute, cfg.LockoutWindow)
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, 100, cfg.PoolOverflow)
	assert.Equal(t, RateLimit{Limit: 500, Window: time.Hour}, cfg.RateLimitDefault)
	assert.Equal(t, RateLimit{Limit: 10, Window: time.Minute}, cfg.RateLimitLogin)
	assert.True(t, cfg.Enable2FA)
	assert.Equal(t, 30.0, cfg.ParentWeightKG)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tracetrack")
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("ENV", "production")
	t.Setenv("IDLE_SESSION_SECS", "600")
	t.Setenv("LOCKOUT_THRESHOLD", "3")
	t.Setenv("RATE_LIMIT_LOGIN", "20/min")
	t.Setenv("PARENT_WEIGHT_KG", "25.5")
	t.Setenv("ENABLE_2FA", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 10*time.Minute, cfg.IdleSessionTTL)
	assert.Equal(t, 3, cfg.LockoutThreshold)
	assert.Equal(t, RateLimit{Limit: 20, Window: time.Minute}, cfg.RateLimitLogin)
	assert.Equal(t, 25.5, cfg.ParentWeightKG)
	assert.False(t, cfg.Enable2FA)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/tracetrack")
	t.Setenv("SESSION_SECRET", "short")
	_, err = Load("")
	assert.Error(t, err)
}
