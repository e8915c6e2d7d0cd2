package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 10, cfg.WSMaxReconnects)
	assert.False(t, cfg.DryRun)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_TTL", "2h")
	t.Setenv("SHUTDOWN_GRACE", "30")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("RATE_LIMIT_RPS", "5.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.True(t, cfg.DryRun)
	assert.InDelta(t, 5.5, cfg.RateLimitRPS, 1e-9)
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("X_DURATION", time.Minute))
}
