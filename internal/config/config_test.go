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
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "9090", cfg.GRPC.Port)
	assert.Equal(t, 0.0001, cfg.Billing.DefaultCTValueUSD)
	assert.False(t, cfg.Billing.Phase3Enabled)
	assert.Equal(t, 48*time.Hour, cfg.Calibration.Window)
	assert.Equal(t, int64(10000), cfg.Calibration.MinCTActualSum)
	assert.True(t, cfg.App.Development())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BILLING_PHASE3_ENABLED", "true")
	t.Setenv("MAX_CT_PER_REQUEST", "250")
	t.Setenv("MAX_DAILY_CT_PER_WORKSPACE", "5000")
	t.Setenv("CALIBRATION_APPLY_DELAY", "15m")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	w := cfg.Billing.Wallet()
	assert.True(t, w.Phase3Enabled)
	assert.Equal(t, int64(250), w.MaxCTPerRequest)
	assert.Equal(t, int64(5000), w.MaxDailyCTPerWorkspace)
	assert.Equal(t, 15*time.Minute, cfg.Calibration.Params().ApplyDelay)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.False(t, cfg.App.Development())
}

func TestLoadRejectsNonPositiveRate(t *testing.T) {
	t.Setenv("CT_DEFAULT_VALUE_USD", "0")
	_, err := Load()
	assert.Error(t, err)
}
