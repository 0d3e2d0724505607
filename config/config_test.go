package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperctl/scraperctl/config"
)

func TestLoad_DefaultsAreApplied(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, 8, cfg.Scheduler.ConcurrentRequests)
	require.Equal(t, 30, cfg.Session.TimeoutSeconds)
	require.Equal(t, "exponential_jitter", cfg.Retry.Strategy)
	require.Equal(t, []int{429, 500, 502, 503, 504}, cfg.Retry.Statuses)
	require.False(t, cfg.Retry.Enabled)
	require.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("SCRAPERCTL_SCHEDULER_CONCURRENT_REQUESTS", "64")
	t.Setenv("SCRAPERCTL_RETRY_ENABLED", "true")

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, 64, cfg.Scheduler.ConcurrentRequests)
	require.True(t, cfg.Retry.Enabled)
}

func TestConfig_ValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scheduler.ConcurrentRequests = 0

	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsAdaptiveWithoutRateLimit(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Adaptive.Enabled = true
	cfg.RateLimit.Enabled = false

	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsUnknownRetryStrategy(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Retry.Strategy = "fibonacci"

	require.Error(t, cfg.Validate())
}

func TestDurationHelpers_ConvertFromConfiguredUnits(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Session.TimeoutSeconds = 5
	cfg.Scheduler.CloseTimeoutSeconds = 2
	cfg.Execution.TimeoutSeconds = 0
	cfg.Execution.ShutdownTimeoutSeconds = 10
	cfg.Execution.ShutdownCheckIntervalMillis = 50

	require.Equal(t, 5*time.Second, cfg.SessionTimeout())
	require.Equal(t, 2*time.Second, cfg.Scheduler.CloseTimeout())
	require.Equal(t, time.Duration(0), cfg.Execution.Timeout())
	require.Equal(t, 10*time.Second, cfg.Execution.ShutdownTimeout())
	require.Equal(t, 50*time.Millisecond, cfg.Execution.ShutdownCheckInterval())
}
