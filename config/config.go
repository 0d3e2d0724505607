// Package config loads engine configuration via Viper: defaults, an
// optional config file, and environment variables whose keys are the
// snake-uppercased dotted path into the structure below (e.g.
// SCRAPERCTL_RETRY_ATTEMPTS overrides retry.attempts). Grounded on
// JakeFAU's internal/config/config.go (the per-block mapstructure
// struct shape, viper.New()+Unmarshal+Validate flow) and
// pkg/config/viper.go (the env-prefix/replacer setup), generalized to
// the configuration blocks spec.md §6 enumerates rather than the
// teacher's crawler-specific blocks.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every engine configuration knob loaded via Viper.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Adaptive  AdaptiveConfig  `mapstructure:"adaptive"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SessionConfig governs the default HTTP session: per-request
// deadline, TLS verification, and proxy selection.
type SessionConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	TLSVerify      bool              `mapstructure:"tls_verify"`
	CAPath         string            `mapstructure:"ca_path"`
	Proxy          string            `mapstructure:"proxy"`
	ProxyByScheme  map[string]string `mapstructure:"proxy_by_scheme"`
	HTTPBackend    string            `mapstructure:"http_backend"`
}

// SchedulerConfig governs the priority-queued worker pool.
type SchedulerConfig struct {
	ConcurrentRequests int `mapstructure:"concurrent_requests"`
	PendingRequests    int `mapstructure:"pending_requests"`
	CloseTimeoutSeconds int `mapstructure:"close_timeout_seconds"`
	ReadyQueueMaxSize  int `mapstructure:"ready_queue_max_size"`
}

// ExecutionConfig governs the runner's startup/shutdown lifecycle.
type ExecutionConfig struct {
	TimeoutSeconds              int    `mapstructure:"timeout_seconds"`
	ShutdownTimeoutSeconds      int    `mapstructure:"shutdown_timeout_seconds"`
	ShutdownCheckIntervalMillis int    `mapstructure:"shutdown_check_interval_millis"`
	LogLevel                    string `mapstructure:"log_level"`
}

// PipelineConfig governs the pipeline dispatcher's unknown-item policy.
type PipelineConfig struct {
	Strict bool `mapstructure:"strict"`
}

// RateLimitConfig governs the fixed-mode rate limiter.
type RateLimitConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	DefaultIntervalMillis int    `mapstructure:"default_interval_millis"`
	GroupBy               string `mapstructure:"group_by"`
	CleanupTimeoutSeconds int    `mapstructure:"cleanup_timeout_seconds"`
}

// AdaptiveConfig governs the EWMA+AIMD adaptation layer.
type AdaptiveConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MinIntervalMillis    int     `mapstructure:"min_interval_millis"`
	MaxIntervalMillis    int     `mapstructure:"max_interval_millis"`
	IncreaseFactor       float64 `mapstructure:"increase_factor"`
	DecreaseStepMillis   int     `mapstructure:"decrease_step_millis"`
	SuccessThreshold     int     `mapstructure:"success_threshold"`
	EWMAAlpha            float64 `mapstructure:"ewma_alpha"`
	RespectRetryAfter    bool    `mapstructure:"respect_retry_after"`
	InheritRetryTriggers bool    `mapstructure:"inherit_retry_triggers"`
}

// RetryConfig governs the retry exception middleware.
type RetryConfig struct {
	Enabled                      bool     `mapstructure:"enabled"`
	Attempts                     int      `mapstructure:"attempts"`
	Strategy                     string   `mapstructure:"strategy"` // constant|linear|exponential|exponential_jitter
	BaseDelayMillis              int      `mapstructure:"base_delay_millis"`
	MaxDelayMillis               int      `mapstructure:"max_delay_millis"`
	Statuses                     []int    `mapstructure:"statuses"`
	ExceptionKinds                []string `mapstructure:"exception_kinds"`
	MiddlewarePriority            int      `mapstructure:"middleware_priority"`
	StopProcessingAfterReenqueue bool     `mapstructure:"stop_processing_after_reenqueue"`
}

// LoggingConfig governs the zap logger built at startup.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file at path (skipped
// if empty), and environment variables prefixed SCRAPERCTL_.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.timeout_seconds", 30)
	v.SetDefault("session.tls_verify", true)
	v.SetDefault("session.http_backend", "net/http")

	v.SetDefault("scheduler.concurrent_requests", 8)
	v.SetDefault("scheduler.pending_requests", 0)
	v.SetDefault("scheduler.close_timeout_seconds", 30)
	v.SetDefault("scheduler.ready_queue_max_size", 0)

	v.SetDefault("execution.timeout_seconds", 0)
	v.SetDefault("execution.shutdown_timeout_seconds", 30)
	v.SetDefault("execution.shutdown_check_interval_millis", 100)
	v.SetDefault("execution.log_level", "info")

	v.SetDefault("pipeline.strict", false)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_interval_millis", 0)
	v.SetDefault("rate_limit.group_by", "host")
	v.SetDefault("rate_limit.cleanup_timeout_seconds", 600)

	v.SetDefault("adaptive.enabled", false)
	v.SetDefault("adaptive.min_interval_millis", 0)
	v.SetDefault("adaptive.max_interval_millis", 60000)
	v.SetDefault("adaptive.increase_factor", 2.0)
	v.SetDefault("adaptive.decrease_step_millis", 50)
	v.SetDefault("adaptive.success_threshold", 5)
	v.SetDefault("adaptive.ewma_alpha", 0.3)
	v.SetDefault("adaptive.respect_retry_after", true)
	v.SetDefault("adaptive.inherit_retry_triggers", true)

	v.SetDefault("retry.enabled", false)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.strategy", "exponential_jitter")
	v.SetDefault("retry.base_delay_millis", 250)
	v.SetDefault("retry.max_delay_millis", 30000)
	v.SetDefault("retry.statuses", []int{429, 500, 502, 503, 504})
	v.SetDefault("retry.middleware_priority", 100)
	v.SetDefault("retry.stop_processing_after_reenqueue", false)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scheduler.ConcurrentRequests <= 0 {
		return fmt.Errorf("scheduler.concurrent_requests must be > 0")
	}
	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("session.timeout_seconds must be > 0")
	}
	if c.Retry.Enabled && c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must be >= 0")
	}
	if c.Adaptive.Enabled && !c.RateLimit.Enabled {
		return fmt.Errorf("adaptive.enabled requires rate_limit.enabled")
	}
	switch c.Retry.Strategy {
	case "", "constant", "linear", "exponential", "exponential_jitter":
	default:
		return fmt.Errorf("retry.strategy %q is not one of constant|linear|exponential|exponential_jitter", c.Retry.Strategy)
	}
	return nil
}

// SessionTimeout converts the configured session timeout to a Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// CloseTimeout converts the configured scheduler close timeout.
func (c SchedulerConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutSeconds) * time.Second
}

// Timeout converts the configured execution timeout (0 means no cap).
func (c ExecutionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ShutdownTimeout converts the configured shutdown grace period.
func (c ExecutionConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ShutdownCheckInterval converts the configured drain poll period.
func (c ExecutionConfig) ShutdownCheckInterval() time.Duration {
	return time.Duration(c.ShutdownCheckIntervalMillis) * time.Millisecond
}
