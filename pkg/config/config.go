// Package config loads autopilot settings from the environment, optionally
// layered over a YAML file, and converts them into the option types of the
// packages they configure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/observability"
)

// Engine names.
const (
	EngineScripted = "scripted"
	EngineCommand  = "command"
	EngineChat     = "chat"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`

	// DatabaseURL selects postgres. Empty runs in lite mode on SQLitePath.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required_without=DatabaseURL"`

	MetricsAddr string `yaml:"metrics_addr"`

	Engine        string `yaml:"engine" validate:"oneof=scripted command chat"`
	EngineCommand string `yaml:"engine_command" validate:"required_if=Engine command"`
	LLMServiceURL string `yaml:"llm_service_url" validate:"omitempty,url"`
	LLMAPIKey     string `yaml:"-"`
	LLMMaxTokens  int    `yaml:"llm_max_tokens" validate:"gte=0"`

	TierConfigPath string `yaml:"tier_config_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	// ActionTokenSecret signs escalation action tokens. Empty disables them.
	ActionTokenSecret string `yaml:"-" validate:"omitempty,min=32"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Budget        BudgetConfig        `yaml:"budget"`
	Retry         RetryConfig         `yaml:"retry"`
	Artifacts     artifacts.Config    `yaml:"artifacts"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval" validate:"gt=0"`
	MaxConcurrentGoals int           `yaml:"max_concurrent_goals" validate:"gt=0"`
	MaxInFlightPerGoal int           `yaml:"max_in_flight_per_goal" validate:"gt=0"`
	RunTimeout         time.Duration `yaml:"run_timeout" validate:"gte=0"`
	AbortGrace         time.Duration `yaml:"abort_grace" validate:"gt=0"`
	DispatchRPM        int           `yaml:"dispatch_rpm" validate:"gte=0"`
	DispatchBurst      int           `yaml:"dispatch_burst" validate:"gte=0"`
}

// BudgetConfig sets warning thresholds and overage handling.
type BudgetConfig struct {
	WarningThreshold  float64 `yaml:"warning_threshold" validate:"gt=0,lt=1"`
	CriticalThreshold float64 `yaml:"critical_threshold" validate:"gt=0,lt=1,gtfield=WarningThreshold"`
	AllowOverage      bool    `yaml:"allow_overage"`
	MaxOveragePercent float64 `yaml:"max_overage_percent" validate:"gte=0"`
}

// RetryConfig sets the default retry limit and backoff.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gt=0"`
	BaseDelay    time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	JitterFactor float64       `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// ObservabilityConfig controls OTLP export.
type ObservabilityConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	Environment  string        `yaml:"environment"`
	SampleRate   float64       `yaml:"sample_rate" validate:"gte=0,lte=1"`
	Insecure     bool          `yaml:"insecure"`
	ServiceName  string        `yaml:"service_name"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	k := kernel.DefaultConfig()
	b := budget.DefaultPolicy()
	r := retry.DefaultPolicy()
	o := observability.DefaultConfig()
	return &Config{
		LogLevel:      "INFO",
		LogFormat:     "text",
		SQLitePath:    "autopilot.db",
		MetricsAddr:   ":9464",
		Engine:        EngineScripted,
		LLMServiceURL: "http://localhost:1234/v1",
		LLMMaxTokens:  4096,
		Scheduler: SchedulerConfig{
			TickInterval:       k.TickInterval,
			MaxConcurrentGoals: k.MaxConcurrentGoals,
			MaxInFlightPerGoal: k.MaxInFlightPerGoal,
			AbortGrace:         k.AbortGrace,
		},
		Budget: BudgetConfig{
			WarningThreshold:  b.WarningThreshold,
			CriticalThreshold: b.CriticalThreshold,
			MaxOveragePercent: 10,
		},
		Retry: RetryConfig{
			MaxRetries:   r.MaxRetries,
			BaseDelay:    r.Backoff.BaseDelay,
			MaxDelay:     r.Backoff.MaxDelay,
			JitterFactor: r.Backoff.JitterFactor,
		},
		Artifacts: artifacts.Config{Type: artifacts.StoreTypeFS, DataDir: "data"},
		Observability: ObservabilityConfig{
			Endpoint:     o.OTLPEndpoint,
			Environment:  o.Environment,
			SampleRate:   o.SampleRate,
			Insecure:     o.Insecure,
			ServiceName:  o.ServiceName,
			BatchTimeout: o.BatchTimeout,
		},
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LiteMode reports whether state lives in a local sqlite file.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	c.LogLevel = strings.ToUpper(c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("AUTOPILOT_ENGINE", &c.Engine)
	str("AUTOPILOT_ENGINE_COMMAND", &c.EngineCommand)
	str("LLM_SERVICE_URL", &c.LLMServiceURL)
	str("LLM_API_KEY", &c.LLMAPIKey)
	num("LLM_MAX_TOKENS", &c.LLMMaxTokens)
	str("TIER_CONFIG_PATH", &c.TierConfigPath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("ACTION_TOKEN_SECRET", &c.ActionTokenSecret)

	dur("TICK_INTERVAL", &c.Scheduler.TickInterval)
	num("MAX_CONCURRENT_GOALS", &c.Scheduler.MaxConcurrentGoals)
	num("MAX_IN_FLIGHT_PER_GOAL", &c.Scheduler.MaxInFlightPerGoal)
	dur("RUN_TIMEOUT", &c.Scheduler.RunTimeout)
	dur("ABORT_GRACE", &c.Scheduler.AbortGrace)
	num("DISPATCH_RPM", &c.Scheduler.DispatchRPM)
	num("DISPATCH_BURST", &c.Scheduler.DispatchBurst)

	float("BUDGET_WARNING_THRESHOLD", &c.Budget.WarningThreshold)
	float("BUDGET_CRITICAL_THRESHOLD", &c.Budget.CriticalThreshold)
	flag("BUDGET_ALLOW_OVERAGE", &c.Budget.AllowOverage)
	float("BUDGET_MAX_OVERAGE_PERCENT", &c.Budget.MaxOveragePercent)

	num("RETRY_MAX_RETRIES", &c.Retry.MaxRetries)
	dur("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	dur("RETRY_MAX_DELAY", &c.Retry.MaxDelay)

	if v := os.Getenv("ARTIFACT_STORAGE_TYPE"); v != "" {
		c.Artifacts.Type = artifacts.StoreType(v)
	}
	str("ARTIFACT_DATA_DIR", &c.Artifacts.DataDir)
	str("ARTIFACT_S3_BUCKET", &c.Artifacts.S3Bucket)
	str("ARTIFACT_S3_REGION", &c.Artifacts.S3Region)
	str("ARTIFACT_S3_ENDPOINT", &c.Artifacts.S3Endpoint)
	str("ARTIFACT_GCS_BUCKET", &c.Artifacts.GCSBucket)
	str("ARTIFACT_PREFIX", &c.Artifacts.Prefix)

	flag("OTEL_ENABLED", &c.Observability.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.Endpoint)
	str("OTEL_SERVICE_NAME", &c.Observability.ServiceName)
	str("OTEL_ENVIRONMENT", &c.Observability.Environment)
	float("OTEL_SAMPLE_RATE", &c.Observability.SampleRate)
	flag("OTEL_INSECURE", &c.Observability.Insecure)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// KernelConfig converts the scheduler section.
func (c *Config) KernelConfig() kernel.Config {
	s := c.Scheduler
	return kernel.Config{
		TickInterval:       s.TickInterval,
		MaxConcurrentGoals: s.MaxConcurrentGoals,
		MaxInFlightPerGoal: s.MaxInFlightPerGoal,
		RunTimeout:         s.RunTimeout,
		AbortGrace:         s.AbortGrace,
		Dispatch:           kernel.DispatchPolicy{RPM: s.DispatchRPM, Burst: s.DispatchBurst},
	}
}

// BudgetPolicy converts the budget section.
func (c *Config) BudgetPolicy() budget.Policy {
	return budget.Policy{
		WarningThreshold:  c.Budget.WarningThreshold,
		CriticalThreshold: c.Budget.CriticalThreshold,
		AllowOverage:      c.Budget.AllowOverage,
		MaxOveragePercent: c.Budget.MaxOveragePercent,
	}
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		Backoff: retry.BackoffPolicy{
			BaseDelay:    c.Retry.BaseDelay,
			MaxDelay:     c.Retry.MaxDelay,
			JitterFactor: c.Retry.JitterFactor,
		},
	}
}

// TelemetryConfig converts the observability section.
func (c *Config) TelemetryConfig() *observability.Config {
	o := observability.DefaultConfig()
	o.Enabled = c.Observability.Enabled
	o.OTLPEndpoint = c.Observability.Endpoint
	o.Environment = c.Observability.Environment
	o.SampleRate = c.Observability.SampleRate
	o.Insecure = c.Observability.Insecure
	if c.Observability.ServiceName != "" {
		o.ServiceName = c.Observability.ServiceName
	}
	if c.Observability.BatchTimeout > 0 {
		o.BatchTimeout = c.Observability.BatchTimeout
	}
	return o
}
