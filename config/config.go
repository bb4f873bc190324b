package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	// DBDriver selects the storage dialect behind repository.Store:
	// "postgres" (default) or "sqlite" for single-node/embedded deployments.
	DBDriver    string `env:"SCHEDULER_DB_DRIVER" envDefault:"postgres" validate:"required,oneof=postgres sqlite"`
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	PollDelayMS int `env:"SCHEDULER_POLL_DELAY_MS" envDefault:"2000" validate:"min=50"`
	PollBatch   int `env:"SCHEDULER_POLL_BATCH" envDefault:"16" validate:"min=1,max=1000"`

	// CronFanoutDelaySec/CronFanoutPeriodSec govern the cron fan-out
	// service's ticker: an initial delay before the first tick, then a
	// fixed period between ticks.
	CronFanoutDelaySec  int `env:"SCHEDULER_CRON_DELAY_SEC" envDefault:"5" validate:"min=1"`
	CronFanoutPeriodSec int `env:"SCHEDULER_CRON_PERIOD_SEC" envDefault:"10" validate:"min=1"`

	ReaperIntervalSec    int `env:"SCHEDULER_REAPER_INTERVAL_SEC" envDefault:"10" validate:"min=1"`
	ReaperHeartbeatSec   int `env:"SCHEDULER_REAPER_HEARTBEAT_TIMEOUT_SEC" envDefault:"90" validate:"min=1"`
	HeartbeatIntervalSec int `env:"SCHEDULER_HEARTBEAT_INTERVAL_SEC" envDefault:"10" validate:"min=1"`
	ReaperBatchLimit     int `env:"SCHEDULER_REAPER_BATCH_LIMIT" envDefault:"100" validate:"min=1"`

	// PoolCoreSize/PoolMaxSize/PoolQueueSize override the worker pool's
	// defaults of max(16, NumCPU*8) / max(32, NumCPU*16) / 0 (unbuffered,
	// caller-runs on saturation). 0 means "use the computed default".
	PoolCoreSize  int `env:"SCHEDULER_POOL_CORE_SIZE" envDefault:"0" validate:"min=0"`
	PoolMaxSize   int `env:"SCHEDULER_POOL_MAX_SIZE" envDefault:"0" validate:"min=0"`
	PoolQueueSize int `env:"SCHEDULER_POOL_QUEUE_SIZE" envDefault:"0" validate:"min=0"`

	// DefaultRoot is the filesystem root the sample file.restore compensator
	// falls back to when a payload omits "root".
	DefaultRoot string `env:"SCHEDULER_DEFAULT_ROOT" envDefault:"/var/lib/scheduler/restore"`

	// RegistrationStrict makes duplicate handler type-code registration
	// fatal instead of a warn-and-keep-first. Duplicate compensator
	// action types always warn and keep the first.
	RegistrationStrict bool   `env:"RUNNER_REGISTRATION_STRICT" envDefault:"false"`
	AllowedPackages    string `env:"RUNNER_ALLOWED_PACKAGES" envDefault:"github.com/opsbatch"`

	// ManifestPath points at the declarative type-code -> factory-name
	// mapping file loaded at startup. A missing file is a legal no-op: a
	// deployment that only needs the handlers registered directly by
	// cmd/schedulerd doesn't need one.
	ManifestPath string `env:"SCHEDULER_MANIFEST_PATH" envDefault:"./manifest.conf"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// OperatorToken is the static credential the single admin operator
	// exchanges at POST /login for an HMAC-signed session cookie.
	OperatorToken string `env:"OPERATOR_TOKEN,required" validate:"required"`
	SessionSecret string `env:"SESSION_SECRET,required" validate:"required"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`
	NotifyTo     string `env:"SCHEDULER_NOTIFY_TO" validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
