package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10" validate:"min=1,max=200"`
	RedisURL    string `env:"REDIS_URL"`

	// Only the API verifies tokens; see RequireAPI.
	JWTSecret string `env:"JWT_SECRET" validate:"omitempty,min=32"`

	// Routing
	ChainIDs          []int64  `env:"CHAIN_IDS,required" envSeparator:"," validate:"required,min=1,dive,gt=0"`
	ReputationOracles []string `env:"REPUTATION_ORACLES,required" envSeparator:"," validate:"required,min=1,dive,required"`
	RoutingSeed       uint64   `env:"ROUTING_SEED" envDefault:"0"`

	// Collaborators
	ChainGatewayURL string            `env:"CHAIN_GATEWAY_URL,required" validate:"required,url"`
	StorageURL      string            `env:"STORAGE_URL,required" validate:"required,url"`
	SigningAddress  string            `env:"SIGNING_ADDRESS" validate:"required"`
	SigningSecret   string            `env:"SIGNING_SECRET,required" validate:"required,min=16"`
	OracleSecrets   map[string]string `env:"ORACLE_SECRETS" envSeparator:"," envKeyValSeparator:"="`

	// Retry and batching
	MaxRetryCount       int    `env:"MAX_RETRY_COUNT" envDefault:"5" validate:"min=1,max=50"`
	BackoffBaseSec      int    `env:"BACKOFF_BASE_SEC" envDefault:"30" validate:"min=1"`
	BackoffMaxSec       int    `env:"BACKOFF_MAX_SEC" envDefault:"3600" validate:"min=1,gtefield=BackoffBaseSec"`
	StageBatchSize      int    `env:"STAGE_BATCH_SIZE" envDefault:"20" validate:"min=1,max=1000"`
	StageItemTimeoutSec int    `env:"STAGE_ITEM_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=600"`
	HTTPTimeoutSec      int    `env:"HTTP_TIMEOUT_SEC" envDefault:"10" validate:"min=1,max=300"`
	WebhookConcurrency  int    `env:"WEBHOOK_CONCURRENCY" envDefault:"5" validate:"min=1,max=100"`
	CronSpec            string `env:"CRON_SPEC" envDefault:"@every 30s" validate:"required"`
	StageRecheckSec     int    `env:"STAGE_RECHECK_SEC" envDefault:"60" validate:"min=0,max=86400"`
	StaleRunTimeoutSec  int    `env:"STALE_RUN_TIMEOUT_SEC" envDefault:"900" validate:"min=60"`

	// Moderation
	ModerationBlocklist    []string `env:"MODERATION_BLOCKLIST" envSeparator:","`
	ModerationSkipJobTypes []string `env:"MODERATION_SKIP_JOB_TYPES" envSeparator:"," envDefault:"fortune"`

	// Operator email
	ResendAPIKey  string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom    string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
	OperatorEmail string `env:"OPERATOR_EMAIL" validate:"omitempty,email"`
}

// Load reads the configuration from the environment. In local mode a .env file in the
// working directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	if strings.EqualFold(os.Getenv("ENV"), "local") || os.Getenv("ENV") == "" {
		_ = godotenv.Load()
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.checkRunBounds(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.RoutingSeed == 0 {
		cfg.RoutingSeed = uint64(time.Now().UnixNano())
	}

	return cfg, nil
}

// RequireAPI checks the settings only the HTTP API needs.
func (c *Config) RequireAPI() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// checkRunBounds keeps the reaper from closing a run that can still be working. The
// slowest job stage run handles a full batch sequentially with every item hitting its
// timeout; the dispatcher sends a batch in waves of WebhookConcurrency requests.
func (c *Config) checkRunBounds() error {
	stageRun := c.StageBatchSize * c.StageItemTimeoutSec
	waves := (c.StageBatchSize + c.WebhookConcurrency - 1) / c.WebhookConcurrency
	dispatchRun := waves * c.HTTPTimeoutSec

	longest := max(stageRun, dispatchRun)
	if c.StaleRunTimeoutSec <= longest {
		return fmt.Errorf("STALE_RUN_TIMEOUT_SEC=%d must exceed the longest stage run (%ds)",
			c.StaleRunTimeoutSec, longest)
	}
	return nil
}

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

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

func (c *Config) StageItemTimeout() time.Duration {
	return time.Duration(c.StageItemTimeoutSec) * time.Second
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func (c *Config) StageRecheck() time.Duration {
	return time.Duration(c.StageRecheckSec) * time.Second
}

func (c *Config) StaleRunTimeout() time.Duration {
	return time.Duration(c.StaleRunTimeoutSec) * time.Second
}
