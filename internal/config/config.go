// Package config loads service settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	HTTPAddr           string        `env:"HTTP_ADDR,default=:8080"`
	HTTPMaxInflight    int           `env:"HTTP_MAX_INFLIGHT,default=64"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	ShutdownTimeout    time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=15s"`

	DatabaseURL        string        `env:"DATABASE_URL,required"`
	DBMaxConns         int32         `env:"DB_MAX_CONNS,default=20"`
	DBMinConns         int32         `env:"DB_MIN_CONNS,default=1"`
	DBMigrate          bool          `env:"DB_MIGRATE,default=false"`
	DBStatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT,default=60s"`
	DBIdleInTxTimeout  time.Duration `env:"DB_IDLE_IN_TX_TIMEOUT,default=30s"`
	DBLockTimeout      time.Duration `env:"DB_LOCK_TIMEOUT,default=3s"`

	TransferTimeout time.Duration `env:"TRANSFER_TIMEOUT,default=5s"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=3s"`

	RateLimitPerMin   int           `env:"API_RATE_LIMIT_PER_MIN,default=60"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	RateLimitRedisURL string        `env:"RATE_LIMIT_REDIS_URL"`

	BreakerConsecutiveFailures uint32        `env:"BREAKER_CONSECUTIVE_FAILURES,default=5"`
	BreakerOpenTimeout         time.Duration `env:"BREAKER_OPEN_TIMEOUT,default=30s"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogEnv   string `env:"LOG_ENV,default=production"`

	// Traces are exported over OTLP/gRPC only when an endpoint is set; the
	// exporter reads the remaining OTEL_EXPORTER_OTLP_* variables itself.
	OTelEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string  `env:"OTEL_SERVICE_NAME,default=bank-ledger"`
	OTelSampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO,default=1"`
}

// Load reads the process environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads settings from m instead of the environment.
func LoadFrom(ctx context.Context, m map[string]string) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, envconfig.MapLookuper(m)); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be >= 1"))
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS"))
	}
	if c.HTTPMaxInflight < 1 {
		errs = append(errs, errors.New("HTTP_MAX_INFLIGHT must be >= 1"))
	}
	if c.TransferTimeout <= 0 || c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("TRANSFER_TIMEOUT and READ_TIMEOUT must be positive"))
	}
	if c.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("API_RATE_LIMIT_PER_MIN must be >= 0"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// PostgresRuntimeParams are session settings applied to every pooled connection.
func (c Config) PostgresRuntimeParams() map[string]string {
	return map[string]string{
		"search_path":                         "bank",
		"statement_timeout":                   fmt.Sprintf("%d", c.DBStatementTimeout.Milliseconds()),
		"idle_in_transaction_session_timeout": fmt.Sprintf("%d", c.DBIdleInTxTimeout.Milliseconds()),
	}
}
