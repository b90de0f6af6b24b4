package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bank-ledger/internal/admission"
	"bank-ledger/internal/config"
	"bank-ledger/internal/httpapi"
	"bank-ledger/internal/ledger"
	"bank-ledger/internal/logging"
	"bank-ledger/internal/store"
	"bank-ledger/internal/telemetry"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load(ctx)

	log, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		log, _ = logging.New("production", "")
		log.Error("[startup] logger config invalid, using defaults", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if cfgErr != nil {
		log.Error("[startup] config invalid", zap.Error(cfgErr))
		return cfgErr
	}

	log.Info("[startup] begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("migrate", cfg.DBMigrate),
		zap.Int32("max_conns", cfg.DBMaxConns))

	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()

	shutdownTracing, err := telemetry.Setup(startCtx, telemetry.Config{
		ServiceName: cfg.OTelServiceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	}, log)
	if err != nil {
		log.Error("[startup] tracing setup failed", zap.Error(err))
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("[shutdown] trace flush incomplete", zap.Error(err))
		}
	}()

	pool, err := openPool(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.DBMigrate {
		log.Info("[startup] running migrations")
		if err := store.Migrate(startCtx, pool); err != nil {
			log.Error("[startup] migrations failed", zap.Error(err))
			return err
		}
		log.Info("[startup] migrations complete")
	} else {
		log.Info("[startup] migrations disabled")
	}

	pg := store.New(pool, store.WithLockTimeout(cfg.DBLockTimeout))
	guarded := store.NewGuard(pg, store.GuardConfig{
		ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, log)

	eng := ledger.NewEngine(guarded,
		ledger.WithLogger(log),
		ledger.WithApplyTimeout(cfg.TransferTimeout))
	queries := ledger.NewQueries(guarded, cfg.ReadTimeout)

	counter, closeCounter, err := newCounter(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCounter()
	limiter := admission.NewLimiter(counter, cfg.RateLimitPerMin, cfg.RateLimitWindow, log)

	h := httpapi.NewHandlers(eng, queries, log)
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.Router(h, httpapi.RouterConfig{
			Limiter:        limiter,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			MaxInflight:    cfg.HTTPMaxInflight,
			Logger:         log,
		}),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	log.Info("[startup] ready",
		zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr))

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("[shutdown] draining", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("[shutdown] incomplete", zap.Error(err))
		return err
	}
	log.Info("[shutdown] complete")
	return nil
}

func openPool(ctx context.Context, cfg config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	log.Info("[startup] parsing DB config")
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error("[startup] parse dsn failed", zap.Error(err))
		return nil, err
	}

	pcfg.MaxConns = cfg.DBMaxConns
	pcfg.MinConns = cfg.DBMinConns
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pcfg.ConnConfig.Tracer = otelpgx.NewTracer()
	for k, v := range cfg.PostgresRuntimeParams() {
		pcfg.ConnConfig.RuntimeParams[k] = v
	}

	log.Info("[startup] connecting to DB")
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		log.Error("[startup] db connect failed", zap.Error(err))
		return nil, err
	}

	log.Info("[startup] ping DB")
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Error("[startup] db ping failed", zap.Error(err))
		return nil, err
	}
	return pool, nil
}

// newCounter picks Redis when configured so that instances share windows,
// otherwise an in-process counter swept once a minute.
func newCounter(ctx context.Context, cfg config.Config, log *zap.Logger) (admission.Counter, func(), error) {
	if cfg.RateLimitRedisURL != "" {
		rc, err := admission.NewRedisCounterFromURL(ctx, cfg.RateLimitRedisURL)
		if err != nil {
			log.Error("[startup] redis rate limit counter unavailable", zap.Error(err))
			return nil, nil, err
		}
		log.Info("[startup] rate limit counters in redis")
		return rc, func() { _ = rc.Close() }, nil
	}

	mc := admission.NewMemoryCounter()
	sched, err := admission.ScheduleSweep(mc, "@every 1m", log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("[startup] rate limit counters in memory")
	return mc, func() { <-sched.Stop().Done() }, nil
}
