package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type GuardConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// Guard wraps a ledger.Store in a circuit breaker. Only infrastructure
// failures count against the breaker; business outcomes, caller
// cancellations and lock contention are successes as far as the store's
// health goes. While the
// breaker is open every call fails fast with ledger.ErrStoreUnavailable.
type Guard struct {
	inner   ledger.Store
	breaker *gobreaker.CircuitBreaker
}

func NewGuard(inner ledger.Store, cfg GuardConfig, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "ledger-store"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return !ledger.IsInfrastructure(err) || ledger.IsContention(err)
		},
	}
	return &Guard{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (g *Guard) State() gobreaker.State { return g.breaker.State() }

// run executes fn through the breaker. A timeout that coincides with the
// caller's own deadline is returned as is but recorded as a success: the
// caller ran out of budget, typically queued behind a row lock.
func (g *Guard) run(ctx context.Context, fn func() error) error {
	var spent error
	_, err := g.breaker.Execute(func() (interface{}, error) {
		err := fn()
		if errors.Is(err, ledger.ErrTimeout) && ctx.Err() != nil {
			spent = err
			return nil, nil
		}
		return nil, err
	})
	if spent != nil {
		return spent
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, err)
	}
	return err
}

func (g *Guard) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return g.run(ctx, func() error { return g.inner.WithinTx(ctx, fn) })
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.run(ctx, func() error { return g.inner.Ping(ctx) })
}

func (g *Guard) ListAccounts(ctx context.Context) (out []domain.Account, err error) {
	err = g.run(ctx, func() error {
		out, err = g.inner.ListAccounts(ctx)
		return err
	})
	return out, err
}

func (g *Guard) GetAccount(ctx context.Context, iban string) (acc domain.Account, err error) {
	err = g.run(ctx, func() error {
		acc, err = g.inner.GetAccount(ctx, iban)
		return err
	})
	return acc, err
}

func (g *Guard) TransfersFor(ctx context.Context, iban string, limit int) (out []domain.Transfer, err error) {
	err = g.run(ctx, func() error {
		out, err = g.inner.TransfersFor(ctx, iban, limit)
		return err
	})
	return out, err
}

func (g *Guard) ListTransfers(ctx context.Context, limit, offset int) (out []domain.Transfer, err error) {
	err = g.run(ctx, func() error {
		out, err = g.inner.ListTransfers(ctx, limit, offset)
		return err
	})
	return out, err
}
