// Package ledger is the transfer engine: it validates transfer requests, runs
// the atomic apply against a Store and maps failures onto a fixed error
// taxonomy. Read queries over the same Store live here too.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/logging"
	"bank-ledger/internal/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultApplyTimeout = 5 * time.Second

type Engine struct {
	store        Store
	log          *zap.Logger
	applyTimeout time.Duration
}

type EngineOption func(*Engine)

// WithApplyTimeout bounds the whole atomic apply, lock waits included.
// Zero disables the bound.
func WithApplyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.applyTimeout = d }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func NewEngine(st Store, opts ...EngineOption) *Engine {
	e := &Engine{store: st, log: zap.NewNop(), applyTimeout: DefaultApplyTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type transferIntent struct {
	from        string
	to          string
	amount      decimal.Decimal
	fingerprint string
}

// CreateTransfer moves rawAmount (normalized to two digits, half-up) from
// fromIBAN to toIBAN and returns the new transfer's id.
func (e *Engine) CreateTransfer(ctx context.Context, fromIBAN, toIBAN, rawAmount string) (int64, error) {
	id, _, err := e.CreateTransferIdempotent(ctx, "", fromIBAN, toIBAN, rawAmount)
	return id, err
}

// CreateTransferIdempotent is CreateTransfer keyed by a client idempotency key.
// Replaying a committed request returns the original id with replayed=true and
// changes nothing. An empty key behaves exactly like CreateTransfer.
func (e *Engine) CreateTransferIdempotent(ctx context.Context, key, fromIBAN, toIBAN, rawAmount string) (id int64, replayed bool, err error) {
	log := logging.FromContext(ctx, e.log)

	in, err := validateTransfer(fromIBAN, toIBAN, rawAmount)
	if err != nil {
		log.Debug("transfer rejected before apply", zap.Error(err))
		return 0, false, err
	}

	id, replayed, err = e.apply(ctx, key, in)
	if err != nil {
		if IsContention(err) {
			log.Warn("transfer timed out waiting for account locks",
				zap.String("from_iban", in.from),
				zap.String("to_iban", in.to),
				zap.Error(err))
		} else if IsInfrastructure(err) {
			log.Error("transfer apply failed",
				zap.String("from_iban", in.from),
				zap.String("to_iban", in.to),
				zap.Error(err))
		} else {
			log.Debug("transfer rejected", zap.Error(err))
		}
		return 0, false, err
	}

	log.Info("transfer committed",
		zap.Int64("transfer_id", id),
		zap.String("from_iban", in.from),
		zap.String("to_iban", in.to),
		zap.String("amount", money.Format(in.amount)),
		zap.Bool("replayed", replayed))
	return id, replayed, nil
}

func validateTransfer(fromIBAN, toIBAN, rawAmount string) (transferIntent, error) {
	if !ValidIBAN(fromIBAN) || !ValidIBAN(toIBAN) {
		return transferIntent{}, ErrInvalidIdentifier
	}
	if fromIBAN == toIBAN {
		return transferIntent{}, ErrSameAccount
	}
	amount, err := money.Normalize(rawAmount)
	if err != nil || !amount.IsPositive() {
		return transferIntent{}, ErrInvalidAmount
	}
	fp, err := Fingerprint(fromIBAN, toIBAN, amount)
	if err != nil {
		return transferIntent{}, fmt.Errorf("fingerprint: %w", err)
	}
	return transferIntent{from: fromIBAN, to: toIBAN, amount: amount, fingerprint: fp}, nil
}

func (e *Engine) apply(ctx context.Context, key string, in transferIntent) (int64, bool, error) {
	if e.applyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.applyTimeout)
		defer cancel()
	}

	var (
		id     int64
		replay bool
	)
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		if key != "" {
			existing, isReplay, err := tx.ClaimIdempotencyKey(ctx, key, in.fingerprint)
			if err != nil {
				return err
			}
			if isReplay {
				id, replay = existing, true
				return nil
			}
		}

		// Rows are always locked in IBAN order so that A->B and B->A running
		// at the same time cannot deadlock.
		first, second := lockOrder(in.from, in.to)
		locked := make(map[string]domain.Account, 2)
		for _, iban := range [2]string{first, second} {
			acc, err := tx.LockAccount(ctx, iban)
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			locked[iban] = acc
		}

		from, ok := locked[in.from]
		if !ok {
			return fmt.Errorf("sender %w", ErrAccountNotFound)
		}
		to, ok := locked[in.to]
		if !ok {
			return fmt.Errorf("receiver %w", ErrAccountNotFound)
		}
		if from.Balance.LessThan(in.amount) {
			return ErrInsufficientFunds
		}

		if err := tx.SetBalance(ctx, from.IBAN, from.Balance.Sub(in.amount)); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, to.IBAN, to.Balance.Add(in.amount)); err != nil {
			return err
		}

		t := domain.Transfer{
			Amount:       in.amount,
			FromIBAN:     from.IBAN,
			FromFullName: from.FullName,
			ToIBAN:       to.IBAN,
			ToFullName:   to.FullName,
			Fingerprint:  in.fingerprint,
		}
		if err := tx.InsertTransfer(ctx, &t); err != nil {
			return err
		}
		if key != "" {
			if err := tx.BindIdempotencyKey(ctx, key, t.ID); err != nil {
				return err
			}
		}
		id = t.ID
		return nil
	})
	if err != nil {
		// An apply that outlived its own deadline was waiting on someone.
		if errors.Is(err, context.DeadlineExceeded) && !IsContention(err) {
			err = fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return 0, false, err
	}
	return id, replay, nil
}
