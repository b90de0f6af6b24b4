package store

import (
	"context"
	"errors"
	"fmt"

	"bank-ledger/internal/ledger"

	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps a driver error onto the ledger error taxonomy. Errors it does
// not recognise are returned unchanged and count as infrastructure failures.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", ledger.ErrLockTimeout, pgErr.Message)
		case "57014": // query_canceled (statement timeout)
			return fmt.Errorf("%w: %s", ledger.ErrTimeout, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, pgErr.Message)
		}
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "22", "23", "P0": // data exception, integrity constraint violation, raise_exception
			return &ledger.RejectedError{Reason: pgErr.Message}
		case "08", "53", "57": // connection, insufficient resources, operator intervention
			return fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return err
}
