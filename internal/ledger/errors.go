package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Caller input errors. Detected before the store is touched.
var (
	ErrInvalidIdentifier = errors.New("iban must be TR followed by 24 digits")
	ErrInvalidAmount     = errors.New("amount must be a decimal greater than 0")
	ErrSameAccount       = errors.New("sender and receiver iban must differ")
	ErrInvalidPage       = errors.New("limit must be between 1 and 100 and offset must be >= 0")
)

// Errors raised by the atomic apply. Any of them means nothing was committed.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransferRejected    = errors.New("transfer rejected")
	ErrIdempotencyConflict = errors.New("idempotency key already used with a different payload")
)

// Infrastructure errors. The whole operation is safe to retry.
var (
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrTimeout          = errors.New("ledger store timeout")
)

// ErrLockTimeout is a timeout spent waiting on another transaction's row
// lock. It matches ErrTimeout but says nothing about the store's health.
var ErrLockTimeout = fmt.Errorf("%w: row lock wait exceeded", ErrTimeout)

// RejectedError is a store-enforced constraint failure that has no dedicated
// class. Reason is the store's message and is safe to show to callers.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrTransferRejected.Error()
	}
	return e.Reason
}

func (e *RejectedError) Unwrap() error { return ErrTransferRejected }

// IsInfrastructure reports whether err is a transient store failure rather
// than a business outcome or a caller giving up.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrInvalidPage),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrTransferRejected),
		errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// IsContention reports whether err is a timeout caused by waiting on other
// transactions rather than by the store failing.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
