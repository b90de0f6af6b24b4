package ledger

import (
	"context"

	"bank-ledger/internal/domain"

	"github.com/shopspring/decimal"
)

// Store is the Ledger Store as seen by the engine.
//
// WithinTx runs fn inside one atomic unit: it commits when fn returns nil and
// rolls back every write made through the Tx otherwise. Nothing written through
// the Tx is visible to other callers before commit.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error

	ListAccounts(ctx context.Context) ([]domain.Account, error)
	GetAccount(ctx context.Context, iban string) (domain.Account, error)
	TransfersFor(ctx context.Context, iban string, limit int) ([]domain.Transfer, error)
	ListTransfers(ctx context.Context, limit, offset int) ([]domain.Transfer, error)
}

// Tx is the lock-read-write surface of one atomic unit.
type Tx interface {
	// LockAccount reads the account and holds an exclusive lock on it until the
	// unit ends. Returns ErrAccountNotFound when there is no such account.
	LockAccount(ctx context.Context, iban string) (domain.Account, error)
	// SetBalance overwrites the balance of an account locked in this unit.
	SetBalance(ctx context.Context, iban string, balance decimal.Decimal) error
	// InsertTransfer appends t and fills in ID and CreatedAt.
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	// ClaimIdempotencyKey serialises on key. When the key is already bound to a
	// transfer with the same requestHash it returns that id and replay=true; a
	// different hash yields ErrIdempotencyConflict.
	ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (transferID int64, replay bool, err error)
	// BindIdempotencyKey records key -> transferID for a key claimed in this unit.
	BindIdempotencyKey(ctx context.Context, key string, transferID int64) error
}
