package ledger

import (
	"context"
	"time"

	"bank-ledger/internal/domain"
)

const (
	RecentTransfersLimit = 20

	DefaultPageLimit = 20
	MaxPageLimit     = 100

	DefaultReadTimeout = 3 * time.Second
)

// Page selects a slice of the global transfer list, newest first.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) Validate() error {
	if p.Limit < 1 || p.Limit > MaxPageLimit || p.Offset < 0 {
		return ErrInvalidPage
	}
	return nil
}

// Queries serves the read-only side of the API. Every call sees only
// committed state.
type Queries struct {
	store       Store
	readTimeout time.Duration
}

func NewQueries(st Store, readTimeout time.Duration) *Queries {
	return &Queries{store: st, readTimeout: readTimeout}
}

func (q *Queries) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.readTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, q.readTimeout)
}

func (q *Queries) Ping(ctx context.Context) error {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	return q.store.Ping(ctx)
}

// Accounts lists every account in creation order.
func (q *Queries) Accounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	return q.store.ListAccounts(ctx)
}

// AccountDetail returns the account and its RecentTransfersLimit most recent
// transfers as sender or receiver.
func (q *Queries) AccountDetail(ctx context.Context, iban string) (domain.Account, []domain.Transfer, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()

	acc, err := q.store.GetAccount(ctx, iban)
	if err != nil {
		return domain.Account{}, nil, err
	}
	transfers, err := q.store.TransfersFor(ctx, iban, RecentTransfersLimit)
	if err != nil {
		return domain.Account{}, nil, err
	}
	return acc, transfers, nil
}

// Transfers lists transfers newest first. Consecutive pages with
// Offset += Limit are disjoint and contiguous for a stable ledger.
func (q *Queries) Transfers(ctx context.Context, page Page) ([]domain.Transfer, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := q.bound(ctx)
	defer cancel()
	return q.store.ListTransfers(ctx, page.Limit, page.Offset)
}
