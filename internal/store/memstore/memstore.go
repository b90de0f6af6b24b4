// Package memstore is an in-memory ledger.Store. Account and idempotency-key
// locks are held per atomic unit and writes are staged until commit, so it
// honours the same contract as the Postgres store and backs the engine tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

type idemEntry struct {
	requestHash string
	transferID  int64
}

type Store struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	order     []string
	transfers []domain.Transfer
	idem      map[string]idemEntry

	nextID atomic.Int64
	locks  *lockTable
	now    func() time.Time

	// failCommit, when set, is returned from the commit step instead of
	// applying staged writes.
	failCommit error
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]domain.Account),
		idem:     make(map[string]idemEntry),
		locks:    newLockTable(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAccount registers an account. Accounts are listed in the order they were added.
func (s *Store) AddAccount(fullName, iban string, balance decimal.Decimal) error {
	if !ledger.ValidIBAN(iban) {
		return ledger.ErrInvalidIdentifier
	}
	if balance.IsNegative() {
		return &ledger.RejectedError{Reason: "balance must not be negative"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.accounts[iban]; dup {
		return &ledger.RejectedError{Reason: "iban already exists"}
	}
	s.accounts[iban] = domain.Account{
		FullName:  fullName,
		IBAN:      iban,
		Balance:   balance.Round(2),
		CreatedAt: s.now().UTC(),
	}
	s.order = append(s.order, iban)
	return nil
}

// FailCommits makes every following commit fail with err. Nil restores normal commits.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classifyCtx(err)
	}
	t := &tx{
		s:        s,
		balances: make(map[string]decimal.Decimal),
		claims:   make(map[string]string),
		binds:    make(map[string]int64),
	}
	defer t.releaseAll()

	if err := fn(t); err != nil {
		return err
	}
	return t.commit(ctx)
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtx(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.order))
	for _, iban := range s.order {
		out = append(out, s.accounts[iban])
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, iban string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, classifyCtx(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[iban]
	if !ok {
		return domain.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) TransfersFor(ctx context.Context, iban string, limit int) ([]domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtx(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transfer, 0, limit)
	for _, t := range s.newestFirst() {
		if len(out) == limit {
			break
		}
		if t.FromIBAN == iban || t.ToIBAN == iban {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, limit, offset int) ([]domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtx(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.newestFirst()
	if offset >= len(all) {
		return []domain.Transfer{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]domain.Transfer, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

// newestFirst must be called with s.mu held.
func (s *Store) newestFirst() []domain.Transfer {
	out := make([]domain.Transfer, len(s.transfers))
	copy(out, s.transfers)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

type tx struct {
	s    *Store
	held []string

	balances  map[string]decimal.Decimal
	transfers []domain.Transfer
	claims    map[string]string
	binds     map[string]int64
}

func accountLock(iban string) string { return "acct:" + iban }
func idemLock(key string) string     { return "idem:" + key }

func (t *tx) acquire(ctx context.Context, name string) error {
	if err := t.s.locks.acquire(ctx, name); err != nil {
		return err
	}
	t.held = append(t.held, name)
	return nil
}

func (t *tx) holds(name string) bool {
	for _, h := range t.held {
		if h == name {
			return true
		}
	}
	return false
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *tx) LockAccount(ctx context.Context, iban string) (domain.Account, error) {
	name := accountLock(iban)
	acquired := false
	if !t.holds(name) {
		if err := t.acquire(ctx, name); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.Account{}, fmt.Errorf("%w: %w", ledger.ErrLockTimeout, err)
			}
			return domain.Account{}, err
		}
		acquired = true
	}

	t.s.mu.RLock()
	acc, ok := t.s.accounts[iban]
	t.s.mu.RUnlock()
	if !ok {
		// No row, nothing to hold.
		if acquired {
			t.held = t.held[:len(t.held)-1]
			t.s.locks.release(name)
		}
		return domain.Account{}, ledger.ErrAccountNotFound
	}
	if staged, ok := t.balances[iban]; ok {
		acc.Balance = staged
	}
	return acc, nil
}

func (t *tx) SetBalance(ctx context.Context, iban string, balance decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return classifyCtx(err)
	}
	if !t.holds(accountLock(iban)) {
		return fmt.Errorf("memstore: set balance on unlocked account %s", iban)
	}
	if balance.IsNegative() {
		return &ledger.RejectedError{Reason: "balance must not be negative"}
	}
	t.balances[iban] = balance
	return nil
}

func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	if err := ctx.Err(); err != nil {
		return classifyCtx(err)
	}
	if !tr.Amount.IsPositive() {
		return &ledger.RejectedError{Reason: "amount must be positive"}
	}
	tr.ID = t.s.nextID.Add(1)
	tr.CreatedAt = t.s.now().UTC()
	t.transfers = append(t.transfers, *tr)
	return nil
}

func (t *tx) ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (int64, bool, error) {
	name := idemLock(key)
	if !t.holds(name) {
		if err := t.acquire(ctx, name); err != nil {
			return 0, false, err
		}
	}

	t.s.mu.RLock()
	entry, exists := t.s.idem[key]
	t.s.mu.RUnlock()
	if exists {
		if entry.requestHash != requestHash {
			return 0, false, ledger.ErrIdempotencyConflict
		}
		return entry.transferID, true, nil
	}
	t.claims[key] = requestHash
	return 0, false, nil
}

func (t *tx) BindIdempotencyKey(_ context.Context, key string, transferID int64) error {
	if _, ok := t.claims[key]; !ok {
		return fmt.Errorf("memstore: idempotency key %q not claimed in this unit", key)
	}
	t.binds[key] = transferID
	return nil
}

func (t *tx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classifyCtx(err)
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return s.failCommit
	}
	for iban, bal := range t.balances {
		acc := s.accounts[iban]
		acc.Balance = bal
		s.accounts[iban] = acc
	}
	s.transfers = append(s.transfers, t.transfers...)
	for key, hash := range t.claims {
		id, ok := t.binds[key]
		if !ok {
			continue
		}
		s.idem[key] = idemEntry{requestHash: hash, transferID: id}
	}
	return nil
}

func classifyCtx(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
	}
	return err
}
