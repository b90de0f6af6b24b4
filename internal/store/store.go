package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bank-ledger/internal/domain"
	"bank-ledger/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const DefaultLockTimeout = 3 * time.Second

// Store is the Postgres ledger.Store. Balances and amounts travel as text and
// are parsed with decimal so no value ever passes through a float.
type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds each row-lock wait inside WithinTx (SET LOCAL lock_timeout).
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classify(ctx, err)
	}
	defer tx.Rollback(context.Background())

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return classify(ctx, err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// CreateAccount inserts an account with an opening balance.
func (s *Store) CreateAccount(ctx context.Context, fullName, iban string, balance decimal.Decimal) (domain.Account, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return domain.Account{}, &ledger.RejectedError{Reason: "full name is required"}
	}
	if !ledger.ValidIBAN(iban) {
		return domain.Account{}, ledger.ErrInvalidIdentifier
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO bank.accounts(full_name, iban, balance)
		 VALUES($1, $2, $3::numeric)
		 RETURNING full_name, iban, balance::text, created_at`,
		fullName, iban, balance.StringFixed(2),
	)
	acc, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, classify(ctx, err)
	}
	return acc, nil
}

const accountColumns = `full_name, iban, balance::text, created_at`

const transferColumns = `id, amount::text, from_iban, from_full_name, to_iban, to_full_name, fingerprint, created_at`

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM bank.accounts ORDER BY id`)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	out := []domain.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify(ctx, err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, iban string) (domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM bank.accounts WHERE iban = $1`, iban))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ledger.ErrAccountNotFound
		}
		return domain.Account{}, classify(ctx, err)
	}
	return acc, nil
}

func (s *Store) TransfersFor(ctx context.Context, iban string, limit int) ([]domain.Transfer, error) {
	return s.queryTransfers(ctx,
		`SELECT `+transferColumns+`
		   FROM bank.transfers
		  WHERE from_iban = $1 OR to_iban = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		iban, limit)
}

func (s *Store) ListTransfers(ctx context.Context, limit, offset int) ([]domain.Transfer, error) {
	return s.queryTransfers(ctx,
		`SELECT `+transferColumns+`
		   FROM bank.transfers
		  ORDER BY created_at DESC, id DESC
		  LIMIT $1 OFFSET $2`,
		limit, offset)
}

func (s *Store) queryTransfers(ctx context.Context, sql string, args ...any) ([]domain.Transfer, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	out := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, classify(ctx, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc     domain.Account
		balance string
	)
	if err := row.Scan(&acc.FullName, &acc.IBAN, &balance, &acc.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	acc.Balance = d
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var (
		t      domain.Transfer
		amount string
	)
	if err := row.Scan(&t.ID, &amount, &t.FromIBAN, &t.FromFullName, &t.ToIBAN, &t.ToFullName, &t.Fingerprint, &t.CreatedAt); err != nil {
		return domain.Transfer{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Amount = d
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, iban string) (domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM bank.accounts WHERE iban = $1 FOR UPDATE`, iban))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ledger.ErrAccountNotFound
		}
		return domain.Account{}, classify(ctx, err)
	}
	return acc, nil
}

func (t *pgTx) SetBalance(ctx context.Context, iban string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bank.accounts SET balance = $2::numeric WHERE iban = $1`,
		iban, balance.StringFixed(2))
	if err != nil {
		return classify(ctx, err)
	}
	if tag.RowsAffected() != 1 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO bank.transfers(amount, from_iban, from_full_name, to_iban, to_full_name, fingerprint)
		 VALUES($1::numeric, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		tr.Amount.StringFixed(2), tr.FromIBAN, tr.FromFullName, tr.ToIBAN, tr.ToFullName, tr.Fingerprint,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return classify(ctx, err)
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	return nil
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (int64, bool, error) {
	// Serialize per key so a concurrent first use waits for the winner's commit.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return 0, false, classify(ctx, err)
	}

	var (
		existingHash string
		transferID   *int64
	)
	err := t.tx.QueryRow(ctx,
		`SELECT request_hash, transfer_id FROM bank.idempotency_keys WHERE key = $1`, key,
	).Scan(&existingHash, &transferID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return 0, false, classify(ctx, err)
	case existingHash != requestHash:
		return 0, false, ledger.ErrIdempotencyConflict
	case transferID == nil:
		return 0, false, fmt.Errorf("idempotency key %q has no transfer", key)
	default:
		return *transferID, true, nil
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO bank.idempotency_keys(key, request_hash) VALUES($1, $2)`,
		key, requestHash,
	); err != nil {
		return 0, false, classify(ctx, err)
	}
	return 0, false, nil
}

func (t *pgTx) BindIdempotencyKey(ctx context.Context, key string, transferID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bank.idempotency_keys SET transfer_id = $2 WHERE key = $1 AND transfer_id IS NULL`,
		key, transferID)
	if err != nil {
		return classify(ctx, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("idempotency key %q was not claimed", key)
	}
	return nil
}
