package domain

import (
	"encoding/json"
	"time"

	"bank-ledger/internal/money"

	"github.com/shopspring/decimal"
)

type Account struct {
	FullName  string
	IBAN      string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

type accountJSON struct {
	FullName  string    `json:"full_name"`
	IBAN      string    `json:"iban"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalJSON renders the balance with exactly two fractional digits.
func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(accountJSON{
		FullName:  a.FullName,
		IBAN:      a.IBAN,
		Balance:   money.Format(a.Balance),
		CreatedAt: a.CreatedAt,
	})
}

func (a *Account) UnmarshalJSON(b []byte) error {
	var v accountJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	bal, err := decimal.NewFromString(v.Balance)
	if err != nil {
		return err
	}
	*a = Account{FullName: v.FullName, IBAN: v.IBAN, Balance: bal, CreatedAt: v.CreatedAt}
	return nil
}

// Transfer is an immutable ledger record. The From/To name and IBAN fields are
// a snapshot of both accounts taken inside the atomic apply.
type Transfer struct {
	ID           int64
	Amount       decimal.Decimal
	FromIBAN     string
	FromFullName string
	ToIBAN       string
	ToFullName   string
	Fingerprint  string
	CreatedAt    time.Time
}

type transferJSON struct {
	ID           int64     `json:"id"`
	Amount       string    `json:"amount"`
	FromFullName string    `json:"from_full_name"`
	FromIBAN     string    `json:"from_iban"`
	ToFullName   string    `json:"to_full_name"`
	ToIBAN       string    `json:"to_iban"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{
		ID:           t.ID,
		Amount:       money.Format(t.Amount),
		FromFullName: t.FromFullName,
		FromIBAN:     t.FromIBAN,
		ToFullName:   t.ToFullName,
		ToIBAN:       t.ToIBAN,
		CreatedAt:    t.CreatedAt,
	})
}

func (t *Transfer) UnmarshalJSON(b []byte) error {
	var v transferJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	amt, err := decimal.NewFromString(v.Amount)
	if err != nil {
		return err
	}
	*t = Transfer{
		ID:           v.ID,
		Amount:       amt,
		FromFullName: v.FromFullName,
		FromIBAN:     v.FromIBAN,
		ToFullName:   v.ToFullName,
		ToIBAN:       v.ToIBAN,
		CreatedAt:    v.CreatedAt,
	}
	return nil
}

type AccountDetailResponse struct {
	Account   Account    `json:"account"`
	Transfers []Transfer `json:"transfers"`
}

type CreateTransferRequest struct {
	FromIBAN string    `json:"fromIban" validate:"required"`
	ToIBAN   string    `json:"toIban" validate:"required"`
	Amount   money.Raw `json:"amount" validate:"required"`
}

type CreateTransferResponse struct {
	ID int64 `json:"id"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
