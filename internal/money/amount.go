// Package money normalizes caller-supplied amounts into the ledger's
// fixed-point representation: exactly two fractional digits, rounded half-up.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

// MaxIntegerDigits is the widest integer part a stored amount can have
// (NUMERIC(18,2)).
const MaxIntegerDigits = 16

// maxRawLen bounds the text handed to the decimal parser.
const maxRawLen = 64

var ErrInvalidAmount = errors.New("amount must be a decimal number")

// Normalize parses raw as a decimal number and rounds it to Scale digits.
// Ties round away from zero, which is half-up for the positive amounts the
// ledger accepts (10.005 -> 10.01, 10.004 -> 10.00).
//
// Sign is not checked here; callers decide whether zero or negative values are
// acceptable.
func Normalize(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxRawLen {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsZero() {
		return decimal.Zero, nil
	}

	// Check magnitude on coefficient and exponent before Round can expand
	// something like 1e999999999 into a huge integer.
	magnitude := int64(d.NumDigits()) + int64(d.Exponent())
	if magnitude > MaxIntegerDigits {
		return decimal.Zero, ErrInvalidAmount
	}
	if magnitude < -Scale {
		// Below half a cent, rounds to zero.
		return decimal.Zero, nil
	}

	d = Round(d)
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

var maxAmount = decimal.New(1, MaxIntegerDigits)

// Round applies the ledger rounding rule to an already parsed value.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Format renders d with exactly Scale fractional digits ("70" -> "70.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Raw is an amount as submitted by a client. JSON strings and JSON numbers are
// both accepted and kept verbatim so that parsing happens in one place
// (Normalize) and never goes through float64.
type Raw string

func (r *Raw) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Raw(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return ErrInvalidAmount
	}
	*r = Raw(n.String())
	return nil
}

func (r Raw) String() string { return string(r) }
