package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"bank-ledger/internal/money"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// fingerprintShape is hashed in RFC 8785 canonical form. No floats: the
// amount is the canonical two-digit string.
type fingerprintShape struct {
	FromIBAN string `json:"from_iban"`
	ToIBAN   string `json:"to_iban"`
	Amount   string `json:"amount"`
}

// Fingerprint is the hex SHA-256 of the canonical transfer payload. It is
// stored on every transfer row and doubles as the idempotency request hash.
func Fingerprint(fromIBAN, toIBAN string, amount decimal.Decimal) (string, error) {
	raw, err := json.Marshal(fingerprintShape{
		FromIBAN: fromIBAN,
		ToIBAN:   toIBAN,
		Amount:   money.Format(amount),
	})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
