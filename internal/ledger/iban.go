package ledger

import "regexp"

var ibanPattern = regexp.MustCompile(`^TR[0-9]{24}$`)

// ValidIBAN reports whether s is an IBAN-shaped account identifier.
func ValidIBAN(s string) bool {
	return ibanPattern.MatchString(s)
}

// lockOrder returns a and b in the order their rows must be locked.
func lockOrder(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
