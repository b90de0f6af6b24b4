// Command ledger-verify checks a CSV export of bank.transfer_proof_export_v
// offline: ids strictly ascending, amounts positive with two fractional
// digits, and every fingerprint recomputing from its row.
//
// Exit status is 0 when the export verifies, 1 on a verification failure and
// 2 on usage or input errors.
package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"bank-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

var amountPattern = regexp.MustCompile(`^[0-9]+\.[0-9]{2}$`)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		inPath     = fs.String("in", "", "CSV exported from bank.transfer_proof_export_v")
		expectRows = fs.Int("expect-rows", 0, "expected number of rows (0 skips the check)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inPath == "" {
		fmt.Fprintln(stderr, "missing -in")
		return 2
	}

	f, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 2
	}
	defer f.Close()

	rows, err := verify(bufio.NewReader(f))
	var failure *verifyError
	switch {
	case errors.As(err, &failure):
		fmt.Fprintln(stderr, "FAIL:", failure)
		return 1
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 2
	}

	if rows == 0 {
		fmt.Fprintln(stderr, "FAIL: empty export")
		return 1
	}
	if *expectRows > 0 && rows != *expectRows {
		fmt.Fprintf(stderr, "FAIL: row count mismatch\nexpected=%d\ngot=%d\n", *expectRows, rows)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d transfers verified\n", rows)
	return 0
}

// verifyError is a problem with the exported data itself, as opposed to a
// problem reading it.
type verifyError struct {
	line int
	id   string
	msg  string
}

func (e *verifyError) Error() string {
	return fmt.Sprintf("line %d (id=%s): %s", e.line, e.id, e.msg)
}

var requiredColumns = []string{"id", "amount", "from_iban", "to_iban", "fingerprint"}

func verify(in io.Reader) (int, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range requiredColumns {
		if _, ok := col[need]; !ok {
			return 0, fmt.Errorf("missing column: %s", need)
		}
	}

	var (
		lineNo = 1
		rows   int
		lastID int64
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return rows, fmt.Errorf("csv read: %w", err)
		}
		if len(rec) < len(header) {
			return rows, fmt.Errorf("line %d: expected %d fields, got %d", lineNo, len(header), len(rec))
		}

		field := func(name string) string { return strings.TrimSpace(rec[col[name]]) }
		idText := field("id")

		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return rows, &verifyError{line: lineNo, id: idText, msg: "id is not an integer"}
		}
		if rows > 0 && id <= lastID {
			return rows, &verifyError{line: lineNo, id: idText, msg: fmt.Sprintf("id not ascending after %d", lastID)}
		}

		amountText := field("amount")
		if !amountPattern.MatchString(amountText) {
			return rows, &verifyError{line: lineNo, id: idText, msg: fmt.Sprintf("amount %q is not in 0.00 form", amountText)}
		}
		amount := decimal.RequireFromString(amountText)
		if !amount.IsPositive() {
			return rows, &verifyError{line: lineNo, id: idText, msg: "amount is not positive"}
		}

		want, err := ledger.Fingerprint(field("from_iban"), field("to_iban"), amount)
		if err != nil {
			return rows, fmt.Errorf("line %d: fingerprint: %w", lineNo, err)
		}
		if got := strings.ToLower(field("fingerprint")); got != want {
			return rows, &verifyError{line: lineNo, id: idText, msg: fmt.Sprintf("fingerprint mismatch\nexpected=%s\ngot=%s", want, got)}
		}

		lastID = id
		rows++
	}
	return rows, nil
}
