// Package export renders ledger rows as a CSV file.
package export

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/susu3304/ledgerbot/internal/ledger"
)

const ContentType = "text/csv"

var header = []string{"id", "person", "amount", "description", "created_at"}

// FileName is the attachment name for an export produced at t.
func FileName(t time.Time) string {
	return "transactions-" + t.UTC().Format("20060102-150405") + ".csv"
}

// CSV encodes rows with a header line. Amounts are signed with two decimals,
// timestamps RFC 3339 in UTC.
func CSV(rows []ledger.ExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.ID, 10),
			r.PersonName,
			r.Amount.StringFixed(2),
			r.Description,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
