package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// maxCents keeps amounts well inside int64 once summed.
const maxCents = 1_000_000_000_000_00

// ParseAmount reads a user-typed positive amount such as "150", "12.50" or
// "12,5". The result is rounded to cents.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if _, err := ToCents(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ToCents converts a signed amount to minor units. Zero is rejected.
func ToCents(d decimal.Decimal) (int64, error) {
	cents := d.Round(2).Shift(2)
	if cents.IsZero() {
		return 0, ErrInvalidAmount
	}
	if cents.Abs().GreaterThan(decimal.NewFromInt(maxCents)) {
		return 0, fmt.Errorf("%w: %s is too large", ErrInvalidAmount, d)
	}
	return cents.IntPart(), nil
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// NormalizeName trims and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// NameKey is the case-insensitive uniqueness key for a person name.
func NameKey(name string) string {
	return strings.ToLower(NormalizeName(name))
}

// DateRange is an inclusive range of calendar days. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Bounds returns the half-open instant range [start, end) covering the days.
func (r DateRange) Bounds() (start, end time.Time) {
	if !r.From.IsZero() {
		start = truncateDay(r.From)
	}
	if !r.To.IsZero() {
		end = truncateDay(r.To).AddDate(0, 0, 1)
	}
	return start, end
}

func (r DateRange) Contains(t time.Time) bool {
	start, end := r.Bounds()
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}

const dateLayout = "2006-01-02"

// ParseDateRange parses "YYYY-MM-DD,YYYY-MM-DD". Either side may be empty;
// a single day without a comma covers just that day.
func ParseDateRange(s string) (DateRange, error) {
	from, to, ok := strings.Cut(s, ",")
	if !ok {
		to = from
	}
	var r DateRange
	var err error
	if r.From, err = parseDay(from); err != nil {
		return DateRange{}, err
	}
	if r.To, err = parseDay(to); err != nil {
		return DateRange{}, err
	}
	if r.IsZero() {
		return DateRange{}, fmt.Errorf("date range %q: both bounds are empty", s)
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return DateRange{}, fmt.Errorf("date range %q: end is before start", s)
	}
	return r, nil
}

// ParseDay parses a single YYYY-MM-DD day; empty input yields the zero time.
func ParseDay(s string) (time.Time, error) {
	return parseDay(s)
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatAmount renders d with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatSigned renders d with two decimals and an explicit sign.
func FormatSigned(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2)
	}
	return "+" + d.StringFixed(2)
}
