// Package ledger holds the domain types shared by the ledger stores, the
// conversation engine and the transports.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Person struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is an immutable ledger row. A positive amount is a debt, a
// negative amount is a repayment.
type Transaction struct {
	ID          int64           `json:"id"`
	PersonID    int64           `json:"person_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (t Transaction) IsPayment() bool {
	return t.Amount.IsNegative()
}

type PersonBalance struct {
	Person  Person          `json:"person"`
	Balance decimal.Decimal `json:"balance"`
}

type Activity struct {
	Transaction Transaction `json:"transaction"`
	PersonName  string      `json:"person_name"`
}

type Totals struct {
	TotalDebt     decimal.Decimal `json:"total_debt"`
	TotalPayments decimal.Decimal `json:"total_payments"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}

type Dashboard struct {
	Totals      Totals          `json:"totals"`
	TopBalances []PersonBalance `json:"top_balances"`
	Recent      []Activity      `json:"recent"`
}

type UserSetting struct {
	UserID    int64     `json:"user_id"`
	Language  string    `json:"language"`
	UpdatedAt time.Time `json:"updated_at"`
}

const DefaultLanguage = "en"

// ExportScope selects which transactions an export contains.
type ExportScope string

const (
	ScopeAll      ExportScope = "all"
	ScopeDebts    ExportScope = "debts"
	ScopePayments ExportScope = "payments"
	ScopePerson   ExportScope = "person"
)

type ExportFilter struct {
	Scope    ExportScope
	PersonID int64
}

// ExportRow is a transaction joined with its owner's name.
type ExportRow struct {
	Transaction
	PersonName string
}

// ExactMatch returns the one person whose name equals query ignoring case
// and spacing. It reports false when there is no such person or more than one.
func ExactMatch(people []Person, query string) (Person, bool) {
	key := NameKey(query)
	var (
		found Person
		n     int
	)
	for _, p := range people {
		if NameKey(p.Name) == key {
			found = p
			n++
		}
	}
	return found, n == 1
}
