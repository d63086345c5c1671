package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract shared by the SQLite and PostgreSQL
// backends. Every mutation is atomic; storage failures wrap ErrStorage.
type Store interface {
	AddPerson(ctx context.Context, name string) (Person, error)
	GetPerson(ctx context.Context, id int64) (Person, error)
	// FindPeople resolves a selector: an exact "#id" or "id" match first,
	// then a case-insensitive substring match on names.
	FindPeople(ctx context.Context, query string) ([]Person, error)
	ListPeople(ctx context.Context) ([]PersonBalance, error)
	// SearchPeople runs a ParseSearchQuery query and ranks the hits. When a
	// query with keywords matches nobody, the response carries suggestions.
	SearchPeople(ctx context.Context, query string, limit int) (SearchResponse, error)
	RenamePerson(ctx context.Context, id int64, name string) (Person, error)
	DeletePerson(ctx context.Context, id int64) error

	// RecordTransaction appends a signed amount and returns the stored row
	// together with the person's balance after it.
	RecordTransaction(ctx context.Context, personID int64, amount decimal.Decimal, description string) (Transaction, decimal.Decimal, error)
	Balance(ctx context.Context, personID int64) (decimal.Decimal, error)
	History(ctx context.Context, personID int64, r DateRange) ([]Transaction, error)

	DashboardSummary(ctx context.Context, topN, recentN int) (Dashboard, error)
	ExportTransactions(ctx context.Context, f ExportFilter) ([]ExportRow, error)

	Language(ctx context.Context, userID int64) (string, error)
	SetLanguage(ctx context.Context, userID int64, lang string) error
}
