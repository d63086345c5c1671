package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

// stepClock returns a clock that advances one minute per reading, starting at start.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Minute)
		return t
	}
}

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := New(ctx, filepath.Join(t.TempDir(), "ledger.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(ctx))
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RunMigrations(context.Background()))
}

func TestAddPerson(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.AddPerson(ctx, "  Alice  ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
	assert.NotZero(t, p.ID)

	_, err = db.AddPerson(ctx, "ALICE")
	assert.ErrorIs(t, err, ledger.ErrDuplicateName)

	_, err = db.AddPerson(ctx, "   ")
	assert.ErrorIs(t, err, ledger.ErrInvalidName)

	got, err := db.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	_, err = db.GetPerson(ctx, p.ID+100)
	assert.ErrorIs(t, err, ledger.ErrPersonNotFound)
}

func TestFindPeople(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)
	_, err = db.AddPerson(ctx, "Alicia")
	require.NoError(t, err)
	_, err = db.AddPerson(ctx, "Bob")
	require.NoError(t, err)
	_, err = db.AddPerson(ctx, "100%_sure")
	require.NoError(t, err)

	got, err := db.FindPeople(ctx, "ali")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, "Alicia", got[1].Name)

	got, err = db.FindPeople(ctx, "#"+strconv.FormatInt(alice.ID, 10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alice.ID, got[0].ID)

	got, err = db.FindPeople(ctx, "zed")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = db.FindPeople(ctx, "%_")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "100%_sure", got[0].Name)
}

func TestNew_PathWithURIDelimiters(t *testing.T) {
	ctx := context.Background()
	for _, dir := range []string{"books#2024", "what?now", "100% done"} {
		t.Run(dir, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), dir, "ledger.db")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

			db, err := New(ctx, path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			require.NoError(t, db.RunMigrations(ctx))
			_, err = db.AddPerson(ctx, "Alice")
			require.NoError(t, err)

			_, err = os.Stat(path)
			require.NoError(t, err, "ledger must live at the configured path")
			assert.Equal(t, path, db.Path())
		})
	}
}

func TestSearchPeople(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	seed := []struct {
		name   string
		amount string
	}{
		{"Alice", "120"},
		{"Alicia", "-30"},
		{"Malik", "15"},
		{"Bob", ""},
		{"Bobby", "-200"},
	}
	ids := map[string]int64{}
	for _, s := range seed {
		p, err := db.AddPerson(ctx, s.name)
		require.NoError(t, err)
		ids[s.name] = p.ID
		if s.amount != "" {
			_, _, err = db.RecordTransaction(ctx, p.ID, dec(s.amount), "seed")
			require.NoError(t, err)
		}
	}

	tests := []struct {
		query       string
		want        []string
		suggestions []string
	}{
		{query: "ali", want: []string{"Alice", "Alicia", "Malik"}},
		{query: "ali debtors", want: []string{"Alice", "Malik"}},
		{query: "creditors", want: []string{"Bobby", "Alicia"}},
		{query: "settled", want: []string{"Bob"}},
		{query: "balance>=15", want: []string{"Alice", "Malik"}},
		{query: "balance<=-30", want: []string{"Bobby", "Alicia"}},
		{query: "balance=120", want: []string{"Alice"}},
		{query: "bob by", want: []string{"Bobby"}},
		{query: "#" + strconv.FormatInt(ids["Malik"], 10), want: []string{"Malik"}},
		{query: strconv.FormatInt(ids["Alice"], 10) + " ali", want: []string{"Alice"}},
		{query: "alise", want: []string{}, suggestions: []string{"Alice", "Alicia"}},
		{query: "qqqqqq", want: []string{}, suggestions: []string{}},
		{query: "   ", want: []string{}, suggestions: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := db.SearchPeople(ctx, tt.query, 0)
			require.NoError(t, err)
			names := []string{}
			for _, m := range resp.Matches {
				names = append(names, m.Person.Name)
			}
			assert.Equal(t, tt.want, names)
			if tt.suggestions != nil {
				assert.Equal(t, tt.suggestions, resp.Suggestions)
			}
		})
	}

	resp, err := db.SearchPeople(ctx, "ali", 1)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "Alice", resp.Matches[0].Person.Name)
	assert.True(t, resp.Matches[0].Balance.Equal(dec("120")))
	assert.Equal(t, []string{"ali"}, resp.Matches[0].Matched)
}

func TestRecordTransaction_Balance(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)

	tx, bal, err := db.RecordTransaction(ctx, alice.ID, dec("150"), "lunch")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("150")))
	assert.False(t, tx.IsPayment())

	tx, bal, err = db.RecordTransaction(ctx, alice.ID, dec("-50"), "")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("100")))
	assert.True(t, tx.IsPayment())

	b, err := db.Balance(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("100")), b.String())

	hist, err := db.History(ctx, alice.ID, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "lunch", hist[0].Description)
	assert.True(t, hist[1].Amount.Equal(dec("-50")))
}

func TestRecordTransaction_Rejects(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)

	_, _, err = db.RecordTransaction(ctx, alice.ID, decimal.Zero, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, _, err = db.RecordTransaction(ctx, alice.ID, dec("0.001"), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, _, err = db.RecordTransaction(ctx, alice.ID+1, dec("5"), "")
	assert.ErrorIs(t, err, ledger.ErrPersonNotFound)

	hist, err := db.History(ctx, alice.ID, ledger.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestBalance_EqualsSumOfHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.AddPerson(ctx, "Carol")
	require.NoError(t, err)
	for _, a := range []string{"10.10", "-3.33", "0.01", "99.99", "-100"} {
		_, _, err := db.RecordTransaction(ctx, p.ID, dec(a), "")
		require.NoError(t, err)
	}

	hist, err := db.History(ctx, p.ID, ledger.DateRange{})
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range hist {
		sum = sum.Add(tx.Amount)
	}
	b, err := db.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(b), "sum %s balance %s", sum, b)
	assert.True(t, b.Equal(dec("6.77")), b.String())
}

func TestHistory_DateRange(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 31, 23, 58, 0, 0, time.UTC)
	db := newTestDB(t, WithClock(stepClock(start)))

	// AddPerson consumes 23:58; the transactions land at 23:59 and 00:00.
	p, err := db.AddPerson(ctx, "Dave")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, p.ID, dec("1"), "january")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, p.ID, dec("2"), "february")
	require.NoError(t, err)

	jan, err := ledger.ParseDateRange("2024-01-01,2024-01-31")
	require.NoError(t, err)
	hist, err := db.History(ctx, p.ID, jan)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "january", hist[0].Description)

	feb, err := ledger.ParseDateRange("2024-02-01,")
	require.NoError(t, err)
	hist, err = db.History(ctx, p.ID, feb)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "february", hist[0].Description)

	none, err := ledger.ParseDateRange("2023-01-01,2023-12-31")
	require.NoError(t, err)
	hist, err = db.History(ctx, p.ID, none)
	require.NoError(t, err)
	assert.NotNil(t, hist)
	assert.Empty(t, hist)
}

func TestHistory_TieBreakByInsertion(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithClock(func() time.Time { return fixed }))

	p, err := db.AddPerson(ctx, "Eve")
	require.NoError(t, err)
	for _, d := range []string{"first", "second", "third"} {
		_, _, err := db.RecordTransaction(ctx, p.ID, dec("1"), d)
		require.NoError(t, err)
	}

	hist, err := db.History(ctx, p.ID, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{hist[0].Description, hist[1].Description, hist[2].Description})
}

func TestRenamePerson(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)
	bob, err := db.AddPerson(ctx, "Bob")
	require.NoError(t, err)

	_, err = db.RenamePerson(ctx, bob.ID, "alice")
	assert.ErrorIs(t, err, ledger.ErrDuplicateName)

	got, err := db.GetPerson(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Name)

	// Changing only the case of one's own name is allowed.
	renamed, err := db.RenamePerson(ctx, alice.ID, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", renamed.Name)

	_, err = db.RenamePerson(ctx, 999, "Zed")
	assert.ErrorIs(t, err, ledger.ErrPersonNotFound)
	_, err = db.RenamePerson(ctx, bob.ID, " ")
	assert.ErrorIs(t, err, ledger.ErrInvalidName)
}

func TestDeletePerson_Cascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.AddPerson(ctx, "Frank")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, p.ID, dec("20"), "")
	require.NoError(t, err)

	require.NoError(t, db.DeletePerson(ctx, p.ID))
	assert.ErrorIs(t, db.DeletePerson(ctx, p.ID), ledger.ErrPersonNotFound)

	rows, err := db.ExportTransactions(ctx, ledger.ExportFilter{Scope: ledger.ScopeAll})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = db.History(ctx, p.ID, ledger.DateRange{})
	assert.ErrorIs(t, err, ledger.ErrPersonNotFound)
}

func TestListPeopleAndDashboard(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)
	bob, err := db.AddPerson(ctx, "Bob")
	require.NoError(t, err)
	_, err = db.AddPerson(ctx, "Carol")
	require.NoError(t, err)

	_, _, err = db.RecordTransaction(ctx, alice.ID, dec("150"), "")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, alice.ID, dec("-50"), "")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, bob.ID, dec("300"), "")
	require.NoError(t, err)

	people, err := db.ListPeople(ctx)
	require.NoError(t, err)
	require.Len(t, people, 3)
	assert.Equal(t, "Alice", people[0].Person.Name)
	assert.True(t, people[0].Balance.Equal(dec("100")))
	assert.True(t, people[2].Balance.IsZero())

	d, err := db.DashboardSummary(ctx, 5, 2)
	require.NoError(t, err)
	assert.True(t, d.Totals.TotalDebt.Equal(dec("450")))
	assert.True(t, d.Totals.TotalPayments.Equal(dec("50")))
	assert.True(t, d.Totals.Outstanding.Equal(dec("400")))
	require.Len(t, d.TopBalances, 2)
	assert.Equal(t, "Bob", d.TopBalances[0].Person.Name)
	require.Len(t, d.Recent, 2)
	assert.Equal(t, "Bob", d.Recent[0].PersonName)
}

func TestExportTransactions_Scopes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	alice, err := db.AddPerson(ctx, "Alice")
	require.NoError(t, err)
	bob, err := db.AddPerson(ctx, "Bob")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, alice.ID, dec("10"), "a")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, alice.ID, dec("-4"), "b")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, bob.ID, dec("7"), "c")
	require.NoError(t, err)

	tests := []struct {
		filter ledger.ExportFilter
		want   []string
	}{
		{ledger.ExportFilter{Scope: ledger.ScopeAll}, []string{"a", "b", "c"}},
		{ledger.ExportFilter{Scope: ledger.ScopeDebts}, []string{"a", "c"}},
		{ledger.ExportFilter{Scope: ledger.ScopePayments}, []string{"b"}},
		{ledger.ExportFilter{Scope: ledger.ScopePerson, PersonID: bob.ID}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter.Scope), func(t *testing.T) {
			rows, err := db.ExportTransactions(ctx, tt.filter)
			require.NoError(t, err)
			var got []string
			for _, r := range rows {
				got = append(got, r.Description)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = db.ExportTransactions(ctx, ledger.ExportFilter{Scope: "weekly"})
	assert.ErrorIs(t, err, ledger.ErrInvalidScope)
	_, err = db.ExportTransactions(ctx, ledger.ExportFilter{Scope: ledger.ScopePerson, PersonID: 999})
	assert.ErrorIs(t, err, ledger.ErrPersonNotFound)
}

func TestLanguage(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	lang, err := db.Language(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultLanguage, lang)

	require.NoError(t, db.SetLanguage(ctx, 7, "fa"))
	require.NoError(t, db.SetLanguage(ctx, 7, "de"))
	lang, err = db.Language(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "de", lang)
}

func TestOnMutation_FiresAfterCommitOnly(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var calls atomic.Int32
	db.OnMutation(func() { calls.Add(1) })

	p, err := db.AddPerson(ctx, "Gina")
	require.NoError(t, err)
	_, err = db.AddPerson(ctx, "gina")
	require.Error(t, err)
	_, _, err = db.RecordTransaction(ctx, p.ID, dec("1"), "")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.AddPerson(ctx, "Hank")
	require.NoError(t, err)
	_, _, err = db.RecordTransaction(ctx, p.ID, dec("42"), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.Snapshot(ctx, dest))

	copyDB, err := New(ctx, dest)
	require.NoError(t, err)
	defer copyDB.Close()
	b, err := copyDB.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("42")))

	assert.ErrorIs(t, db.Snapshot(ctx, dest), ledger.ErrStorage)
}

func TestConcurrentWritesForOnePerson(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p, err := db.AddPerson(ctx, "Ivy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := db.RecordTransaction(ctx, p.ID, dec("1.50"), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := db.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("30")), b.String())
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()

	db := &DB{sql: sqldb, now: time.Now}
	mock.ExpectQuery("SELECT 1 FROM people").WillReturnError(errors.New("disk I/O error"))

	_, err = db.Balance(context.Background(), 1)
	require.ErrorIs(t, err, ledger.ErrStorage)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NotErrorIs(t, err, ledger.ErrPersonNotFound)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	_, err = db.AddPerson(context.Background(), "Jo")
	assert.ErrorIs(t, err, ledger.ErrStorage)

	require.NoError(t, mock.ExpectationsWereMet())
}
