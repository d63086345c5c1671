// Package postgres is the PostgreSQL-backed ledger store, used when
// DATABASE_URL is configured.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

var _ ledger.Store = (*DB)(nil)

type DB struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	hooks []func()
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// RunMigrations runs database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS people (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			person_id BIGINT NOT NULL REFERENCES people(id) ON DELETE CASCADE,
			amount_cents BIGINT NOT NULL CHECK (amount_cents <> 0),
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_person_created ON transactions(person_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at, id);
		CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY,
			language TEXT NOT NULL DEFAULT 'en',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (db *DB) OnMutation(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, fn)
}

func (db *DB) write(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := pgx.BeginFunc(ctx, db.pool, fn); err != nil {
		return err
	}
	db.mu.RLock()
	hooks := db.hooks
	db.mu.RUnlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

func (db *DB) AddPerson(ctx context.Context, name string) (ledger.Person, error) {
	name = ledger.NormalizeName(name)
	if name == "" {
		return ledger.Person{}, ledger.ErrInvalidName
	}

	var p ledger.Person
	err := db.write(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`INSERT INTO people (name, name_key) VALUES ($1, $2)
			 RETURNING id, name, created_at`,
			name, ledger.NameKey(name),
		).Scan(&p.ID, &p.Name, &p.CreatedAt)
	})
	if err != nil {
		return ledger.Person{}, storageErr("add person", err)
	}
	return p, nil
}

func (db *DB) GetPerson(ctx context.Context, id int64) (ledger.Person, error) {
	p, err := getPerson(ctx, db.pool, id, false)
	if err != nil {
		return ledger.Person{}, storageErr("get person", err)
	}
	return p, nil
}

func (db *DB) FindPeople(ctx context.Context, query string) ([]ledger.Person, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []ledger.Person{}, nil
	}
	if id, err := strconv.ParseInt(strings.TrimPrefix(query, "#"), 10, 64); err == nil {
		p, err := getPerson(ctx, db.pool, id, false)
		switch {
		case err == nil:
			return []ledger.Person{p}, nil
		case !errors.Is(err, ledger.ErrPersonNotFound):
			return nil, storageErr("find people", err)
		}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, name, created_at FROM people
		 WHERE strpos(name_key, $1) > 0
		 ORDER BY name_key, id`, ledger.NameKey(query))
	if err != nil {
		return nil, storageErr("find people", err)
	}
	people, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (ledger.Person, error) {
		var p ledger.Person
		err := r.Scan(&p.ID, &p.Name, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, storageErr("find people", err)
	}
	if people == nil {
		people = []ledger.Person{}
	}
	return people, nil
}

func (db *DB) ListPeople(ctx context.Context) ([]ledger.PersonBalance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.name, p.created_at, COALESCE(SUM(t.amount_cents), 0)
		 FROM people p
		 LEFT JOIN transactions t ON t.person_id = p.id
		 GROUP BY p.id
		 ORDER BY p.name_key, p.id`)
	if err != nil {
		return nil, storageErr("list people", err)
	}
	out, err := pgx.CollectRows(rows, scanPersonBalance)
	if err != nil {
		return nil, storageErr("list people", err)
	}
	if out == nil {
		out = []ledger.PersonBalance{}
	}
	return out, nil
}

func (db *DB) SearchPeople(ctx context.Context, query string, limit int) (ledger.SearchResponse, error) {
	q := ledger.ParseSearchQuery(query)
	if limit <= 0 {
		limit = ledger.SearchLimit
	}
	resp := ledger.SearchResponse{Query: q.Raw, Matches: []ledger.SearchResult{}, Suggestions: []string{}}
	if q.IsZero() {
		return resp, nil
	}

	const balance = "COALESCE(SUM(t.amount_cents), 0)"
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(q.IDs) > 0 {
		conds = append(conds, "p.id = ANY("+arg(q.IDs)+")")
	}
	for _, kw := range q.Keywords {
		conds = append(conds, "strpos(p.name_key, "+arg(kw)+") > 0")
	}

	var b strings.Builder
	b.WriteString(`SELECT p.id, p.name, p.created_at, ` + balance + `
		 FROM people p
		 LEFT JOIN transactions t ON t.person_id = p.id`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" GROUP BY p.id")
	if f := q.Balance; f != nil {
		// Op comes from a fixed set in ParseSearchQuery.
		b.WriteString(" HAVING " + balance + " " + f.Op + " " + arg(f.Cents()))
	}
	b.WriteString(" ORDER BY ABS(" + balance + ") DESC, p.name_key, p.id LIMIT " + arg(max(limit*4, 50)))

	rows, err := db.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	candidates, err := pgx.CollectRows(rows, scanPersonBalance)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	resp.Matches = ledger.Rank(q, candidates, limit)
	if len(resp.Matches) > 0 || len(q.Keywords) == 0 {
		return resp, nil
	}

	rows, err = db.pool.Query(ctx,
		`SELECT name FROM people ORDER BY created_at DESC, id DESC LIMIT $1`, ledger.SuggestionPool)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return resp, storageErr("search people", err)
	}
	resp.Suggestions = ledger.Suggest(q, names)
	return resp, nil
}

func (db *DB) RenamePerson(ctx context.Context, id int64, name string) (ledger.Person, error) {
	name = ledger.NormalizeName(name)
	if name == "" {
		return ledger.Person{}, ledger.ErrInvalidName
	}

	var p ledger.Person
	err := db.write(ctx, func(tx pgx.Tx) error {
		var err error
		if p, err = getPerson(ctx, tx, id, true); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE people SET name = $2, name_key = $3 WHERE id = $1`,
			id, name, ledger.NameKey(name)); err != nil {
			return err
		}
		p.Name = name
		return nil
	})
	if err != nil {
		return ledger.Person{}, storageErr("rename person", err)
	}
	return p, nil
}

func (db *DB) DeletePerson(ctx context.Context, id int64) error {
	err := db.write(ctx, func(tx pgx.Tx) error {
		if _, err := getPerson(ctx, tx, id, true); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM people WHERE id = $1`, id)
		return err
	})
	return storageErr("delete person", err)
}

// RecordTransaction locks the person row so that concurrent writes for the
// same person serialize while other people proceed in parallel.
func (db *DB) RecordTransaction(ctx context.Context, personID int64, amount decimal.Decimal, description string) (ledger.Transaction, decimal.Decimal, error) {
	cents, err := ledger.ToCents(amount)
	if err != nil {
		return ledger.Transaction{}, decimal.Zero, err
	}
	description = strings.TrimSpace(description)

	var (
		t       ledger.Transaction
		balance decimal.Decimal
	)
	err = db.write(ctx, func(tx pgx.Tx) error {
		if _, err := getPerson(ctx, tx, personID, true); err != nil {
			return err
		}
		var stored int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO transactions (person_id, amount_cents, description)
			 VALUES ($1, $2, $3)
			 RETURNING id, person_id, amount_cents, description, created_at`,
			personID, cents, description,
		).Scan(&t.ID, &t.PersonID, &stored, &t.Description, &t.CreatedAt); err != nil {
			return err
		}
		t.Amount = ledger.FromCents(stored)
		var err error
		balance, err = balanceOf(ctx, tx, personID)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, decimal.Zero, storageErr("record transaction", err)
	}
	return t, balance, nil
}

func (db *DB) Balance(ctx context.Context, personID int64) (decimal.Decimal, error) {
	if _, err := getPerson(ctx, db.pool, personID, false); err != nil {
		return decimal.Zero, storageErr("balance", err)
	}
	b, err := balanceOf(ctx, db.pool, personID)
	if err != nil {
		return decimal.Zero, storageErr("balance", err)
	}
	return b, nil
}

func (db *DB) History(ctx context.Context, personID int64, r ledger.DateRange) ([]ledger.Transaction, error) {
	if _, err := getPerson(ctx, db.pool, personID, false); err != nil {
		return nil, storageErr("history", err)
	}

	query := `SELECT id, person_id, amount_cents, description, created_at
		FROM transactions WHERE person_id = $1`
	args := []any{personID}
	start, end := r.Bounds()
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("history", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (ledger.Transaction, error) {
		return scanTransaction(r)
	})
	if err != nil {
		return nil, storageErr("history", err)
	}
	if out == nil {
		out = []ledger.Transaction{}
	}
	return out, nil
}

func (db *DB) DashboardSummary(ctx context.Context, topN, recentN int) (ledger.Dashboard, error) {
	var (
		d              ledger.Dashboard
		debt, payments int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents) FILTER (WHERE amount_cents > 0), 0),
		        COALESCE(-SUM(amount_cents) FILTER (WHERE amount_cents < 0), 0)
		 FROM transactions`).Scan(&debt, &payments)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard totals", err)
	}
	d.Totals = ledger.Totals{
		TotalDebt:     ledger.FromCents(debt),
		TotalPayments: ledger.FromCents(payments),
		Outstanding:   ledger.FromCents(debt - payments),
	}

	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.name, p.created_at, SUM(t.amount_cents) AS balance
		 FROM people p
		 JOIN transactions t ON t.person_id = p.id
		 GROUP BY p.id
		 HAVING SUM(t.amount_cents) <> 0
		 ORDER BY ABS(SUM(t.amount_cents)) DESC, p.name_key, p.id
		 LIMIT $1`, topN)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard balances", err)
	}
	if d.TopBalances, err = pgx.CollectRows(rows, scanPersonBalance); err != nil {
		return ledger.Dashboard{}, storageErr("dashboard balances", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT t.id, t.person_id, t.amount_cents, t.description, t.created_at, p.name
		 FROM transactions t
		 JOIN people p ON p.id = t.person_id
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT $1`, recentN)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard recent", err)
	}
	d.Recent, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (ledger.Activity, error) {
		var a ledger.Activity
		var err error
		a.Transaction, err = scanTransaction(r, &a.PersonName)
		return a, err
	})
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard recent", err)
	}
	if d.TopBalances == nil {
		d.TopBalances = []ledger.PersonBalance{}
	}
	if d.Recent == nil {
		d.Recent = []ledger.Activity{}
	}
	return d, nil
}

func (db *DB) ExportTransactions(ctx context.Context, f ledger.ExportFilter) ([]ledger.ExportRow, error) {
	query := `SELECT t.id, t.person_id, t.amount_cents, t.description, t.created_at, p.name
		FROM transactions t
		JOIN people p ON p.id = t.person_id`
	var args []any
	switch f.Scope {
	case ledger.ScopeAll, "":
	case ledger.ScopeDebts:
		query += ` WHERE t.amount_cents > 0`
	case ledger.ScopePayments:
		query += ` WHERE t.amount_cents < 0`
	case ledger.ScopePerson:
		if _, err := getPerson(ctx, db.pool, f.PersonID, false); err != nil {
			return nil, storageErr("export", err)
		}
		query += ` WHERE t.person_id = $1`
		args = append(args, f.PersonID)
	default:
		return nil, ledger.ErrInvalidScope
	}
	query += ` ORDER BY t.created_at, t.id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("export", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (ledger.ExportRow, error) {
		var row ledger.ExportRow
		var err error
		row.Transaction, err = scanTransaction(r, &row.PersonName)
		return row, err
	})
	if err != nil {
		return nil, storageErr("export", err)
	}
	if out == nil {
		out = []ledger.ExportRow{}
	}
	return out, nil
}

func (db *DB) Language(ctx context.Context, userID int64) (string, error) {
	var lang string
	err := db.pool.QueryRow(ctx,
		`SELECT language FROM user_settings WHERE user_id = $1`, userID).Scan(&lang)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DefaultLanguage, nil
	}
	if err != nil {
		return "", storageErr("language", err)
	}
	return lang, nil
}

func (db *DB) SetLanguage(ctx context.Context, userID int64, lang string) error {
	err := db.write(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO user_settings (user_id, language, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (user_id) DO UPDATE SET language = EXCLUDED.language, updated_at = EXCLUDED.updated_at`,
			userID, lang)
		return err
	})
	return storageErr("set language", err)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPerson(ctx context.Context, q queryRower, id int64, forUpdate bool) (ledger.Person, error) {
	query := `SELECT id, name, created_at FROM people WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var p ledger.Person
	err := q.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Person{}, ledger.ErrPersonNotFound
	}
	return p, err
}

func balanceOf(ctx context.Context, q queryRower, personID int64) (decimal.Decimal, error) {
	var cents int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM transactions WHERE person_id = $1`,
		personID).Scan(&cents)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromCents(cents), nil
}

func scanPersonBalance(r pgx.CollectableRow) (ledger.PersonBalance, error) {
	var (
		pb    ledger.PersonBalance
		cents int64
	)
	if err := r.Scan(&pb.Person.ID, &pb.Person.Name, &pb.Person.CreatedAt, &cents); err != nil {
		return ledger.PersonBalance{}, err
	}
	pb.Balance = ledger.FromCents(cents)
	return pb, nil
}

func scanTransaction(r pgx.Row, extra ...any) (ledger.Transaction, error) {
	var (
		t     ledger.Transaction
		cents int64
	)
	dest := append([]any{&t.ID, &t.PersonID, &cents, &t.Description, &t.CreatedAt}, extra...)
	if err := r.Scan(dest...); err != nil {
		return ledger.Transaction{}, err
	}
	t.Amount = ledger.FromCents(cents)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

const uniqueViolation = "23505"

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ledger.ErrDuplicateName
	}
	for _, domain := range []error{
		ledger.ErrInvalidName, ledger.ErrDuplicateName, ledger.ErrPersonNotFound,
		ledger.ErrInvalidAmount, ledger.ErrInvalidScope, ledger.ErrStorage,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrStorage, err)
}
