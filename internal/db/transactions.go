package db

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

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
	err = db.withTx(ctx, func(q querier) error {
		if err := personExists(ctx, q, personID); err != nil {
			return err
		}
		created := db.stamp()
		res, err := q.ExecContext(ctx,
			`INSERT INTO transactions (person_id, amount_cents, description, created_at)
			 VALUES (?, ?, ?, ?)`,
			personID, cents, description, created)
		if err != nil {
			return err
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		t.PersonID = personID
		t.Amount = ledger.FromCents(cents)
		t.Description = description
		if t.CreatedAt, err = parseTime(created); err != nil {
			return err
		}
		balance, err = balanceOf(ctx, q, personID)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, decimal.Zero, storageErr("record transaction", err)
	}
	return t, balance, nil
}

func (db *DB) Balance(ctx context.Context, personID int64) (decimal.Decimal, error) {
	if err := personExists(ctx, db.sql, personID); err != nil {
		return decimal.Zero, storageErr("balance", err)
	}
	b, err := balanceOf(ctx, db.sql, personID)
	if err != nil {
		return decimal.Zero, storageErr("balance", err)
	}
	return b, nil
}

// History lists a person's transactions oldest first, optionally limited to
// the calendar days in r.
func (db *DB) History(ctx context.Context, personID int64, r ledger.DateRange) ([]ledger.Transaction, error) {
	if err := personExists(ctx, db.sql, personID); err != nil {
		return nil, storageErr("history", err)
	}

	query := `SELECT id, person_id, amount_cents, description, created_at
		FROM transactions WHERE person_id = ?`
	args := []any{personID}
	start, end := r.Bounds()
	if !start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(start))
	}
	if !end.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(end))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()

	out := []ledger.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storageErr("history", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", err)
	}
	return out, nil
}

// DashboardSummary reports ledger-wide totals, the topN people by absolute
// balance and the recentN latest transactions.
func (db *DB) DashboardSummary(ctx context.Context, topN, recentN int) (ledger.Dashboard, error) {
	var (
		d              ledger.Dashboard
		debt, payments int64
	)
	err := db.sql.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN amount_cents > 0 THEN amount_cents END), 0),
		        COALESCE(SUM(CASE WHEN amount_cents < 0 THEN -amount_cents END), 0)
		 FROM transactions`).Scan(&debt, &payments)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard totals", err)
	}
	d.Totals = ledger.Totals{
		TotalDebt:     ledger.FromCents(debt),
		TotalPayments: ledger.FromCents(payments),
		Outstanding:   ledger.FromCents(debt - payments),
	}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT p.id, p.name, p.created_at, SUM(t.amount_cents) AS balance
		 FROM people p
		 JOIN transactions t ON t.person_id = p.id
		 GROUP BY p.id
		 HAVING balance <> 0
		 ORDER BY ABS(balance) DESC, p.name_key, p.id
		 LIMIT ?`, topN)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard balances", err)
	}
	d.TopBalances = []ledger.PersonBalance{}
	for rows.Next() {
		var (
			pb      ledger.PersonBalance
			created string
			cents   int64
		)
		if err := rows.Scan(&pb.Person.ID, &pb.Person.Name, &created, &cents); err != nil {
			rows.Close()
			return ledger.Dashboard{}, storageErr("dashboard balances", err)
		}
		if pb.Person.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return ledger.Dashboard{}, storageErr("dashboard balances", err)
		}
		pb.Balance = ledger.FromCents(cents)
		d.TopBalances = append(d.TopBalances, pb)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ledger.Dashboard{}, storageErr("dashboard balances", err)
	}
	rows.Close()

	rows, err = db.sql.QueryContext(ctx,
		`SELECT t.id, t.person_id, t.amount_cents, t.description, t.created_at, p.name
		 FROM transactions t
		 JOIN people p ON p.id = t.person_id
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT ?`, recentN)
	if err != nil {
		return ledger.Dashboard{}, storageErr("dashboard recent", err)
	}
	defer rows.Close()
	d.Recent = []ledger.Activity{}
	for rows.Next() {
		var a ledger.Activity
		if a.Transaction, err = scanTransaction(rows, &a.PersonName); err != nil {
			return ledger.Dashboard{}, storageErr("dashboard recent", err)
		}
		d.Recent = append(d.Recent, a)
	}
	if err := rows.Err(); err != nil {
		return ledger.Dashboard{}, storageErr("dashboard recent", err)
	}
	return d, nil
}

// ExportTransactions returns the rows selected by f, oldest first.
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
		if err := personExists(ctx, db.sql, f.PersonID); err != nil {
			return nil, storageErr("export", err)
		}
		query += ` WHERE t.person_id = ?`
		args = append(args, f.PersonID)
	default:
		return nil, ledger.ErrInvalidScope
	}
	query += ` ORDER BY t.created_at, t.id`

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("export", err)
	}
	defer rows.Close()

	out := []ledger.ExportRow{}
	for rows.Next() {
		var r ledger.ExportRow
		if r.Transaction, err = scanTransaction(rows, &r.PersonName); err != nil {
			return nil, storageErr("export", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("export", err)
	}
	return out, nil
}

// scanTransaction reads the standard transaction columns followed by any
// extra destinations.
func scanTransaction(r rowScanner, extra ...any) (ledger.Transaction, error) {
	var (
		t       ledger.Transaction
		cents   int64
		created string
	)
	dest := append([]any{&t.ID, &t.PersonID, &cents, &t.Description, &created}, extra...)
	if err := r.Scan(dest...); err != nil {
		return ledger.Transaction{}, err
	}
	ts, err := parseTime(created)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Amount = ledger.FromCents(cents)
	t.CreatedAt = ts
	return t, nil
}
