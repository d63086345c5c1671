package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

func (db *DB) AddPerson(ctx context.Context, name string) (ledger.Person, error) {
	name = ledger.NormalizeName(name)
	if name == "" {
		return ledger.Person{}, ledger.ErrInvalidName
	}
	key := ledger.NameKey(name)

	var p ledger.Person
	err := db.withTx(ctx, func(q querier) error {
		if err := ensureNameFree(ctx, q, key, 0); err != nil {
			return err
		}
		created := db.stamp()
		res, err := q.ExecContext(ctx,
			`INSERT INTO people (name, name_key, created_at) VALUES (?, ?, ?)`,
			name, key, created)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrDuplicateName
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID, p.Name = id, name
		p.CreatedAt, err = parseTime(created)
		return err
	})
	if err != nil {
		return ledger.Person{}, storageErr("add person", err)
	}
	return p, nil
}

func (db *DB) GetPerson(ctx context.Context, id int64) (ledger.Person, error) {
	p, err := getPerson(ctx, db.sql, id)
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
		p, err := getPerson(ctx, db.sql, id)
		switch {
		case err == nil:
			return []ledger.Person{p}, nil
		case !errors.Is(err, ledger.ErrPersonNotFound):
			return nil, storageErr("find people", err)
		}
	}

	pattern := "%" + escapeLike(ledger.NameKey(query)) + "%"
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, created_at FROM people
		 WHERE name_key LIKE ? ESCAPE '\'
		 ORDER BY name_key, id`, pattern)
	if err != nil {
		return nil, storageErr("find people", err)
	}
	defer rows.Close()

	people := []ledger.Person{}
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, storageErr("find people", err)
		}
		people = append(people, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find people", err)
	}
	return people, nil
}

func (db *DB) ListPeople(ctx context.Context) ([]ledger.PersonBalance, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT p.id, p.name, p.created_at, COALESCE(SUM(t.amount_cents), 0)
		 FROM people p
		 LEFT JOIN transactions t ON t.person_id = p.id
		 GROUP BY p.id
		 ORDER BY p.name_key, p.id`)
	if err != nil {
		return nil, storageErr("list people", err)
	}
	defer rows.Close()

	out, err := collectBalances(rows)
	if err != nil {
		return nil, storageErr("list people", err)
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

	var (
		conds []string
		args  []any
	)
	if len(q.IDs) > 0 {
		conds = append(conds, "p.id IN (?"+strings.Repeat(", ?", len(q.IDs)-1)+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	for _, kw := range q.Keywords {
		conds = append(conds, `p.name_key LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(kw)+"%")
	}

	var b strings.Builder
	b.WriteString(`SELECT p.id, p.name, p.created_at, COALESCE(SUM(t.amount_cents), 0) AS balance
		 FROM people p
		 LEFT JOIN transactions t ON t.person_id = p.id`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" GROUP BY p.id")
	if f := q.Balance; f != nil {
		// Op comes from a fixed set in ParseSearchQuery.
		b.WriteString(" HAVING balance " + f.Op + " ?")
		args = append(args, f.Cents())
	}
	b.WriteString(" ORDER BY ABS(balance) DESC, p.name_key, p.id LIMIT ?")
	args = append(args, max(limit*4, 50))

	rows, err := db.sql.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	defer rows.Close()
	candidates, err := collectBalances(rows)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	resp.Matches = ledger.Rank(q, candidates, limit)
	if len(resp.Matches) > 0 || len(q.Keywords) == 0 {
		return resp, nil
	}

	names, err := db.recentNames(ctx, ledger.SuggestionPool)
	if err != nil {
		return resp, storageErr("search people", err)
	}
	resp.Suggestions = ledger.Suggest(q, names)
	return resp, nil
}

func (db *DB) recentNames(ctx context.Context, n int) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT name FROM people ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func collectBalances(rows *sql.Rows) ([]ledger.PersonBalance, error) {
	out := []ledger.PersonBalance{}
	for rows.Next() {
		var (
			pb      ledger.PersonBalance
			created string
			cents   int64
		)
		if err := rows.Scan(&pb.Person.ID, &pb.Person.Name, &created, &cents); err != nil {
			return nil, err
		}
		t, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		pb.Person.CreatedAt = t
		pb.Balance = ledger.FromCents(cents)
		out = append(out, pb)
	}
	return out, rows.Err()
}

func (db *DB) RenamePerson(ctx context.Context, id int64, name string) (ledger.Person, error) {
	name = ledger.NormalizeName(name)
	if name == "" {
		return ledger.Person{}, ledger.ErrInvalidName
	}
	key := ledger.NameKey(name)

	var p ledger.Person
	err := db.withTx(ctx, func(q querier) error {
		var err error
		if p, err = getPerson(ctx, q, id); err != nil {
			return err
		}
		if err := ensureNameFree(ctx, q, key, id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE people SET name = ?, name_key = ? WHERE id = ?`, name, key, id); err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrDuplicateName
			}
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

// DeletePerson removes the person together with all of their transactions.
func (db *DB) DeletePerson(ctx context.Context, id int64) error {
	err := db.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM people WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrPersonNotFound
		}
		return nil
	})
	return storageErr("delete person", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(r rowScanner) (ledger.Person, error) {
	var (
		p       ledger.Person
		created string
	)
	if err := r.Scan(&p.ID, &p.Name, &created); err != nil {
		return ledger.Person{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return ledger.Person{}, err
	}
	p.CreatedAt = t
	return p, nil
}

func getPerson(ctx context.Context, q querier, id int64) (ledger.Person, error) {
	p, err := scanPerson(q.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM people WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Person{}, ledger.ErrPersonNotFound
	}
	return p, err
}

// ensureNameFree fails with ErrDuplicateName when another person (not
// exceptID) already uses key.
func ensureNameFree(ctx context.Context, q querier, key string, exceptID int64) error {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM people WHERE name_key = ?`, key).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	case id != exceptID:
		return ledger.ErrDuplicateName
	}
	return nil
}

func personExists(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM people WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrPersonNotFound
	}
	return err
}

func balanceOf(ctx context.Context, q querier, personID int64) (decimal.Decimal, error) {
	var cents int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM transactions WHERE person_id = ?`,
		personID).Scan(&cents)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromCents(cents), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
