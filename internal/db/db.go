// Package db is the SQLite-backed ledger store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/susu3304/ledgerbot/internal/db/migrations"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed-width so that text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var _ ledger.Store = (*DB)(nil)

type DB struct {
	sql  *sql.DB
	path string
	now  func() time.Time

	mu    sync.RWMutex
	hooks []func()
}

type Option func(*DB)

// WithClock overrides the source of transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

func New(ctx context.Context, path string, opts ...Option) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	// As a URI the path must be escaped, or "#" and "?" would end it early.
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}).String()

	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{sql: sqldb, path: path, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) Path() string {
	return db.path
}

// RunMigrations brings the schema up to date. It is safe to call on every start.
func (db *DB) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.sql, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// OnMutation registers fn to be called after every committed write.
func (db *DB) OnMutation(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, fn)
}

func (db *DB) notify() {
	db.mu.RLock()
	hooks := db.hooks
	db.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist yet. Writers are not blocked while it runs.
func (db *DB) Snapshot(ctx context.Context, dest string) error {
	if _, err := db.sql.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return storageErr("snapshot", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a write transaction and fires the mutation hooks after
// a successful commit.
func (db *DB) withTx(ctx context.Context, fn func(q querier) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = storageErr("commit", cerr)
			return
		}
		db.notify()
	}()
	return fn(tx)
}

func (db *DB) stamp() string {
	return db.now().UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// storageErr tags driver failures with ErrStorage while keeping domain
// errors untouched.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
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

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
