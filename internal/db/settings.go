package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/susu3304/ledgerbot/internal/ledger"
)

// Language returns the user's preferred language, or the default when the
// user never chose one.
func (db *DB) Language(ctx context.Context, userID int64) (string, error) {
	var lang string
	err := db.sql.QueryRowContext(ctx,
		`SELECT language FROM user_settings WHERE user_id = ?`, userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DefaultLanguage, nil
	}
	if err != nil {
		return "", storageErr("language", err)
	}
	return lang, nil
}

func (db *DB) SetLanguage(ctx context.Context, userID int64, lang string) error {
	err := db.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO user_settings (user_id, language, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET language = excluded.language, updated_at = excluded.updated_at`,
			userID, lang, db.stamp())
		return err
	})
	return storageErr("set language", err)
}
