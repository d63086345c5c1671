package main

import (
	"context"
	"fmt"

	"github.com/susu3304/ledgerbot/internal/config"
	"github.com/susu3304/ledgerbot/internal/db"
	"github.com/susu3304/ledgerbot/internal/db/postgres"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"github.com/susu3304/ledgerbot/internal/logging"
)

type store interface {
	ledger.Store
	RunMigrations(ctx context.Context) error
	OnMutation(fn func())
	Close() error
}

// openStore connects to whichever backend the config selects and migrates it.
// sqlite is non-nil only for the file backend, which is the one that can be
// snapshotted.
func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (st store, sqlite *db.DB, err error) {
	if cfg.UsesPostgres() {
		st, err = postgres.New(ctx, cfg.DatabaseURL)
	} else {
		sqlite, err = db.New(ctx, cfg.DatabasePath)
		st = sqlite
	}
	if err != nil {
		return nil, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info(ctx, "ledger store ready", "postgres", cfg.UsesPostgres())
	return st, sqlite, nil
}
