package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/susu3304/ledgerbot/internal/backup"
	"github.com/susu3304/ledgerbot/internal/config"
	"github.com/susu3304/ledgerbot/internal/logging"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage ledger database snapshots",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Take a snapshot now and apply compression and retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), func(ctx context.Context, mgr *backup.Manager) error {
			return mgr.RunCycle(ctx)
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), func(ctx context.Context, mgr *backup.Manager) error {
			list, err := mgr.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tCOMPRESSED\tSIZE")
			for _, info := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", info.Name, info.CreatedAt.Format(time.RFC3339), info.Compressed, info.Size)
			}
			return w.Flush()
		})
	},
}

var backupExtractCmd = &cobra.Command{
	Use:   "extract NAME DEST",
	Short: "Write the database inside snapshot NAME to DEST",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd.Context(), func(ctx context.Context, mgr *backup.Manager) error {
			if err := mgr.Extract(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	backupCmd.AddCommand(backupRunCmd, backupListCmd, backupExtractCmd)
	rootCmd.AddCommand(backupCmd)
}

func withBackups(ctx context.Context, fn func(context.Context, *backup.Manager) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.UsesPostgres() {
		return errors.New("backups only cover the SQLite store; use pg_dump for DATABASE_URL")
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	st, sqlite, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr, err := newBackupManager(ctx, cfg, sqlite, logger)
	if err != nil {
		return err
	}
	return fn(ctx, mgr)
}
