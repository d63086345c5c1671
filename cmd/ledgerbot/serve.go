package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/susu3304/ledgerbot/internal/api"
	"github.com/susu3304/ledgerbot/internal/backup"
	"github.com/susu3304/ledgerbot/internal/bot"
	"github.com/susu3304/ledgerbot/internal/commands"
	"github.com/susu3304/ledgerbot/internal/config"
	"github.com/susu3304/ledgerbot/internal/conversation"
	"github.com/susu3304/ledgerbot/internal/db"
	"github.com/susu3304/ledgerbot/internal/logging"
	"github.com/susu3304/ledgerbot/internal/metrics"
	"github.com/susu3304/ledgerbot/internal/telegram"
	"golang.org/x/sync/errgroup"
)

const (
	janitorEvery      = time.Minute
	telegramPerSecond = 25
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the backup loop and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type runner interface {
	Run(ctx context.Context) error
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireTransport(); err != nil {
		return err
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
	st.OnMutation(mgr.MarkDirty)

	sessions := conversation.NewMemoryStore(cfg.SessionTTL, time.Now)
	engine := conversation.NewEngine(st, sessions, logger)
	dispatcher := commands.NewDispatcher(engine, st, logger, commands.Options{
		HandlerTimeout: cfg.HandlerTimeout,
		RatePerSecond:  cfg.RatePerSecond,
		RateBurst:      cfg.RateBurst,
	})

	var transport runner
	switch cfg.Transport {
	case "discord":
		transport, err = bot.New(cfg.DiscordToken, dispatcher, logger)
	default:
		transport, err = telegram.New(cfg.BotToken, dispatcher, logger, telegramPerSecond)
	}
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Run(ctx) })
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error {
		conversation.RunJanitor(ctx, sessions, janitorEvery, func(n int) {
			pruned := dispatcher.PruneLimiters()
			if n > 0 || pruned > 0 {
				logger.Debug(ctx, "idle state swept", "sessions", n, "limiters", pruned)
			}
			metrics.ActiveSessions.Set(float64(sessions.Len()))
		})
		return nil
	})
	if cfg.AdminBind != "" {
		srv := api.New(cfg, st, mgr, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	logger.Info(ctx, "ledgerbot started", "transport", cfg.Transport, "backups", mgr.Enabled(), "admin_api", cfg.AdminBind != "")
	err = g.Wait()
	dispatcher.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.Background(), "shutting down")
	return nil
}

func newBackupManager(ctx context.Context, cfg *config.Config, sqlite *db.DB, logger logging.Logger) (*backup.Manager, error) {
	bc := backup.Config{
		Enabled:        cfg.Backup.Enabled,
		Dir:            cfg.Backup.Dir,
		Interval:       cfg.Backup.Interval,
		CompressAfter:  time.Duration(cfg.Backup.CompressAfterDays) * 24 * time.Hour,
		RetentionLimit: cfg.Backup.RetentionLimit,
	}
	var src backup.Source
	if sqlite != nil {
		src = sqlite
	} else if bc.Enabled {
		logger.Warn(ctx, "file backups are not available for the postgres store; backups disabled")
	}

	var opts []backup.Option
	if cfg.Backup.S3Bucket != "" && src != nil {
		up, err := backup.NewS3Uploader(ctx, backup.S3Config{
			Bucket:    cfg.Backup.S3Bucket,
			Region:    cfg.Backup.S3Region,
			Endpoint:  cfg.Backup.S3Endpoint,
			AccessKey: cfg.Backup.S3AccessKey,
			SecretKey: cfg.Backup.S3SecretKey,
			Prefix:    cfg.Backup.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, backup.WithUploader(up))
	}
	return backup.NewManager(bc, src, logger, opts...), nil
}
