package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/susu3304/ledgerbot/internal/api"
	"github.com/susu3304/ledgerbot/internal/config"
)

var (
	tokenUser string
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an admin API bearer token",
	Long: `Signs a bearer token for the admin API with JWT_SECRET, for scripts and
for hosts where the Discord OAuth login is not configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		token, err := api.IssueToken([]byte(cfg.JWTSecret), tokenUser, tokenName, time.Now(), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "admin user ID to put in the token")
	tokenCmd.Flags().StringVar(&tokenName, "name", "cli", "display name to put in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
