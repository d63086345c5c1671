package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ledgerbot",
	Short: "Conversational bookkeeping bot for Telegram and Discord",
	Long: `ledgerbot keeps a small shared ledger of people, debts and payments.
Users talk to it through a chat transport; an optional admin API and a
backup loop run alongside.

Configuration comes from the environment, a .env file and SECRETS_FILE.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
