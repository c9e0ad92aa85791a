package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "tokenmeter",
	Short: "tokenmeter - token metering and reservation for multi-tenant SaaS",
	Long: `tokenmeter manages per-tenant token ledgers: purchases, included plan
pools, reservations and their settlement.

The CLI operates directly on the configured ledger store and is meant for
operators: inspecting balances, crediting purchases, replacing plan pools
and auditing ledgers for leaked reservations.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: built-in memory config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")
}
