package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileFlags struct {
	staleAfter time.Duration
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <tenant>...",
	Short: "Audit ledgers for drift and leaked reservations",
	Long: `Check that each ledger's balance equals its completed purchases minus
pool adjustments, open reservations and settled usage, and list
reservations that have stayed open longer than --stale-after.

The command exits non-zero when any ledger drifts.

Examples:
  tokenmeter reconcile shop-123 shop-456 --stale-after 1h`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(runReconcile),
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().DurationVar(&reconcileFlags.staleAfter, "stale-after", 15*time.Minute, "age after which an open reservation is reported")
}

func runReconcile(cmd *cobra.Command, a *app, args []string) error {
	out := cmd.OutOrStdout()
	now := time.Now()
	var errs []error

	for _, tenant := range args {
		l, err := a.engine.Ledger(cmd.Context(), tenant)
		if err != nil {
			return err
		}

		status := "ok"
		if err := l.Reconcile(); err != nil {
			status = "DRIFT"
			errs = append(errs, err)
		}

		var stale int
		for _, e := range l.OpenReservations() {
			if now.Sub(e.Timestamp) < reconcileFlags.staleAfter {
				continue
			}
			stale++
			a.logger.Warn("stale reservation",
				"tenant", tenant,
				"reservation_id", e.ReservationID,
				"feature", e.Feature,
				"reserved", e.TokensReserved,
				"age", now.Sub(e.Timestamp).Round(time.Second),
			)
		}
		fmt.Fprintf(out, "%s: %s (balance %d, stale reservations %d)\n", tenant, status, l.Balance, stale)
	}

	return errors.Join(errs...)
}
