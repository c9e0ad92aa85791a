package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	limit     int
	open      bool
	purchases bool
}

var historyCmd = &cobra.Command{
	Use:   "history <tenant>",
	Short: "List a tenant's usage entries or purchases",
	Long: `List a tenant's usage history, newest first.

Examples:
  # Last 20 usage entries
  tokenmeter history shop-123 --limit 20

  # Reservations that were never settled
  tokenmeter history shop-123 --open

  # Purchases instead of usage
  tokenmeter history shop-123 --purchases`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runHistory),
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 50, "max entries (0 for all)")
	historyCmd.Flags().BoolVar(&historyFlags.open, "open", false, "only unsettled reservations")
	historyCmd.Flags().BoolVar(&historyFlags.purchases, "purchases", false, "list purchases")
}

func runHistory(cmd *cobra.Command, a *app, args []string) error {
	l, err := a.engine.Ledger(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if historyFlags.purchases {
		purchases := newestFirst(l.Purchases, historyFlags.limit)
		if asJSON {
			return printJSON(out, purchases)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tUSD\tBUDGET\tUNIT PRICE\tTOKENS\tCHARGE\tSTATUS")
		for _, p := range purchases {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				p.Timestamp.Format(time.RFC3339),
				p.USDAmount.StringFixed(2),
				p.TokenBudgetShare.StringFixed(2),
				p.UnitPrice.String(),
				p.TokensReceived,
				p.ExternalChargeID,
				p.Status)
		}
		return tw.Flush()
	}

	entries := l.UsageEntries
	if historyFlags.open {
		entries = l.OpenReservations()
	}
	entries = newestFirst(entries, historyFlags.limit)
	if asJSON {
		return printJSON(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tID\tFEATURE\tSTATUS\tSOURCE\tRESERVED\tACTUAL\tREFUNDED\tDELTA")
	for _, e := range entries {
		actual := "-"
		if e.TokensActual != nil {
			actual = fmt.Sprint(*e.TokensActual)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
			e.Timestamp.Format(time.RFC3339),
			e.ID,
			e.Feature,
			e.Status,
			e.Source,
			e.TokensReserved,
			actual,
			e.RefundedAmount,
			e.Delta)
	}
	return tw.Flush()
}

func newestFirst[T any](items []T, limit int) []T {
	out := make([]T, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, items[i])
	}
	return out
}
