package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <tenant>",
	Short: "Show a tenant's token balance",
	Long: `Show a tenant's token balance split into the included plan pool and
purchased tokens, with lifetime totals.

Examples:
  tokenmeter balance shop-123
  tokenmeter balance shop-123 --json`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runBalance),
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, a *app, args []string) error {
	l, err := a.engine.Ledger(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, map[string]any{
			"tenant":             l.Tenant,
			"balance":            l.Balance,
			"includedPool":       l.IncludedPool,
			"includedPlan":       l.IncludedPlan,
			"purchasedRemaining": l.PurchasedRemaining(),
			"totalPurchased":     l.TotalPurchased,
			"totalUsed":          l.TotalUsed,
			"openReservations":   len(l.OpenReservations()),
		})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Tenant:\t%s\n", l.Tenant)
	fmt.Fprintf(tw, "Balance:\t%d\n", l.Balance)
	fmt.Fprintf(tw, "  Included pool:\t%d\t%s\n", l.IncludedPool, l.IncludedPlan)
	fmt.Fprintf(tw, "  Purchased:\t%d\n", l.PurchasedRemaining())
	fmt.Fprintf(tw, "Total purchased:\t%d\n", l.TotalPurchased)
	fmt.Fprintf(tw, "Total used:\t%d\n", l.TotalUsed)
	fmt.Fprintf(tw, "Open reservations:\t%d\n", len(l.OpenReservations()))
	if l.LastPurchase != nil {
		fmt.Fprintf(tw, "Last purchase:\t$%s\t%d tokens\t%s\n",
			l.LastPurchase.USDAmount.StringFixed(2),
			l.LastPurchase.TokensReceived,
			l.LastPurchase.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}
