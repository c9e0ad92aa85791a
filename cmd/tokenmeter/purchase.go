package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var purchaseFlags struct {
	chargeID string
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase <tenant> <usd>",
	Short: "Credit a token purchase",
	Long: `Credit a tenant with the tokens bought by a USD payment. The amount must
be between $5 and $1000 in $5 steps. A charge id that was already
credited is rejected.

Examples:
  tokenmeter purchase shop-123 25 --charge-id ch_3PqL9x`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runPurchase),
}

func init() {
	rootCmd.AddCommand(purchaseCmd)
	purchaseCmd.Flags().StringVar(&purchaseFlags.chargeID, "charge-id", "", "payment provider charge id")
	_ = purchaseCmd.MarkFlagRequired("charge-id")
}

func runPurchase(cmd *cobra.Command, a *app, args []string) error {
	usd, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	p, err := a.engine.Purchase(cmd.Context(), args[0], usd, purchaseFlags.chargeID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, p)
	}
	fmt.Fprintf(out, "Credited %d tokens to %s ($%s, $%s token budget at $%s per 1M)\n",
		p.TokensReceived, args[0], p.USDAmount.StringFixed(2), p.TokenBudgetShare.StringFixed(2), p.UnitPrice.String())
	return nil
}
