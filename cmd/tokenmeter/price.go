package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/pricing"
)

var priceFlags struct {
	usd string
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Fetch the current unit price",
	Long: `Fetch the configured model's price from the pricing endpoint and print
the USD price per million tokens. When the endpoint is unreachable the
error is printed and the fallback price is shown.

Examples:
  tokenmeter price
  tokenmeter price --usd 25`,
	Args: cobra.NoArgs,
	RunE: runPrice,
}

func init() {
	rootCmd.AddCommand(priceCmd)
	priceCmd.Flags().StringVar(&priceFlags.usd, "usd", "", "also show the tokens a purchase of this many dollars buys")
}

func runPrice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	oracle, err := pricing.NewFromConfig(cfg, newLogger(cfg.Log, os.Stderr))
	if err != nil {
		return err
	}

	price, fetchErr := oracle.Fetch(cmd.Context())
	source := "live"
	if fetchErr != nil {
		price = oracle.Fallback()
		source = "fallback"
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning:", fetchErr)
	}

	result := map[string]any{
		"model":     cfg.Pricing.Model,
		"unitPrice": price.String(),
		"source":    source,
	}
	if priceFlags.usd != "" {
		usd, err := decimal.NewFromString(priceFlags.usd)
		if err != nil {
			return fmt.Errorf("invalid --usd: %w", err)
		}
		if err := tokenmeter.ValidatePurchaseAmount(usd); err != nil {
			return err
		}
		tokens, err := tokenmeter.USDToTokensAt(usd, price)
		if err != nil {
			return err
		}
		_, budget := tokenmeter.SplitPurchase(usd)
		result["usd"] = usd.StringFixed(2)
		result["tokenBudget"] = budget.StringFixed(2)
		result["tokens"] = tokens
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, result)
	}
	fmt.Fprintf(out, "Model:      %s\n", cfg.Pricing.Model)
	fmt.Fprintf(out, "Unit price: $%s per 1M tokens (%s)\n", price.String(), source)
	if tokens, ok := result["tokens"]; ok {
		fmt.Fprintf(out, "$%s buys %d tokens ($%s token budget)\n", result["usd"], tokens, result["tokenBudget"])
	}
	return nil
}
