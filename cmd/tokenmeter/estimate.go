package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/pricing"
)

var estimateFlags struct {
	languages int
	products  int
	priced    bool
}

var estimateCmd = &cobra.Command{
	Use:   "estimate [feature]",
	Short: "Estimate the token cost of a feature",
	Long: `Estimate the token cost of a feature, including the safety margin that
is reserved before the feature runs. Without a feature, every feature is
listed.

Examples:
  tokenmeter estimate collection-seo --languages 3 --products 40
  tokenmeter estimate --priced`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)
	estimateCmd.Flags().IntVar(&estimateFlags.languages, "languages", 1, "number of languages")
	estimateCmd.Flags().IntVar(&estimateFlags.products, "products", 0, "number of products")
	estimateCmd.Flags().BoolVar(&estimateFlags.priced, "priced", false, "show the USD value at the current unit price")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	features := tokenmeter.Features()
	if len(args) == 1 {
		f, err := tokenmeter.ParseFeature(args[0])
		if err != nil {
			return err
		}
		features = []tokenmeter.Feature{f}
	}

	opts := tokenmeter.CostOptions{
		Languages:    estimateFlags.languages,
		ProductCount: estimateFlags.products,
	}
	estimates := make([]tokenmeter.Estimate, 0, len(features))
	for _, f := range features {
		est, err := tokenmeter.EstimateWithMargin(f, opts)
		if err != nil {
			return err
		}
		estimates = append(estimates, est)
	}

	var conv *tokenmeter.Converter
	if estimateFlags.priced {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		oracle, err := pricing.NewFromConfig(cfg, newLogger(cfg.Log, os.Stderr))
		if err != nil {
			return err
		}
		conv = tokenmeter.NewConverter(oracle)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, estimates)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if conv != nil {
		fmt.Fprintln(tw, "FEATURE\tESTIMATE\tRESERVED\tUSD")
	} else {
		fmt.Fprintln(tw, "FEATURE\tESTIMATE\tRESERVED")
	}
	for _, est := range estimates {
		if conv == nil {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", est.Feature, est.Estimated, est.WithMargin)
			continue
		}
		usd, err := conv.TokensToUSD(cmd.Context(), est.WithMargin)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t$%s\n", est.Feature, est.Estimated, est.WithMargin, usd.StringFixed(2))
	}
	return tw.Flush()
}
