package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
)

var reserveFlags struct {
	source string
}

var reserveCmd = &cobra.Command{
	Use:   "reserve <tenant> <feature> <tokens>",
	Short: "Open a reservation by hand",
	Long: `Pre-deduct tokens for a feature. The printed reservation id must later
be settled with "finalize" or released with "cancel".

Examples:
  tokenmeter reserve shop-123 enhanced-item-seo 1650
  tokenmeter reserve shop-123 simulation-test 3300 --source purchased-tokens`,
	Args: cobra.ExactArgs(3),
	RunE: withApp(runReserve),
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <tenant> <reservation-id> <actual-tokens>",
	Short: "Settle a reservation to its actual cost",
	Args:  cobra.ExactArgs(3),
	RunE:  withApp(runFinalize),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <tenant> <reservation-id>",
	Short: "Release a reservation in full",
	Long: `Release a reservation and refund every reserved token. Use this for
reservations left open by a crashed worker (see "history --open").`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runCancel),
}

func init() {
	rootCmd.AddCommand(reserveCmd, finalizeCmd, cancelCmd)
	reserveCmd.Flags().StringVar(&reserveFlags.source, "source", string(tokenmeter.FundingIncluded),
		"funding source: included-pool or purchased-tokens")
}

func runReserve(cmd *cobra.Command, a *app, args []string) error {
	f, err := tokenmeter.ParseFeature(args[1])
	if err != nil {
		return err
	}
	tokens, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token count %q: %w", args[2], err)
	}

	source := tokenmeter.FundingSource(reserveFlags.source)
	switch source {
	case tokenmeter.FundingIncluded, tokenmeter.FundingPurchased:
	default:
		return fmt.Errorf("invalid --source %q", reserveFlags.source)
	}

	res, err := a.engine.Reserve(cmd.Context(), args[0], tokens, f, source, map[string]string{"origin": "cli"})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "Reserved %d tokens (%d from included pool), balance %d\n", res.Amount, res.FromIncluded, res.BalanceAfter)
	fmt.Fprintf(out, "Reservation: %s\n", res.ID)
	return nil
}

func runFinalize(cmd *cobra.Command, a *app, args []string) error {
	actual, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token count %q: %w", args[2], err)
	}
	s, err := a.engine.Finalize(cmd.Context(), args[0], args[1], actual)
	if err != nil {
		return err
	}
	return printSettlement(cmd, s)
}

func runCancel(cmd *cobra.Command, a *app, args []string) error {
	s, err := a.engine.Cancel(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	return printSettlement(cmd, s)
}

func printSettlement(cmd *cobra.Command, s tokenmeter.Settlement) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, s)
	}
	if !s.Applied {
		fmt.Fprintf(out, "Reservation %s is not open; nothing changed\n", s.ReservationID)
		return nil
	}
	fmt.Fprintf(out, "Reservation %s %s: reserved %d, actual %d, refunded %d, balance %d\n",
		s.ReservationID, s.Status, s.Reserved, s.Actual, s.Refunded, s.BalanceAfter)
	return nil
}
