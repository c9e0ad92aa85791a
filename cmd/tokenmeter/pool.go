package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
)

var poolFlags struct {
	plan       string
	reason     string
	inactive   bool
	trialUntil string
}

var replacePoolCmd = &cobra.Command{
	Use:   "replace-pool <tenant> <tokens>",
	Short: "Replace a tenant's included pool",
	Long: `Replace the included plan pool with an explicit number of tokens.
Purchased tokens are untouched; unused included tokens are forfeited.

Examples:
  tokenmeter replace-pool shop-123 1000000 --plan pro --reason cycle-2026-04`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runReplacePool),
}

var renewCmd = &cobra.Command{
	Use:   "renew <tenant>",
	Short: "Grant a plan's included pool for a new billing cycle",
	Long: `Grant the included pool of a plan from the configured plan table.
An inactive plan grants nothing and clears the pool.

Examples:
  tokenmeter renew shop-123 --plan "Pro Plan" --reason sub_8812
  tokenmeter renew shop-123 --plan pro --inactive --reason cancelled`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runRenew),
}

func init() {
	rootCmd.AddCommand(replacePoolCmd, renewCmd)

	replacePoolCmd.Flags().StringVar(&poolFlags.plan, "plan", "", "plan name recorded on the adjustment")
	replacePoolCmd.Flags().StringVar(&poolFlags.reason, "reason", "", "billing cycle or subscription id")

	renewCmd.Flags().StringVar(&poolFlags.plan, "plan", "", "plan name")
	renewCmd.Flags().StringVar(&poolFlags.reason, "reason", "", "billing cycle or subscription id")
	renewCmd.Flags().BoolVar(&poolFlags.inactive, "inactive", false, "the subscription is not active")
	renewCmd.Flags().StringVar(&poolFlags.trialUntil, "trial-until", "", "trial end (RFC3339)")
	_ = renewCmd.MarkFlagRequired("plan")
}

func runReplacePool(cmd *cobra.Command, a *app, args []string) error {
	tokens, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token count %q: %w", args[1], err)
	}
	pc, err := a.engine.ReplaceIncludedPool(cmd.Context(), args[0], tokens, poolFlags.plan, poolFlags.reason)
	if err != nil {
		return err
	}
	return printPoolChange(cmd, pc)
}

func runRenew(cmd *cobra.Command, a *app, args []string) error {
	snapshot := tokenmeter.PlanSnapshot{Name: poolFlags.plan, Active: !poolFlags.inactive}
	if poolFlags.trialUntil != "" {
		t, err := time.Parse(time.RFC3339, poolFlags.trialUntil)
		if err != nil {
			return fmt.Errorf("invalid --trial-until: %w", err)
		}
		snapshot.TrialEndsAt = t
	}

	pc, err := a.engine.RenewPlan(cmd.Context(), args[0], snapshot, poolFlags.reason)
	if err != nil {
		return err
	}
	return printPoolChange(cmd, pc)
}

func printPoolChange(cmd *cobra.Command, pc tokenmeter.PoolChange) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, pc)
	}
	fmt.Fprintf(out, "Included pool for %s: %d -> %d (plan %q, delta %d), balance %d\n",
		pc.Tenant, pc.OldIncluded, pc.NewIncluded, pc.Plan, pc.Delta, pc.BalanceAfter)
	return nil
}
