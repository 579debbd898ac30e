package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect the enrichment budget",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current enrichment spend and allowance",
	RunE:  runBudgetStatus,
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new budget period",
	Long: `Zero the enrichment spend and start the period containing now. The reset is
refused until the current period has ended unless --force is given.`,
	RunE: runBudgetReset,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetResetCmd)

	budgetResetCmd.Flags().Bool("force", false, "Reset before the period has ended")
}

func runBudgetStatus(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		state, err := a.budget.State(ctx)
		if err != nil {
			return fmt.Errorf("budget state: %w", err)
		}
		totals, err := a.local.UsageBetween(ctx, state.PeriodStart, state.PeriodEnd)
		if err != nil {
			return fmt.Errorf("usage totals: %w", err)
		}

		remaining := state.Ceiling - state.MonthlySpend
		if remaining < 0 {
			remaining = 0
		}

		status := ""
		switch {
		case state.Utilization >= 1:
			status = " [EXCEEDED]"
		case state.Utilization >= a.budget.Config().ThrottleAt:
			status = " [THROTTLED]"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "=== Enrichment Budget ===\n")
		fmt.Fprintf(out, "Period:      %s to %s\n", state.PeriodStart.Format("2006-01-02"), state.PeriodEnd.Format("2006-01-02"))
		fmt.Fprintf(out, "Ceiling:     $%.2f\n", state.Ceiling)
		fmt.Fprintf(out, "Spent:       $%.4f\n", state.MonthlySpend)
		fmt.Fprintf(out, "Remaining:   $%.4f\n", remaining)
		fmt.Fprintf(out, "Usage:       %.1f%%%s\n", state.Utilization*100, status)
		fmt.Fprintf(out, "Allowance:   %d calls/min (%d used this minute)\n", state.EffectiveAllowance, state.CallsThisMinute)
		fmt.Fprintf(out, "Calls:       %d\n", totals.Calls)
		fmt.Fprintf(out, "Tokens:      %d in / %d out\n", totals.InputTokens, totals.OutputTokens)

		a.metrics.SetBudget(state)
		return nil
	})
}

func runBudgetReset(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.budget.ResetPeriod(ctx, force); err != nil {
			if errors.Is(err, tracker.ErrPeriodNotEnded) {
				return fmt.Errorf("%w (use --force to override)", err)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Budget period reset.")
		return nil
	})
}
