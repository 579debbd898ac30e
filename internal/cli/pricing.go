package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ogulcanaydogan/costalert/pkg/enrich"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Show enrichment model pricing",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers and their model pricing",
	RunE:  runPricingList,
}

var pricingEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of one enrichment call for the configured model",
	RunE:  runPricingEstimate,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingListCmd)
	pricingCmd.AddCommand(pricingEstimateCmd)
}

func runPricingList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app) error {
		all := a.pricing.All()
		out := cmd.OutOrStdout()
		if len(all) == 0 {
			fmt.Fprintln(out, "No providers configured. Check pricing directory in config.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PROVIDER\tMODEL\tINPUT ($/1M)\tOUTPUT ($/1M)\tCACHED INPUT ($/1M)\n")
		for _, p := range all {
			for _, m := range p.Models() {
				cached := "-"
				if m.CachedInputPerMillion > 0 {
					cached = fmt.Sprintf("$%.2f", m.CachedInputPerMillion)
				}
				fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t%s\n",
					p.Name(), m.Model, m.InputPerMillion, m.OutputPerMillion, cached,
				)
			}
		}
		return w.Flush()
	})
}

// runPricingEstimate prices a representative alert prompt at the configured output cap.
func runPricingEstimate(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app) error {
		e := a.cfg.Enrichment
		sample := model.AlertContext{
			Threshold:    100,
			TotalValue:   160,
			ExceedAmount: 60,
			Severity:     model.SeverityCritical,
			Contributors: []model.Contributor{{Name: "compute", Value: 90}, {Name: "storage", Value: 40}, {Name: "network", Value: 30}},
		}
		system, prompt := enrich.BuildPrompt(sample)
		cost, inputTokens, err := tracker.NewCostCalculator(a.pricing).Estimate(e.Provider, e.Model, system, prompt, e.MaxOutputTokens)
		if err != nil {
			return fmt.Errorf("estimate: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Model:         %s/%s\n", e.Provider, e.Model)
		fmt.Fprintf(out, "Input tokens:  %d\n", inputTokens)
		fmt.Fprintf(out, "Output cap:    %d\n", e.MaxOutputTokens)
		fmt.Fprintf(out, "Max cost:      $%.6f\n", cost)
		if e.MonthlyBudgetUSD > 0 && cost > 0 {
			fmt.Fprintf(out, "Calls/budget:  %d\n", int(e.MonthlyBudgetUSD/cost))
		}
		return nil
	})
}
