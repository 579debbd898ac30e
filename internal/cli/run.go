package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/ogulcanaydogan/costalert/pkg/metricsource"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate the cost snapshot and deliver an alert",
	Long: `Fetch the current cost snapshot, compare it with the threshold and, when it is
exceeded, deliver an alert over the enabled channels in priority order. The command
exits non-zero when every channel failed.`,
	RunE: runAlertCycle,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("dry-run", false, "Print the alert instead of delivering it")
	runCmd.Flags().Float64("threshold", 0, "Override metric.threshold")
}

func runAlertCycle(cmd *cobra.Command, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		threshold := a.cfg.Metric.Threshold
		if cmd.Flags().Changed("threshold") {
			threshold, _ = cmd.Flags().GetFloat64("threshold")
		}

		alert, err := a.evaluate(ctx, threshold)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if alert == nil {
			fmt.Fprintf(out, "No alert: total is within threshold $%.2f\n", threshold)
			return nil
		}

		a.enrichAlert(ctx, alert)

		if dryRun {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(alert)
		}

		d, err := a.initDispatcher()
		if err != nil {
			return err
		}
		res, dispatchErr := d.Dispatch(ctx, *alert)
		if a.cert != nil {
			if rep := a.cert.Last(); rep != nil {
				a.metrics.SetCertificate(rep)
			}
		}
		printDispatch(out, res)
		return dispatchErr
	})
}

// evaluate fetches the snapshot through the metric guard and returns nil when no alert
// is due.
func (a *app) evaluate(ctx context.Context, threshold float64) (*model.AlertContext, error) {
	snap, err := resilience.Call(ctx, a.guard("metric", a.cfg.Metric.Source), "metric.snapshot", a.source.GetCurrentSnapshot)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	alert, err := metricsource.Evaluate(snap, threshold, a.cfg.Metric.TopN)
	if err != nil {
		return nil, fmt.Errorf("evaluate snapshot: %w", err)
	}
	if alert == nil {
		a.logger.Info("cost within threshold", "total", snap.TotalValue, "threshold", threshold)
		return nil, nil
	}
	a.logger.Info("cost threshold exceeded",
		"total", alert.TotalValue,
		"threshold", alert.Threshold,
		"severity", alert.Severity,
	)
	return alert, nil
}

// enrichAlert adds the AI insight when enrichment is enabled. Failures never block
// delivery.
func (a *app) enrichAlert(ctx context.Context, alert *model.AlertContext) {
	if a.enricher == nil {
		return
	}
	res, err := a.enricher.Enrich(ctx, *alert)
	if err != nil {
		a.logger.Warn("enrichment failed, sending without insight", "error", err)
		return
	}
	a.metrics.ObserveEnrichment(res)
	if !res.Fallback {
		alert.Insight = res.Text
	}
	if state, err := a.budget.State(ctx); err == nil {
		a.metrics.SetBudget(state)
	}
}

func printDispatch(out io.Writer, res *model.DispatchResult) {
	if res == nil {
		return
	}
	status := "FAILED"
	if res.Success {
		status = "delivered via " + string(res.DeliveredVia)
		if res.FallbackUsed {
			status += " (fallback)"
		}
	}
	fmt.Fprintf(out, "Dispatch %s: %s\n", res.ID, status)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "CHANNEL\tPROVIDER\tOUTCOME\tTRIES\tDURATION\tERROR\n")
	for _, at := range res.ChannelsAttempted {
		errText := "-"
		if at.Error != "" {
			errText = fmt.Sprintf("[%s] %s", at.ErrorClass, at.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			at.Channel, at.Provider, at.Outcome, at.Tries, at.Duration.Round(time.Millisecond), errText,
		)
	}
	w.Flush()
}
