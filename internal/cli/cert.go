package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect the push credential",
}

var certCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check push credential health",
	Long: `Probe the push platform with a test registration and estimate how many days the
credential has left. Exits non-zero when the credential is unusable.`,
	RunE: runCertCheck,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certCheckCmd)
}

func runCertCheck(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		rep := a.cert.Check(ctx)
		a.metrics.SetCertificate(rep)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Valid:          %t\n", rep.IsValid)
		if rep.EstimatedDaysRemaining >= 0 {
			fmt.Fprintf(out, "Days remaining: %d\n", rep.EstimatedDaysRemaining)
		} else {
			fmt.Fprintf(out, "Days remaining: unknown\n")
		}
		for _, w := range rep.Warnings {
			fmt.Fprintf(out, "  [WARNING] %s\n", w)
		}
		for _, e := range rep.Errors {
			fmt.Fprintf(out, "  [ERROR] %s\n", e)
		}

		if !rep.IsValid {
			return fmt.Errorf("push credential is not usable")
		}
		return nil
	})
}
