package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage push device endpoints",
}

var devicesRegisterCmd = &cobra.Command{
	Use:   "register <token>",
	Short: "Register a device token",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesRegister,
}

var devicesRotateCmd = &cobra.Command{
	Use:   "rotate <endpoint> <new-token>",
	Short: "Replace the token of a registered endpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runDevicesRotate,
}

var devicesDeregisterCmd = &cobra.Command{
	Use:   "deregister <endpoint>",
	Short: "Remove a registered endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesDeregister,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints",
	RunE:  runDevicesList,
}

var devicesReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove endpoints the push platform has disabled",
	RunE:  runDevicesReconcile,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesRegisterCmd, devicesRotateCmd, devicesDeregisterCmd, devicesListCmd, devicesReconcileCmd)

	devicesRegisterCmd.Flags().StringP("user", "u", "", "User ID attached to the endpoint")
}

func runDevicesRegister(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetString("user")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		ep, err := a.devices.Register(ctx, args[0], userID)
		if err != nil {
			return fmt.Errorf("register device: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Registered device:\n")
		fmt.Fprintf(out, "  Endpoint: %s\n", ep.Ref)
		fmt.Fprintf(out, "  User:     %s\n", ep.UserID)
		return nil
	})
}

func runDevicesRotate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		ep, err := a.devices.RotateToken(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated token for endpoint %s\n", ep.Ref)
		return nil
	})
}

func runDevicesDeregister(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		if err := a.devices.Deregister(ctx, args[0]); err != nil {
			return fmt.Errorf("deregister device: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deregistered endpoint %s\n", args[0])
		return nil
	})
}

func runDevicesList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		eps, err := a.devices.List(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(eps) == 0 {
			fmt.Fprintln(out, "No devices registered. Use 'costalert devices register' to add one.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ENDPOINT\tUSER\tACTIVE\tTOKEN\tUPDATED\n")
		for _, ep := range eps {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				ep.Ref, ep.UserID, ep.Active, maskToken(ep.Token), ep.UpdatedAt.Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	})
}

func runDevicesReconcile(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requirePush(); err != nil {
			return err
		}
		res := a.devices.Reconcile(ctx)
		a.metrics.ObserveReconcile(res)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scanned %d endpoints, removed %d\n", res.Scanned, len(res.Removed))
		for _, tok := range res.Removed {
			fmt.Fprintf(out, "  removed %s\n", maskToken(tok))
		}
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
		return nil
	})
}

// maskToken keeps the first and last four characters.
func maskToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}
