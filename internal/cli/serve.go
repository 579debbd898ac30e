package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ogulcanaydogan/costalert/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the device, certificate, breaker, budget and dispatch API together with
/healthz and Prometheus /metrics until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Override server.listen")
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if listen == "" {
			listen = a.cfg.Server.Listen
		}

		deps := server.Deps{
			Breakers: a.breakers,
			Budget:   a.budget,
			Metrics:  a.metrics,
		}
		if a.push != nil {
			deps.Devices = a.devices
			deps.Cert = a.cert
		}
		d, err := a.initDispatcher()
		if err != nil {
			a.logger.Warn("dispatch endpoint disabled", "error", err)
		} else {
			deps.Dispatcher = d
		}

		readTimeout := a.cfg.Server.ReadTimeout
		if readTimeout == 0 {
			readTimeout = 30 * time.Second
		}
		writeTimeout := a.cfg.Server.WriteTimeout
		if writeTimeout == 0 {
			writeTimeout = 60 * time.Second
		}

		srv := &http.Server{
			Addr:         listen,
			Handler:      server.NewServer(deps, a.logger).Handler(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("costalert api started", "listen", listen)
			errCh <- srv.ListenAndServe()
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		case sig := <-quit:
			a.logger.Info("shutting down", "signal", sig.String())
		case <-ctx.Done():
			a.logger.Info("shutting down", "reason", ctx.Err())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
