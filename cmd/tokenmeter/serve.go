package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/httpapi"
	"github.com/ineyio/tokenmeter/meter"
	"github.com/ineyio/tokenmeter/sweep"
)

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the metering HTTP API",
	Long: `Start the HTTP API with Prometheus metrics on /metrics.

When the config has a sweep schedule, stale reservations are released on
that schedule while the server runs.

Examples:
  tokenmeter serve -c /etc/tokenmeter.yaml
  tokenmeter serve --addr 127.0.0.1:9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (default: config server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	prom := meter.NewPrometheusMeter(reg)

	a, err := newApp(ctx, prom)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Sweep.Schedule != "" {
		lister, ok := a.store.(tokenmeter.TenantLister)
		if !ok {
			return fmt.Errorf("store driver %q cannot list tenants for sweep.schedule", a.cfg.Store.Driver)
		}
		sw := sweep.New(a.engine, lister,
			sweep.WithMaxAge(a.cfg.Sweep.MaxAge),
			sweep.WithRelease(a.cfg.Sweep.Release),
			sweep.WithLogger(a.logger),
		)
		sched, err := sweep.NewScheduler(sw, a.cfg.Sweep.Schedule)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	addr := a.cfg.Server.Addr
	if serveFlags.addr != "" {
		addr = serveFlags.addr
	}
	api := httpapi.New(a.engine,
		httpapi.WithLogger(a.logger),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
