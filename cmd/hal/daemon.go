package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		metricsAddr string
		reconcile   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the maintenance daemon: periodic reconcile, warm pool top-up, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Telemetry.Enabled {
				err := observability.Init(cmd.Context(), observability.Config{
					Enabled:     true,
					Endpoint:    a.cfg.Telemetry.Endpoint,
					ServiceName: "hal",
					SampleRate:  a.cfg.Telemetry.SampleRate,
				})
				if err != nil {
					return err
				}
				defer observability.Shutdown(context.Background())
			}

			if metricsAddr == "" {
				metricsAddr = a.cfg.Daemon.MetricsAddr
			}
			if reconcile <= 0 {
				reconcile = a.cfg.Daemon.ReconcileInterval
			}

			if err := a.orch.Recover(cmd.Context()); err != nil {
				logging.Op().Warn("recover on startup failed", "error", err)
			}

			var srv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Default().Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					if err := a.store.Ping(); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.WriteHeader(http.StatusOK)
				})
				srv = &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					logging.Op().Info("metrics listening", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
			}

			ticker := time.NewTicker(reconcile)
			defer ticker.Stop()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			logging.Op().Info("daemon started", "reconcile_interval", reconcile)
			for {
				select {
				case <-ticker.C:
					// Reconcile runs the reapers and the warm top-up itself.
					if _, err := a.pool.Reconcile(cmd.Context()); err != nil {
						logging.Op().Warn("reconcile pass failed", "error", err)
					}
				case <-sigCh:
					logging.Op().Info("daemon stopping")
					if srv != nil {
						shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						srv.Shutdown(shutCtx)
						cancel()
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics/health listen address (e.g. :9090)")
	cmd.Flags().DurationVar(&reconcile, "reconcile-interval", 0, "Reconcile interval (default from config)")
	return cmd
}
