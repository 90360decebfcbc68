package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/observability"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var recoverOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with metrics and status endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, recoverOnly)
		},
	}
	cmd.Flags().BoolVar(&recoverOnly, "recover-only", false, "repair state left by a previous process and exit")
	return cmd
}

func (c *cli) serve(ctx context.Context, recoverOnly bool) error {
	a, err := openApp(ctx, c.cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()

	rep, err := a.sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	a.logger.InfoContext(ctx, "recovered previous state",
		"aborted_runs", rep.AbortedRuns,
		"requeued_items", rep.RequeuedItems,
		"reverified_items", rep.ReverifiedItems)
	if recoverOnly {
		return nil
	}

	if c.cfg.TierConfigPath != "" {
		w, err := llm.NewTierWatcher(c.cfg.TierConfigPath, a.selector)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				a.logger.Warn("tier watcher stopped", "error", err)
			}
		}()
	}

	unsubscribe := a.sched.Subscribe(func(e kernel.Event) {
		a.telemetry.RecordEvent(ctx, string(e.Type), e.Status)
		a.logger.Debug("scheduler event", "type", e.Type, "goal_id", e.GoalID, "work_item_id", e.WorkItemID)
	})
	defer unsubscribe()

	srv := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           newMux(a.sched),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("metrics and status listening", "addr", c.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server failed", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.sched.Stop(stopCtx); err != nil {
		a.logger.Error("scheduler stop", "error", err)
	}
	return srv.Shutdown(stopCtx)
}

// newMux serves Prometheus metrics at /metrics, the scheduler snapshot at
// /status and a liveness probe at /healthz.
func newMux(sched *kernel.Scheduler) *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		observability.NewSchedulerCollector(sched),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.Handler(reg))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sched.Snapshot())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
