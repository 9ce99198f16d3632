// cmd/delivery/worker.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"entitlement-delivery/internal/common/camunda"
	"entitlement-delivery/internal/common/config"
	ape "entitlement-delivery/internal/workers/entitlement/apply-pass-event"
	pet "entitlement-delivery/internal/workers/maintenance/purge-expired-tokens"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var metricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Zeebe job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorkers(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address for /metrics and /health")
}

func runWorkers(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Camunda.Enabled {
		return errors.New("camunda.enabled must be true to run workers")
	}

	shutdownObs, obs, err := a.initObservability()
	if err != nil {
		return err
	}
	defer func() { _ = shutdownObs(context.Background()) }()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openZeebe(); err != nil {
		return err
	}
	a.zapLog.Info("Zeebe client connected successfully")

	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}

	var workers []*camunda.CamundaWorker
	start := func(taskType string, handler camunda.JobHandler) {
		wcfg := config.GetWorkerConfig(a.cfg, taskType)
		if !config.IsWorkerEnabled(a.cfg, taskType) {
			a.zapLog.Info("worker disabled", zap.String("taskType", taskType))
			return
		}
		w := camunda.NewWorker(a.zeebe.GetClient(), taskType, wcfg.MaxJobsActive,
			config.GetDuration(wcfg.Timeout), handler, obs, a.zapLog)
		w.Start()
		workers = append(workers, w)
	}

	start(ape.TaskType, ape.NewHandler(ape.LoadConfig(a.cfg), engine, a.log))
	start(pet.TaskType, pet.NewHandler(pet.LoadConfig(a.cfg), a.store, a.log))

	if len(workers) == 0 {
		return fmt.Errorf("no workers enabled")
	}
	a.zapLog.Info("workers registered", zap.Int("count", len(workers)))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.zapLog.Info("Shutdown signal received, stopping workers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(a.cfg.Server.ShutdownTimeout))
		defer cancel()
		for _, w := range workers {
			w.Stop(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
