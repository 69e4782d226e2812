// Package engine runs the pipeline execution worker: it drains the
// delayed task queue, sends due step emails, and advances executions.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmail/driftmail/core/delivery"
	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/config"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/infra/metrics"
	"github.com/driftmail/driftmail/core/infra/taskqueue"
	"github.com/driftmail/driftmail/core/pipeline"
)

// Run wires the engine's clients and blocks until SIGINT/SIGTERM.
// Every client it opens is closed on the way out.
func Run(cfg *config.Config) error {
	engineCfg, err := config.LoadEngineConfig(cfg.RetryConfigPath)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}

	store, err := pipeline.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	queue, err := taskqueue.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer queue.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, "pipeline-engine")
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer natsBus.Close()

	pipelineMetrics := metrics.NewPipelineProm("driftmail")
	sender := delivery.NewBusSender(natsBus, cfg.SendSubject)
	orch := pipeline.NewOrchestrator(store, queue).
		WithMetrics(pipelineMetrics).
		WithEvents(natsBus)
	executor := pipeline.NewExecutor(store, sender, orch, engineCfg.Retry).
		WithMetrics(pipelineMetrics).
		WithEvents(natsBus)

	dispatcher := taskqueue.NewDispatcher(queue, tuningFrom(engineCfg))
	executor.Register(dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, cfg.MetricsAddr)

	logging.Info("engine", "dispatcher running",
		"poll_interval", engineCfg.Queue.PollIntervalSec,
		"max_attempts", engineCfg.Retry.MaxAttempts)
	dispatcher.Run(ctx)
	logging.Info("engine", "shutting down")
	return nil
}

// tuningFrom maps file config onto dispatcher tuning. MaxDeliveries sits
// above the domain retry budget so the queue never buries a task the
// executor still intends to retry.
func tuningFrom(cfg *config.EngineConfig) taskqueue.Tuning {
	return taskqueue.Tuning{
		PollInterval:      time.Duration(cfg.Queue.PollIntervalSec) * time.Second,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutSec) * time.Second,
		ReapInterval:      time.Duration(cfg.Queue.ReapIntervalSec) * time.Second,
		BatchSize:         int64(cfg.Queue.DispatchBatchSize),
		LockTTL:           time.Duration(cfg.Queue.LockTTLSec) * time.Second,
		HandlerTimeout:    time.Duration(cfg.Queue.HandlerTimeoutSeconds) * time.Second,
		MaxDeliveries:     cfg.Retry.MaxAttempts + 2,
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Info("engine", "metrics listening", "addr", addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("engine", "metrics server error", "error", err)
	}
}
