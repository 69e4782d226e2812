package gateway

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/config"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/infra/metrics"
	"github.com/driftmail/driftmail/core/infra/taskqueue"
	"github.com/driftmail/driftmail/core/pipeline"
)

// Run wires the gateway's clients from config and serves until
// SIGINT/SIGTERM. Every client it opens is closed on the way out.
func Run(cfg *config.Config) error {
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

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, "driftmail-api")
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer natsBus.Close()

	pipelineMetrics := metrics.NewPipelineProm("driftmail")
	orch := pipeline.NewOrchestrator(store, queue).
		WithMetrics(pipelineMetrics).
		WithEvents(natsBus)

	srv := NewServer(Options{
		Store:        store,
		Orchestrator: orch,
		Bus:          natsBus,
		Metrics:      metrics.NewGatewayProm("driftmail"),
		APITokens:    cfg.APITokens,
	})
	if cfg.APITokens == "" {
		logging.Warn("api-gateway", "no api tokens configured, trusting X-Company-ID header")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx, cfg.APIAddr, cfg.MetricsAddr)
}
