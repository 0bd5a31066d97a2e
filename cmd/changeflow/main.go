package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidewater-io/changeflow/pkg/bridge"
	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/consumer"
	"github.com/tidewater-io/changeflow/pkg/deadletter"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/group"
	"github.com/tidewater-io/changeflow/pkg/metrics"
	"github.com/tidewater-io/changeflow/pkg/publisher"
	"github.com/tidewater-io/changeflow/pkg/store"
	"github.com/tidewater-io/changeflow/pkg/telemetry"

	_ "github.com/lib/pq"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "changeflow").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/changeflow")
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading configuration")
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	metrics.Register()
	if cfg.Observability.MetricsAddr != "" {
		go serveMetrics(cfg.Observability.MetricsAddr, logger)
	}

	// Outbox store
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize outbox repository")
	}

	// Embedded partitioned log with background retention
	log := eventlog.NewMemoryLog(cfg.Log)
	go log.RunRetention(ctx, time.Minute)

	// Group coordination and offset tracking
	coord := group.NewCoordinator(log, cfg.Consumer.SessionTimeout, logger)
	go coord.Run(ctx)
	offsets := newOffsetStore(cfg, logger)

	sink, err := deadletter.NewSink(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dead-letter sink")
	}

	var wg sync.WaitGroup

	// Publisher: outbox -> log
	pub := publisher.NewPublisher(repo, log, cfg.Publisher, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pub.Run(ctx)
	}()

	// Materializing consumer group
	registry := consumer.NewRegistry()
	projections := newProjectionStore(cfg)
	materializer := consumer.NewMaterializer(projections, logger)
	for _, topic := range cfg.Consumer.Topics {
		if err := registry.Register(topic, materializer); err != nil {
			logger.Fatal().Err(err).Msg("failed to register handler")
		}
	}

	consumerID := cfg.Consumer.GroupID + "-" + uuid.NewString()
	cons := consumer.NewConsumer(consumerID, cfg.Consumer, coord, offsets, log, registry, sink, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cons.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("consumer exited")
		}
	}()

	// Optional egress bridge, running as its own consumer group
	if cfg.Bridge.Type != "" {
		egress, err := bridge.NewEgress(ctx, &cfg.Bridge, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize egress bridge")
		}
		defer egress.Close()

		bridgeRegistry := consumer.NewRegistry()
		if err := bridgeRegistry.Register(cfg.Bridge.Topic, bridge.NewHandler(egress)); err != nil {
			logger.Fatal().Err(err).Msg("failed to register bridge handler")
		}

		bridgeCfg := cfg.Consumer
		bridgeCfg.GroupID = cfg.Bridge.GroupID
		bridgeCfg.Topics = []string{cfg.Bridge.Topic}
		bridgeID := bridgeCfg.GroupID + "-" + uuid.NewString()
		bridgeCons := consumer.NewConsumer(bridgeID, bridgeCfg, coord, offsets, log, bridgeRegistry, sink, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridgeCons.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("bridge consumer exited")
			}
		}()
	}

	logger.Info().Msg("changeflow started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// newOffsetStore keeps committed offsets next to the outbox rows when the
// store is Postgres, so progress survives restarts; otherwise they live in
// memory alongside the log.
func newOffsetStore(cfg *config.Settings, logger zerolog.Logger) group.OffsetStore {
	if cfg.Database.Type == "postgres" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open offset store connection")
		}
		return group.NewPostgresOffsetStore(db)
	}
	return group.NewMemoryOffsetStore()
}

func newProjectionStore(cfg *config.Settings) consumer.ProjectionStore {
	switch cfg.Consumer.Projection.Type {
	case "redis":
		return consumer.NewRedisProjectionStore(cfg.Consumer.Projection.RedisAddr)
	default:
		return consumer.NewMemoryProjectionStore()
	}
}
