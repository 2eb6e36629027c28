package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/alias"
	"github.com/secil-digital/uns-metadata-sync/internal/canary"
	"github.com/secil-digital/uns-metadata-sync/internal/cdc"
	"github.com/secil-digital/uns-metadata-sync/internal/config"
	"github.com/secil-digital/uns-metadata-sync/internal/dlq"
	"github.com/secil-digital/uns-metadata-sync/internal/health"
	"github.com/secil-digital/uns-metadata-sync/internal/ingest"
	"github.com/secil-digital/uns-metadata-sync/internal/repository"
	"github.com/secil-digital/uns-metadata-sync/internal/telemetry"
	"github.com/secil-digital/uns-metadata-sync/internal/unspath"
)

// brokerPublisher defers the rebirth publisher binding until the subscriber
// exists; the subscriber itself needs the pipeline, which needs the throttle.
type brokerPublisher struct {
	sub *ingest.Subscriber
}

func (p *brokerPublisher) Publish(topic string, payload []byte) error {
	if p.sub == nil {
		return fmt.Errorf("broker not connected")
	}
	return p.sub.Publish(topic, payload)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "uns-metadata-sync", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	// ── Metrics registry ───────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store ──────────────────────────────────────────────────────────────
	var (
		store repository.Store
		pool  *pgxpool.Pool
	)
	switch cfg.DBMode {
	case config.ModeLocal:
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.Conninfo)
		if err != nil {
			logger.Fatal("failed to parse db.conninfo", zap.Error(err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database (OTel-instrumented)")
		store = repository.NewPostgres(pool, logger)
	case config.ModeMock:
		logger.Info("mock mode: repository writes append to local sink",
			zap.String("path", cfg.Ingest.MockSinkPath),
		)
		store = repository.NewJSONL(cfg.Ingest.MockSinkPath, logger)
	}

	// ── Ingest pipeline ────────────────────────────────────────────────────
	aliases := alias.NewCache(cfg.Ingest.AliasCachePath, logger)
	if err := aliases.Load(); err != nil {
		logger.Warn("alias cache load failed, starting empty", zap.Error(err))
	}
	pub := &brokerPublisher{}
	throttle := ingest.NewRebirthThrottle(
		time.Duration(cfg.Ingest.RebirthIntervalSeconds)*time.Second,
		cfg.Ingest.RebirthEnabled,
		pub,
		logger,
	)
	var frames *ingest.FrameLog
	if cfg.Ingest.FrameLogPattern != "" {
		frames = ingest.NewFrameLog(cfg.Ingest.FrameLogPattern, logger)
	}
	pipeline := ingest.NewPipeline(
		store,
		aliases,
		unspath.NewCanaryIDGenerator(logger),
		throttle,
		frames,
		cfg.Ingest.BulkThreshold,
		ingest.NewMetrics(registry),
		logger,
	)

	subscriber, err := ingest.NewSubscriber(ingest.SubscriberConfig{
		Host:         cfg.Broker.Host,
		Port:         cfg.Broker.Port,
		Username:     cfg.Broker.User,
		Password:     cfg.Broker.Password,
		ClientID:     cfg.Broker.ClientID,
		TLSCAFile:    cfg.Broker.TLSCA,
		TLSInsecure:  cfg.Broker.TLSInsecure,
		TopicFilters: cfg.Broker.TopicFilters,
	}, pipeline, logger)
	if err != nil {
		logger.Fatal("broker subscriber setup failed", zap.Error(err))
	}
	pub.sub = subscriber

	// ── Operational HTTP ───────────────────────────────────────────────────
	healthServer := health.NewServer(health.ServerConfig{Addr: cfg.HTTP.Addr}, registry, logger)

	errCh := make(chan error, 8)
	var tasks sync.WaitGroup
	runTask := func(name string, run func(context.Context) error) {
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			if err := run(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runTask("subscriber", subscriber.Run)
	runTask("http", healthServer.Run)

	// ── CDC and egress (local mode only) ───────────────────────────────────
	if cfg.DBMode == config.ModeLocal {
		healthServer.RegisterProbe("database", func(ctx context.Context) error {
			return pool.Ping(ctx)
		})

		dlqStore := dlq.NewStore(pool, cfg.DLQ.TTL(), int64(cfg.DLQ.AlertThreshold),
			dlq.NewMetrics(registry), logger)

		session, err := canary.NewSessionManager(canary.SessionConfig{
			BaseURL:            cfg.Egress.BaseURL,
			APIToken:           cfg.Egress.APIToken,
			ClientID:           cfg.Egress.ClientID,
			Historians:         cfg.Egress.Historians,
			SessionTimeout:     time.Duration(cfg.Egress.SessionTimeoutMS) * time.Millisecond,
			AutoCreateDatasets: cfg.Egress.AutoCreateDatasets,
			KeepaliveIdle:      time.Duration(cfg.Egress.KeepaliveIdleSeconds) * time.Second,
			KeepaliveJitter:    time.Duration(cfg.Egress.KeepaliveJitterSeconds) * time.Second,
		}, nil, logger)
		if err != nil {
			logger.Fatal("session manager setup failed", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			session.Shutdown(shutdownCtx)
		}()

		resolver := canary.NewDatasetResolver(canary.ResolverConfig{
			BaseURL:    cfg.Egress.BaseURL,
			APIToken:   cfg.Egress.APIToken,
			Prefix:     cfg.Egress.DatasetPrefix,
			FamilySize: cfg.Egress.DatasetFamilySize,
			Override:   cfg.Egress.DatasetOverride,
			BrowsePath: cfg.Egress.BrowsePath,
		}, nil, logger)

		egress := canary.NewClient(canary.ClientConfig{
			BaseURL:                    cfg.Egress.BaseURL,
			WritePath:                  cfg.Egress.WritePath,
			RequestTimeout:             cfg.Egress.RequestTimeout(),
			RateLimitRPS:               float64(cfg.Egress.RateLimitRPS),
			QueueCapacity:              cfg.Egress.QueueCapacity,
			MaxBatchTags:               cfg.Egress.MaxBatchTags,
			MaxPayloadBytes:            cfg.Egress.MaxPayloadBytes,
			RetryAttempts:              cfg.Egress.RetryAttempts,
			RetryBaseDelay:             cfg.Egress.RetryBase(),
			RetryMaxDelay:              cfg.Egress.RetryMax(),
			CircuitConsecutiveFailures: uint32(cfg.Egress.CircuitConsecutiveFailures),
			CircuitReset:               time.Duration(cfg.Egress.CircuitResetSeconds) * time.Second,
		}, session, resolver, dlqStore, canary.NewMetrics(registry), logger)

		var checkpoints cdc.CheckpointStore
		switch cfg.CDC.CheckpointBackend {
		case config.CheckpointFile:
			checkpoints, err = cdc.NewFileCheckpointStore(cfg.CDC.ResumePath, cfg.CDC.ResumeFsync)
			if err != nil {
				logger.Fatal("checkpoint store setup failed", zap.Error(err))
			}
		case config.CheckpointMemory:
			checkpoints = cdc.NewMemoryCheckpointStore()
		}

		listener := cdc.NewListener(cdc.ListenerConfig{
			DSN:            cfg.DB.Conninfo,
			SlotName:       cfg.DB.SlotName,
			Publication:    cfg.DB.PublicationName,
			DebounceWindow: cfg.CDC.DebounceWindow(),
			FlushInterval:  cfg.CDC.FlushInterval(),
			BufferCapacity: cfg.CDC.BufferCap,
		}, pool, cdc.NewPostgresProvider(pool), egress, checkpoints,
			cdc.NewMetrics(registry), logger)

		healthServer.RegisterProbe("egress", func(context.Context) error {
			if egress.CircuitOpen() {
				return fmt.Errorf("write circuit open")
			}
			return nil
		})

		healthServer.RegisterProbe("replication", func(context.Context) error {
			if state := listener.State(); state == cdc.StateDisconnected || state == cdc.StateReconnecting {
				return fmt.Errorf("replication stream %s", state)
			}
			if budget := uint64(cfg.CDC.MaxLagBytes); budget > 0 {
				if lag := listener.Lag(); lag > budget {
					return fmt.Errorf("replication lag %d bytes exceeds budget %d", lag, budget)
				}
			}
			return nil
		})

		runTask("egress", egress.Run)
		runTask("cdc-listener", listener.Run)
		runTask("dlq-purge", dlqStore.Run)
	}

	logger.Info("uns-metadata-sync started", zap.String("db_mode", string(cfg.DBMode)))

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("task failed, shutting down", zap.Error(err))
	}
	cancel()

	// Wait for the listener and egress drain paths, bounded so a wedged task
	// cannot hold the process open.
	done := make(chan struct{})
	go func() {
		tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("uns-metadata-sync shut down cleanly")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown grace period expired")
	}

	if err := aliases.Snapshot(); err != nil {
		logger.Warn("alias cache snapshot failed", zap.Error(err))
	}
}
