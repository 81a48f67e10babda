package main

import (
	"SpotEngine/internal/config"
	"SpotEngine/internal/core"
	"SpotEngine/internal/ingestion"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/persistence"
	"SpotEngine/internal/query"
	"SpotEngine/internal/server"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Replay the event log and start sequencing live events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg, "spotengine")
	logger.Info().Msg("SpotEngine starting")

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if cfg.AutoMigrate {
		n, err := persistence.NewMigrator(db, cfg.MigrationsDir, newLogger(cfg, "migrate")).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// --- Channels ---
	// persist blocks (backpressure), publish drops when full
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	rawChan := make(chan ingestion.RawEvent, cfg.RawChanSize)

	store := persistence.NewEventStore(db, cfg.LoadLimit)
	seq := core.NewSequencer(core.Options{
		Loader:      store,
		PersistChan: persistChan,
		PublishChan: publishChan,
		Metrics:     metrics,
		Logger:      newLogger(cfg, "sequencer"),
		Debug:       cfg.Debug,
	})
	healthChecker := observability.NewHealthChecker(seq)

	// The worker outlives ctx so that it can drain persistChan after the
	// pipeline stops. It exits once persistChan is closed and its last batch
	// is written or drain_timeout has passed.
	var workers sync.WaitGroup
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, newLogger(cfg, "persistence")).
		WithDrainTimeout(cfg.PersistDrainTimeout)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()
	defer func() {
		close(persistChan)
		close(publishChan)
		workers.Wait()
		logger.Info().Int64("last_sequence_id", seq.LastSequenceID()).Msg("SpotEngine shutdown complete")
	}()

	// --- Recovery ---
	replayStart := time.Now()
	replayed, err := seq.Replay(ctx)
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	logger.Info().
		Int("events", replayed).
		Int64("last_sequence_id", seq.LastSequenceID()).
		Str("state_hash", fmt.Sprintf("%x", seq.StateHash())).
		Dur("took", time.Since(replayStart)).
		Msg("recovery complete")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, newLogger(cfg, "nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}

	// --- Services ---
	queryService := query.NewQueryService(seq, db, metrics)
	var adminIngest *ingestion.AdminIngestService
	if cfg.AdminIngest {
		adminIngest = ingestion.NewAdminIngestService(rawChan)
	}
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		IngestService: adminIngest,
		Status:        seq,
		HealthChecker: healthChecker,
		Gatherer:      prometheus.DefaultGatherer,
		StartTime:     time.Now(),
		Logger:        newLogger(cfg, "server"),
	})

	subscriber := ingestion.NewNATSSubscriber(js, rawChan, newLogger(cfg, "subscriber"))
	if err := subscriber.Subscribe(ctx); err != nil {
		return err
	}

	pipeline := ingestion.NewPipeline(rawChan, store, seq, metrics, newLogger(cfg, "pipeline"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, newLogger(cfg, "publisher"))

	// --- Goroutines ---
	errChan := make(chan error, 4)
	var loops sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("pipeline", func(ctx context.Context) error {
		err := pipeline.Run(ctx)
		if errors.Is(err, core.ErrHalted) {
			// A halted sequencer keeps serving reads for inspection.
			subscriber.Stop()
			srv.SetServing(false)
			logger.Error().Err(seq.HaltCause()).Int64("last_sequence_id", seq.LastSequenceID()).Msg("sequencer halted, ingestion stopped")
			return nil
		}
		return err
	})
	start("publisher", publisher.Run)
	start("grpc", srv.StartGRPC)
	start("http", srv.StartHTTPGateway)
	start("channel-metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetChannelMetrics("raw", len(rawChan), cap(rawChan))
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	})

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("last_sequence_id", seq.LastSequenceID()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("admin_ingest", cfg.AdminIngest).
		Msg("SpotEngine ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()
	loops.Wait()
	return runErr
}
