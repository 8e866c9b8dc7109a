package main

import (
	"PegLedger/internal/config"
	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/persistence"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"PegLedger/internal/server"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
)

func main() {
	logger := observability.NewLogger("pegledger")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("pegledger exited")
	}
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("PegLedger starting")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	genesis, genesisData, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return err
	}

	// --- Context with graceful shutdown ---
	// workerCtx outlives ctx so the workers can drain after ingestion stops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrate").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	snapStore, err := openSnapshotStore(cfg, db)
	if err != nil {
		return err
	}
	defer snapStore.Close()

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// persist blocks the core (backpressure), projection and publish drop
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	blockChan := make(chan ingestion.RawBlock, cfg.BlockChanSize)

	// --- Deterministic Core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db, metrics)
	deterministicCore := core.NewDeterministicCore(
		genesis.UndoHistory,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
		observability.NewLogger("core"),
	)

	// --- Downstream workers, started before replay so the core can emit ---
	errChan := make(chan error, 10)
	workersDone := make(chan struct{})

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	go func() {
		defer close(workersDone)
		if err := persistWorker.Run(workerCtx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, genesis.UndoHistory, metrics, observability.NewLogger("projection"))
	if err := projWorker.LoadWatermark(ctx); err != nil {
		return err
	}
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// --- Recovery: snapshot or genesis, then replay the block log ---
	rec := &recovery{
		core:      deterministicCore,
		snapshots: snapStore,
		blocks:    persistence.NewBlockReader(db),
		metrics:   metrics,
		logger:    observability.NewLogger("recovery"),
	}
	restored, err := rec.restore(ctx, genesis, genesisData)
	if err != nil {
		return err
	}
	if err := rec.replay(ctx); err != nil {
		return err
	}
	if !restored {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyWarmKeys)
		if err != nil {
			return fmt.Errorf("warm idempotency keys: %w", err)
		}
		deterministicCore.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed from block log")
	}
	if err := deterministicCore.VerifyInvariants(); err != nil {
		return fmt.Errorf("invariants after recovery: %w", err)
	}
	healthChecker.SetHead(deterministicCore.HeadHeight())

	// --- NATS (optional) ---
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()

		natsSubscriber, err = startNATS(ctx, workerCtx, js, blockChan, publishChan, errChan)
		if err != nil {
			return err
		}
		logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
	} else {
		logger.Warn().Msg("PEG_NATS_URL empty, blocks only via admin injection")
		go drainPublish(workerCtx, publishChan)
	}

	// --- Snapshot writer + core loop ---
	snapWriter := newSnapshotWriter(snapStore, cfg.SnapshotBackend, metrics, observability.NewLogger("snapshot"))
	go snapWriter.run(workerCtx)

	loop := newCoreLoop(deterministicCore, blockChan, snapWriter, cfg.SnapshotInterval, healthChecker, metrics, observability.NewLogger("loop"))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.run(ctx)
	}()

	// --- Query service, optionally behind Redis ---
	var store query.Store = query.NewPostgresStore(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, query cache will miss")
		}
		store = query.NewCachedStore(store, rdb, cfg.QueryCacheTTL, func(result string) {
			metrics.QueryCacheHits.WithLabelValues(result).Inc()
		})
	}
	queryService := query.NewQueryService(store, metrics)

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestion.NewAdminIngestService(blockChan),
		Core:          loop,
		HealthChecker: healthChecker,
		StartTime:     time.Now(),
	}, observability.NewLogger("server"))

	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("head", deterministicCore.HeadHeight()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PegLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the core finish, then drain persistence
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()
	<-loopDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistChan)
	close(projectionChan)
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before timeout")
	}

	if err := snapWriter.save(shutdownCtx, deterministicCore.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	cancelWorkers()

	logger.Info().Int64("head", deterministicCore.HeadHeight()).Msg("PegLedger shutdown complete")
	return nil
}

func openSnapshotStore(cfg config.Config, db *sql.DB) (persistence.SnapshotStore, error) {
	if cfg.SnapshotBackend == config.SnapshotBackendLevelDB {
		if err := os.MkdirAll(cfg.LevelDBPath, 0o755); err != nil {
			return nil, fmt.Errorf("leveldb dir: %w", err)
		}
		return persistence.NewLevelDBSnapshotStore(cfg.LevelDBPath, cfg.SnapshotKeep)
	}
	return persistence.NewPostgresSnapshotStore(db), nil
}

// startNATS ensures the streams, starts the outbound publisher and
// subscribes the block consumer. The publisher runs on workerCtx so it keeps
// draining while persistence flushes on shutdown.
func startNATS(ctx, workerCtx context.Context, js jetstream.JetStream, blockChan chan<- ingestion.RawBlock, publishChan <-chan core.CoreOutput, errChan chan<- error) (*ingestion.NATSSubscriber, error) {
	natsLogger := observability.NewLogger("nats")
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return nil, fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		return nil, fmt.Errorf("ensure outbound stream: %w", err)
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
	go func() {
		if err := publisher.Run(workerCtx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	sub := ingestion.NewNATSSubscriber(js, blockChan, natsLogger)
	if err := sub.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return sub, nil
}

// drainPublish discards outputs when there is no outbound stream
func drainPublish(ctx context.Context, publishChan <-chan core.CoreOutput) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-publishChan:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
