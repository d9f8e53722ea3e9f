package main

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
	"PerpVault/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// recent idempotency keys carried in each snapshot
const snapshotKeys = 100_000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: vaultd starting...")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	logger := observability.NewLogger("core")

	// --- Channels ---
	// persist blocks (backpressure), projection drops
	submitChan := make(chan core.Submission, cfg.SubmitChanSize)
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	natsPublishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	newProcessor := func() *core.Processor {
		p, err := core.NewProcessor(cfg.Core, persistChan, projectionChan, dbChecker, logger, metrics)
		if err != nil {
			log.Fatalf("FATAL: create processor: %v", err)
		}
		return p
	}
	proc := newProcessor()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		if err := proc.RestoreFromSnapshot(snap); err != nil {
			log.Printf("ERROR: snapshot at sequence %d did not restore, replaying from genesis: %v", snap.Sequence, err)
			proc = newProcessor()
		} else {
			log.Printf("INFO: restored snapshot at sequence %d", snap.Sequence)
		}
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	replayCount, err := replayCommandLog(ctx, snapMgr, proc)
	if err != nil {
		log.Fatalf("FATAL: command replay failed: %v", err)
	}
	if replayCount > 0 {
		log.Printf("INFO: replayed %d commands (sequence now at %d)", replayCount, proc.Sequence())
	}
	startSeq := proc.Sequence()
	coldStart := startSeq == 0

	if lagging, err := projection.Lagging(ctx, db); err != nil {
		log.Printf("WARN: projection watermark check failed: %v", err)
	} else if lagging {
		log.Println("INFO: projections behind the event log, rebuilding")
		if err := projection.RebuildProjections(ctx, db); err != nil {
			log.Printf("ERROR: rebuild projections: %v", err)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	rawChan := make(chan ingestion.RawCommand, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan)
	outboundPublisher := ingestion.NewOutboundPublisher(js, natsPublishChan)

	// --- Query side ---
	funding := projection.NewFundingHistoryProjection(1024)
	queryService := query.NewQueryService(db, proc.Vault(), proc.Tokens(), funding)

	var (
		reader      server.Reader = queryService
		invalidator projection.Invalidator
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("FATAL: redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("WARN: redis ping failed, cache reads will miss: %v", err)
		}
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		cached := query.NewCachedReader(queryService, rdb, cfg.CacheTTL, metrics)
		reader, invalidator = cached, cached
		log.Println("INFO: Redis query cache enabled")
	}

	submitService := ingestion.NewSubmitService(submitChan)
	hub := server.NewEventHub(metrics)

	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Reader:    reader,
		Submitter: submitService,
		Admin: server.Admin{
			TakeSnapshot: func(ctx context.Context) (int64, error) {
				return takeSnapshot(ctx, cfg.Core, submitChan, snapMgr, metrics)
			},
			RebuildProjections: func(ctx context.Context) error {
				return projection.RebuildProjections(ctx, db)
			},
			LatestSequence: snapMgr.GetLatestSequence,
		},
		Hub:           hub,
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})
	if err != nil {
		log.Fatalf("FATAL: build server: %v", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, funding, invalidator, metrics)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Persisted events fan out to NATS and websocket clients
	go fanOutEvents(ctx, publishChan, natsPublishChan, hub, metrics)
	go hub.Run(ctx)
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Processor: the only writer of vault state
	go func() {
		if err := proc.Run(ctx, submitChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("processor: %w", err)
		}
	}()

	if coldStart && len(cfg.Assets) > 0 {
		if err := bootstrapAssets(ctx, submitService, cfg); err != nil {
			log.Fatalf("FATAL: genesis assets: %v", err)
		}
	}

	// 5. NATS -> processor
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}
	go runIngestionLoop(ctx, rawChan, submitService)

	// 6. gRPC + HTTP
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 7. Periodic snapshots
	go runPeriodicSnapshots(ctx, cfg, submitChan, snapMgr, metrics)

	// 8. Keeper
	if cfg.KeeperID != "" {
		go runKeeper(ctx, proc.Vault(), submitService, cfg.KeeperID, cfg.KeeperInterval)
	}

	// 9. Channel gauges
	go reportChannels(ctx, metrics, map[string]func() int{
		"submit":     func() int { return len(submitChan) },
		"persist":    func() int { return len(persistChan) },
		"projection": func() int { return len(projectionChan) },
	}, map[string]int{
		"submit":     cfg.SubmitChanSize,
		"persist":    cfg.PersistChanSize,
		"projection": cfg.ProjectionChanSize,
	})

	srv.SetReady(true)
	log.Printf("INFO: vaultd ready (recovered sequence=%d, grpc=%s, http=%s)", startSeq, cfg.GRPCAddr, cfg.HTTPAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// stop intake, snapshot while the processor still runs, then drain
	srv.SetReady(false)
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if seq, err := takeSnapshot(shutdownCtx, cfg.Core, submitChan, snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Printf("INFO: final snapshot saved at sequence %d", seq)
	}

	cancel()
	time.Sleep(100 * time.Millisecond)
	log.Println("INFO: vaultd shutdown complete")
}

// replayCommandLog re-applies every recorded command after the processor's
// sequence. Each replayed command must land on its recorded sequence with
// its recorded state hash.
func replayCommandLog(ctx context.Context, snapMgr *persistence.SnapshotManager, proc *core.Processor) (int64, error) {
	const batchSize = 1000
	var replayed int64

	from := proc.Sequence() + 1
	for {
		records, err := snapMgr.LoadCommandsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load commands from seq %d: %w", from, err)
		}
		if len(records) == 0 {
			return replayed, nil
		}

		for _, rec := range records {
			if want := proc.Sequence() + 1; rec.Sequence != want {
				return replayed, fmt.Errorf("command log gap: expected sequence %d, found %d", want, rec.Sequence)
			}
			res, err := proc.Replay(ctx, rec.Command)
			if res == nil {
				return replayed, fmt.Errorf("replay seq=%d: %w", rec.Sequence, err)
			}
			if res.Duplicate {
				return replayed, fmt.Errorf("replay seq=%d: command %s seen twice", rec.Sequence, rec.Command.IdempotencyKey())
			}
			if res.StateHash != rec.StateHash {
				return replayed, fmt.Errorf("replay seq=%d: state hash %x, recorded %x", rec.Sequence, res.StateHash, rec.StateHash)
			}
			if (err != nil) != (rec.Status == core.StatusRejected) {
				return replayed, fmt.Errorf("replay seq=%d: recorded %s, replay error %v", rec.Sequence, rec.Status, err)
			}
			replayed++
		}
		from = records[len(records)-1].Sequence + 1
	}
}

// bootstrapAssets whitelists the configured assets on an empty vault.
func bootstrapAssets(ctx context.Context, svc *ingestion.SubmitService, cfg Config) error {
	if len(cfg.Core.Governors) == 0 {
		return fmt.Errorf("VAULT_ASSETS requires at least one VAULT_GOVERNORS identity")
	}
	governor := cfg.Core.Governors[0]
	for _, a := range cfg.Assets {
		_, err := svc.Submit(ctx, &command.SetAssetConfig{
			Meta:  command.NewMeta(governor, time.Now()),
			Asset: a,
		})
		if err != nil {
			return fmt.Errorf("whitelist %s: %w", a.ID, err)
		}
		log.Printf("INFO: whitelisted %s (decimals=%d weight=%d)", a.ID, a.Decimals, a.Weight)
	}
	return nil
}

// runIngestionLoop applies NATS commands in arrival order. A message is
// acked once the processor has applied or rejected it and nak'd when the
// failure may clear on redelivery.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawCommand, svc *ingestion.SubmitService) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			cmd, err := ingestion.ParseRawCommand(raw)
			if err != nil {
				// redelivery cannot fix a malformed payload
				log.Printf("WARN: parse command failed (subject=%s): %v", raw.Subject, err)
				raw.AckFunc()
				continue
			}

			_, err = svc.Submit(ctx, cmd)
			switch {
			case err == nil:
				raw.AckFunc()
			case errors.Is(err, core.ErrSequenceGap), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				raw.NakFunc()
			default:
				log.Printf("INFO: command rejected (type=%s, key=%s): %v", cmd.CommandType(), cmd.IdempotencyKey(), err)
				raw.AckFunc()
			}
		}
	}
}

// fanOutEvents copies persisted events to the NATS publisher and the
// websocket hub. Neither may stall persistence.
func fanOutEvents(ctx context.Context, in <-chan ingestion.PublishableEvent, natsOut chan<- ingestion.PublishableEvent, hub *server.EventHub, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			select {
			case natsOut <- evt:
			default:
				metrics.PublishDrops.Inc()
			}
			hub.Publish(evt)
		}
	}
}

// --- Snapshots ---

// takeSnapshot captures the processor state between commands, persists
// it, and marks it verified once it restores into a scratch processor.
func takeSnapshot(
	ctx context.Context,
	coreCfg core.Config,
	submitChan chan<- core.Submission,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	var snap *core.SnapshotState
	if err := core.Inspect(ctx, submitChan, func(p *core.Processor) {
		snap = p.CreateSnapshotState(snapshotKeys)
	}); err != nil {
		return 0, fmt.Errorf("capture snapshot: %w", err)
	}

	size, err := snapMgr.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if err := core.VerifySnapshot(coreCfg, snap); err != nil {
		return 0, fmt.Errorf("verify snapshot at %d: %w", snap.Sequence, err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}

// runPeriodicSnapshots takes a snapshot every cfg.SnapshotInterval commands.
func runPeriodicSnapshots(
	ctx context.Context,
	cfg Config,
	submitChan chan<- core.Submission,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) {
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = 100_000
	}

	var lastSnapshotSeq int64
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var currentSeq int64
			if err := core.Inspect(ctx, submitChan, func(p *core.Processor) {
				currentSeq = p.Sequence()
			}); err != nil {
				continue
			}
			if lastSnapshotSeq == 0 {
				lastSnapshotSeq = currentSeq
				continue
			}
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			seq, err := takeSnapshot(ctx, cfg.Core, submitChan, snapMgr, metrics)
			if err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			lastSnapshotSeq = seq
			log.Printf("INFO: periodic snapshot at sequence %d", seq)
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, sizes map[string]func() int, caps map[string]int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, size := range sizes {
				metrics.SetChannelMetrics(name, size(), caps[name])
			}
		}
	}
}
