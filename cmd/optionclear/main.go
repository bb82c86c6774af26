package main

import (
	"OptionClear/internal/config"
	"OptionClear/internal/core"
	"OptionClear/internal/event"
	"OptionClear/internal/ingestion"
	"OptionClear/internal/ledger"
	"OptionClear/internal/observability"
	"OptionClear/internal/oracle"
	"OptionClear/internal/persistence"
	"OptionClear/internal/projection"
	"OptionClear/internal/query"
	"OptionClear/internal/server"
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger := observability.NewLogger("optionclear")
	logger.Info().Msg("OptionClear starting")

	cfg, err := config.Load(os.Getenv("OPTC_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// Bridge channels for the workers (avoids import cycle)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)

	// --- Postgres idempotency checker ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic Core ---
	deterministicCore, err := core.NewDeterministicCore(
		core.Config{
			StartSequence:          startSequence,
			CommissionFeeBps:       cfg.CommissionFeeBps,
			RoundInterval:          cfg.RoundInterval,
			Products:               cfg.Products,
			VaultDepositCap:        cfg.VaultDepositCap,
			VaultHurdleBps:         cfg.VaultHurdleBps,
			VaultPerformanceFeeBps: cfg.VaultPerformanceFeeBps,
			StrategyTargetBps:      cfg.StrategyTargetBps,
			StrategyMinBps:         cfg.StrategyMinBps,
			StrategyMaxBps:         cfg.StrategyMaxBps,
			StrategyDeviationBps:   cfg.StrategyDeviationBps,
			IdempotencyCapacity:    cfg.IdempotencyLRUCapacity,
		},
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct core")
	}

	// --- Snapshot Restore ---
	if snap != nil {
		if err := restoreStateFromSnapshot(deterministicCore, snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
	}

	// --- LRU Warming ---
	if snap != nil && len(snap.IdempotencyKeys) > 0 {
		log.Printf("INFO: warming LRU with %d keys from snapshot", len(snap.IdempotencyKeys))
		deterministicCore.WarmLRU(snap.IdempotencyKeys)
	}

	// --- History projection (serving copy, hydrated from Postgres) ---
	history := projection.NewHistoryProjection()
	if err := history.LoadFromDB(ctx, db); err != nil {
		logger.Warn().Err(err).Msg("hydrate history projection")
	}

	// --- Event Replay ---
	// The cores's output channels have no consumer yet, so a temporary drain
	// keeps replay from blocking. Replayed events are already in the log;
	// only round-close history is routed onward.
	drainDone := make(chan struct{})
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		drainReplayOutputs(drainDone, persistCoreChan, projectionCoreChan, projectionWorkerChan, history)
	}()

	replayCount, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, startSequence)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	close(drainDone)
	drainWG.Wait()
	if replayCount > 0 {
		log.Printf("INFO: replayed %d events (sequence now at %d)", replayCount, deterministicCore.GetSequence())
	}

	// --- State Hash Verification ---
	if snap != nil && replayCount == 0 {
		var expectedHash [32]byte
		copy(expectedHash[:], snap.StateHash)
		actualHash := deterministicCore.GetStateHash()
		if expectedHash != actualHash {
			logger.Fatal().
				Hex("expected", expectedHash[:]).
				Hex("actual", actualHash[:]).
				Msg("state hash mismatch after restore")
		}
		logger.Info().Msg("state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Event channel from NATS to core ---
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Oracle price feed ---
	priceSource := oracle.NewMemorySource(cfg.OracleStaleness)
	err = natsSubscriber.SubscribePrices(ctx, func(subject string, data []byte) {
		quote, err := ingestion.ParsePriceQuote(data)
		if err != nil {
			log.Printf("WARN: bad price quote on %s: %v", subject, err)
			return
		}
		priceSource.Update(quote)
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("subscribe prices")
	}

	// --- Outbound publisher ---
	publishChan := make(chan ingestion.PublishableEvent, 4096)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Services ---
	queryService := query.NewQueryService(db, history)
	adminEventChan := make(chan event.Event, 4096)
	adminIngest := ingestion.NewAdminIngestService(adminEventChan, cfg.AdminRatePerSecond, cfg.AdminRateBurst)

	// --- Round execute scheduler ---
	sched := newRoundScheduler(cfg.RoundInterval)
	sched.seed(deterministicCore.RoundClock())

	// --- gRPC + HTTP server ---
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		DB:            db,
		QueryService:  queryService,
		AdminIngest:   adminIngest,
		SnapshotMgr:   snapMgr,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Core output bridge: core.CoreOutput → persistence/projection formats,
	//    history projection feed, scheduler state.
	go func() {
		bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan,
			persistWorkerChan, projectionWorkerChan, publishChan, history, sched)
	}()

	// 5. NATS raw events → typed events (ack after channel send)
	typedEventChan := make(chan event.Event, 4096)
	go func() {
		runParserLoop(ctx, rawEventChan, typedEventChan)
	}()

	// 6. Core processing loop. Single goroutine drains both ingestion
	//    surfaces; the core is single-writer.
	go func() {
		runCoreLoop(ctx, typedEventChan, adminEventChan, deterministicCore)
	}()

	// 7. Round execute scheduler: injects ExecuteRound at round boundaries
	//    once a fresh oracle quote exists for every product.
	go func() {
		sched.run(ctx, priceSource, cfg.Products, adminEventChan)
	}()

	// 8. gRPC server
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 9. HTTP/JSON API
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 10. Periodic snapshot creation
	go func() {
		runPeriodicSnapshots(ctx, deterministicCore, snapMgr, int(cfg.SnapshotInterval), metrics)
	}()

	// 11. Prometheus metrics server + channel depth gauges
	go func() {
		runMetricsServer(ctx, cfg.MetricsAddr, metrics, errChan, map[string]chanDepth{
			"persist_core":    {func() int { return len(persistCoreChan) }, cap(persistCoreChan)},
			"projection_core": {func() int { return len(projectionCoreChan) }, cap(projectionCoreChan)},
			"persist_worker":  {func() int { return len(persistWorkerChan) }, cap(persistWorkerChan)},
			"publish":         {func() int { return len(publishChan) }, cap(publishChan)},
			"raw_events":      {func() int { return len(rawEventChan) }, cap(rawEventChan)},
		})
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Int64("sequence", startSequence).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("OptionClear ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	cancel()

	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)

	if err := takeSnapshot(shutdownCtx, deterministicCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("OptionClear shutdown complete")
}

// bridgeCoreOutputs converts core.CoreOutput to persistence and projection
// formats. This avoids import cycles between core and persistence/projection.
// Round-close outputs additionally feed the history projection (in-memory and
// a blocking history-only projection send, since closed rounds must not drop)
// and advance the execute scheduler.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	history *projection.HistoryProjection,
	sched *roundScheduler,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			persistOut <- toPersistOutput(output)

			sched.observe(output)

			if output.RoundClose != nil {
				histOut := toHistoryOutput(output)
				feedHistory(history, histOut)
				// Blocking send: round closes are rare and their history
				// rows are not reconstructible from balance projections.
				select {
				case projectionOut <- histOut:
				case <-ctx.Done():
					return
				}
			}

			// Outbound publish, dropped when the channel is full —
			// downstream consumers can read the event log directly.
			select {
			case publishOut <- toPublishable(output):
			default:
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			pOutput := projection.ProjectionOutput{
				Sequence:  output.Envelope.Sequence,
				EventType: output.Envelope.EventType.String(),
				ProductID: copyProductID(output.Envelope.ProductID),
				Timestamp: output.Envelope.Timestamp.UnixMicro(),
			}
			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						Amount:        j.Amount,
						JournalType:   int32(j.JournalType),
					})
				}
			}

			select {
			case projectionOut <- pOutput:
			default:
				// Dropped — projections catch up via rebuild
			}
		}
	}
}

func toPersistOutput(output core.CoreOutput) persistence.CoreOutput {
	payload, err := ingestion.MarshalEvent(output.Event)
	if err != nil {
		log.Printf("ERROR: marshal payload seq=%d: %v", output.Envelope.Sequence, err)
	}

	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       output.Envelope.Sequence,
			EventType:      output.Envelope.EventType.String(),
			IdempotencyKey: output.Envelope.IdempotencyKey,
			ProductID:      copyProductID(output.Envelope.ProductID),
			Payload:        payload,
			StateHash:      output.Envelope.StateHash[:],
			PrevHash:       output.Envelope.PrevHash[:],
			Timestamp:      output.Envelope.Timestamp,
			SourceSequence: output.Envelope.SourceSequence,
		},
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return pOutput
}

func toPublishable(output core.CoreOutput) ingestion.PublishableEvent {
	return ingestion.PublishableEvent{
		Sequence:       output.Envelope.Sequence,
		EventType:      output.Envelope.EventType.String(),
		IdempotencyKey: output.Envelope.IdempotencyKey,
		ProductID:      copyProductID(output.Envelope.ProductID),
		Payload:        output.Batch,
		StateHash:      output.Envelope.StateHash[:],
		Timestamp:      output.Envelope.Timestamp,
	}
}

// toHistoryOutput builds a history-only projection output from a round-close.
// It carries no journal entries; balance updates ride the projection channel.
func toHistoryOutput(output core.CoreOutput) projection.ProjectionOutput {
	rc := output.RoundClose
	ts := output.Envelope.Timestamp.UnixMicro()
	manual := output.Envelope.EventType == event.EventTypeManualRoundEnd

	histOut := projection.ProjectionOutput{
		Sequence:  output.Envelope.Sequence,
		EventType: output.Envelope.EventType.String(),
		Timestamp: ts,
	}

	for product, endPrice := range rc.Round.EndPrice {
		histOut.Rounds = append(histOut.Rounds, projection.RoundHistoryEntry{
			Epoch:      rc.Round.Epoch,
			Product:    product,
			StartPrice: rc.Round.StartPrice[product],
			EndPrice:   endPrice,
			StartTime:  rc.Round.StartTimestamp.UnixMicro(),
			EndTime:    rc.Round.EndTimestamp.UnixMicro(),
			Manual:     manual,
		})
	}

	for _, res := range rc.Results {
		histOut.Settlements = append(histOut.Settlements, projection.SettlementHistoryEntry{
			OrderIdx:  res.Idx,
			Epoch:     res.Epoch,
			Product:   res.Product,
			WinSide:   res.WinPosition.String(),
			OverUser:  res.OverUser,
			UnderUser: res.UnderUser,
			WinAmount: res.WinAmount,
			Fee:       res.Fee,
			Timestamp: ts,
		})
	}

	histOut.VaultEpochs = append(histOut.VaultEpochs, projection.VaultEpochEntry{
		Epoch:           rc.Round.Epoch,
		SharePrice:      rc.SharePrice,
		TotalShares:     rc.TotalShares,
		DepositedAssets: rc.DepositedAssets,
		RedeemedShares:  rc.RedeemedShares,
		Timestamp:       ts,
	})

	return histOut
}

func feedHistory(history *projection.HistoryProjection, histOut projection.ProjectionOutput) {
	for _, r := range histOut.Rounds {
		history.AddRound(r)
	}
	for _, s := range histOut.Settlements {
		history.AddSettlement(s)
	}
	for _, v := range histOut.VaultEpochs {
		history.AddVaultEpoch(v)
	}
}

func copyProductID(productID *string) *string {
	if productID == nil {
		return nil
	}
	s := *productID
	return &s
}

// drainReplayOutputs consumes core outputs produced during replay. The events
// are already in the log, so persistence and outbound publishing are skipped;
// round-close history is still fed so it survives a crash that raced the
// projection worker.
func drainReplayOutputs(
	done <-chan struct{},
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	history *projection.HistoryProjection,
) {
	for {
		select {
		case <-done:
			return
		case output := <-persistIn:
			if output.RoundClose != nil {
				histOut := toHistoryOutput(output)
				feedHistory(history, histOut)
				// The projection worker starts after replay; buffered sends
				// only, the table writes are idempotent anyway.
				select {
				case projectionOut <- histOut:
				default:
				}
			}
		case <-projectionIn:
		}
	}
}

// runParserLoop reads raw events from NATS, parses them, and forwards typed
// events. Messages are acked after the forward succeeds, NOT after core
// processing: backpressure propagates through the typed channel while slow
// processing cannot expire the AckWait.
func runParserLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, typedChan chan<- event.Event) {
	// Subject-prefix → event-type lookup (strip trailing ".>" wildcards).
	subjectToType := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := cfg.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = cfg.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				log.Printf("WARN: unknown NATS subject: %s", raw.Subject)
				raw.AckFunc() // Ack to avoid a redelivery loop
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Printf("WARN: parse event failed (subject=%s): %v", raw.Subject, err)
				raw.AckFunc() // Invalid events are acked but not forwarded
				continue
			}

			select {
			case typedChan <- evt:
				raw.AckFunc() // Ack AFTER successful channel send
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveEventType finds the event type for a NATS subject by longest prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// runCoreLoop drains both ingestion surfaces into the deterministic core.
// Exactly one goroutine runs this loop: the core is single-writer.
func runCoreLoop(
	ctx context.Context,
	natsEvents <-chan event.Event,
	adminEvents <-chan event.Event,
	deterministicCore *core.DeterministicCore,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-natsEvents:
			if !ok {
				return
			}
			processOne(deterministicCore, evt, "nats")
		case evt, ok := <-adminEvents:
			if !ok {
				return
			}
			processOne(deterministicCore, evt, "admin")
		}
	}
}

func processOne(deterministicCore *core.DeterministicCore, evt event.Event, source string) {
	if err := deterministicCore.ProcessEvent(evt); err != nil {
		// Core errors are logged, not retried: duplicates and sequence gaps
		// are rejections, not transient failures.
		log.Printf("ERROR: core.ProcessEvent failed (source=%s, type=%s, key=%s): %v",
			source, evt.EventType(), evt.IdempotencyKey(), err)
	}
}

// --- Round execute scheduler ---

// roundScheduler tracks the running round and injects ExecuteRound when its
// boundary passes and the oracle has a fresh quote for every product. State
// advances only from core outputs observed by the bridge, so the scheduler
// never races the round state machine.
type roundScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	running  bool
	epoch    int64     // Running round epoch
	deadline time.Time // Running round close boundary
	openEnd  time.Time // Pending genesis-opened round's end timestamp

	lastSentEpoch int64
	lastSentAt    time.Time
}

func newRoundScheduler(interval time.Duration) *roundScheduler {
	return &roundScheduler{interval: interval}
}

// seed primes the scheduler from recovered core state before ingestion starts.
func (rs *roundScheduler) seed(epoch int64, deadline time.Time, running bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.epoch = epoch
	rs.deadline = deadline
	rs.running = running
}

// observe advances scheduler state from a persisted core output.
func (rs *roundScheduler) observe(output core.CoreOutput) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch output.Envelope.EventType {
	case event.EventTypeGenesisOpenRound:
		rs.openEnd = output.Envelope.Timestamp.Add(rs.interval)
		rs.running = false

	case event.EventTypeGenesisStartRound:
		rs.epoch++
		rs.deadline = rs.openEnd
		rs.running = true

	case event.EventTypeExecuteRound:
		if output.RoundClose != nil {
			closed := output.RoundClose.Round
			rs.epoch = closed.Epoch + 1
			rs.deadline = closed.EndTimestamp.Add(rs.interval)
			rs.running = true
		}

	case event.EventTypePauseRounds, event.EventTypeUnpauseRounds:
		// Progression resumes only through the genesis sequence.
		rs.running = false
	}
}

func (rs *roundScheduler) due(now time.Time) (int64, time.Time, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running || now.Before(rs.deadline) {
		return 0, time.Time{}, false
	}
	// Re-send at most every 10s: the idempotency key round:<epoch>:execute
	// absorbs repeats, but there is no point hammering the core.
	if rs.epoch == rs.lastSentEpoch && now.Sub(rs.lastSentAt) < 10*time.Second {
		return 0, time.Time{}, false
	}
	return rs.epoch, rs.deadline, true
}

func (rs *roundScheduler) markSent(epoch int64, at time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastSentEpoch = epoch
	rs.lastSentAt = at
}

// run ticks once a second. A stale or missing quote for any product keeps the
// round open; closing it then requires the manual override path.
func (rs *roundScheduler) run(
	ctx context.Context,
	prices oracle.PriceSource,
	products []string,
	out chan<- event.Event,
) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			epoch, deadline, ok := rs.due(now)
			if !ok {
				continue
			}

			closePrices := make([]event.ProductPrice, 0, len(products))
			fresh := true
			for _, product := range products {
				q, err := prices.Price(product, deadline)
				if err != nil {
					log.Printf("WARN: round %d not closable: %v", epoch, err)
					fresh = false
					break
				}
				closePrices = append(closePrices, event.ProductPrice{
					Product:     product,
					Price:       q.Price,
					PublishTime: q.PublishTime,
				})
			}
			if !fresh {
				rs.markSent(epoch, now) // Back off before retrying the oracle
				continue
			}

			cmd := &event.ExecuteRound{
				CommandID: uuid.New(),
				Epoch:     epoch,
				Prices:    closePrices,
				Sequence:  now.UnixMicro(),
				Timestamp: deadline,
			}

			select {
			case out <- cmd:
				rs.markSent(epoch, now)
				log.Printf("INFO: scheduled ExecuteRound for epoch %d at boundary %s",
					epoch, deadline.Format(time.RFC3339))
			case <-ctx.Done():
				return
			}
		}
	}
}

// --- Snapshot Restore & Replay ---

// restoreStateFromSnapshot converts persistence.SnapshotData into
// core.SnapshotState and restores the core's in-memory state.
func restoreStateFromSnapshot(deterministicCore *core.DeterministicCore, snap *persistence.SnapshotData) error {
	coreSnap := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(snap.Balances)),
		Rounds:          snap.Rounds,
		Orders:          snap.Orders,
		Settlement:      snap.Settlement,
		Vault:           snap.Vault,
		Strategy:        snap.Strategy,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)

	for path, balance := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance %q: %w", path, err)
		}
		coreSnap.Balances[key] = balance
	}

	for _, ws := range snap.Withdrawals {
		withdrawalID, err := uuid.Parse(ws.WithdrawalID)
		if err != nil {
			return fmt.Errorf("snapshot withdrawal id %q: %w", ws.WithdrawalID, err)
		}
		userID, err := uuid.Parse(ws.UserID)
		if err != nil {
			return fmt.Errorf("snapshot withdrawal user %q: %w", ws.UserID, err)
		}
		coreSnap.Withdrawals = append(coreSnap.Withdrawals, &core.WithdrawalHold{
			WithdrawalID: withdrawalID,
			UserID:       userID,
			Amount:       ws.Amount,
			ExecutableAt: time.UnixMicro(ws.ExecutableAtUs),
			Closed:       ws.Closed,
		})
	}

	deterministicCore.RestoreFromSnapshot(coreSnap)
	log.Printf("INFO: restored in-memory state from snapshot at sequence %d", snap.Sequence)
	return nil
}

// replayEventsFromLog replays events from the event log starting at
// fromSequence: warm restart replays from snapshot.sequence+1, cold restart
// replays everything.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var totalReplayed int64

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}

		if len(events) == 0 {
			break
		}

		for _, evtRow := range events {
			raw := ingestion.RawEvent{
				Subject: evtRow.EventType,
				Data:    evtRow.Payload,
			}

			typedEvt, err := ingestion.ParseRawEvent(raw, evtRow.EventType)
			if err != nil {
				log.Printf("WARN: skip unparseable event at seq=%d type=%s: %v",
					evtRow.Sequence, evtRow.EventType, err)
				continue
			}

			if err := deterministicCore.ProcessEvent(typedEvt); err != nil {
				// Duplicates and sequence rejections are expected during replay
				log.Printf("DEBUG: replay skip seq=%d: %v", evtRow.Sequence, err)
			}

			totalReplayed++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// --- Snapshot Helpers ---

// runPeriodicSnapshots takes a snapshot whenever the sequence has advanced by
// at least interval events since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	interval int,
	metrics *observability.Metrics,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := deterministicCore.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := deterministicCore.GetSequence()
			if currentSeq-lastSnapshotSeq >= int64(interval) {
				if err := takeSnapshot(ctx, deterministicCore, snapMgr, metrics); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = currentSeq
					log.Printf("INFO: periodic snapshot at sequence %d", currentSeq)
				}
			}
		}
	}
}

// takeSnapshot captures the core's in-memory state and persists it.
func takeSnapshot(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	coreSnap := deterministicCore.CreateSnapshotState()

	snapData := &persistence.SnapshotData{
		Sequence:        coreSnap.Sequence,
		StateHash:       coreSnap.StateHash[:],
		Balances:        make(map[string]int64, len(coreSnap.Balances)),
		Rounds:          coreSnap.Rounds,
		Orders:          coreSnap.Orders,
		Settlement:      coreSnap.Settlement,
		Vault:           coreSnap.Vault,
		Strategy:        coreSnap.Strategy,
		SequenceState:   coreSnap.SequenceState,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for key, balance := range coreSnap.Balances {
		snapData.Balances[key.AccountPath()] = balance
	}

	for _, hold := range coreSnap.Withdrawals {
		snapData.Withdrawals = append(snapData.Withdrawals, persistence.WithdrawalSnapshot{
			WithdrawalID:   hold.WithdrawalID.String(),
			UserID:         hold.UserID.String(),
			Amount:         hold.Amount,
			ExecutableAtUs: hold.ExecutableAt.UnixMicro(),
			Closed:         hold.Closed,
		})
	}

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Created from live state, so immediately verified
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}

	return nil
}

// --- Metrics server ---

type chanDepth struct {
	size     func() int
	capacity int
}

func runMetricsServer(
	ctx context.Context,
	addr string,
	metrics *observability.Metrics,
	errChan chan<- error,
	channels map[string]chanDepth,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, cd := range channels {
					metrics.SetChannelMetrics(name, cd.size(), cd.capacity)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("INFO: metrics server listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}
