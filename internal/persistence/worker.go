package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"OptionClear/internal/observability"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle.
// The orchestrator in cmd/optionclear bridges between the two.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// PersistenceWorker drains the persist channel and batch-writes events and
// journals to Postgres. It runs on its own goroutine. The core sends on the
// persist channel with a BLOCKING send: if this worker falls behind, the
// core stalls rather than lose an event.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics

	events   []EventRow
	journals []JournalRow
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		events:       make([]EventRow, 0, batchSize),
		journals:     make([]JournalRow, 0, batchSize*4),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout fires. Blocks until ctx is cancelled or the channel closes;
// either way the tail of the batch is flushed before returning.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drainTail()
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.drainTail()
				return nil
			}
			pw.events = append(pw.events, output.EventRow)
			pw.journals = append(pw.journals, output.JournalRows...)

			if len(pw.events) >= pw.batchSize {
				pw.flushBatch(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pw.events) > 0 {
				pw.flushBatch(ctx)
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushBatch writes the pending batch with retries and resets the buffers.
func (pw *PersistenceWorker) flushBatch(ctx context.Context) {
	if err := pw.flushWithRetry(ctx, pw.events, pw.journals); err != nil {
		log.Printf("ERROR: batch flush failed after retries: %v", err)
	}
	pw.events = pw.events[:0]
	pw.journals = pw.journals[:0]
}

// drainTail writes whatever is buffered on shutdown, using a background
// context so the write outlives cancellation.
func (pw *PersistenceWorker) drainTail() {
	if len(pw.events) == 0 {
		return
	}
	if err := pw.flush(context.Background(), pw.events, pw.journals); err != nil {
		log.Printf("ERROR: final flush failed: %v", err)
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// events: it keeps retrying until the write succeeds or ctx is cancelled,
// and on cancellation it makes one last attempt before giving up.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := pw.flush(ctx, events, journals); err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		pw.countError("retry")
	}
}

// flush writes events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, events, tx); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, journals, tx); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
