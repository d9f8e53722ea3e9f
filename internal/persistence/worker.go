package persistence

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"context"
	"database/sql"
	"log"
	"time"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The processor sends on the persist channel with a BLOCKING send, so if
// this worker falls behind the processor stalls and nothing is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	publishChan  chan<- ingestion.PublishableEvent // optional
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

type pendingBatch struct {
	commands []CommandRow
	events   []EventRow
	journals []JournalRow
	enqueued []time.Time
}

func (b *pendingBatch) add(out core.CoreOutput) {
	cmd, events, journals := RowsFromOutput(out)
	b.commands = append(b.commands, cmd)
	b.events = append(b.events, events...)
	b.journals = append(b.journals, journals...)
	b.enqueued = append(b.enqueued, time.Now())
}

func (b *pendingBatch) reset() {
	b.commands = b.commands[:0]
	b.events = b.events[:0]
	b.journals = b.journals[:0]
	b.enqueued = b.enqueued[:0]
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	publishChan chan<- ingestion.PublishableEvent,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		commands: make([]CommandRow, 0, pw.batchSize),
		events:   make([]EventRow, 0, pw.batchSize*4),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch.commands) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.commands) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch.add(output)
			if len(batch.commands) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.commands) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, commands=%d)",
				attempt, backoff, len(batch.commands))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
		log.Printf("WARN: persistence flush failed: %v", err)
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	// commands, events and journals commit together
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, batch.commands); err != nil {
		pw.countError("write_commands")
		return err
	}
	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.commands)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistLastSequence.Set(float64(batch.commands[len(batch.commands)-1].Sequence))
		for _, t := range batch.enqueued {
			pw.metrics.ApplyToPersist.Observe(time.Since(t).Seconds())
		}
	}

	pw.publish(batch.events)
	return nil
}

// publish forwards persisted events to the outbound publisher, dropping
// when it cannot keep up.
func (pw *PersistenceWorker) publish(events []EventRow) {
	if pw.publishChan == nil {
		return
	}
	for _, e := range events {
		evt := ingestion.PublishableEvent{
			Sequence:  e.Sequence,
			EventID:   e.EventID,
			CommandID: e.CommandID,
			EventType: e.EventType,
			AssetID:   e.AssetID,
			Payload:   e.Payload,
			StateHash: HexHash(e.StateHash),
			Timestamp: e.Timestamp,
		}
		select {
		case pw.publishChan <- evt:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
