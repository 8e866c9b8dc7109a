package persistence

import (
	"PegLedger/internal/core"
	"PegLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with blocking sends, so if this worker falls behind
// the core stalls and no block is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *BlockLogWriter
	inputChan    <-chan core.CoreOutput
	publishChan  chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	publishChan chan<- core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewBlockLogWriter(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes when the batch is full or the flush timeout expires. A popped
// block flushes the pending batch first, then truncates the log.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("blocks", len(batch)).Msg("batch flush failed after retries")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			if output.Popped {
				flush(ctx)
				if err := pw.truncateWithRetry(ctx, output.Envelope.Height); err != nil {
					pw.logger.Error().Err(err).Int64("height", output.Envelope.Height).Msg("truncate failed")
				}
				pw.forward(output)
				continue
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// retry runs fn with exponential backoff. It never gives up while ctx is
// live; on shutdown it makes one last attempt with a background context.
func (pw *PersistenceWorker) retry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Str("op", what).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := fn(context.Background()); err != nil {
					return fmt.Errorf("final %s on shutdown failed: %w", what, err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Str("op", what).Int("retries", attempt).Msg("persistence recovered")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Str("op", what).Msg("persistence attempt failed")
	}
}

func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	err := pw.retry(ctx, "flush", func(ctx context.Context) error {
		return pw.flush(ctx, batch)
	})
	if err != nil {
		return err
	}
	for _, out := range batch {
		pw.forward(out)
	}
	return nil
}

func (pw *PersistenceWorker) truncateWithRetry(ctx context.Context, height int64) error {
	return pw.retry(ctx, "truncate", func(ctx context.Context) error {
		tx, err := pw.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := pw.writer.TruncateFrom(ctx, tx, height); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// forward hands a persisted output to the outbound publisher, dropping it
// when the publisher is behind.
func (pw *PersistenceWorker) forward(out core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	select {
	case pw.publishChan <- out:
	default:
		if pw.metrics != nil {
			pw.metrics.PublishDrops.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	var (
		blocks     []BlockRow
		journals   []JournalRow
		rejections []RejectionRow
		applied    []IdempotencyRow
	)
	for _, out := range batch {
		rows := RowsFromOutput(out)
		blocks = append(blocks, rows.Block)
		journals = append(journals, rows.Journals...)
		rejections = append(rejections, rows.Rejections...)
		applied = append(applied, rows.Applied...)
	}

	// One transaction per batch
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteBlockBatch(ctx, tx, blocks); err != nil {
		pw.recordError("write_blocks")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}
	if err := pw.writer.WriteRejectionBatch(ctx, tx, rejections); err != nil {
		pw.recordError("write_rejections")
		return err
	}
	if err := pw.writer.WriteIdempotencyBatch(ctx, tx, applied); err != nil {
		pw.recordError("write_idempotency")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(blocks)))
		pw.metrics.PersistBlocksWritten.Add(float64(len(blocks)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastHeight.Set(float64(blocks[len(blocks)-1].Height))
	}
	return nil
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
