package persistence

import (
	"SpotEngine/internal/core"
	"SpotEngine/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDrainTimeout bounds the final flush once the input is closed.
const DefaultDrainTimeout = 15 * time.Second

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The sequencer sends on that channel with a blocking send, so a slow worker
// stalls the sequencer instead of losing output.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *OutputWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	drainTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewOutputWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		drainTimeout: DefaultDrainTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// WithDrainTimeout sets how long the final flush may keep retrying.
func (pw *PersistenceWorker) WithDrainTimeout(d time.Duration) *PersistenceWorker {
	pw.drainTimeout = d
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns nil once the input channel is closed and
// drained, or ctx.Err() when ctx is cancelled. Either way the last batch gets
// at most drainTimeout to reach Postgres.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drain(batch)
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.drain(batch)
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					// Only a cancelled ctx ends the retries.
					pw.drain(batch)
					return ctx.Err()
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.drain(batch)
					return ctx.Err()
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drain writes what is left at shutdown, retrying for at most drainTimeout.
// A batch that still fails is logged with its sequence range and dropped.
func (pw *PersistenceWorker) drain(batch []core.CoreOutput) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pw.drainTimeout)
	defer cancel()

	if err := pw.flushWithRetry(ctx, batch); err != nil {
		pw.countError("drain_dropped")
		pw.logger.Error().
			Err(err).
			Int("outputs", len(batch)).
			Int64("first_sequence_id", batch[0].Envelope.SequenceID).
			Int64("last_sequence_id", batch[len(batch)-1].Envelope.SequenceID).
			Dur("drain_timeout", pw.drainTimeout).
			Msg("dropping unpersisted batch at shutdown")
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is done.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Error().Err(err).Int("attempt", attempt).Int("outputs", len(batch)).Dur("backoff", backoff).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, errors.Join(ctx.Err(), err))
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteBatch(ctx, tx, batch); err != nil {
		pw.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		fills := 0
		for _, o := range batch {
			fills += len(o.Fills)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
		pw.metrics.PersistFillsWritten.Add(float64(fills))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Envelope.SequenceID))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
