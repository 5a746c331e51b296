package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-block-writer/internal/aggregator"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/source"
)

// maxShift bounds the backoff exponent.
const maxShift = 30

// worker owns one partition: its aggregator, its recovery record and its
// counters. Nothing in it is shared with other workers.
type worker struct {
	partition int
	cfg       Config
	src       source.Source
	state     *checkpoint.Manager
	agg       *aggregator.ByteAggregator
	log       *slog.Logger
	stats     PartitionStats
}

func (w *worker) run(ctx context.Context) error {
	txid, err := w.firstTxid(ctx)
	if err != nil {
		return err
	}
	w.log.Info("worker started", "first_txid", txid)

	for {
		msgs, err := w.src.Fetch(ctx, w.partition, w.cfg.BatchSize)
		if errors.Is(err, io.EOF) {
			w.log.Info("source exhausted", "batches", w.stats.Batches, "messages", w.stats.Messages)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("partition %d: fetch: %w", w.partition, err)
		}

		values := make([]string, len(msgs))
		for n, m := range msgs {
			values[n] = m.Value
		}

		batch, err := w.process(ctx, txid, values)
		if err != nil {
			return err
		}
		if err := w.src.Commit(ctx, w.partition, msgs); err != nil {
			return fmt.Errorf("partition %d: commit source: %w", w.partition, err)
		}

		w.stats.Batches++
		w.stats.Messages += batch.Count
		w.stats.Dropped += int64(batch.Dropped)
		w.stats.LastTxid = txid
		w.stats.LastBlock = batch.Last
		w.stats.SourceOffset = w.src.Committed(w.partition)
		w.log.Info("batch complete", "txid", txid, "message_count", batch.Count,
			"last_block", batch.Last, "source_offset", w.stats.SourceOffset)
		txid++
	}
}

// firstTxid prepares the partition and returns the id of its first batch.
func (w *worker) firstTxid(ctx context.Context) (int64, error) {
	if w.cfg.ResetOnStart {
		if err := w.agg.Prepare(ctx); err != nil {
			return 0, err
		}
		return 1, nil
	}
	last, ok, err := w.state.LastTxid(ctx)
	if err != nil {
		return 0, fmt.Errorf("partition %d: %w", w.partition, err)
	}
	if !ok {
		return 1, nil
	}
	return last + 1, nil
}

// process runs the batch until it succeeds, redelivering it with the same
// transaction id after each failed attempt.
func (w *worker) process(ctx context.Context, txid int64, values []string) (aggregator.Batch, error) {
	for attempt := 0; ; attempt++ {
		batch, err := w.agg.ProcessBatch(ctx, txid, values)
		if err == nil {
			return batch, nil
		}

		var be *aggregator.BatchError
		if !errors.As(err, &be) {
			return aggregator.Batch{}, err
		}
		if ctx.Err() != nil {
			return aggregator.Batch{}, ctx.Err()
		}
		if w.cfg.MaxAttempts > 0 && attempt+1 >= w.cfg.MaxAttempts {
			return aggregator.Batch{}, fmt.Errorf("partition %d txid %d: failed after %d attempts: %w",
				w.partition, txid, attempt+1, err)
		}

		backoff := w.backoff(attempt)
		w.log.Warn("batch failed, retrying",
			"txid", txid, "attempt", attempt+1, "op", be.Op,
			"backoff_ms", backoff.Milliseconds(), "error", be.Err)
		w.stats.Retries++

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return aggregator.Batch{}, ctx.Err()
		}
	}
}

// backoff is BackoffMs * 2^attempt, capped at MaxBackoffMs.
func (w *worker) backoff(attempt int) time.Duration {
	if attempt > maxShift {
		attempt = maxShift
	}
	ms := int64(w.cfg.BackoffMs) * (int64(1) << attempt)
	if limit := int64(w.cfg.MaxBackoffMs); ms > limit {
		ms = limit
	}
	return time.Duration(ms) * time.Millisecond
}
