// Package ingest runs one worker per source partition, feeding batches to
// the partition's aggregator and redelivering failed batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-block-writer/internal/aggregator"
	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
	"github.com/withObsrvr/obsrvr-block-writer/internal/metrics"
	"github.com/withObsrvr/obsrvr-block-writer/internal/source"
)

// Ingestor moves messages from a source into block blobs.
type Ingestor struct {
	cfg      Config
	src      source.Source
	store    kv.Store
	uploader block.Uploader
	gate     *logging.Gate
	metrics  *metrics.Metrics
	runID    string
	log      *slog.Logger

	mu      sync.Mutex
	workers []*worker
}

// New creates an ingestor. gate and m may be nil.
func New(cfg Config, src source.Source, store kv.Store, uploader block.Uploader, gate *logging.Gate, m *metrics.Metrics) *Ingestor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	if cfg.BackoffMs < 0 {
		cfg.BackoffMs = 0
	}
	if cfg.MaxBackoffMs < cfg.BackoffMs {
		cfg.MaxBackoffMs = cfg.BackoffMs
	}
	cfg.Limits = cfg.Limits.Normalize()
	cfg.Naming = cfg.Naming.WithDefaults()
	cfg.Keys = cfg.Keys.WithDefaults()

	runID := uuid.New().String()
	return &Ingestor{
		cfg:      cfg,
		src:      src,
		store:    store,
		uploader: uploader,
		gate:     gate,
		metrics:  m,
		runID:    runID,
		log:      logging.Component("ingest").With("run_id", runID),
	}
}

// RunID identifies this run in logs.
func (i *Ingestor) RunID() string { return i.runID }

// Run processes every partition until the source is exhausted or ctx is
// done. A worker that fails cancels the others. Cancellation of ctx is a
// clean shutdown and returns nil.
func (i *Ingestor) Run(ctx context.Context) error {
	partitions := i.src.Partitions()
	if len(partitions) == 0 {
		return fmt.Errorf("source has no partitions")
	}

	i.log.Info("starting", "partitions", len(partitions),
		"batch_size", i.cfg.BatchSize,
		"max_block_bytes", i.cfg.Limits.MaxBlockBytes,
		"max_blocks_per_blob", i.cfg.Limits.MaxBlocksPerBlob)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := make([]*worker, len(partitions))
	for n, p := range partitions {
		workers[n] = i.newWorker(p)
	}
	i.mu.Lock()
	i.workers = workers
	i.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				cancel()
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		i.log.Error("stopped with errors", "error", err)
		return err
	}
	i.log.Info("stopped")
	return nil
}

func (i *Ingestor) newWorker(partition int) *worker {
	log := logging.PartitionLogger(i.runID, partition)
	state := checkpoint.NewManager(i.store, i.cfg.Keys.KeysFor(partition), i.cfg.Naming,
		i.gate.Logger(log, logging.CategoryState))
	agg := aggregator.New(aggregator.Options{
		Partition:        partition,
		Limits:           i.cfg.Limits,
		Naming:           i.cfg.Naming,
		Checkpoints:      state,
		Uploader:         i.uploader,
		BatchLabelFormat: i.cfg.BatchLabelFormat,
		Gate:             i.gate,
		Logger:           log,
		Metrics:          i.metrics,
	})
	return &worker{
		partition: partition,
		cfg:       i.cfg,
		src:       i.src,
		state:     state,
		agg:       agg,
		log:       log,
		stats:     PartitionStats{Partition: partition},
	}
}

// Stats returns per-partition counters, ordered by partition. Call after Run
// returns.
func (i *Ingestor) Stats() []PartitionStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]PartitionStats, 0, len(i.workers))
	for _, w := range i.workers {
		out = append(out, w.stats)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Partition < out[b].Partition })
	return out
}
