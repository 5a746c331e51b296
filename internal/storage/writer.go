package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
	"github.com/withObsrvr/obsrvr-block-writer/internal/metrics"
)

// BlockWriter uploads blocks into block blobs. Staging a block and then
// committing the blob's full list with the block's id makes the upload
// idempotent: re-uploading an id replaces that block's content in place.
type BlockWriter struct {
	store   BlobStore
	metrics *metrics.Metrics
	log     *slog.Logger
	data    *slog.Logger

	mu        sync.Mutex
	committed map[string][]string // blob name -> committed ids, in order
}

// NewBlockWriter creates a writer over store. gate controls the blobwriter
// and blobwriter_data categories and may be nil.
func NewBlockWriter(store BlobStore, gate *logging.Gate, m *metrics.Metrics) *BlockWriter {
	base := logging.Component("blobwriter")
	return &BlockWriter{
		store:     store,
		metrics:   m,
		log:       gate.Logger(base, logging.CategoryBlobWriter),
		data:      gate.Logger(base, logging.CategoryBlobWriterData),
		committed: make(map[string][]string),
	}
}

// Upload stages data as blockName of blobName and commits it.
func (w *BlockWriter) Upload(ctx context.Context, blobName, blockName string, data []byte) error {
	start := time.Now()
	id := EncodeBlockID(blockName)

	ids, err := w.committedIDs(ctx, blobName)
	if err != nil {
		w.metrics.IncStorageErrors("get_block_list")
		return err
	}

	w.data.Debug("staging block", "blob", blobName, "block", blockName, "data", string(data))
	if err := w.store.StageBlock(ctx, blobName, id, data); err != nil {
		w.metrics.IncStorageErrors("stage_block")
		return err
	}

	next := ids
	if !slices.Contains(ids, id) {
		next = append(slices.Clone(ids), id)
	}
	if err := w.store.CommitBlockList(ctx, blobName, next); err != nil {
		w.metrics.IncStorageErrors("commit_block_list")
		// The commit may still have landed; the retry reads the list again.
		w.forget(blobName)
		return err
	}

	w.mu.Lock()
	w.committed[blobName] = next
	w.mu.Unlock()

	w.log.Debug("committed block",
		"blob", blobName,
		"block", blockName,
		"block_id", id,
		"bytes", len(data),
		"blocks", len(next),
		"replaced", len(next) == len(ids),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	w.metrics.ObserveUploadDuration(time.Since(start).Seconds())
	return nil
}

// committedIDs returns the cached list, fetching it on first use.
func (w *BlockWriter) committedIDs(ctx context.Context, blobName string) ([]string, error) {
	w.mu.Lock()
	ids, ok := w.committed[blobName]
	w.mu.Unlock()
	if ok {
		return ids, nil
	}

	ids, err := w.store.CommittedBlocks(ctx, blobName)
	if err != nil {
		return nil, fmt.Errorf("list committed blocks of %s: %w", blobName, err)
	}
	w.log.Debug("fetched block list", "blob", blobName, "blocks", len(ids))

	w.mu.Lock()
	w.committed[blobName] = ids
	w.mu.Unlock()
	return ids, nil
}

// forget drops the cached list for blobName so the next upload refetches it.
func (w *BlockWriter) forget(blobName string) {
	w.mu.Lock()
	delete(w.committed, blobName)
	w.mu.Unlock()
}

var _ block.Uploader = (*BlockWriter)(nil)
