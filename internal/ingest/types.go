package ingest

import (
	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
)

// Config controls batching and retries.
type Config struct {
	BatchSize    int // max messages per batch
	BackoffMs    int // first retry delay
	MaxBackoffMs int // retry delay cap
	MaxAttempts  int // attempts per batch before the worker fails; 0 = unlimited

	// ResetOnStart clears each partition's recovery record before its first
	// batch and numbers batches from 1. Otherwise numbering continues after
	// the persisted transaction id.
	ResetOnStart bool

	Limits           block.Limits
	Naming           block.Naming
	Keys             checkpoint.KeyFormats
	BatchLabelFormat string
}

// PartitionStats counts one partition's work during a run.
type PartitionStats struct {
	Partition int
	Batches   int64
	Messages  int64
	Dropped   int64
	Retries   int64
	LastTxid  int64
	LastBlock block.Pointer

	// SourceOffset follows the last message acknowledged to the source.
	SourceOffset int64
}
