package ingest

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
)

// PartitionStatus is a partition's persisted recovery record.
type PartitionStatus struct {
	Partition int
	Found     bool
	Record    checkpoint.Record
	Err       error // set when the record is inconsistent
}

// Status reads the recovery records of the given partitions.
func Status(ctx context.Context, store kv.Store, keys checkpoint.KeyFormats, naming block.Naming, partitions []int) ([]PartitionStatus, error) {
	keys, naming = keys.WithDefaults(), naming.WithDefaults()
	out := make([]PartitionStatus, 0, len(partitions))
	for _, p := range partitions {
		m := checkpoint.NewManager(store, keys.KeysFor(p), naming, nil)
		rec, err := m.Load(ctx)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			out = append(out, PartitionStatus{Partition: p})
		case errors.Is(err, checkpoint.ErrInconsistent):
			out = append(out, PartitionStatus{Partition: p, Found: true, Err: err})
		case err != nil:
			return nil, err
		default:
			out = append(out, PartitionStatus{Partition: p, Found: true, Record: *rec})
		}
	}
	return out, nil
}

// Reset deletes the recovery records of the given partitions.
func Reset(ctx context.Context, store kv.Store, keys checkpoint.KeyFormats, partitions []int) error {
	keys = keys.WithDefaults()
	for _, p := range partitions {
		m := checkpoint.NewManager(store, keys.KeysFor(p), block.DefaultNaming(), nil)
		if err := m.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}
