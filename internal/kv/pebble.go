package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps recovery pointers in an embedded Pebble database. Multi-key
// writes are applied as a single synced batch.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens or creates a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(_ context.Context, key string) (string, bool, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	return string(val), true, nil
}

func (s *PebbleStore) SetAll(_ context.Context, values map[string]string) error {
	b := s.db.NewBatch()
	defer b.Close()
	for k, v := range values {
		if err := b.Set([]byte(k), []byte(v), nil); err != nil {
			return fmt.Errorf("pebble batch set %s: %w", k, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteAll(_ context.Context, keys ...string) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("pebble batch delete %s: %w", k, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*PebbleStore)(nil)
