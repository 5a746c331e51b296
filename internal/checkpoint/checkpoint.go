package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
)

var (
	// ErrNoCheckpoint is returned when no recovery record exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrInconsistent is returned when a recovery record exists but one of its
	// fields is missing or cannot be parsed.
	ErrInconsistent = errors.New("inconsistent checkpoint")
)

// Default key templates, each taking the partition index.
const (
	DefaultTxidKeyFormat       = "partition_%05d_transactionid"
	DefaultFirstBlockKeyFormat = "partition_%05d_firstblock"
	DefaultLastBlockKeyFormat  = "partition_%05d_lastblock"
)

// KeyFormats are the templates the three record keys are derived from.
type KeyFormats struct {
	Txid       string
	FirstBlock string
	LastBlock  string
}

// DefaultKeyFormats returns the default key templates.
func DefaultKeyFormats() KeyFormats {
	return KeyFormats{
		Txid:       DefaultTxidKeyFormat,
		FirstBlock: DefaultFirstBlockKeyFormat,
		LastBlock:  DefaultLastBlockKeyFormat,
	}
}

// WithDefaults fills empty templates.
func (f KeyFormats) WithDefaults() KeyFormats {
	d := DefaultKeyFormats()
	if f.Txid == "" {
		f.Txid = d.Txid
	}
	if f.FirstBlock == "" {
		f.FirstBlock = d.FirstBlock
	}
	if f.LastBlock == "" {
		f.LastBlock = d.LastBlock
	}
	return f
}

// Keys are the store keys of one partition's recovery record.
type Keys struct {
	Txid       string
	FirstBlock string
	LastBlock  string
}

// KeysFor derives the keys for a partition.
func (f KeyFormats) KeysFor(partition int) Keys {
	return Keys{
		Txid:       fmt.Sprintf(f.Txid, partition),
		FirstBlock: fmt.Sprintf(f.FirstBlock, partition),
		LastBlock:  fmt.Sprintf(f.LastBlock, partition),
	}
}

// All returns the three keys.
func (k Keys) All() []string {
	return []string{k.Txid, k.FirstBlock, k.LastBlock}
}

// Record is a partition's recovery record.
type Record struct {
	// Txid is the most recently attempted transaction.
	Txid int64
	// FirstBlock is the block that was current when that attempt started.
	FirstBlock block.Pointer
	// LastBlock is the block that was current when the last persisted attempt ended.
	LastBlock block.Pointer
}

// Manager reads and writes one partition's recovery record.
type Manager struct {
	store  kv.Store
	keys   Keys
	naming block.Naming
	log    *slog.Logger
}

// NewManager creates a manager for the given keys. log receives per-call
// detail and may be a discarding logger.
func NewManager(store kv.Store, keys Keys, naming block.Naming, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{store: store, keys: keys, naming: naming, log: log}
}

// Keys returns the record keys.
func (m *Manager) Keys() Keys { return m.keys }

// LastTxid returns the last attempted transaction id. ok is false when no
// record exists.
func (m *Manager) LastTxid(ctx context.Context) (txid int64, ok bool, err error) {
	v, ok, err := m.store.Get(ctx, m.keys.Txid)
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", m.keys.Txid, err)
	}
	m.log.Debug("get", "key", m.keys.Txid, "value", v, "found", ok)
	if !ok {
		return 0, false, nil
	}
	txid, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s is %q", ErrInconsistent, m.keys.Txid, v)
	}
	return txid, true, nil
}

// FirstBlock returns the persisted first block pointer.
func (m *Manager) FirstBlock(ctx context.Context) (block.Pointer, error) {
	return m.pointer(ctx, m.keys.FirstBlock)
}

// LastBlock returns the persisted last block pointer.
func (m *Manager) LastBlock(ctx context.Context) (block.Pointer, error) {
	return m.pointer(ctx, m.keys.LastBlock)
}

func (m *Manager) pointer(ctx context.Context, key string) (block.Pointer, error) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return block.Pointer{}, fmt.Errorf("get %s: %w", key, err)
	}
	m.log.Debug("get", "key", key, "value", v, "found", ok)
	if !ok {
		return block.Pointer{}, fmt.Errorf("%w: value for %s is missing", ErrInconsistent, key)
	}
	p, err := m.naming.ParsePointer(v)
	if err != nil {
		return block.Pointer{}, fmt.Errorf("%w: value for %s: %v", ErrInconsistent, key, err)
	}
	return p, nil
}

// Load reads the full record.
func (m *Manager) Load(ctx context.Context) (*Record, error) {
	txid, ok, err := m.LastTxid(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCheckpoint
	}
	first, err := m.FirstBlock(ctx)
	if err != nil {
		return nil, err
	}
	last, err := m.LastBlock(ctx)
	if err != nil {
		return nil, err
	}
	return &Record{Txid: txid, FirstBlock: first, LastBlock: last}, nil
}

// Save writes all three fields in one transaction.
func (m *Manager) Save(ctx context.Context, rec Record) error {
	values := map[string]string{
		m.keys.Txid:       strconv.FormatInt(rec.Txid, 10),
		m.keys.FirstBlock: m.naming.FormatPointer(rec.FirstBlock),
		m.keys.LastBlock:  m.naming.FormatPointer(rec.LastBlock),
	}
	for k, v := range values {
		m.log.Debug("set", "key", k, "value", v)
	}
	if err := m.store.SetAll(ctx, values); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear deletes all three fields in one transaction.
func (m *Manager) Clear(ctx context.Context) error {
	m.log.Debug("clear", "keys", m.keys.All())
	if err := m.store.DeleteAll(ctx, m.keys.All()...); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
