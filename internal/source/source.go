package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one text message read from a partition.
type Message struct {
	Partition int
	Offset    int64
	Value     string
}

// Source delivers messages per partition. Each partition is read by a
// single goroutine; different partitions may be read concurrently.
type Source interface {
	// Partitions returns the partition indexes this source serves.
	Partitions() []int

	// Fetch returns up to max messages following the last fetched one.
	// It blocks until at least one message is available and returns io.EOF
	// when the partition is exhausted.
	Fetch(ctx context.Context, partition, max int) ([]Message, error)

	// Commit acknowledges msgs as durably processed.
	Commit(ctx context.Context, partition int, msgs []Message) error

	// Committed returns the offset following the last acknowledged message.
	Committed(partition int) int64

	Close() error
}

// SourceConfig selects and configures a source.
type SourceConfig struct {
	Backend string // "file" | "kafka"
	File    FileConfig
	Kafka   KafkaConfig
}

// ErrInvalidSourceMode is returned for an unrecognized backend.
var ErrInvalidSourceMode = errors.New("invalid source mode")

// FileConfig configures the file source.
type FileConfig struct {
	Dir        string
	Partitions []int         // empty discovers partition files in Dir
	Follow     bool          // wait for appended lines instead of returning io.EOF
	Poll       time.Duration // fallback poll interval while following
}

// KafkaConfig configures the Kafka source.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Partitions   []int // empty reads every partition of Topic
	StartOffset  string
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	BatchTimeout time.Duration // how long to wait for a batch to fill once started
}

// New constructs a message source based on the configured backend.
func New(ctx context.Context, cfg SourceConfig) (Source, error) {
	switch cfg.Backend {
	case "file":
		return NewFileSource(cfg.File)
	case "kafka":
		return NewKafkaSource(ctx, cfg.Kafka)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceMode, cfg.Backend)
	}
}
