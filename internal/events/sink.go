package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes events to a topic keyed by device id.
type KafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink creates a writer for topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required")
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		v, err := Encode(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.ID), Value: v})
	}
	return s.w.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.w.Close() }

// FileSink appends events as lines to partition-<n>.log files, choosing the
// partition from a hash of the device id.
type FileSink struct {
	files []*os.File
	bufs  []*bufio.Writer
}

// NewFileSink opens (or creates) partitions files in dir.
func NewFileSink(dir string, partitions int) (*FileSink, error) {
	if partitions < 1 {
		partitions = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	s := &FileSink{}
	for p := 0; p < partitions; p++ {
		path := filepath.Join(dir, fmt.Sprintf("partition-%d.log", p))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		s.files = append(s.files, f)
		s.bufs = append(s.bufs, bufio.NewWriter(f))
	}
	return s, nil
}

// PartitionFor returns the partition an id is written to.
func (s *FileSink) PartitionFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(s.files)))
}

// Send implements Sink. Each call is flushed before returning.
func (s *FileSink) Send(_ context.Context, events []Event) error {
	for _, e := range events {
		v, err := Encode(e)
		if err != nil {
			return err
		}
		w := s.bufs[s.PartitionFor(e.ID)]
		w.Write(v)
		w.WriteByte('\n')
	}
	for _, w := range s.bufs {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes all files.
func (s *FileSink) Close() error {
	var errs []error
	for n, f := range s.files {
		if n < len(s.bufs) {
			if err := s.bufs[n].Flush(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
