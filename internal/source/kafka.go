package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultBatchTimeout = 500 * time.Millisecond

// KafkaSource reads a topic with one reader per partition. Offsets are
// tracked in memory only.
type KafkaSource struct {
	topic   string
	order   []int
	readers map[int]*kafka.Reader
	timeout time.Duration

	mu        sync.Mutex
	committed map[int]int64
}

// NewKafkaSource creates readers for the configured partitions, discovering
// them from the first broker when none are listed.
func NewKafkaSource(ctx context.Context, cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}

	partitions := slices.Clone(cfg.Partitions)
	if len(partitions) == 0 {
		var err error
		partitions, err = topicPartitions(ctx, cfg.Brokers[0], cfg.Topic)
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(partitions)

	start, err := parseStartOffset(cfg.StartOffset)
	if err != nil {
		return nil, err
	}

	s := &KafkaSource{
		topic:     cfg.Topic,
		order:     partitions,
		readers:   make(map[int]*kafka.Reader, len(partitions)),
		timeout:   cfg.BatchTimeout,
		committed: make(map[int]int64),
	}
	if s.timeout <= 0 {
		s.timeout = defaultBatchTimeout
	}

	for _, p := range partitions {
		s.readers[p] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			Partition:   p,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: start,
		})
	}
	return s, nil
}

func topicPartitions(ctx context.Context, broker, topic string) ([]int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", broker, err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", topic, err)
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.ID)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", topic)
	}
	return out, nil
}

func parseStartOffset(v string) (int64, error) {
	switch strings.ToLower(v) {
	case "", "first", "earliest":
		return kafka.FirstOffset, nil
	case "last", "latest":
		return kafka.LastOffset, nil
	default:
		return 0, fmt.Errorf("invalid kafka start offset %q", v)
	}
}

// Partitions implements Source.
func (s *KafkaSource) Partitions() []int {
	return slices.Clone(s.order)
}

// Fetch blocks for the first message, then collects more until max is reached
// or the batch timeout passes without a new message.
func (s *KafkaSource) Fetch(ctx context.Context, partition, max int) ([]Message, error) {
	r, ok := s.readers[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}
	if max <= 0 {
		max = 1
	}

	m, err := r.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	out := []Message{fromKafka(m)}

	for len(out) < max {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		m, err := r.ReadMessage(bctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read %s/%d: %w", s.topic, partition, err)
		}
		out = append(out, fromKafka(m))
	}
	return out, nil
}

func fromKafka(m kafka.Message) Message {
	return Message{Partition: m.Partition, Offset: m.Offset, Value: string(m.Value)}
}

// Commit records the acknowledged offset.
func (s *KafkaSource) Commit(ctx context.Context, partition int, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	s.committed[partition] = msgs[len(msgs)-1].Offset + 1
	s.mu.Unlock()
	return nil
}

// Committed implements Source.
func (s *KafkaSource) Committed(partition int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[partition]
}

// Close closes all readers.
func (s *KafkaSource) Close() error {
	var errs []error
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Source = (*KafkaSource)(nil)
