package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-block-writer/internal/watcher"
)

// ErrUnknownPartition is returned when fetching a partition the source does not serve.
var ErrUnknownPartition = errors.New("unknown partition")

const defaultPoll = time.Second

// FileSource reads newline-delimited messages from one file per partition,
// named partition-<n>.log, or partition-<n>.log.zst when zstd-compressed.
type FileSource struct {
	dir    string
	follow bool
	poll   time.Duration
	order  []int
	parts  map[int]*filePartition
	watch  *watcher.Watcher
	cancel context.CancelFunc
}

type filePartition struct {
	path       string
	file       *os.File
	zr         *zstd.Decoder
	r          *bufio.Reader
	compressed bool
	offset     int64
	committed  int64
	pending    string
}

// PartitionFile returns the uncompressed file name for a partition.
func PartitionFile(partition int) string {
	return fmt.Sprintf("partition-%d.log", partition)
}

// NewFileSource opens the partition files in cfg.Dir.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid source dir %s: %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", cfg.Dir)
	}

	partitions := slices.Clone(cfg.Partitions)
	if len(partitions) == 0 {
		partitions, err = discoverPartitions(cfg.Dir)
		if err != nil {
			return nil, err
		}
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("no partition files found in %s", cfg.Dir)
	}
	slices.Sort(partitions)

	s := &FileSource{
		dir:    cfg.Dir,
		follow: cfg.Follow,
		poll:   cfg.Poll,
		order:  partitions,
		parts:  make(map[int]*filePartition, len(partitions)),
	}
	if s.poll <= 0 {
		s.poll = defaultPoll
	}

	for _, n := range partitions {
		p, err := openPartition(cfg.Dir, n)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.parts[n] = p
	}

	if s.follow {
		w, err := watcher.New(cfg.Dir)
		if err != nil {
			s.Close()
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.watch, s.cancel = w, cancel
		go w.Run(ctx)
	}
	return s, nil
}

func discoverPartitions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir %s: %w", dir, err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".zst")
		if !strings.HasPrefix(name, "partition-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, "partition-%d.log", &n); err != nil {
			continue
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func openPartition(dir string, n int) (*filePartition, error) {
	plain := filepath.Join(dir, PartitionFile(n))
	path, compressed := plain, false
	if _, err := os.Stat(plain); errors.Is(err, os.ErrNotExist) {
		path, compressed = plain+".zst", true
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition %d: %w", n, err)
	}
	p := &filePartition{path: path, file: f, compressed: compressed}
	if compressed {
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd decoder for %s: %w", path, err)
		}
		p.zr = zr
		p.r = bufio.NewReader(zr)
	} else {
		p.r = bufio.NewReader(f)
	}
	return p, nil
}

// Partitions implements Source.
func (s *FileSource) Partitions() []int {
	return slices.Clone(s.order)
}

// Fetch implements Source. Trailing "\r\n" or "\n" is stripped from each line.
func (s *FileSource) Fetch(ctx context.Context, partition, max int) ([]Message, error) {
	p, ok := s.parts[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}
	if max <= 0 {
		max = 1
	}

	var out []Message
	for len(out) < max {
		line, err := p.r.ReadString('\n')
		if err == nil {
			out = append(out, p.next(partition, p.pending+line))
			p.pending = ""
			continue
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", p.path, err)
		}

		if !s.follow || p.compressed {
			if rest := p.pending + line; rest != "" {
				out = append(out, p.next(partition, rest))
				p.pending = ""
			}
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}

		// Keep a partial line until the writer finishes it.
		p.pending += line
		if len(out) > 0 {
			return out, nil
		}
		if err := s.wait(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *FileSource) wait(ctx context.Context, p *filePartition) error {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.watch.Changed(p.path):
	case <-timer.C:
	}
	return nil
}

func (p *filePartition) next(partition int, line string) Message {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	m := Message{Partition: partition, Offset: p.offset, Value: line}
	p.offset++
	return m
}

// Commit implements Source.
func (s *FileSource) Commit(ctx context.Context, partition int, msgs []Message) error {
	p, ok := s.parts[partition]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}
	if len(msgs) > 0 {
		p.committed = msgs[len(msgs)-1].Offset + 1
	}
	return nil
}

// Committed implements Source. For files the offset is the line count.
func (s *FileSource) Committed(partition int) int64 {
	if p, ok := s.parts[partition]; ok {
		return p.committed
	}
	return 0
}

// Close releases all files.
func (s *FileSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watch != nil {
		s.watch.Close()
	}
	var errs []error
	for _, p := range s.parts {
		if p.zr != nil {
			p.zr.Close()
		}
		if err := p.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Source = (*FileSource)(nil)
