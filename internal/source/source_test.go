package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/kafka-go"
)

func writePartition(t *testing.T, dir string, n int, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, PartitionFile(n)), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeCompressed(t *testing.T, dir string, n int, content string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, PartitionFile(n)+".zst"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func values(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Value
	}
	return out
}

func TestFileSourceFetch(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, 0, "a\nb\r\n\nc\nd")
	ctx := context.Background()

	s, err := NewFileSource(FileConfig{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Fetch(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(values(got), []string{"a", "b", ""}) {
		t.Errorf("first batch = %q", values(got))
	}
	if got[2].Offset != 2 {
		t.Errorf("offset = %d, want 2", got[2].Offset)
	}

	got, err = s.Fetch(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(values(got), []string{"c", "d"}) {
		t.Errorf("second batch = %q", values(got))
	}
	if err := s.Commit(ctx, 0, got); err != nil {
		t.Fatal(err)
	}
	if s.Committed(0) != 5 {
		t.Errorf("Committed = %d, want 5", s.Committed(0))
	}

	if _, err := s.Fetch(ctx, 0, 3); !errors.Is(err, io.EOF) {
		t.Errorf("exhausted Fetch err = %v, want io.EOF", err)
	}
	if _, err := s.Fetch(ctx, 9, 3); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("unknown partition err = %v", err)
	}
}

func TestFileSourceDiscoverAndCompressed(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, 2, "two\n")
	writeCompressed(t, dir, 0, "zero-a\nzero-b\n")
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	s, err := NewFileSource(FileConfig{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !slices.Equal(s.Partitions(), []int{0, 2}) {
		t.Fatalf("Partitions = %v", s.Partitions())
	}
	got, err := s.Fetch(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(values(got), []string{"zero-a", "zero-b"}) {
		t.Errorf("compressed batch = %q", values(got))
	}
}

func TestFileSourceFollow(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, 1, "first\npart")

	s, err := NewFileSource(FileConfig{Dir: dir, Follow: true, Poll: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := s.Fetch(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(values(got), []string{"first"}) {
		t.Fatalf("first batch = %q", values(got))
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := os.OpenFile(filepath.Join(dir, PartitionFile(1)), os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return
		}
		f.WriteString("ial\nsecond\n")
		f.Close()
	}()

	got, err = s.Fetch(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(values(got), []string{"partial", "second"}) {
		t.Errorf("followed batch = %q", values(got))
	}

	short, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	if _, err := s.Fetch(short, 1, 10); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("idle Fetch err = %v, want deadline exceeded", err)
	}
}

func TestFileSourceErrors(t *testing.T) {
	if _, err := NewFileSource(FileConfig{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing dir")
	}
	if _, err := NewFileSource(FileConfig{Dir: t.TempDir()}); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := NewFileSource(FileConfig{Dir: t.TempDir(), Partitions: []int{3}}); err == nil {
		t.Error("expected error for missing partition file")
	}
}

func TestNewInvalidBackend(t *testing.T) {
	if _, err := New(context.Background(), SourceConfig{Backend: "pigeon"}); !errors.Is(err, ErrInvalidSourceMode) {
		t.Errorf("err = %v, want ErrInvalidSourceMode", err)
	}
}

func TestKafkaConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewKafkaSource(ctx, KafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSource(ctx, KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
	if _, err := NewKafkaSource(ctx, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Partitions: []int{0}, StartOffset: "middle"}); err == nil {
		t.Error("expected error for invalid start offset")
	}

	for in, want := range map[string]int64{"": kafka.FirstOffset, "earliest": kafka.FirstOffset, "LATEST": kafka.LastOffset} {
		got, err := parseStartOffset(in)
		if err != nil || got != want {
			t.Errorf("parseStartOffset(%q) = %d, %v", in, got, err)
		}
	}
}

func TestKafkaSourcePartitions(t *testing.T) {
	s, err := NewKafkaSource(context.Background(), KafkaConfig{
		Brokers:    []string{"localhost:9092"},
		Topic:      "events",
		Partitions: []int{2, 0, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !slices.Equal(s.Partitions(), []int{0, 1, 2}) {
		t.Errorf("Partitions = %v", s.Partitions())
	}
	s.Commit(context.Background(), 1, []Message{{Partition: 1, Offset: 41}})
	if s.Committed(1) != 42 {
		t.Errorf("Committed = %d", s.Committed(1))
	}
}
