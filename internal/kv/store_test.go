package kv

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// exerciseStore runs the behaviour every backend must provide.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	values := map[string]string{
		"partition_00001_transactionid": "5",
		"partition_00001_firstblock":    "00001_00001",
		"partition_00001_lastblock":     "00001_00003",
	}
	if err := s.SetAll(ctx, values); err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	for k, want := range values {
		got, ok, err := s.Get(ctx, k)
		if err != nil || !ok {
			t.Fatalf("Get(%s) = ok=%v err=%v", k, ok, err)
		}
		if got != want {
			t.Errorf("Get(%s) = %q, want %q", k, got, want)
		}
	}

	if err := s.SetAll(ctx, map[string]string{"partition_00001_transactionid": "6"}); err != nil {
		t.Fatalf("SetAll overwrite: %v", err)
	}
	if got, _, _ := s.Get(ctx, "partition_00001_transactionid"); got != "6" {
		t.Errorf("overwritten value = %q, want 6", got)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if err := s.DeleteAll(ctx, keys...); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	for _, k := range keys {
		if _, ok, err := s.Get(ctx, k); err != nil || ok {
			t.Errorf("Get(%s) after delete = ok=%v err=%v", k, ok, err)
		}
	}

	if err := s.DeleteAll(ctx, "never-set"); err != nil {
		t.Errorf("DeleteAll(absent key): %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPebbleStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	exerciseStore(t, s)

	if err := s.SetAll(context.Background(), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, ok, err := reopened.Get(context.Background(), "k"); err != nil || !ok || v != "v" {
		t.Errorf("value after reopen = %q ok=%v err=%v", v, ok, err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("BLOCKWRITER_TEST_REDIS")
	if addr == "" {
		t.Skip("BLOCKWRITER_TEST_REDIS not set")
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BLOCKWRITER_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("BLOCKWRITER_TEST_POSTGRES not set")
	}
	s, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: dsn, Table: "block_writer_state_test"})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open(etcd) = %v, want ErrUnknownBackend", err)
	}
}

func TestOpenRequiresSettings(t *testing.T) {
	for _, backend := range []string{"redis", "pebble", "postgres"} {
		if _, err := Open(context.Background(), Config{Backend: backend}); err == nil {
			t.Errorf("Open(%s) without settings should fail", backend)
		}
	}
}

func TestPostgresRejectsBadTableName(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: "postgres://localhost/x", Table: "bad;table"})
	if err == nil {
		t.Fatal("expected table name validation error")
	}
}
