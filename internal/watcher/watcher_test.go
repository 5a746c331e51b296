package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestChangedOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partition-0.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	changed := w.Changed(path)
	other := w.Changed("partition-1.log")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("hello\n")
	f.Close()

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for written file")
	}

	select {
	case <-other:
		t.Error("notification for untouched file")
	default:
	}
}

func TestNewMissingDir(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}
