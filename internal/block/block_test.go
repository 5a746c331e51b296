package block

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type recordingUploader struct {
	blob, id string
	data     []byte
	err      error
}

func (r *recordingUploader) Upload(_ context.Context, blobName, blockID string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.blob, r.id = blobName, blockID
	r.data = append([]byte(nil), data...)
	return nil
}

func TestLimitsNormalize(t *testing.T) {
	tests := []struct {
		in   Limits
		want Limits
	}{
		{Limits{}, Limits{MaxBlockBytes, MaxBlocksPerBlob}},
		{Limits{-1, -1}, Limits{MaxBlockBytes, MaxBlocksPerBlob}},
		{Limits{100, 3}, Limits{100, 3}},
		{Limits{MaxBlockBytes + 1, MaxBlocksPerBlob + 1}, Limits{MaxBlockBytes, MaxBlocksPerBlob}},
		{Limits{MaxBlockBytes, MaxBlocksPerBlob}, Limits{MaxBlockBytes, MaxBlocksPerBlob}},
	}
	for _, tt := range tests {
		if got := tt.in.Normalize(); got != tt.want {
			t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLimitsNext(t *testing.T) {
	l := Limits{MaxBlockBytes: 100, MaxBlocksPerBlob: 3}
	tests := []struct {
		in, want Pointer
	}{
		{Pointer{1, 1}, Pointer{1, 2}},
		{Pointer{1, 2}, Pointer{1, 3}},
		{Pointer{1, 3}, Pointer{2, 1}},
		{Pointer{7, 3}, Pointer{8, 1}},
	}
	for _, tt := range tests {
		if got := l.Next(tt.in); got != tt.want {
			t.Errorf("Next(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBlockFitsBoundary(t *testing.T) {
	b := New(First, 10)
	if err := b.Append([]byte("123456")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !b.Fits([]byte("1234")) {
		t.Error("exactly the remaining capacity should fit")
	}
	if b.Fits([]byte("12345")) {
		t.Error("one byte over the remaining capacity should not fit")
	}
	if err := b.Append([]byte("12345")); !errors.Is(err, ErrBlockFull) {
		t.Errorf("Append over capacity = %v, want ErrBlockFull", err)
	}
	if err := b.Append([]byte("1234")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if b.Len() != 10 {
		t.Errorf("Len = %d, want 10", b.Len())
	}
}

func TestBlockUpload(t *testing.T) {
	b := New(Pointer{Blob: 2, Block: 7}, 100)
	if err := b.Append(Frame("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	failing := &recordingUploader{err: errors.New("boom")}
	if err := b.Upload(context.Background(), 3, DefaultNaming(), failing); err == nil {
		t.Fatal("expected upload error")
	}
	if b.Uploaded() {
		t.Fatal("block must not be marked uploaded after a failure")
	}

	up := &recordingUploader{}
	if err := b.Upload(context.Background(), 3, DefaultNaming(), up); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if up.blob != "partition_00003/blob_00002" {
		t.Errorf("blob = %q", up.blob)
	}
	if up.id != "00007" {
		t.Errorf("block id = %q", up.id)
	}
	if string(up.data) != "hello\r\n" {
		t.Errorf("data = %q", up.data)
	}
	if !b.Uploaded() {
		t.Error("block should be marked uploaded")
	}
	if err := b.Append([]byte("x")); !errors.Is(err, ErrUploaded) {
		t.Errorf("Append after upload = %v, want ErrUploaded", err)
	}
}

func TestPointerRoundTrip(t *testing.T) {
	n := DefaultNaming()
	for _, p := range []Pointer{{1, 1}, {12, 50000}, {123456, 3}} {
		s := n.FormatPointer(p)
		got, err := n.ParsePointer(s)
		if err != nil {
			t.Fatalf("ParsePointer(%q): %v", s, err)
		}
		if got != p {
			t.Errorf("ParsePointer(%q) = %v, want %v", s, got, p)
		}
	}
	if s := n.FormatPointer(Pointer{1, 3}); s != "00001_00003" {
		t.Errorf("FormatPointer = %q", s)
	}
}

func TestParsePointerMalformed(t *testing.T) {
	n := DefaultNaming()
	for _, s := range []string{"", "abc", "00001", "00000_00001", "x_y", "00001_00003junk", "1_3", "00001_00003 "} {
		if _, err := n.ParsePointer(s); !errors.Is(err, ErrMalformedPointer) {
			t.Errorf("ParsePointer(%q) = %v, want ErrMalformedPointer", s, err)
		}
	}
}

func TestCustomTemplates(t *testing.T) {
	n := Naming{BlobName: "p%d-b%d.log", BlockID: "blk-%08d", Pointer: "%d/%d"}
	if got := n.Blob(4, 2); got != "p4-b2.log" {
		t.Errorf("Blob = %q", got)
	}
	if got := n.BlockName(9); !strings.HasPrefix(got, "blk-0000000") {
		t.Errorf("BlockName = %q", got)
	}
	p, err := n.ParsePointer(n.FormatPointer(Pointer{3, 4}))
	if err != nil || p != (Pointer{3, 4}) {
		t.Errorf("round trip = %v, %v", p, err)
	}
}
