// Package block models the size-bounded buffers that are uploaded to blob
// storage as single blocks, and the rules that sequence them.
package block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

const (
	// MaxBlockBytes is the storage backend's per-block limit.
	MaxBlockBytes = 4 * 1024 * 1024

	// MaxBlocksPerBlob is the storage backend's per-blob block count limit.
	MaxBlocksPerBlob = 50000

	// Delimiter is appended to every accepted message.
	Delimiter = "\r\n"
)

// ErrBlockFull is returned when appending would exceed the block size limit.
var ErrBlockFull = errors.New("block: message does not fit")

// ErrUploaded is returned when appending to a block that was already uploaded.
var ErrUploaded = errors.New("block: already uploaded")

// Limits bounds block size and the number of blocks per blob.
type Limits struct {
	MaxBlockBytes    int
	MaxBlocksPerBlob int
}

// DefaultLimits returns the backend maximums.
func DefaultLimits() Limits {
	return Limits{MaxBlockBytes: MaxBlockBytes, MaxBlocksPerBlob: MaxBlocksPerBlob}
}

// Normalize replaces unset values with defaults and clamps values above the
// backend maximums.
func (l Limits) Normalize() Limits {
	if l.MaxBlockBytes <= 0 {
		l.MaxBlockBytes = MaxBlockBytes
	}
	if l.MaxBlockBytes > MaxBlockBytes {
		l.MaxBlockBytes = MaxBlockBytes
	}
	if l.MaxBlocksPerBlob <= 0 {
		l.MaxBlocksPerBlob = MaxBlocksPerBlob
	}
	if l.MaxBlocksPerBlob > MaxBlocksPerBlob {
		l.MaxBlocksPerBlob = MaxBlocksPerBlob
	}
	return l
}

// Next returns the block that follows p.
func (l Limits) Next(p Pointer) Pointer {
	if p.Block < l.MaxBlocksPerBlob {
		return Pointer{Blob: p.Blob, Block: p.Block + 1}
	}
	return Pointer{Blob: p.Blob + 1, Block: 1}
}

// Accepts reports whether a framed message of n bytes can fit any block.
func (l Limits) Accepts(n int) bool {
	return n <= l.MaxBlockBytes
}

// Frame returns the bytes stored for msg.
func Frame(msg string) []byte {
	out := make([]byte, 0, len(msg)+len(Delimiter))
	out = append(out, msg...)
	return append(out, Delimiter...)
}

// Uploader stages a block's bytes in blob storage.
type Uploader interface {
	Upload(ctx context.Context, blobName, blockID string, data []byte) error
}

// Block is an in-memory buffer for one storage block.
type Block struct {
	Pointer

	max      int
	buf      bytes.Buffer
	uploaded bool
}

// New allocates an empty block at p bounded by maxBytes.
func New(p Pointer, maxBytes int) *Block {
	return &Block{Pointer: p, max: maxBytes}
}

// Len returns the number of bytes accumulated so far.
func (b *Block) Len() int { return b.buf.Len() }

// Bytes returns the accumulated payload.
func (b *Block) Bytes() []byte { return b.buf.Bytes() }

// Uploaded reports whether Upload has succeeded.
func (b *Block) Uploaded() bool { return b.uploaded }

// Fits reports whether data can be appended without exceeding the limit.
func (b *Block) Fits(data []byte) bool {
	return b.buf.Len()+len(data) <= b.max
}

// Append adds data to the block.
func (b *Block) Append(data []byte) error {
	if b.uploaded {
		return ErrUploaded
	}
	if !b.Fits(data) {
		return ErrBlockFull
	}
	b.buf.Write(data)
	return nil
}

// Upload stages the block under its blob and block names. The block is only
// marked uploaded when the uploader succeeds; re-uploading the same id
// overwrites the previously staged content.
func (b *Block) Upload(ctx context.Context, partition int, n Naming, up Uploader) error {
	blobName := n.Blob(partition, b.Blob)
	blockID := n.BlockName(b.Block)
	if err := up.Upload(ctx, blobName, blockID, b.buf.Bytes()); err != nil {
		return fmt.Errorf("upload block %s of %s: %w", blockID, blobName, err)
	}
	b.uploaded = true
	return nil
}
