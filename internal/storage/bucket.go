package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketStore emulates block blobs on any gocloud.dev bucket. Staged blocks
// are kept as separate objects until a commit promotes them to uniquely keyed
// committed objects. The JSON block list maps each committed id to its object
// and is the only thing a commit overwrites, so a commit is a single object
// write and a failed one leaves the previous list intact. Blob content is the
// concatenation of the listed objects and is assembled only on read.
type BucketStore struct {
	bucket *blob.Bucket
	prefix string
}

type blockList struct {
	Blocks []listedBlock `json:"blocks"`
}

type listedBlock struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// NewBucketStore opens the bucket at bucketURL. Blobs are written under
// container, which may be empty.
func NewBucketStore(ctx context.Context, bucketURL, container string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBucketStoreFromBucket(bucket, container), nil
}

// NewBucketStoreFromBucket wraps an open bucket.
func NewBucketStoreFromBucket(bucket *blob.Bucket, container string) *BucketStore {
	prefix := strings.Trim(container, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &BucketStore{bucket: bucket, prefix: prefix}
}

func (s *BucketStore) stagedKey(blobName, blockID string) string {
	return s.prefix + blobName + ".staged/" + hex.EncodeToString([]byte(blockID))
}

func (s *BucketStore) committedKey(blobName, blockID string) string {
	return s.prefix + blobName + ".blocks/" + hex.EncodeToString([]byte(blockID)) + "-" + uuid.NewString()
}

func (s *BucketStore) listKey(blobName string) string {
	return s.prefix + blobName + ".blocklist"
}

// StageBlock writes the block as uncommitted, replacing earlier staged content.
// Committed content under the same id is untouched until the next commit.
func (s *BucketStore) StageBlock(ctx context.Context, blobName, blockID string, data []byte) error {
	key := s.stagedKey(blobName, blockID)
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write block %s: %w", key, err)
	}
	return nil
}

// CommitBlockList makes the blob consist of the listed blocks. A staged
// block wins over a committed one with the same id; an id that is neither
// staged nor committed is an error.
func (s *BucketStore) CommitBlockList(ctx context.Context, blobName string, blockIDs []string) error {
	prev, err := s.readList(ctx, blobName)
	if err != nil {
		return err
	}
	current := make(map[string]string, len(prev.Blocks))
	for _, b := range prev.Blocks {
		current[b.ID] = b.Key
	}

	staged, err := s.stagedKeys(ctx, blobName)
	if err != nil {
		return err
	}

	var next blockList
	var promoted []string
	kept := make(map[string]bool, len(blockIDs))
	for _, id := range blockIDs {
		stagedKey := s.stagedKey(blobName, id)
		switch key, committed := current[id]; {
		case staged[stagedKey]:
			dst := s.committedKey(blobName, id)
			if err := s.bucket.Copy(ctx, dst, stagedKey, nil); err != nil {
				return fmt.Errorf("promote block %s: %w", stagedKey, err)
			}
			next.Blocks = append(next.Blocks, listedBlock{ID: id, Key: dst})
			promoted = append(promoted, stagedKey)
			kept[dst] = true
		case committed:
			next.Blocks = append(next.Blocks, listedBlock{ID: id, Key: key})
			kept[key] = true
		default:
			return fmt.Errorf("commit %s: block %q is neither staged nor committed", blobName, id)
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal block list: %w", err)
	}
	listKey := s.listKey(blobName)
	if err := s.bucket.WriteAll(ctx, listKey, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write block list %s: %w", listKey, err)
	}

	// The list is committed; what follows only removes unreferenced objects.
	for _, key := range promoted {
		s.bucket.Delete(ctx, key)
	}
	for _, b := range prev.Blocks {
		if !kept[b.Key] {
			s.bucket.Delete(ctx, b.Key)
		}
	}
	return nil
}

// stagedKeys lists the blob's uncommitted block objects.
func (s *BucketStore) stagedKeys(ctx context.Context, blobName string) (map[string]bool, error) {
	keys := make(map[string]bool)
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + blobName + ".staged/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list staged blocks of %s: %w", blobName, err)
		}
		keys[obj.Key] = true
	}
}

func (s *BucketStore) readList(ctx context.Context, blobName string) (blockList, error) {
	key := s.listKey(blobName)
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return blockList{}, nil
	}
	if err != nil {
		return blockList{}, fmt.Errorf("read block list %s: %w", key, err)
	}
	var l blockList
	if err := json.Unmarshal(data, &l); err != nil {
		return blockList{}, fmt.Errorf("parse block list %s: %w", key, err)
	}
	return l, nil
}

// CommittedBlocks returns the ids of the recorded block list.
func (s *BucketStore) CommittedBlocks(ctx context.Context, blobName string) ([]string, error) {
	l, err := s.readList(ctx, blobName)
	if err != nil || len(l.Blocks) == 0 {
		return nil, err
	}
	ids := make([]string, len(l.Blocks))
	for n, b := range l.Blocks {
		ids[n] = b.ID
	}
	return ids, nil
}

// ReadBlob returns the committed content of blobName.
func (s *BucketStore) ReadBlob(ctx context.Context, blobName string) ([]byte, error) {
	l, err := s.readList(ctx, blobName)
	if err != nil {
		return nil, err
	}
	if len(l.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, blobName)
	}
	var content bytes.Buffer
	for _, b := range l.Blocks {
		data, err := s.bucket.ReadAll(ctx, b.Key)
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", b.Key, err)
		}
		content.Write(data)
	}
	return content.Bytes(), nil
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ BlobStore = (*BucketStore)(nil)
