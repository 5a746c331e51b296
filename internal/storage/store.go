package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned for an unrecognized storage backend.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// ErrBlobNotFound is returned when reading a blob with no committed blocks.
var ErrBlobNotFound = errors.New("storage: blob not found")

// BlobStore abstracts append-only block blobs.
type BlobStore interface {
	// StageBlock uploads data under blockID as an uncommitted block of the blob,
	// replacing any content previously staged under the same id.
	StageBlock(ctx context.Context, blobName, blockID string, data []byte) error

	// CommitBlockList makes the blob consist of exactly the given blocks, in order.
	CommitBlockList(ctx context.Context, blobName string, blockIDs []string) error

	// CommittedBlocks returns the blob's committed block ids in order, or nil
	// if the blob does not exist yet.
	CommittedBlocks(ctx context.Context, blobName string) ([]string, error)

	// ReadBlob returns the concatenated content of the committed blocks.
	ReadBlob(ctx context.Context, blobName string) ([]byte, error)

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "azure" | "bucket"

	// Container (Azure) or key prefix (bucket) the blobs are written under.
	Container string

	// ContainerSuffix appends the process start time to Container so a cold
	// start writes into a fresh container. Required when recovery records are
	// reset on start.
	ContainerSuffix bool

	// Azure block blobs
	AzureConnectionString string
	AzureAccountName      string
	AzureAccountKey       string

	// gocloud.dev bucket URL: file:///path, mem://, s3://bucket, gs://bucket
	BucketURL string
}

// ContainerSuffixLayout is the time layout of the container suffix.
const ContainerSuffixLayout = "-2006-01-02-15-04-05"

// ContainerName returns the container name for a run started at start.
func (c StorageConfig) ContainerName(start time.Time) string {
	if !c.ContainerSuffix {
		return c.Container
	}
	return c.Container + start.Format(ContainerSuffixLayout)
}

// NewBlobStore creates a storage backend based on configuration.
func NewBlobStore(ctx context.Context, cfg StorageConfig, start time.Time) (BlobStore, error) {
	container := cfg.ContainerName(start)
	switch cfg.Backend {
	case "azure":
		conn := cfg.AzureConnectionString
		if conn == "" {
			if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" {
				return nil, fmt.Errorf("azure connection string or account name and key required for azure backend")
			}
			conn = AzureConnectionString(cfg.AzureAccountName, cfg.AzureAccountKey)
		}
		if container == "" {
			return nil, fmt.Errorf("container required for azure backend")
		}
		return NewAzureStore(ctx, conn, container)
	case "bucket":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("bucket URL required for bucket backend")
		}
		return NewBucketStore(ctx, cfg.BucketURL, container)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// EncodeBlockID converts a formatted block name into the opaque id the
// backends expect.
func EncodeBlockID(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}
