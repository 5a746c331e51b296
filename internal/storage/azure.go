package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureStore writes block blobs to an Azure Storage container.
type AzureStore struct {
	container *container.Client
	name      string
}

// AzureConnectionString builds a connection string from account credentials.
func AzureConnectionString(accountName, accountKey string) string {
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		accountName, accountKey)
}

// NewAzureStore connects to the container, creating it if it does not exist.
func NewAzureStore(ctx context.Context, connectionString, containerName string) (*AzureStore, error) {
	client, err := container.NewClientFromConnectionString(connectionString, containerName, nil)
	if err != nil {
		return nil, fmt.Errorf("create container client %s: %w", containerName, err)
	}
	if _, err := client.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("create container %s: %w", containerName, err)
	}
	return &AzureStore{container: client, name: containerName}, nil
}

// StageBlock uploads an uncommitted block.
func (s *AzureStore) StageBlock(ctx context.Context, blobName, blockID string, data []byte) error {
	bb := s.container.NewBlockBlobClient(blobName)
	if _, err := bb.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil); err != nil {
		return fmt.Errorf("stage block %s/%s: %w", s.name, blobName, err)
	}
	return nil
}

// CommitBlockList commits the given blocks, preferring uncommitted content
// for ids that exist in both lists.
func (s *AzureStore) CommitBlockList(ctx context.Context, blobName string, blockIDs []string) error {
	bb := s.container.NewBlockBlobClient(blobName)
	if _, err := bb.CommitBlockList(ctx, blockIDs, nil); err != nil {
		return fmt.Errorf("commit block list %s/%s: %w", s.name, blobName, err)
	}
	return nil
}

// CommittedBlocks lists the committed blocks of a blob.
func (s *AzureStore) CommittedBlocks(ctx context.Context, blobName string) ([]string, error) {
	bb := s.container.NewBlockBlobClient(blobName)
	resp, err := bb.GetBlockList(ctx, blockblob.BlockListTypeCommitted, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block list %s/%s: %w", s.name, blobName, err)
	}
	ids := make([]string, 0, len(resp.BlockList.CommittedBlocks))
	for _, b := range resp.BlockList.CommittedBlocks {
		if b != nil && b.Name != nil {
			ids = append(ids, *b.Name)
		}
	}
	return ids, nil
}

// ReadBlob downloads the committed blob.
func (s *AzureStore) ReadBlob(ctx context.Context, blobName string) ([]byte, error) {
	bb := s.container.NewBlockBlobClient(blobName)
	resp, err := bb.DownloadStream(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, s.name, blobName)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", s.name, blobName, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", s.name, blobName, err)
	}
	return data, nil
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (s *AzureStore) Close() error { return nil }

var _ BlobStore = (*AzureStore)(nil)
