package backend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates an Azure Blob client. A connection string takes
// precedence, then managed identity, then DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) blockBlob(containerName, blobName string) *blockblob.Client {
	return c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
}

func (c *realAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := c.blockBlob(containerName, blobName).StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) UncommittedBlocks(ctx context.Context, containerName, blobName string) ([]AzureBlock, error) {
	resp, err := c.blockBlob(containerName, blobName).GetBlockList(ctx, blockblob.BlockListTypeUncommitted, nil)
	if err != nil {
		return nil, err
	}
	out := make([]AzureBlock, 0, len(resp.UncommittedBlocks))
	for _, blk := range resp.UncommittedBlocks {
		if blk == nil || blk.Name == nil {
			continue
		}
		var size int64
		if blk.Size != nil {
			size = *blk.Size
		}
		out = append(out, AzureBlock{ID: *blk.Name, Size: size})
	}
	return out, nil
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) (string, error) {
	resp, err := c.blockBlob(containerName, blobName).CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{})
	if err != nil {
		return "", err
	}
	if resp.ETag != nil {
		return string(*resp.ETag), nil
	}
	return "", nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}
