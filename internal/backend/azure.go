package backend

// The Azure adapter maps a multipart upload onto Block Blob primitives:
//
//	PutPart        StageBlock on the final blob, no temp objects
//	ListPartsRaw   uncommitted block list, filtered by upload ID
//	AssembleParts  CommitBlockList
//	AbortUpload    no-op, uncommitted blocks expire after 7 days
//
// Key mapping:
//
//	Objects:  {prefix}{bucket}/{key}

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI is the subset of the Azure Blob client used by AzureAdapter.
type AzureBlobAPI interface {
	// StageBlock stages a block on a blob for a later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// UncommittedBlocks lists the staged, not yet committed blocks of a blob.
	UncommittedBlocks(ctx context.Context, containerName, blobName string) ([]AzureBlock, error)
	// CommitBlockList commits block IDs, in order, and returns the blob ETag.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) (string, error)
	// ContainerExists returns nil when the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlock is one staged block.
type AzureBlock struct {
	// ID is the base64 encoded block ID.
	ID   string
	Size int64
}

// AzureOptions configures NewAzureAdapter.
type AzureOptions struct {
	Container string
	// AccountURL is the storage account URL (https://{account}.blob.core.windows.net).
	AccountURL         string
	ConnectionString   string
	UseManagedIdentity bool
	Prefix             string
	MaxPartSize        int64
}

// AzureAdapter implements Adapter on Azure Blob Storage.
type AzureAdapter struct {
	name        string
	Container   string
	Prefix      string
	maxPartSize int64
	client      AzureBlobAPI
}

// NewAzureAdapter creates the Azure client and verifies the container exists.
func NewAzureAdapter(ctx context.Context, name string, opts AzureOptions) (*AzureAdapter, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	b := NewAzureAdapterWithClient(name, opts.Container, opts.Prefix, opts.MaxPartSize, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", opts.Container, err)
	}
	slog.Info("Azure backend initialized", "name", name, "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return b, nil
}

// NewAzureAdapterWithClient creates an AzureAdapter around an existing client.
func NewAzureAdapterWithClient(name, container, prefix string, maxPartSize int64, client AzureBlobAPI) *AzureAdapter {
	return &AzureAdapter{
		name:        name,
		Container:   container,
		Prefix:      prefix,
		maxPartSize: maxPartSize,
		client:      client,
	}
}

func (b *AzureAdapter) blobName(ref UploadRef) string {
	return b.Prefix + ref.Bucket + "/" + ref.Key
}

// blockID encodes upload ID and part number. Azure requires all block IDs
// of one blob to have the same length, hence the fixed-width part number.
func blockID(uploadID string, partNumber int) string {
	raw := fmt.Sprintf("%s:%s", uploadID, partName(partNumber))
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// parseBlockID reverses blockID. ok is false for blocks of other uploads.
func parseBlockID(id, uploadID string) (int, bool) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return 0, false
	}
	rest, found := strings.CutPrefix(string(raw), uploadID+":")
	if !found {
		return 0, false
	}
	pn, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return pn, true
}

func (b *AzureAdapter) Name() string { return b.name }

func (b *AzureAdapter) InitUpload(ctx context.Context, ref UploadRef) (string, error) {
	return "", nil
}

func (b *AzureAdapter) PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error) {
	if b.maxPartSize > 0 && size > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, size, b.maxPartSize)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", fmt.Errorf("reading part data: %w", err))
	}
	sum := md5.Sum(data)

	if err := b.client.StageBlock(ctx, b.Container, b.blobName(ref), blockID(ref.UploadID, partNumber), data); err != nil {
		return PartInfo{}, b.classify("PutPart", err)
	}
	return PartInfo{
		PartNumber:   partNumber,
		Size:         int64(len(data)),
		ETag:         fmt.Sprintf(`"%x"`, sum[:]),
		LastModified: time.Now().UTC(),
	}, nil
}

// ListPartsRaw reports staged blocks of this upload. Azure keeps no checksum
// or timestamp per block, so ETag and LastModified are left empty.
func (b *AzureAdapter) ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error) {
	blocks, err := b.client.UncommittedBlocks(ctx, b.Container, b.blobName(ref))
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil
		}
		return nil, b.classify("ListPartsRaw", err)
	}
	var out []PartInfo
	for _, blk := range blocks {
		pn, ok := parseBlockID(blk.ID, ref.UploadID)
		if !ok {
			continue
		}
		out = append(out, PartInfo{PartNumber: pn, Size: blk.Size})
	}
	return out, nil
}

// AbortUpload succeeds without contacting Azure. Uncommitted blocks cannot be
// deleted individually and are garbage collected by the service.
func (b *AzureAdapter) AbortUpload(ctx context.Context, ref UploadRef) error {
	return nil
}

func (b *AzureAdapter) AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error) {
	ids := make([]string, len(parts))
	etags := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = blockID(ref.UploadID, p.PartNumber)
		etags[i] = p.ETag
	}
	if _, err := b.client.CommitBlockList(ctx, b.Container, b.blobName(ref), ids); err != nil {
		if bloberror.HasCode(err, bloberror.InvalidBlockList, bloberror.InvalidBlockID) {
			return "", rejected(b.name, "AssembleParts", err)
		}
		return "", b.classify("AssembleParts", err)
	}
	return CompositeETag(etags), nil
}

// HealthCheck verifies that the container is accessible.
func (b *AzureAdapter) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// classify maps Azure SDK errors onto the adapter error kinds.
func (b *AzureAdapter) classify(op string, err error) error {
	if bloberror.HasCode(err, bloberror.RequestBodyTooLarge) {
		return &OpError{Backend: b.name, Op: op, Kind: ErrBackendRejected, Err: fmt.Errorf("%w: %v", ErrEntityTooLarge, err)}
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= 500 || respErr.StatusCode == 429 || respErr.StatusCode == 408 {
			return unavailable(b.name, op, err)
		}
		return rejected(b.name, op, err)
	}
	// Transport failures and timeouts.
	return unavailable(b.name, op, err)
}

var _ Adapter = (*AzureAdapter)(nil)
