package ledger

// Cosmos DB layout: every ledger document lives in the logical partition
// type = "upload" so that part registration can run as a transactional
// batch with a read of the upload document.
//
//	id = upload_{upload_id}                 kind = upload
//	id = part_{upload_id}_{%05d}            kind = part

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/hashicorp/go-multierror"
)

const (
	cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

	// cosmosPartition is the partition key value shared by all documents.
	cosmosPartition = "upload"

	// cosmosBatchSize is the transactional batch operation limit.
	cosmosBatchSize = 100

	// cosmosActiveCondition matches an upload document that still accepts
	// parts.
	cosmosActiveCondition = "FROM c WHERE NOT IS_DEFINED(c.state)"
)

type cosmosItem struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Kind            string `json:"kind"`
	UploadID        string `json:"upload_id"`
	Bucket          string `json:"bucket,omitempty"`
	Key             string `json:"key,omitempty"`
	Backend         string `json:"backend,omitempty"`
	BackendUploadID string `json:"backend_upload_id,omitempty"`
	InitiatedAt     string `json:"initiated_at,omitempty"`
	PartNumber      int    `json:"part_number,omitempty"`
	Size            int64  `json:"size,omitempty"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	State           string `json:"state,omitempty"`
}

// CosmosLedger implements Ledger on an Azure Cosmos DB container whose
// partition key path is /type.
type CosmosLedger struct {
	client *azcosmos.ContainerClient
	pk     azcosmos.PartitionKey
}

// NewCosmosLedger creates a container client from cfg.
func NewCosmosLedger(ctx context.Context, cfg config.CosmosConfig) (*CosmosLedger, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos master key is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosLedger{
		client: containerClient,
		pk:     azcosmos.NewPartitionKeyString(cosmosPartition),
	}, nil
}

func docIDUploadCosmos(uploadID string) string {
	return "upload_" + uploadID
}

func docIDPartCosmos(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}

func (l *CosmosLedger) Ping(ctx context.Context) error {
	_, err := l.client.Read(ctx, nil)
	return err
}

func (l *CosmosLedger) Close() error {
	return nil
}

// ---- Upload operations ----

func (l *CosmosLedger) CreateUpload(ctx context.Context, u *Upload) error {
	data, err := json.Marshal(cosmosItem{
		ID:              docIDUploadCosmos(u.UploadID),
		Type:            cosmosPartition,
		Kind:            "upload",
		UploadID:        u.UploadID,
		Bucket:          u.Bucket,
		Key:             u.Key,
		Backend:         u.Backend,
		BackendUploadID: u.BackendUploadID,
		InitiatedAt:     u.InitiatedAt.UTC().Format(cosmosTimeFormat),
		State:           string(u.State),
	})
	if err != nil {
		return fmt.Errorf("marshaling upload: %w", err)
	}

	if _, err := l.client.CreateItem(ctx, l.pk, data, nil); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return fmt.Errorf("upload already exists: %s", u.UploadID)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (l *CosmosLedger) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	resp, err := l.client.ReadItem(ctx, l.pk, docIDUploadCosmos(uploadID), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	var ci cosmosItem
	if err := json.Unmarshal(resp.Value, &ci); err != nil {
		return nil, fmt.Errorf("decoding upload: %w", err)
	}
	return itemToUploadCosmos(&ci), nil
}

func (l *CosmosLedger) MarkTerminal(ctx context.Context, uploadID string, state UploadState) error {
	ops := azcosmos.PatchOperations{}
	ops.AppendSet("/state", string(state))
	if _, err := l.client.PatchItem(ctx, l.pk, docIDUploadCosmos(uploadID), ops, nil); err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return fmt.Errorf("marking upload: %w", err)
	}
	return nil
}

// Purge deletes the upload document first so later RegisterPart batches
// fail their read, then deletes the remaining part documents in batches.
func (l *CosmosLedger) Purge(ctx context.Context, uploadID string) error {
	if _, err := l.client.DeleteItem(ctx, l.pk, docIDUploadCosmos(uploadID), nil); err != nil && cosmosStatus(err) != http.StatusNotFound {
		return fmt.Errorf("deleting upload: %w", err)
	}

	items, err := l.query(ctx,
		"SELECT * FROM c WHERE c.kind = 'part' AND c.upload_id = @upload_id",
		[]azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}})
	if err != nil {
		return err
	}

	var result *multierror.Error
	for i := 0; i < len(items); i += cosmosBatchSize {
		end := i + cosmosBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := l.client.NewTransactionalBatch(l.pk)
		for _, item := range items[i:end] {
			batch.DeleteItem(item.ID, nil)
		}
		resp, err := l.client.ExecuteTransactionalBatch(ctx, batch, nil)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !resp.Success {
			result = multierror.Append(result, fmt.Errorf("part delete batch %d failed", i/cosmosBatchSize))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	return nil
}

func (l *CosmosLedger) ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error) {
	query := "SELECT * FROM c WHERE c.kind = 'upload' AND c.bucket = @bucket AND NOT IS_DEFINED(c.state)"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: opts.Bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}

	items, err := l.query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	uploads := make([]Upload, 0, len(items))
	for i := range items {
		uploads = append(uploads, *itemToUploadCosmos(&items[i]))
	}
	return pageUploads(uploads, opts), nil
}

func (l *CosmosLedger) AllUploads(ctx context.Context) ([]Upload, error) {
	items, err := l.query(ctx, "SELECT * FROM c WHERE c.kind = 'upload'", nil)
	if err != nil {
		return nil, err
	}
	uploads := make([]Upload, 0, len(items))
	for i := range items {
		uploads = append(uploads, *itemToUploadCosmos(&items[i]))
	}
	return uploads, nil
}

// ---- Part operations ----

// RegisterPart patches the upload document under an active-state condition
// and upserts the part in one transactional batch. A missing upload (404)
// or a terminal one (412) fails the patch and with it the whole batch.
func (l *CosmosLedger) RegisterPart(ctx context.Context, p *Part) error {
	data, err := json.Marshal(cosmosItem{
		ID:           docIDPartCosmos(p.UploadID, p.PartNumber),
		Type:         cosmosPartition,
		Kind:         "part",
		UploadID:     p.UploadID,
		PartNumber:   p.PartNumber,
		Size:         p.Size,
		ETag:         p.ETag,
		LastModified: p.LastModified.UTC().Format(cosmosTimeFormat),
	})
	if err != nil {
		return fmt.Errorf("marshaling part: %w", err)
	}

	touch := azcosmos.PatchOperations{}
	touch.SetCondition(cosmosActiveCondition)
	touch.AppendSet("/last_part_at", p.LastModified.UTC().Format(cosmosTimeFormat))

	batch := l.client.NewTransactionalBatch(l.pk)
	batch.PatchItem(docIDUploadCosmos(p.UploadID), touch, nil)
	batch.UpsertItem(data, nil)

	resp, err := l.client.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return fmt.Errorf("registering part: %w", err)
	}
	if !resp.Success {
		if len(resp.OperationResults) > 0 {
			switch resp.OperationResults[0].StatusCode {
			case http.StatusNotFound, http.StatusPreconditionFailed:
				return fmt.Errorf("%w: %s", ErrUnknownUpload, p.UploadID)
			}
		}
		return fmt.Errorf("registering part: batch rejected")
	}
	return nil
}

func (l *CosmosLedger) GetParts(ctx context.Context, uploadID string) ([]Part, error) {
	items, err := l.query(ctx,
		"SELECT * FROM c WHERE c.upload_id = @upload_id",
		[]azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}})
	if err != nil {
		return nil, err
	}

	found := false
	parts := make([]Part, 0, len(items))
	for _, ci := range items {
		if ci.Kind == "upload" {
			found = true
			continue
		}
		lastModified, _ := time.Parse(cosmosTimeFormat, ci.LastModified)
		parts = append(parts, Part{
			UploadID:     ci.UploadID,
			PartNumber:   ci.PartNumber,
			Size:         ci.Size,
			ETag:         ci.ETag,
			LastModified: lastModified,
		})
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	sortParts(parts)
	return parts, nil
}

// ---- Helpers ----

func (l *CosmosLedger) query(ctx context.Context, query string, params []azcosmos.QueryParameter) ([]cosmosItem, error) {
	pager := l.client.NewQueryItemsPager(query, l.pk, &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	var items []cosmosItem
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying ledger: %w", err)
		}
		for _, raw := range resp.Items {
			var ci cosmosItem
			if err := json.Unmarshal(raw, &ci); err != nil {
				return nil, fmt.Errorf("decoding ledger item: %w", err)
			}
			items = append(items, ci)
		}
	}
	return items, nil
}

// cosmosStatus returns the HTTP status of a Cosmos response error, or 0.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func itemToUploadCosmos(ci *cosmosItem) *Upload {
	initiatedAt, _ := time.Parse(cosmosTimeFormat, ci.InitiatedAt)
	return &Upload{
		UploadID:        ci.UploadID,
		Bucket:          ci.Bucket,
		Key:             ci.Key,
		Backend:         ci.Backend,
		BackendUploadID: ci.BackendUploadID,
		InitiatedAt:     initiatedAt,
		State:           UploadState(ci.State),
	}
}

var _ Ledger = (*CosmosLedger)(nil)
