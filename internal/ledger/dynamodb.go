package ledger

// DynamoDB single-table layout:
//
//	pk = UPLOAD#{upload_id}   sk = #METADATA      upload record
//	pk = UPLOAD#{upload_id}   sk = PART#{%05d}    one item per part
//
// "#" sorts before "P", so a Query over the partition returns the upload
// record first and the parts in ascending part number order.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bleepstore/mpuledger/internal/config"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

	// dynamoBatchSize is the BatchWriteItem request limit.
	dynamoBatchSize = 25

	// dynamoMaxBatchAttempts bounds resubmission of unprocessed items.
	dynamoMaxBatchAttempts = 5

	// dynamoMaxTransactItems is the TransactWriteItems action limit.
	dynamoMaxTransactItems = 100

	// dynamoActiveCondition holds for an upload record that still accepts
	// parts.
	dynamoActiveCondition = "attribute_exists(pk) AND attribute_not_exists(#state)"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBLedger.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoUpload is the item shape of an upload record.
type dynamoUpload struct {
	PK              string `dynamodbav:"pk"`
	SK              string `dynamodbav:"sk"`
	Type            string `dynamodbav:"type"`
	UploadID        string `dynamodbav:"upload_id"`
	Bucket          string `dynamodbav:"bucket"`
	Key             string `dynamodbav:"key"`
	Backend         string `dynamodbav:"backend"`
	BackendUploadID string `dynamodbav:"backend_upload_id"`
	InitiatedAt     string `dynamodbav:"initiated_at"`
	State           string `dynamodbav:"state,omitempty"`
}

// dynamoPart is the item shape of a part entry.
type dynamoPart struct {
	PK           string `dynamodbav:"pk"`
	SK           string `dynamodbav:"sk"`
	Type         string `dynamodbav:"type"`
	UploadID     string `dynamodbav:"upload_id"`
	PartNumber   int    `dynamodbav:"part_number"`
	Size         int64  `dynamodbav:"size"`
	ETag         string `dynamodbav:"etag"`
	LastModified string `dynamodbav:"last_modified"`
}

// DynamoDBLedger implements Ledger on a single DynamoDB table keyed by
// (pk, sk). Part registration is a TransactWriteItems call whose condition
// check on the upload record makes it fail atomically once the upload is
// terminal or purged.
type DynamoDBLedger struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBLedger creates a DynamoDB client from cfg.
func NewDynamoDBLedger(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBLedger, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBLedgerWithClient(cfg.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoDBLedgerWithClient creates a DynamoDBLedger around an existing client.
func NewDynamoDBLedgerWithClient(table string, client DynamoDBAPI) *DynamoDBLedger {
	return &DynamoDBLedger{client: client, tableName: table}
}

func (l *DynamoDBLedger) Ping(ctx context.Context) error {
	_, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(l.tableName),
	})
	return err
}

func (l *DynamoDBLedger) Close() error {
	return nil
}

func pkUpload(uploadID string) string {
	return "UPLOAD#" + uploadID
}

func skMetadata() string {
	return "#METADATA"
}

func skPart(partNumber int) string {
	return fmt.Sprintf("PART#%05d", partNumber)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// ---- Upload operations ----

func (l *DynamoDBLedger) CreateUpload(ctx context.Context, u *Upload) error {
	item, err := attributevalue.MarshalMap(dynamoUpload{
		PK:              pkUpload(u.UploadID),
		SK:              skMetadata(),
		Type:            "upload",
		UploadID:        u.UploadID,
		Bucket:          u.Bucket,
		Key:             u.Key,
		Backend:         u.Backend,
		BackendUploadID: u.BackendUploadID,
		InitiatedAt:     u.InitiatedAt.UTC().Format(dynamoTimeFormat),
		State:           string(u.State),
	})
	if err != nil {
		return fmt.Errorf("marshaling upload: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("upload already exists: %s", u.UploadID)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (l *DynamoDBLedger) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	resp, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            itemKey(pkUpload(uploadID), skMetadata()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return itemToUpload(resp.Item)
}

func (l *DynamoDBLedger) MarkTerminal(ctx context.Context, uploadID string, state UploadState) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(l.tableName),
		Key:                      itemKey(pkUpload(uploadID), skMetadata()),
		UpdateExpression:         aws.String("SET #state = :state"),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": &types.AttributeValueMemberS{Value: string(state)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return fmt.Errorf("marking upload: %w", err)
	}
	return nil
}

// Purge removes the upload record and its parts in one transaction when
// they fit, otherwise in batches with the record deleted first. Once the
// record is gone RegisterPart's condition check fails, so a final partition
// query sees every part that will ever be written and a retried purge still
// finds leftovers.
func (l *DynamoDBLedger) Purge(ctx context.Context, uploadID string) error {
	items, err := l.queryPartition(ctx, uploadID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	if len(items) <= dynamoMaxTransactItems {
		actions := make([]types.TransactWriteItem, 0, len(items))
		for _, item := range items {
			actions = append(actions, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(l.tableName),
					Key:       itemKey(pkUpload(uploadID), getString(item, "sk")),
				},
			})
		}
		if _, err := l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: actions}); err != nil {
			return fmt.Errorf("deleting upload: %w", err)
		}
	} else if err := l.batchDelete(ctx, []map[string]types.AttributeValue{itemKey(pkUpload(uploadID), skMetadata())}); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}

	// Parts written between the first query and the record's deletion.
	items, err = l.queryPartition(ctx, uploadID)
	if err != nil {
		return err
	}
	partKeys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		partKeys = append(partKeys, itemKey(pkUpload(uploadID), getString(item, "sk")))
	}
	if err := l.batchDelete(ctx, partKeys); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	return nil
}

func (l *DynamoDBLedger) ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error) {
	filterExpr := "sk = :meta AND #bucket = :bucket AND attribute_not_exists(#state)"
	exprValues := map[string]types.AttributeValue{
		":meta":   &types.AttributeValueMemberS{Value: skMetadata()},
		":bucket": &types.AttributeValueMemberS{Value: opts.Bucket},
	}
	exprNames := map[string]string{"#bucket": "bucket", "#state": "state"}

	if opts.Prefix != "" {
		filterExpr += " AND begins_with(#key, :prefix)"
		exprValues[":prefix"] = &types.AttributeValueMemberS{Value: opts.Prefix}
		exprNames["#key"] = "key"
	}

	uploads, err := l.scanUploads(ctx, filterExpr, exprValues, exprNames)
	if err != nil {
		return nil, err
	}
	return pageUploads(uploads, opts), nil
}

func (l *DynamoDBLedger) AllUploads(ctx context.Context) ([]Upload, error) {
	return l.scanUploads(ctx, "sk = :meta", map[string]types.AttributeValue{
		":meta": &types.AttributeValueMemberS{Value: skMetadata()},
	}, nil)
}

func (l *DynamoDBLedger) scanUploads(ctx context.Context, filterExpr string, values map[string]types.AttributeValue, names map[string]string) ([]Upload, error) {
	var uploads []Upload
	var exclusiveStartKey map[string]types.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(l.tableName),
			FilterExpression:          aws.String(filterExpr),
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(true),
		}
		if len(names) > 0 {
			input.ExpressionAttributeNames = names
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := l.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning uploads: %w", err)
		}
		for _, item := range resp.Items {
			u, err := itemToUpload(item)
			if err != nil {
				return nil, err
			}
			uploads = append(uploads, *u)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return uploads, nil
}

// ---- Part operations ----

func (l *DynamoDBLedger) RegisterPart(ctx context.Context, p *Part) error {
	item, err := attributevalue.MarshalMap(dynamoPart{
		PK:           pkUpload(p.UploadID),
		SK:           skPart(p.PartNumber),
		Type:         "part",
		UploadID:     p.UploadID,
		PartNumber:   p.PartNumber,
		Size:         p.Size,
		ETag:         p.ETag,
		LastModified: p.LastModified.UTC().Format(dynamoTimeFormat),
	})
	if err != nil {
		return fmt.Errorf("marshaling part: %w", err)
	}

	_, err = l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(l.tableName),
					Key:                      itemKey(pkUpload(p.UploadID), skMetadata()),
					ConditionExpression:      aws.String(dynamoActiveCondition),
					ExpressionAttributeNames: map[string]string{"#state": "state"},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(l.tableName),
					Item:      item,
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", ErrUnknownUpload, p.UploadID)
		}
		return fmt.Errorf("registering part: %w", err)
	}
	return nil
}

func (l *DynamoDBLedger) GetParts(ctx context.Context, uploadID string) ([]Part, error) {
	items, err := l.queryPartition(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	found := false
	parts := make([]Part, 0, len(items))
	for _, item := range items {
		if getString(item, "sk") == skMetadata() {
			found = true
			continue
		}
		var dp dynamoPart
		if err := attributevalue.UnmarshalMap(item, &dp); err != nil {
			return nil, fmt.Errorf("unmarshaling part: %w", err)
		}
		lastModified, _ := time.Parse(dynamoTimeFormat, dp.LastModified)
		parts = append(parts, Part{
			UploadID:     dp.UploadID,
			PartNumber:   dp.PartNumber,
			Size:         dp.Size,
			ETag:         dp.ETag,
			LastModified: lastModified,
		})
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	sortParts(parts)
	return parts, nil
}

// queryPartition returns every item of one upload with strongly consistent
// reads.
func (l *DynamoDBLedger) queryPartition(ctx context.Context, uploadID string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var exclusiveStartKey map[string]types.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(l.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pkUpload(uploadID)},
			},
			ConsistentRead: aws.Bool(true),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := l.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying upload %s: %w", uploadID, err)
		}
		items = append(items, resp.Items...)

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return items, nil
}

// batchDelete removes keys in BatchWriteItem chunks, resubmitting
// unprocessed items a bounded number of times.
func (l *DynamoDBLedger) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for i := 0; i < len(keys); i += dynamoBatchSize {
		end := i + dynamoBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		requests := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: k},
			})
		}

		for attempt := 0; len(requests) > 0; attempt++ {
			if attempt == dynamoMaxBatchAttempts {
				return fmt.Errorf("%d delete requests left unprocessed", len(requests))
			}
			resp, err := l.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{l.tableName: requests},
			})
			if err != nil {
				return err
			}
			requests = resp.UnprocessedItems[l.tableName]
		}
	}
	return nil
}

// ---- Helpers ----

// isConditionFailure reports whether err is a failed condition, either on a
// single write or inside a cancelled transaction.
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
				return true
			}
		}
		return tce.Message != nil && strings.Contains(*tce.Message, "ConditionalCheckFailed")
	}
	return false
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemToUpload(item map[string]types.AttributeValue) (*Upload, error) {
	var du dynamoUpload
	if err := attributevalue.UnmarshalMap(item, &du); err != nil {
		return nil, fmt.Errorf("unmarshaling upload: %w", err)
	}
	initiatedAt, _ := time.Parse(dynamoTimeFormat, du.InitiatedAt)
	return &Upload{
		UploadID:        du.UploadID,
		Bucket:          du.Bucket,
		Key:             du.Key,
		Backend:         du.Backend,
		BackendUploadID: du.BackendUploadID,
		InitiatedAt:     initiatedAt,
		State:           UploadState(du.State),
	}, nil
}

var _ Ledger = (*DynamoDBLedger)(nil)
