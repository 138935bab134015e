package backend

// The S3 adapter drives a native multipart upload on an upstream S3 bucket.
// It serves AWS S3 as well as S3-compatible stores such as the Ceph RADOS
// gateway or MinIO, selected through a custom endpoint and path-style
// addressing.
//
// Key mapping:
//
//	Objects:  {prefix}{bucket}/{key}
//
// Parts live inside the upstream multipart upload identified by the
// backend upload ID returned from InitUpload.

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Adapter, narrowed so tests
// can substitute a mock.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Options configures NewS3Adapter.
type S3Options struct {
	Bucket string
	Region string
	Prefix string
	// EndpointURL overrides the service endpoint (Ceph RGW, MinIO, LocalStack).
	EndpointURL  string
	UsePathStyle bool
	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	MaxPartSize     int64
}

// S3Adapter implements Adapter on top of S3 native multipart uploads.
type S3Adapter struct {
	name        string
	Bucket      string
	Prefix      string
	maxPartSize int64
	client      S3API
}

// NewS3Adapter loads AWS configuration, builds an S3 client and verifies the
// upstream bucket is reachable.
func NewS3Adapter(ctx context.Context, name string, opts S3Options) (*S3Adapter, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 backend initialized", "name", name, "bucket", opts.Bucket, "region", region,
		"endpoint", opts.EndpointURL, "prefix", opts.Prefix)
	return NewS3AdapterWithClient(name, opts.Bucket, opts.Prefix, opts.MaxPartSize, client), nil
}

// NewS3AdapterWithClient creates an S3Adapter around an existing client.
func NewS3AdapterWithClient(name, bucket, prefix string, maxPartSize int64, client S3API) *S3Adapter {
	return &S3Adapter{
		name:        name,
		Bucket:      bucket,
		Prefix:      prefix,
		maxPartSize: maxPartSize,
		client:      client,
	}
}

func (b *S3Adapter) objectKey(ref UploadRef) string {
	return b.Prefix + ref.Bucket + "/" + ref.Key
}

func (b *S3Adapter) Name() string { return b.name }

func (b *S3Adapter) InitUpload(ctx context.Context, ref UploadRef) (string, error) {
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.objectKey(ref)),
	})
	if err != nil {
		return "", b.classify("InitUpload", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// PutPart buffers the part to compute its MD5 locally. Upstream ETags differ
// from the MD5 under some server-side encryption modes.
func (b *S3Adapter) PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error) {
	if ref.BackendUploadID == "" {
		return PartInfo{}, rejected(b.name, "PutPart", errors.New("upload has no backend upload ID"))
	}
	if b.maxPartSize > 0 && size > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, size, b.maxPartSize)}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", fmt.Errorf("reading part data: %w", err))
	}
	sum := md5.Sum(data)

	_, err = b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.objectKey(ref)),
		UploadId:      aws.String(ref.BackendUploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return PartInfo{}, b.classify("PutPart", err)
	}

	return PartInfo{
		PartNumber:   partNumber,
		Size:         int64(len(data)),
		ETag:         fmt.Sprintf(`"%x"`, sum[:]),
		LastModified: time.Now().UTC(),
	}, nil
}

// ListPartsRaw pages through the upstream ListParts. The upstream may cap
// each page below the requested size, so paging continues until the
// response is no longer truncated.
func (b *S3Adapter) ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error) {
	if ref.BackendUploadID == "" {
		return nil, nil
	}
	var out []PartInfo
	var marker *string
	for {
		resp, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.Bucket),
			Key:              aws.String(b.objectKey(ref)),
			UploadId:         aws.String(ref.BackendUploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, nil
			}
			return nil, b.classify("ListPartsRaw", err)
		}
		for _, p := range resp.Parts {
			out = append(out, PartInfo{
				PartNumber:   int(aws.ToInt32(p.PartNumber)),
				Size:         aws.ToInt64(p.Size),
				ETag:         aws.ToString(p.ETag),
				LastModified: aws.ToTime(p.LastModified),
			})
		}
		if !aws.ToBool(resp.IsTruncated) || resp.NextPartNumberMarker == nil {
			break
		}
		if next := aws.ToString(resp.NextPartNumberMarker); marker != nil && next == *marker {
			break
		}
		marker = resp.NextPartNumberMarker
	}
	return out, nil
}

// AbortUpload aborts the upstream upload. An upload the upstream no longer
// knows about counts as aborted.
func (b *S3Adapter) AbortUpload(ctx context.Context, ref UploadRef) error {
	if ref.BackendUploadID == "" {
		return nil
	}
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.objectKey(ref)),
		UploadId: aws.String(ref.BackendUploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return b.classify("AbortUpload", err)
	}
	return nil
}

func (b *S3Adapter) AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	resp, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(b.objectKey(ref)),
		UploadId:        aws.String(ref.BackendUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", b.classify("AssembleParts", err)
	}
	if etag := strings.Trim(aws.ToString(resp.ETag), `"`); etag != "" {
		return `"` + etag + `"`, nil
	}
	etags := make([]string, len(parts))
	for i, p := range parts {
		etags[i] = p.ETag
	}
	return CompositeETag(etags), nil
}

// HealthCheck verifies that the upstream bucket is accessible.
func (b *S3Adapter) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

// throttleCodes are S3 error codes that indicate a transient condition.
var throttleCodes = map[string]bool{
	"SlowDown":             true,
	"ServiceUnavailable":   true,
	"InternalError":        true,
	"RequestTimeout":       true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestLimitExceeded": true,
}

// classify maps an S3 client error onto the adapter error kinds.
func (b *S3Adapter) classify(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Transport failures, timeouts, canceled contexts.
		return unavailable(b.name, op, err)
	}
	code := apiErr.ErrorCode()
	if code == "EntityTooLarge" {
		return &OpError{Backend: b.name, Op: op, Kind: ErrBackendRejected, Err: fmt.Errorf("%w: %v", ErrEntityTooLarge, err)}
	}
	if throttleCodes[code] || apiErr.ErrorFault() == smithy.FaultServer {
		return unavailable(b.name, op, err)
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if status := respErr.HTTPStatusCode(); status >= 500 || status == 429 {
			return unavailable(b.name, op, err)
		}
	}
	return rejected(b.name, op, err)
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

var _ Adapter = (*S3Adapter)(nil)
