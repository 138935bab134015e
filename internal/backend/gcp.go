package backend

// The GCS adapter keeps each part as a temporary object and composes them on
// completion. GCS has no native multipart upload, so the backend upload ID is
// unused.
//
// Key mapping:
//
//	Objects:  {prefix}{bucket}/{key}
//	Parts:    {prefix}.parts/{upload_id}/{part_number:05d}

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

// GCSAPI is the subset of the GCS client used by GCSAdapter.
type GCSAPI interface {
	// NewWriter returns a writer for the given object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Compose composes source objects, in order, into dstObject.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	// ListObjects lists objects under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error)
}

// GCSAttrs holds the object attributes the adapter needs.
type GCSAttrs struct {
	Name    string
	Size    int64
	MD5     []byte
	Updated time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size, MD5: attrs.MD5, Updated: attrs.Updated}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, GCSAttrs{Name: attrs.Name, Size: attrs.Size, MD5: attrs.MD5, Updated: attrs.Updated})
	}
	return out, nil
}

// GCSOptions configures NewGCSAdapter.
type GCSOptions struct {
	Bucket  string
	Project string
	Prefix  string
	// CredentialsFile points at a service account key. When empty,
	// Application Default Credentials are used.
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for fake-gcs-server.
	Endpoint    string
	MaxPartSize int64
}

// GCSAdapter implements Adapter on Google Cloud Storage.
type GCSAdapter struct {
	name        string
	Bucket      string
	Prefix      string
	maxPartSize int64
	client      GCSAPI
}

// NewGCSAdapter creates the GCS client and verifies the bucket is reachable.
func NewGCSAdapter(ctx context.Context, name string, opts GCSOptions) (*GCSAdapter, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCSAdapterWithClient(name, opts.Bucket, opts.Prefix, opts.MaxPartSize, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("GCS backend initialized", "name", name, "bucket", opts.Bucket, "project", opts.Project, "prefix", opts.Prefix)
	return b, nil
}

// NewGCSAdapterWithClient creates a GCSAdapter around an existing client.
func NewGCSAdapterWithClient(name, bucket, prefix string, maxPartSize int64, client GCSAPI) *GCSAdapter {
	return &GCSAdapter{
		name:        name,
		Bucket:      bucket,
		Prefix:      prefix,
		maxPartSize: maxPartSize,
		client:      client,
	}
}

func (b *GCSAdapter) objectKey(ref UploadRef) string {
	return b.Prefix + ref.Bucket + "/" + ref.Key
}

func (b *GCSAdapter) partsPrefix(uploadID string) string {
	return b.Prefix + ".parts/" + uploadID + "/"
}

func (b *GCSAdapter) partKey(uploadID string, partNumber int) string {
	return b.partsPrefix(uploadID) + partName(partNumber)
}

func (b *GCSAdapter) Name() string { return b.name }

func (b *GCSAdapter) InitUpload(ctx context.Context, ref UploadRef) (string, error) {
	return "", nil
}

func (b *GCSAdapter) PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error) {
	if b.maxPartSize > 0 && size > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, size, b.maxPartSize)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", fmt.Errorf("reading part data: %w", err))
	}
	sum := md5.Sum(data)

	w := b.client.NewWriter(ctx, b.Bucket, b.partKey(ref.UploadID, partNumber))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return PartInfo{}, b.classify("PutPart", err)
	}
	if err := w.Close(); err != nil {
		return PartInfo{}, b.classify("PutPart", err)
	}

	return PartInfo{
		PartNumber:   partNumber,
		Size:         int64(len(data)),
		ETag:         fmt.Sprintf(`"%x"`, sum[:]),
		LastModified: time.Now().UTC(),
	}, nil
}

func (b *GCSAdapter) ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error) {
	prefix := b.partsPrefix(ref.UploadID)
	objs, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return nil, b.classify("ListPartsRaw", err)
	}
	out := make([]PartInfo, 0, len(objs))
	for _, o := range objs {
		pn, convErr := strconv.Atoi(strings.TrimPrefix(o.Name, prefix))
		if convErr != nil {
			continue
		}
		out = append(out, PartInfo{
			PartNumber:   pn,
			Size:         o.Size,
			ETag:         fmt.Sprintf(`"%x"`, o.MD5),
			LastModified: o.Updated,
		})
	}
	return out, nil
}

// AbortUpload deletes every part object of the upload. Objects that are
// already gone are ignored.
func (b *GCSAdapter) AbortUpload(ctx context.Context, ref UploadRef) error {
	objs, err := b.client.ListObjects(ctx, b.Bucket, b.partsPrefix(ref.UploadID))
	if err != nil {
		return b.classify("AbortUpload", err)
	}
	var result *multierror.Error
	for _, o := range objs {
		if delErr := b.client.Delete(ctx, b.Bucket, o.Name); delErr != nil && !isGCSNotFound(delErr) {
			result = multierror.Append(result, fmt.Errorf("deleting %s: %w", o.Name, delErr))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return b.classify("AbortUpload", err)
	}
	return nil
}

// AssembleParts composes the parts into the final object. Compose accepts at
// most 32 sources, so larger uploads are composed in generations of
// intermediates.
func (b *GCSAdapter) AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error) {
	finalName := b.objectKey(ref)
	sources := make([]string, len(parts))
	etags := make([]string, len(parts))
	for i, p := range parts {
		sources[i] = b.partKey(ref.UploadID, p.PartNumber)
		etags[i] = p.ETag
	}

	intermediates, err := b.chainCompose(ctx, sources, finalName)
	for _, name := range intermediates {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
			slog.Warn("Failed to clean up compose intermediate", "object", name, "error", delErr)
		}
	}
	if err != nil {
		if isGCSNotFound(err) {
			return "", rejected(b.name, "AssembleParts", err)
		}
		return "", b.classify("AssembleParts", err)
	}

	for _, name := range sources {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
			slog.Warn("Failed to delete composed part", "object", name, "error", delErr)
		}
	}
	return CompositeETag(etags), nil
}

// chainCompose composes sources into finalName and returns the names of any
// intermediate objects it created.
func (b *GCSAdapter) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources
	for generation := 0; len(current) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := min(i+maxComposeSources, len(current))
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
	}
	if _, err := b.client.Compose(ctx, b.Bucket, finalName, current); err != nil {
		return intermediates, fmt.Errorf("final compose: %w", err)
	}
	return intermediates, nil
}

// HealthCheck lists a prefix that never exists to confirm bucket access.
func (b *GCSAdapter) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00healthcheck\x00")
	return err
}

// classify maps GCS client errors onto the adapter error kinds. Both the
// JSON API (googleapi.Error) and gRPC transports are handled.
func (b *GCSAdapter) classify(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code >= 500 || gErr.Code == 429 || gErr.Code == 408 {
			return unavailable(b.name, op, err)
		}
		if gErr.Code == 413 {
			return &OpError{Backend: b.name, Op: op, Kind: ErrBackendRejected, Err: fmt.Errorf("%w: %v", ErrEntityTooLarge, err)}
		}
		return rejected(b.name, op, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Canceled:
			return unavailable(b.name, op, err)
		default:
			return rejected(b.name, op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable(b.name, op, err)
	}
	if isGCSNotFound(err) {
		return rejected(b.name, op, err)
	}
	return unavailable(b.name, op, err)
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 404
	}
	return status.Code(err) == codes.NotFound
}

var _ Adapter = (*GCSAdapter)(nil)
