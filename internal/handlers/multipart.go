package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	s3err "github.com/bleepstore/mpuledger/internal/errors"
	"github.com/bleepstore/mpuledger/internal/ledger"
	"github.com/bleepstore/mpuledger/internal/lifecycle"
	"github.com/bleepstore/mpuledger/internal/listing"
	"github.com/bleepstore/mpuledger/internal/xmlutil"
)

// BackendHintHeader selects the backend of a new upload. Without it the
// default backend is used.
const BackendHintHeader = "X-Amz-Meta-Location-Constraint"

// UploadManager is the subset of *lifecycle.Manager the handlers use.
type UploadManager interface {
	CreateUpload(ctx context.Context, bucket, key, hint string) (*ledger.Upload, error)
	PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (*ledger.Part, error)
	ListParts(ctx context.Context, uploadID string, marker, maxParts int) (*listing.Page, error)
	GetUpload(ctx context.Context, uploadID string) (*ledger.Upload, error)
	ListUploads(ctx context.Context, opts ledger.ListUploadsOptions) (*ledger.ListUploadsResult, error)
	CompleteUpload(ctx context.Context, uploadID string, parts []lifecycle.CompletePart) (string, error)
	AbortUpload(ctx context.Context, uploadID string) error
}

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	mgr         UploadManager
	maxPartSize int64
}

// NewMultipartHandler creates a MultipartHandler. maxPartSize bounds the
// Content-Length of a single part; 0 disables the check.
func NewMultipartHandler(mgr UploadManager, maxPartSize int64) *MultipartHandler {
	return &MultipartHandler{mgr: mgr, maxPartSize: maxPartSize}
}

// checkTarget verifies that uploadID belongs to the bucket and key of the
// request path.
func (h *MultipartHandler) checkTarget(ctx context.Context, bucket, key, uploadID string) error {
	u, err := h.mgr.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("%w: upload %s belongs to %s/%s", lifecycle.ErrUnknownUpload, uploadID, u.Bucket, u.Key)
	}
	return nil
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateBucketName(bucketName); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage(msg))
		return
	}
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Your key is too long"))
		return
	}

	upload, err := h.mgr.CreateUpload(r.Context(), bucketName, key, r.Header.Get(BackendHintHeader))
	if err != nil {
		writeError(w, r, "CreateMultipartUpload", "", err)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   upload.Bucket,
		Key:      upload.Key,
		UploadID: upload.UploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, ok := intParam(q, "partNumber", 0)
	if !ok || partNumber < 1 || partNumber > lifecycle.MaxPartNumber {
		writeError(w, r, "UploadPart", uploadID, lifecycle.ErrInvalidPartNumber)
		return
	}
	if r.ContentLength < 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMissingContentLength)
		return
	}
	if h.maxPartSize > 0 && r.ContentLength > h.maxPartSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	if err := h.checkTarget(ctx, extractBucketName(r), extractObjectKey(r), uploadID); err != nil {
		writeError(w, r, "UploadPart", uploadID, err)
		return
	}

	part, err := h.mgr.PutPart(ctx, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		writeError(w, r, "UploadPart", uploadID, err)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if err := h.checkTarget(ctx, bucketName, key, uploadID); err != nil {
		writeError(w, r, "CompleteMultipartUpload", uploadID, err)
		return
	}

	requested, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
	if err != nil {
		slog.Debug("CompleteMultipartUpload XML parse error", "upload_id", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	parts := make([]lifecycle.CompletePart, len(requested))
	for i, p := range requested {
		parts[i] = lifecycle.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	etag, err := h.mgr.CompleteUpload(ctx, uploadID, parts)
	if err != nil {
		writeError(w, r, "CompleteMultipartUpload", uploadID, err)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     etag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
// Aborting an already aborted upload succeeds.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	// Retired uploads are unknown to GetUpload; AbortUpload decides for those.
	u, err := h.mgr.GetUpload(ctx, uploadID)
	switch {
	case err == nil && (u.Bucket != extractBucketName(r) || u.Key != extractObjectKey(r)):
		writeError(w, r, "AbortMultipartUpload", uploadID, lifecycle.ErrUnknownUpload)
		return
	case err != nil && !errors.Is(err, lifecycle.ErrUnknownUpload):
		writeError(w, r, "AbortMultipartUpload", uploadID, err)
		return
	}

	if err := h.mgr.AbortUpload(ctx, uploadID); err != nil {
		writeError(w, r, "AbortMultipartUpload", uploadID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	marker, ok := intParam(q, "part-number-marker", 0)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid part-number-marker"))
		return
	}
	maxParts, ok := intParam(q, "max-parts", 0)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid max-parts"))
		return
	}

	if err := h.checkTarget(ctx, bucketName, key, uploadID); err != nil {
		writeError(w, r, "ListParts", uploadID, err)
		return
	}
	page, err := h.mgr.ListParts(ctx, uploadID, marker, maxParts)
	if err != nil {
		writeError(w, r, "ListParts", uploadID, err)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             uploadID,
		StorageClass:         "STANDARD",
		PartNumberMarker:     page.PartNumberMarker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             page.MaxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.RenderListParts(w, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	maxUploads, ok := intParam(q, "max-uploads", 1000)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid max-uploads"))
		return
	}
	if maxUploads > 1000 {
		maxUploads = 1000
	}
	encodingType := q.Get("encoding-type")

	opts := ledger.ListUploadsOptions{
		Bucket:         bucketName,
		Prefix:         q.Get("prefix"),
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		MaxUploads:     maxUploads,
	}
	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucketName,
		Prefix:         opts.Prefix,
		KeyMarker:      opts.KeyMarker,
		UploadIDMarker: opts.UploadIDMarker,
		MaxUploads:     maxUploads,
		EncodingType:   encodingType,
	}
	if maxUploads == 0 {
		xmlutil.RenderListMultipartUploads(w, result)
		return
	}

	list, err := h.mgr.ListUploads(r.Context(), opts)
	if err != nil {
		writeError(w, r, "ListMultipartUploads", "", err)
		return
	}
	result.IsTruncated = list.IsTruncated
	result.NextKeyMarker = xmlutil.EncodeKeyURL(list.NextKeyMarker, encodingType)
	result.NextUploadIDMarker = list.NextUploadIDMarker
	for _, u := range list.Uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:          xmlutil.EncodeKeyURL(u.Key, encodingType),
			UploadID:     u.UploadID,
			StorageClass: "STANDARD",
			Initiated:    xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	xmlutil.RenderListMultipartUploads(w, result)
}
