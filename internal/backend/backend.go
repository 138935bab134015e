// Package backend defines the adapter surface the multipart ledger uses to
// reach physical storage, along with one adapter per supported backend.
//
// Adapters move bytes and report raw per-part metadata. They never order or
// paginate parts for clients; that is the ledger's job.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrBackendUnavailable marks transient I/O failures. Callers retry
	// these with backoff.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendRejected marks permanent backend-side rejections. Callers
	// surface these and never retry.
	ErrBackendRejected = errors.New("backend rejected request")

	// ErrEntityTooLarge is a rejection for a part larger than the backend accepts.
	ErrEntityTooLarge = fmt.Errorf("%w: entity too large", ErrBackendRejected)

	// ErrUnknownBackend is returned by Registry.Resolve for an unconfigured name.
	ErrUnknownBackend = errors.New("unknown backend")
)

// UploadRef identifies an upload to a backend.
type UploadRef struct {
	// UploadID is the ledger's upload identifier.
	UploadID string
	Bucket   string
	Key      string
	// BackendUploadID is the backend's native upload handle, if it issued one
	// from InitUpload. Empty for backends without native multipart support.
	BackendUploadID string
}

// PartInfo is the raw metadata a backend reports for one stored part.
type PartInfo struct {
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// Adapter is the uniform capability surface over one physical backend.
type Adapter interface {
	// Name returns the configured name of this backend.
	Name() string

	// InitUpload prepares the backend for a new upload and returns the
	// backend's native upload handle, or "" if it has none.
	InitUpload(ctx context.Context, ref UploadRef) (string, error)

	// PutPart stores one part and returns its metadata. Re-putting the same
	// part number replaces the stored bytes.
	PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error)

	// ListPartsRaw returns every part the backend currently holds for the
	// upload, in no particular order, following the backend's own paging.
	ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error)

	// AbortUpload discards all stored bytes for the upload. Aborting an
	// upload the backend has no trace of succeeds.
	AbortUpload(ctx context.Context, ref UploadRef) error

	// AssembleParts concatenates the given parts, in order, into the final
	// object and returns its ETag. Part bytes are released on success.
	AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// OpError records a classified failure of one adapter operation.
type OpError struct {
	Backend string
	Op      string
	// Kind is ErrBackendUnavailable or ErrBackendRejected.
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the underlying cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func unavailable(backend, op string, err error) error {
	return &OpError{Backend: backend, Op: op, Kind: ErrBackendUnavailable, Err: err}
}

func rejected(backend, op string, err error) error {
	return &OpError{Backend: backend, Op: op, Kind: ErrBackendRejected, Err: err}
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// partName is the zero-padded part identifier shared by the adapters that
// store parts as individual objects or files, so lexical order matches
// numeric order.
func partName(partNumber int) string {
	return fmt.Sprintf("%05d", partNumber)
}
