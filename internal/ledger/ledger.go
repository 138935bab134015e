// Package ledger records which parts exist for each in-progress multipart
// upload. It is the single source of truth for part ordering: every engine
// returns parts sorted ascending by part number with one entry per number.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnknownUpload is returned when an upload ID has no ledger record.
var ErrUnknownUpload = errors.New("unknown upload")

// UploadState is the persisted outcome of an upload. Uploads still
// accepting parts have the zero value.
type UploadState string

const (
	UploadActive    UploadState = ""
	UploadCompleted UploadState = "completed"
	UploadAborted   UploadState = "aborted"
)

// Terminal reports whether the upload was completed or aborted.
func (s UploadState) Terminal() bool {
	return s == UploadCompleted || s == UploadAborted
}

// Upload is the ledger record of one multipart upload. A terminal upload
// keeps its record until its parts are purged.
type Upload struct {
	UploadID string
	Bucket   string
	Key      string
	// Backend is the name of the backend designated at creation.
	Backend string
	// BackendUploadID is the backend's native upload handle, if any.
	BackendUploadID string
	InitiatedAt     time.Time
	State           UploadState
}

// Part is the ledger entry for one uploaded part. Size, ETag and
// LastModified are always replaced together.
type Part struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListUploadsOptions controls ListUploads. Uploads are ordered by key, then
// upload ID; KeyMarker and UploadIDMarker are exclusive.
type ListUploadsOptions struct {
	Bucket         string
	Prefix         string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploadsResult is one page of ListUploads.
type ListUploadsResult struct {
	Uploads            []Upload
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// Ledger is implemented by every storage engine.
type Ledger interface {
	// CreateUpload records a new upload.
	CreateUpload(ctx context.Context, u *Upload) error

	// GetUpload returns the upload record or ErrUnknownUpload.
	GetUpload(ctx context.Context, uploadID string) (*Upload, error)

	// MarkTerminal records that the upload was completed or aborted. Its
	// parts stay readable until Purge. Fails with ErrUnknownUpload when the
	// upload has no record.
	MarkTerminal(ctx context.Context, uploadID string, state UploadState) error

	// RegisterPart inserts or replaces the entry for (UploadID, PartNumber)
	// as a single atomic write. It fails with ErrUnknownUpload, leaving
	// nothing written, when the upload has no record or is terminal.
	RegisterPart(ctx context.Context, p *Part) error

	// GetParts returns every part of the upload sorted ascending by part
	// number, or ErrUnknownUpload.
	GetParts(ctx context.Context, uploadID string) ([]Part, error)

	// Purge removes the upload record and all of its parts. Purging an
	// unknown or already purged upload succeeds.
	Purge(ctx context.Context, uploadID string) error

	// ListUploads pages through the active uploads of one bucket.
	ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error)

	// AllUploads returns every upload record across all buckets, terminal
	// ones included.
	AllUploads(ctx context.Context) ([]Upload, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Close releases engine resources.
	Close() error
}

// defaultMaxUploads caps ListUploads pages when MaxUploads is unset.
const defaultMaxUploads = 1000

// sortParts orders parts ascending by part number.
func sortParts(parts []Part) {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
}

// pageUploads sorts, filters and truncates uploads for engines that cannot
// express the ordering natively.
func pageUploads(uploads []Upload, opts ListUploadsOptions) *ListUploadsResult {
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})

	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = defaultMaxUploads
	}

	var page []Upload
	for _, u := range uploads {
		if u.State.Terminal() {
			continue
		}
		if opts.KeyMarker != "" {
			if u.Key < opts.KeyMarker {
				continue
			}
			if u.Key == opts.KeyMarker && (opts.UploadIDMarker == "" || u.UploadID <= opts.UploadIDMarker) {
				continue
			}
		}
		page = append(page, u)
	}

	result := &ListUploadsResult{Uploads: page}
	if len(page) > maxUploads {
		result.Uploads = page[:maxUploads]
		result.IsTruncated = true
		last := result.Uploads[maxUploads-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result
}
