// Package handlers implements the S3-style multipart upload HTTP API on top
// of the upload lifecycle manager.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/bleepstore/mpuledger/internal/backend"
	s3err "github.com/bleepstore/mpuledger/internal/errors"
	"github.com/bleepstore/mpuledger/internal/lifecycle"
	"github.com/bleepstore/mpuledger/internal/listing"
	"github.com/bleepstore/mpuledger/internal/xmlutil"
)

// maxKeyLength is the longest object key S3 accepts, in bytes.
const maxKeyLength = 1024

// bucketNameRegex validates bucket names per S3 naming rules:
// - 3-63 characters
// - Lowercase letters, numbers, hyphens, and periods only
// - Must begin and end with a letter or number
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// validateBucketName checks whether the given name is a valid S3 bucket name.
// Returns an error message string if invalid, or empty string if valid.
func validateBucketName(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.Contains(name, "..") {
		return "Bucket name must not contain consecutive periods"
	}
	return ""
}

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey extracts the object key (everything after the bucket)
// from the URL path.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// intParam parses an optional non-negative integer query parameter. An
// absent parameter yields def.
func intParam(q url.Values, name string, def int) (int, bool) {
	raw := q.Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// toS3Error maps a lifecycle, listing or backend error to the S3 error
// returned to the client.
func toS3Error(err error) *s3err.S3Error {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownUpload):
		return s3err.ErrNoSuchUpload
	case errors.Is(err, lifecycle.ErrInvalidPart):
		return s3err.ErrInvalidPart
	case errors.Is(err, lifecycle.ErrInvalidPartOrder):
		return s3err.ErrInvalidPartOrder
	case errors.Is(err, lifecycle.ErrEntityTooSmall):
		return s3err.ErrEntityTooSmall
	case errors.Is(err, lifecycle.ErrEmptyPartList):
		return s3err.ErrMalformedXML
	case errors.Is(err, lifecycle.ErrInvalidPartNumber):
		return s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between 1 and 10000, inclusive")
	case errors.Is(err, lifecycle.ErrCompletionInProgress),
		errors.Is(err, lifecycle.ErrPartUploadInProgress):
		return s3err.ErrOperationAborted
	case errors.Is(err, listing.ErrInvalidArgument):
		return s3err.ErrInvalidArgument
	case errors.Is(err, backend.ErrUnknownBackend):
		return s3err.ErrInvalidLocationConstraint
	case errors.Is(err, backend.ErrEntityTooLarge):
		return s3err.ErrEntityTooLarge
	case errors.Is(err, backend.ErrBackendRejected):
		return s3err.ErrInvalidRequest
	case errors.Is(err, backend.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return s3err.ErrServiceUnavailable
	default:
		return s3err.ErrInternalError
	}
}

// writeError logs err if it is a server-side failure and renders the mapped
// S3 error. uploadID, when set, is echoed in NoSuchUpload responses.
func writeError(w http.ResponseWriter, r *http.Request, op, uploadID string, err error) {
	s3e := toS3Error(err)
	switch s3e {
	case s3err.ErrInternalError:
		slog.Error(op+" failed", "upload_id", uploadID, "error", err)
	case s3err.ErrServiceUnavailable:
		slog.Warn(op+" backend unavailable", "upload_id", uploadID, "error", err)
	case s3err.ErrNoSuchUpload:
		if uploadID != "" {
			s3e = s3e.WithExtra("UploadId", uploadID)
		}
	}
	xmlutil.WriteErrorResponse(w, r, s3e)
}
