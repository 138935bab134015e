// Package errors defines the S3-compatible error responses returned by the
// multipart upload API.
package errors

import "fmt"

// S3Error represents an S3 API error with a machine-readable code,
// human-readable message, HTTP status code, and optional extra fields.
type S3Error struct {
	// Code is the S3 error code (e.g., "NoSuchUpload", "InvalidPart").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 400).
	HTTPStatus int
	// ExtraFields holds additional key-value pairs included in the XML error response.
	ExtraFields map[string]string
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of the S3Error with the given extra field set.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the S3Error carrying a more specific message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined S3 errors for multipart upload conditions.
var (
	// ErrNoSuchUpload is returned when the upload ID does not exist or the
	// upload has already been completed or aborted.
	ErrNoSuchUpload = &S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified multipart upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.",
		HTTPStatus: 404,
	}

	// ErrInvalidPart is returned when a part referenced on completion was
	// never uploaded or its ETag does not match.
	ErrInvalidPart = &S3Error{
		Code:       "InvalidPart",
		Message:    "One or more of the specified parts could not be found. The part might not have been uploaded, or the specified entity tag might not have matched the part's entity tag.",
		HTTPStatus: 400,
	}

	// ErrInvalidPartOrder is returned when the part list is not in ascending order.
	ErrInvalidPartOrder = &S3Error{
		Code:       "InvalidPartOrder",
		Message:    "The list of parts was not in ascending order. The parts list must be specified in order by part number.",
		HTTPStatus: 400,
	}

	// ErrOperationAborted is returned when a conflicting operation on the
	// same upload is still running.
	ErrOperationAborted = &S3Error{
		Code:       "OperationAborted",
		Message:    "A conflicting conditional operation is currently in progress against this resource. Please try again.",
		HTTPStatus: 409,
	}

	// ErrEntityTooSmall is returned when a non-final part is below the minimum size.
	ErrEntityTooSmall = &S3Error{
		Code:       "EntityTooSmall",
		Message:    "Your proposed upload is smaller than the minimum allowed object size.",
		HTTPStatus: 400,
	}

	// ErrEntityTooLarge is returned when a part exceeds the maximum allowed size.
	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size.",
		HTTPStatus: 400,
	}

	// ErrInvalidArgument is returned for invalid request arguments.
	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	ErrInvalidRequest = &S3Error{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: 400,
	}

	// ErrInvalidLocationConstraint is returned when the requested backend is not configured.
	ErrInvalidLocationConstraint = &S3Error{
		Code:       "InvalidLocationConstraint",
		Message:    "The specified location constraint is not valid.",
		HTTPStatus: 400,
	}

	// ErrMalformedXML is returned when the request body XML is not well-formed.
	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate against our published schema.",
		HTTPStatus: 400,
	}

	ErrMissingContentLength = &S3Error{
		Code:       "MissingContentLength",
		Message:    "You must provide the Content-Length HTTP header.",
		HTTPStatus: 411,
	}

	// ErrMethodNotAllowed is returned when the HTTP method is not supported on the resource.
	ErrMethodNotAllowed = &S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: 405,
	}

	// ErrInternalError is returned for unexpected server-side failures.
	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	// ErrNotImplemented is returned for operations outside the multipart API.
	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header you provided implies functionality that is not implemented.",
		HTTPStatus: 501,
	}

	// ErrServiceUnavailable is returned when a storage backend cannot be
	// reached. Clients are expected to retry.
	ErrServiceUnavailable = &S3Error{
		Code:       "ServiceUnavailable",
		Message:    "Please reduce your request rate.",
		HTTPStatus: 503,
	}
)
