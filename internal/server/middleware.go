package server

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/mpuledger/internal/errors"
	"github.com/bleepstore/mpuledger/internal/metrics"
	"github.com/bleepstore/mpuledger/internal/xmlutil"

	"github.com/google/uuid"
)

// newRequestID returns the first 8 bytes of a random UUID as 16 uppercase
// hex characters, the shape S3 clients expect in x-amz-request-id.
func newRequestID() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:8]))
}

// commonHeaders sets the headers every S3 reply carries.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		h := w.Header()
		h.Set("x-amz-request-id", id)
		h.Set("x-amz-id-2", id)
		h.Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		h.Set("Server", "mpuledger")
		next.ServeHTTP(w, r)
	})
}

// statusWriter remembers the status and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// instrument records the HTTP metrics of each request under the multipart
// operation it invokes. Server-side failures of requests naming an upload
// are logged with the upload id and the request id. Scrapes of /metrics are
// not recorded.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		op := metrics.OperationLabel(r.Method, r.URL.Path, query)
		if op == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		status := sw.code()

		metrics.HTTPRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(op).Observe(float64(r.ContentLength))
		}
		if sw.size > 0 {
			metrics.HTTPResponseSize.WithLabelValues(op).Observe(float64(sw.size))
		}

		if uploadID := query.Get("uploadId"); uploadID != "" && status >= http.StatusInternalServerError {
			slog.Warn("Multipart request failed",
				"operation", op,
				"upload_id", uploadID,
				"status", status,
				"request_id", w.Header().Get("x-amz-request-id"),
				"duration", elapsed)
		}
	})
}

// transferEncodingCheck rejects any Transfer-Encoding other than chunked
// before a handler reads a part or completion body. net/http moves most
// values from the header into r.TransferEncoding, so both are checked.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encodings := r.TransferEncoding
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			encodings = append([]string{te}, encodings...)
		}
		for _, enc := range encodings {
			if !strings.EqualFold(strings.TrimSpace(enc), "chunked") {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
