// Package metrics defines custom Prometheus metrics for mpuledger.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts HTTP requests by operation and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpuledger_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"operation", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by operation.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpuledger_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpuledger_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"operation"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpuledger_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"operation"},
	)
)

// Multipart lifecycle metrics.
var (
	// LifecycleOpsTotal counts lifecycle operations by name and outcome.
	LifecycleOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpuledger_lifecycle_operations_total",
			Help: "Multipart lifecycle operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// BackendCallDuration observes backend adapter call latency.
	BackendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpuledger_backend_call_duration_seconds",
			Help:    "Backend adapter call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// BackendRetriesTotal counts retried backend calls.
	BackendRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpuledger_backend_retries_total",
			Help: "Backend adapter calls retried after a transient failure",
		},
		[]string{"backend", "op"},
	)

	// ActiveUploads tracks uploads in the Created or Completing state.
	ActiveUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpuledger_active_uploads",
			Help: "Uploads that are neither completed nor aborted",
		},
	)

	// PendingCleanups tracks aborts waiting for backend confirmation.
	PendingCleanups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpuledger_pending_cleanups",
			Help: "Aborted uploads whose backend cleanup has not yet succeeded",
		},
	)

	// BytesReceivedTotal counts part payload bytes accepted by backends.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpuledger_part_bytes_received_total",
			Help: "Total part payload bytes stored",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			LifecycleOpsTotal,
			BackendCallDuration,
			BackendRetriesTotal,
			ActiveUploads,
			PendingCleanups,
			BytesReceivedTotal,
		)
		// Initialize so the series appears in /metrics output before the
		// first upload.
		LifecycleOpsTotal.WithLabelValues("CreateUpload", "success")
	})
}

// OpUnsupported labels requests that map to no multipart operation.
const OpUnsupported = "Unsupported"

// OperationLabel names the multipart operation a request invokes, following
// the server's method and query dispatch. System endpoints keep their path.
// Bucket and key names never reach a label.
func OperationLabel(method, path string, query url.Values) string {
	switch {
	case path == "/health", path == "/readyz", path == "/metrics":
		return path
	case path == "/docs", strings.HasPrefix(path, "/docs/"):
		return "/docs"
	case strings.HasPrefix(path, "/openapi"):
		return "/openapi"
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if bucket == "" {
		return OpUnsupported
	}
	if key == "" {
		if method == http.MethodGet && query.Has("uploads") {
			return "ListMultipartUploads"
		}
		return OpUnsupported
	}

	switch method {
	case http.MethodPut:
		if query.Has("partNumber") && query.Has("uploadId") {
			return "UploadPart"
		}
	case http.MethodGet:
		if query.Has("uploadId") {
			return "ListParts"
		}
	case http.MethodDelete:
		if query.Has("uploadId") {
			return "AbortMultipartUpload"
		}
	case http.MethodPost:
		switch {
		case query.Has("uploadId"):
			return "CompleteMultipartUpload"
		case query.Has("uploads"):
			return "CreateMultipartUpload"
		}
	}
	return OpUnsupported
}
