// Package server implements the mpuledger HTTP server and the S3-compatible
// multipart route multiplexer.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bleepstore/mpuledger/internal/config"
	s3err "github.com/bleepstore/mpuledger/internal/errors"
	"github.com/bleepstore/mpuledger/internal/handlers"
	"github.com/bleepstore/mpuledger/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager is the upload lifecycle manager as seen by the server: the
// multipart operations plus readiness probing.
type Manager interface {
	handlers.UploadManager
	Ping(ctx context.Context) error
	Pending() int
}

// Server is the mpuledger HTTP server. It routes multipart requests to the
// handlers and serves the health, readiness and metrics endpoints.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	mgr        Manager
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody is the JSON body returned by the readiness endpoint.
type ReadyBody struct {
	Status          string `json:"status" example:"ready" doc:"Readiness status"`
	PendingCleanups int    `json:"pending_cleanups" doc:"Aborted uploads awaiting backend cleanup"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Body ReadyBody
}

// New creates a Server for the given configuration and lifecycle manager
// and wires up all routes on the Chi router with Huma API.
func New(cfg *config.Config, mgr Manager) (*Server, error) {
	router := chi.NewMux()
	router.Use(middleware.Recoverer)

	humaConfig := huma.DefaultConfig("mpuledger multipart API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		mgr:    mgr,
		multi:  handlers.NewMultipartHandler(mgr, cfg.Server.MaxPartSize),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// instrument -> commonHeaders -> transferEncodingCheck -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = instrument(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes and /metrics are registered first; the S3 catch-all /* last.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns 200 while the process is serving requests.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Pings the part ledger and every configured backend.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*ReadyOutput, error) {
		if err := s.mgr.Ping(ctx); err != nil {
			slog.Warn("Readiness check failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("not ready", err)
		}
		return &ReadyOutput{Body: ReadyBody{Status: "ready", PendingCleanups: s.mgr.Pending()}}, nil
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch routes S3 requests by method and query parameters. Only the
// multipart upload operations are served.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	if bucket == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	if key == "" {
		if r.Method == http.MethodGet && q.Has("uploads") {
			s.multi.ListMultipartUploads(w, r)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if q.Has("partNumber") && q.Has("uploadId") {
			s.multi.UploadPart(w, r)
			return
		}
	case http.MethodGet:
		if q.Has("uploadId") {
			s.multi.ListParts(w, r)
			return
		}
	case http.MethodDelete:
		if q.Has("uploadId") {
			s.multi.AbortMultipartUpload(w, r)
			return
		}
	case http.MethodPost:
		switch {
		case q.Has("uploadId"):
			s.multi.CompleteMultipartUpload(w, r)
			return
		case q.Has("uploads"):
			s.multi.CreateMultipartUpload(w, r)
			return
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
		return
	}
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}
