package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/hashicorp/go-multierror"
)

// Registry resolves backend hints to adapters. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
	def      string
}

// NewRegistry builds a registry over adapters. def names the adapter used
// for an empty hint and must be one of them.
func NewRegistry(def string, adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters)), def: def}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate backend %q", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	if _, ok := r.adapters[def]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownBackend, def)
	}
	return r, nil
}

// Resolve returns the adapter for hint, or the default adapter when hint is
// empty.
func (r *Registry) Resolve(hint string) (Adapter, error) {
	if hint == "" {
		hint = r.def
	}
	a, ok := r.adapters[hint]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, hint)
	}
	return a, nil
}

// Default returns the name of the default backend.
func (r *Registry) Default() string {
	return r.def
}

// Names returns all configured backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthCheck checks every backend and aggregates the failures.
func (r *Registry) HealthCheck(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range r.Names() {
		if err := r.adapters[name].HealthCheck(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// Open constructs the adapter described by cfg. maxPartSize is applied to
// every adapter.
func Open(ctx context.Context, cfg config.BackendConfig, maxPartSize int64) (Adapter, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryAdapter(cfg.Name, cfg.MaxSizeBytes, maxPartSize), nil
	case "local":
		a, err := NewLocalAdapter(cfg.Name, cfg.RootDir, maxPartSize)
		if err != nil {
			return nil, err
		}
		if err := a.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "backend", cfg.Name, "error", err)
		}
		return a, nil
	case "aws":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("backend %s: bucket is required for type aws", cfg.Name)
		}
		return NewS3Adapter(ctx, cfg.Name, S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Prefix:          cfg.Prefix,
			EndpointURL:     cfg.EndpointURL,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			MaxPartSize:     maxPartSize,
		})
	case "gcp":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("backend %s: bucket is required for type gcp", cfg.Name)
		}
		return NewGCSAdapter(ctx, cfg.Name, GCSOptions{
			Bucket:          cfg.Bucket,
			Project:         cfg.Project,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.EndpointURL,
			MaxPartSize:     maxPartSize,
		})
	case "azure":
		if cfg.Container == "" {
			return nil, fmt.Errorf("backend %s: container is required for type azure", cfg.Name)
		}
		if cfg.AccountURL == "" && cfg.ConnectionString == "" {
			return nil, fmt.Errorf("backend %s: account, account_url or connection_string is required for type azure", cfg.Name)
		}
		return NewAzureAdapter(ctx, cfg.Name, AzureOptions{
			Container:          cfg.Container,
			AccountURL:         cfg.AccountURL,
			ConnectionString:   cfg.ConnectionString,
			UseManagedIdentity: cfg.UseManagedIdentity,
			Prefix:             cfg.Prefix,
			MaxPartSize:        maxPartSize,
		})
	default:
		return nil, fmt.Errorf("backend %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// OpenAll opens every configured backend and returns them as a Registry.
func OpenAll(ctx context.Context, cfg config.BackendsConfig, maxPartSize int64) (*Registry, error) {
	adapters := make([]Adapter, 0, len(cfg.List))
	for _, bc := range cfg.List {
		a, err := Open(ctx, bc, maxPartSize)
		if err != nil {
			return nil, err
		}
		slog.Info("Backend ready", "name", bc.Name, "type", bc.Type)
		adapters = append(adapters, a)
	}
	return NewRegistry(cfg.Default, adapters...)
}
