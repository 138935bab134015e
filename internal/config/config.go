// Package config handles loading and parsing of mpuledger configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Backends  BackendsConfig  `yaml:"backends"`
	Listing   ListingConfig   `yaml:"listing"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxPartSize is the largest accepted part body in bytes.
	MaxPartSize int64 `yaml:"max_part_size"`
	// MinPartSize is the smallest allowed size for every part but the last
	// one on completion. 0 disables the check.
	MinPartSize int64 `yaml:"min_part_size"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// LedgerConfig selects and configures the part ledger engine.
type LedgerConfig struct {
	// Engine is one of memory, sqlite, dynamodb, firestore, cosmos.
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite ledger settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// DynamoDBConfig holds DynamoDB ledger settings.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// EndpointURL overrides the service endpoint, e.g. for DynamoDB Local.
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore ledger settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB ledger settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// BackendsConfig lists the physical backends uploads may be placed on.
type BackendsConfig struct {
	// Default names the backend used when an upload carries no hint.
	Default string          `yaml:"default"`
	List    []BackendConfig `yaml:"list"`
}

// BackendConfig configures one named backend.
type BackendConfig struct {
	Name string `yaml:"name"`
	// Type is one of memory, local, aws, gcp, azure.
	Type string `yaml:"type"`
	// Prefix is prepended to every upstream object name.
	Prefix string `yaml:"prefix"`

	// local
	RootDir string `yaml:"root_dir"`

	// memory
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// aws (and S3-compatible stores such as Ceph RGW)
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// gcp
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`

	// azure
	Container          string `yaml:"container"`
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// ListingConfig bounds ListParts page sizes.
type ListingConfig struct {
	DefaultMaxParts int `yaml:"default_max_parts"`
	MaxMaxParts     int `yaml:"max_max_parts"`
}

// LifecycleConfig tunes retries and background cleanup.
type LifecycleConfig struct {
	Retry RetryConfig `yaml:"retry"`
	// CleanupInterval is how often deferred aborts and stale uploads are processed.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// UploadTTL aborts uploads older than this. 0 disables reaping.
	UploadTTL time.Duration `yaml:"upload_ttl"`
	// TombstoneTTL is how long completed and aborted uploads are remembered.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

// RetryConfig holds exponential backoff settings for backend calls.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file and applies defaults for unset
// values. If path cannot be read, mpuledger.example.yaml next to it or in
// its parent directory is tried.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "mpuledger.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "mpuledger.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Listing.DefaultMaxParts > c.Listing.MaxMaxParts {
		return fmt.Errorf("listing.default_max_parts (%d) exceeds listing.max_max_parts (%d)",
			c.Listing.DefaultMaxParts, c.Listing.MaxMaxParts)
	}
	seen := make(map[string]bool, len(c.Backends.List))
	for _, b := range c.Backends.List {
		if b.Name == "" {
			return fmt.Errorf("backends.list: backend of type %q has no name", b.Type)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends.list: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	if !seen[c.Backends.Default] {
		return fmt.Errorf("backends.default %q is not in backends.list", c.Backends.Default)
	}
	return nil
}

// Default returns the built-in configuration: an in-memory ledger and a
// local filesystem backend.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			ShutdownTimeout: 30,
			MaxPartSize:     5 * 1024 * 1024 * 1024,
			MinPartSize:     5 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Ledger: LedgerConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/ledger.db",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in fields still at their zero value after unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Ledger.Engine == "" {
		cfg.Ledger.Engine = "sqlite"
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = "./data/ledger.db"
	}
	if cfg.Ledger.DynamoDB.Table == "" {
		cfg.Ledger.DynamoDB.Table = "mpuledger"
	}
	if cfg.Ledger.Firestore.Collection == "" {
		cfg.Ledger.Firestore.Collection = "mpuledger"
	}
	if cfg.Ledger.Cosmos.Database == "" {
		cfg.Ledger.Cosmos.Database = "mpuledger"
	}
	if cfg.Ledger.Cosmos.Container == "" {
		cfg.Ledger.Cosmos.Container = "ledger"
	}
	if len(cfg.Backends.List) == 0 {
		cfg.Backends.List = []BackendConfig{{Name: "local", Type: "local", RootDir: "./data/objects"}}
	}
	if cfg.Backends.Default == "" {
		cfg.Backends.Default = cfg.Backends.List[0].Name
	}
	for i := range cfg.Backends.List {
		b := &cfg.Backends.List[i]
		if b.Type == "local" && b.RootDir == "" {
			b.RootDir = "./data/objects"
		}
		if b.Type == "aws" && b.Region == "" {
			b.Region = "us-east-1"
		}
		if b.Type == "azure" && b.AccountURL == "" && b.Account != "" {
			b.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", b.Account)
		}
	}
	if cfg.Listing.DefaultMaxParts == 0 {
		cfg.Listing.DefaultMaxParts = 1000
	}
	if cfg.Listing.MaxMaxParts == 0 {
		cfg.Listing.MaxMaxParts = 1000
	}
	if cfg.Lifecycle.Retry.InitialInterval == 0 {
		cfg.Lifecycle.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Lifecycle.Retry.MaxInterval == 0 {
		cfg.Lifecycle.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.Lifecycle.Retry.MaxElapsedTime == 0 {
		cfg.Lifecycle.Retry.MaxElapsedTime = 30 * time.Second
	}
	if cfg.Lifecycle.CleanupInterval == 0 {
		cfg.Lifecycle.CleanupInterval = 30 * time.Second
	}
	if cfg.Lifecycle.TombstoneTTL == 0 {
		cfg.Lifecycle.TombstoneTTL = time.Hour
	}
}
