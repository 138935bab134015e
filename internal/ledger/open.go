package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bleepstore/mpuledger/internal/config"
)

// Open constructs the engine selected by cfg.Engine.
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Engine {
	case "memory":
		slog.Info("Ledger engine: memory")
		return NewMemoryLedger(), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating ledger directory: %w", err)
			}
		}
		slog.Info("Ledger engine: sqlite", "path", cfg.SQLite.Path)
		return NewSQLiteLedger(cfg.SQLite.Path)
	case "dynamodb":
		slog.Info("Ledger engine: dynamodb", "table", cfg.DynamoDB.Table, "region", cfg.DynamoDB.Region)
		return NewDynamoDBLedger(ctx, cfg.DynamoDB)
	case "firestore":
		slog.Info("Ledger engine: firestore", "project", cfg.Firestore.ProjectID, "collection", cfg.Firestore.Collection)
		return NewFirestoreLedger(ctx, cfg.Firestore)
	case "cosmos":
		slog.Info("Ledger engine: cosmos", "database", cfg.Cosmos.Database, "container", cfg.Cosmos.Container)
		return NewCosmosLedger(ctx, cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unsupported ledger engine %q", cfg.Engine)
	}
}
