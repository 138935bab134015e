// Package serialization exports the SQLite part ledger to JSON and imports
// it back.
package serialization

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bleepstore/mpuledger/internal/ledger"

	_ "modernc.org/sqlite"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// AllTables lists the ledger tables in dependency order.
var AllTables = []string{"uploads", "parts"}

// Envelope describes where and when an export was produced.
type Envelope struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source"`
}

// UploadRow is one row of the uploads table.
type UploadRow struct {
	UploadID        string `json:"upload_id"`
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	Backend         string `json:"backend"`
	BackendUploadID string `json:"backend_upload_id"`
	InitiatedAt     string `json:"initiated_at"`
	// State is empty for active uploads.
	State string `json:"state,omitempty"`
}

// PartRow is one row of the parts table.
type PartRow struct {
	UploadID     string `json:"upload_id"`
	PartNumber   int    `json:"part_number"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

// Document is the JSON export format. A table that was not exported is
// null; an exported empty table is [].
type Document struct {
	Export  Envelope    `json:"mpuledger_export"`
	Uploads []UploadRow `json:"uploads"`
	Parts   []PartRow   `json:"parts"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes the existing rows of every imported table first.
	// Otherwise rows whose primary key already exists are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ValidTable reports whether name is an exportable table.
func ValidTable(name string) bool {
	for _, t := range AllTables {
		if t == name {
			return true
		}
	}
	return false
}

// Export reads the ledger database at dbPath and returns it as indented
// JSON.
func Export(ctx context.Context, dbPath string, opts *ExportOptions) ([]byte, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}
	for _, t := range opts.Tables {
		if !ValidTable(t) {
			return nil, fmt.Errorf("invalid table name: %s", t)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	doc := Document{
		Export: Envelope{
			Version:       ExportVersion,
			ExportedAt:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			SchemaVersion: schemaVersion(ctx, db),
			Source:        "mpuledger/" + Version,
		},
	}

	for _, table := range opts.Tables {
		switch table {
		case "uploads":
			doc.Uploads, err = exportUploads(ctx, db)
		case "parts":
			doc.Parts, err = exportParts(ctx, db)
		}
		if err != nil {
			return nil, err
		}
	}

	return json.MarshalIndent(doc, "", "  ")
}

func exportUploads(ctx context.Context, db *sql.DB) ([]UploadRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT upload_id, bucket, key, backend, backend_upload_id, initiated_at, state
		 FROM uploads ORDER BY upload_id`)
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	defer rows.Close()

	out := make([]UploadRow, 0)
	for rows.Next() {
		var u UploadRow
		if err := rows.Scan(&u.UploadID, &u.Bucket, &u.Key, &u.Backend, &u.BackendUploadID, &u.InitiatedAt, &u.State); err != nil {
			return nil, fmt.Errorf("scanning uploads row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploads: %w", err)
	}
	return out, nil
}

func exportParts(ctx context.Context, db *sql.DB) ([]PartRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM parts ORDER BY upload_id, part_number`)
	if err != nil {
		return nil, fmt.Errorf("querying parts: %w", err)
	}
	defer rows.Close()

	out := make([]PartRow, 0)
	for rows.Next() {
		var p PartRow
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &p.LastModified); err != nil {
			return nil, fmt.Errorf("scanning parts row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parts: %w", err)
	}
	return out, nil
}

// Import loads an export produced by Export into the ledger database at
// dbPath, creating the schema if needed. All rows go in one transaction.
func Import(ctx context.Context, dbPath string, data []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", doc.Export.Version)
	}

	// Opening the ledger once creates the tables.
	l, err := ledger.NewSQLiteLedger(dbPath)
	if err != nil {
		return nil, err
	}
	l.Close()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		// parts before uploads for the foreign key.
		if doc.Parts != nil || doc.Uploads != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM parts"); err != nil {
				return nil, fmt.Errorf("deleting parts: %w", err)
			}
		}
		if doc.Uploads != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM uploads"); err != nil {
				return nil, fmt.Errorf("deleting uploads: %w", err)
			}
		}
	}

	verb := "INSERT OR IGNORE"
	if opts.Replace {
		verb = "INSERT"
	}

	if doc.Uploads != nil {
		query := verb + ` INTO uploads (upload_id, bucket, key, backend, backend_upload_id, initiated_at, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, u := range doc.Uploads {
			if u.UploadID == "" || u.Backend == "" {
				result.skip("uploads", fmt.Sprintf("Skipped uploads row %q: missing upload_id or backend", u.UploadID))
				continue
			}
			if st := ledger.UploadState(u.State); st != ledger.UploadActive && !st.Terminal() {
				result.skip("uploads", fmt.Sprintf("Skipped uploads row %q: unknown state %q", u.UploadID, u.State))
				continue
			}
			res, err := tx.ExecContext(ctx, query, u.UploadID, u.Bucket, u.Key, u.Backend, u.BackendUploadID, u.InitiatedAt, u.State)
			result.record("uploads", res, err)
		}
	}

	if doc.Parts != nil {
		query := verb + ` INTO parts (upload_id, part_number, size, etag, last_modified)
			VALUES (?, ?, ?, ?, ?)`
		for _, p := range doc.Parts {
			if p.PartNumber < 1 || p.PartNumber > 10000 {
				result.skip("parts", fmt.Sprintf("Skipped parts row %s/%d: part number out of range", p.UploadID, p.PartNumber))
				continue
			}
			res, err := tx.ExecContext(ctx, query, p.UploadID, p.PartNumber, p.Size, p.ETag, p.LastModified)
			result.record("parts", res, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func (r *ImportResult) skip(table, warning string) {
	r.Skipped[table]++
	r.Warnings = append(r.Warnings, warning)
}

// record counts one insert. Ignored duplicates count as skipped.
func (r *ImportResult) record(table string, res sql.Result, err error) {
	if err != nil {
		r.skip(table, fmt.Sprintf("Skipped %s row: %v", table, err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.Counts[table]++
	} else {
		r.Skipped[table]++
	}
}

func schemaVersion(ctx context.Context, db *sql.DB) int {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}
