package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// SchemaVersion is the current ledger schema version. Version 2 added
	// uploads.state.
	SchemaVersion = 2

	uploadColumns = "upload_id, bucket, key, backend, backend_upload_id, initiated_at, state"
)

// SQLiteLedger implements Ledger on a single SQLite database. Part
// registration and purge each run in one transaction.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the database at dsn and initializes
// the schema.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return l, nil
}

// initDB applies PRAGMAs and creates the tables. Safe to call repeatedly.
func (l *SQLiteLedger) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := l.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS uploads (
			upload_id         TEXT PRIMARY KEY,
			bucket            TEXT NOT NULL,
			key               TEXT NOT NULL,
			backend           TEXT NOT NULL,
			backend_upload_id TEXT NOT NULL DEFAULT '',
			initiated_at      TEXT NOT NULL,
			state             TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON uploads(bucket, key);

		CREATE TABLE IF NOT EXISTS parts (
			upload_id     TEXT NOT NULL,
			part_number   INTEGER NOT NULL,
			size          INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			last_modified TEXT NOT NULL,

			PRIMARY KEY (upload_id, part_number),
			FOREIGN KEY (upload_id) REFERENCES uploads(upload_id) ON DELETE CASCADE
		);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := l.migrateState(); err != nil {
		return err
	}

	_, err := l.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		SchemaVersion, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// migrateState adds uploads.state to databases created at schema version 1.
func (l *SQLiteLedger) migrateState() error {
	rows, err := l.db.Query("PRAGMA table_info(uploads)")
	if err != nil {
		return fmt.Errorf("reading uploads columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning uploads column: %w", err)
		}
		if name == "state" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating uploads columns: %w", err)
	}
	rows.Close()

	if _, err := l.db.Exec("ALTER TABLE uploads ADD COLUMN state TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding uploads.state: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// ---- Upload operations ----

func (l *SQLiteLedger) CreateUpload(ctx context.Context, u *Upload) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO uploads (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.Bucket, u.Key, u.Backend, u.BackendUploadID,
		u.InitiatedAt.UTC().Format(timeFormat), string(u.State),
	)
	if err != nil {
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+uploadColumns+" FROM uploads WHERE upload_id = ?", uploadID)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return u, nil
}

func (l *SQLiteLedger) MarkTerminal(ctx context.Context, uploadID string, state UploadState) error {
	res, err := l.db.ExecContext(ctx, "UPDATE uploads SET state = ? WHERE upload_id = ?", string(state), uploadID)
	if err != nil {
		return fmt.Errorf("marking upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return nil
}

func (l *SQLiteLedger) Purge(ctx context.Context, uploadID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM parts WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM uploads WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLedger) ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = defaultMaxUploads
	}

	query := "SELECT " + uploadColumns + " FROM uploads WHERE bucket = ? AND state = ''"
	args := []any{opts.Bucket}

	if opts.Prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix))
	}
	if opts.KeyMarker != "" {
		if opts.UploadIDMarker != "" {
			query += " AND (key > ? OR (key = ? AND upload_id > ?))"
			args = append(args, opts.KeyMarker, opts.KeyMarker, opts.UploadIDMarker)
		} else {
			query += " AND key > ?"
			args = append(args, opts.KeyMarker)
		}
	}
	query += " ORDER BY key, upload_id LIMIT ?"
	args = append(args, maxUploads+1)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploads: %w", err)
	}

	result := &ListUploadsResult{Uploads: uploads}
	if len(uploads) > maxUploads {
		result.Uploads = uploads[:maxUploads]
		result.IsTruncated = true
		last := result.Uploads[maxUploads-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}

func (l *SQLiteLedger) AllUploads(ctx context.Context) ([]Upload, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+uploadColumns+" FROM uploads ORDER BY initiated_at, upload_id")
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}

// ---- Part operations ----

// RegisterPart checks the upload record and replaces the part row in one
// transaction, so a concurrent Purge or MarkTerminal either precedes or
// follows it whole.
func (l *SQLiteLedger) RegisterPart(ctx context.Context, p *Part) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM uploads WHERE upload_id = ? AND state = ''", p.UploadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, p.UploadID)
	}
	if err != nil {
		return fmt.Errorf("checking upload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO parts (upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		p.UploadID, p.PartNumber, p.Size, p.ETag, p.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("registering part: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLedger) GetParts(ctx context.Context, uploadID string) ([]Part, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM uploads WHERE upload_id = ?", uploadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("checking upload: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM parts WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	defer rows.Close()

	parts := make([]Part, 0)
	for rows.Next() {
		var p Part
		var lastModified string
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModified); err != nil {
			return nil, fmt.Errorf("scanning part: %w", err)
		}
		p.LastModified, _ = time.Parse(timeFormat, lastModified)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parts: %w", err)
	}
	return parts, nil
}

// ---- Helpers ----

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var u Upload
	var initiatedAt, state string
	if err := row.Scan(&u.UploadID, &u.Bucket, &u.Key, &u.Backend, &u.BackendUploadID, &initiatedAt, &state); err != nil {
		return nil, err
	}
	u.InitiatedAt, _ = time.Parse(timeFormat, initiatedAt)
	u.State = UploadState(state)
	return &u, nil
}

// escapeLikePattern escapes SQL LIKE wildcards using backslash. The caller
// must append ESCAPE '\' to the LIKE clause.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

var _ Ledger = (*SQLiteLedger)(nil)
