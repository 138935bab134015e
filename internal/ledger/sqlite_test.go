package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestSQLiteLedgerPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := NewSQLiteLedger(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	seedUpload(t, l, "u1", "bucket", "key")
	registerPart(t, l, "u1", 2, 20, `"two"`)
	registerPart(t, l, "u1", 1, 10, `"one"`)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l, err = NewSQLiteLedger(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteLedger (reopen): %v", err)
	}
	defer l.Close()

	parts, err := l.GetParts(ctx, "u1")
	if err != nil {
		t.Fatalf("GetParts: %v", err)
	}
	if len(parts) != 2 || parts[0].ETag != `"one"` || parts[1].ETag != `"two"` {
		t.Errorf("GetParts after reopen = %+v, want parts 1 and 2", parts)
	}
}

func TestSQLiteLedgerSchemaVersion(t *testing.T) {
	l := newTestSQLite(t).(*SQLiteLedger)

	var version int
	if err := l.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}

	// initDB is idempotent.
	if err := l.initDB(); err != nil {
		t.Fatalf("initDB (second call): %v", err)
	}
}

func TestSQLiteLedgerMigratesVersion1(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "v1.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_version VALUES (1, '2026-01-01T00:00:00.000Z');
		CREATE TABLE uploads (
			upload_id         TEXT PRIMARY KEY,
			bucket            TEXT NOT NULL,
			key               TEXT NOT NULL,
			backend           TEXT NOT NULL,
			backend_upload_id TEXT NOT NULL DEFAULT '',
			initiated_at      TEXT NOT NULL
		);
		INSERT INTO uploads VALUES ('u1', 'bucket', 'key', 'local', '', '2026-01-01T00:00:00.000Z');`)
	if err != nil {
		t.Fatalf("creating version 1 schema: %v", err)
	}
	db.Close()

	l, err := NewSQLiteLedger(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	defer l.Close()

	u, err := l.GetUpload(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if u.State != UploadActive {
		t.Errorf("migrated State = %q, want active", u.State)
	}
	if err := l.MarkTerminal(ctx, "u1", UploadCompleted); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
}

func TestSQLiteListUploadsEscapesPrefix(t *testing.T) {
	l := newTestSQLite(t)
	seedUpload(t, l, "u1", "bucket", "100%_done")
	seedUpload(t, l, "u2", "bucket", "100abc")

	res, err := l.ListUploads(context.Background(), ListUploadsOptions{Bucket: "bucket", Prefix: "100%"})
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(res.Uploads) != 1 || res.Uploads[0].UploadID != "u1" {
		t.Errorf("ListUploads(prefix 100%%) = %+v, want only u1", res.Uploads)
	}
}

func TestEscapeLikePattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"50%", `50\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLikePattern(tt.in); got != tt.want {
			t.Errorf("escapeLikePattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
