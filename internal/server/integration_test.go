package server

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/bleepstore/mpuledger/internal/ledger"
	"github.com/bleepstore/mpuledger/internal/lifecycle"
	"github.com/bleepstore/mpuledger/internal/listing"
	"github.com/bleepstore/mpuledger/internal/xmlutil"
)

// integrationEnv is a running HTTP server backed by a SQLite ledger and a
// local filesystem backend.
type integrationEnv struct {
	ts      *httptest.Server
	mgr     *lifecycle.Manager
	ledger  *ledger.SQLiteLedger
	rootDir string
	dbPath  string
}

// startIntegrationServer starts a server over the ledger file and backend
// directory in dir. Calling it twice with the same dir simulates a restart.
func startIntegrationServer(t *testing.T, dir string, minPartSize int64) *integrationEnv {
	t.Helper()
	dbPath := filepath.Join(dir, "ledger.db")
	rootDir := filepath.Join(dir, "objects")

	l, err := ledger.NewSQLiteLedger(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	local, err := backend.NewLocalAdapter("local", rootDir, 0)
	if err != nil {
		t.Fatalf("NewLocalAdapter: %v", err)
	}
	reg, err := backend.NewRegistry("local", local)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mgr := lifecycle.New(l, reg, listing.NewEngine(l, 0, 0), lifecycle.Options{MinPartSize: minPartSize})

	cfg := config.Default()
	srv, err := New(cfg, mgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	env := &integrationEnv{ts: ts, mgr: mgr, ledger: l, rootDir: rootDir, dbPath: dbPath}
	t.Cleanup(env.close)
	return env
}

func (e *integrationEnv) close() {
	if e.ts == nil {
		return
	}
	e.ts.Close()
	e.mgr.Stop()
	e.ledger.Close()
	e.ts = nil
}

func (e *integrationEnv) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, data
}

func (e *integrationEnv) initiate(t *testing.T, bucket, key string) string {
	t.Helper()
	resp, body := e.do(t, "POST", "/"+bucket+"/"+key+"?uploads", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate status = %d, body: %s", resp.StatusCode, body)
	}
	var result xmlutil.InitiateMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return result.UploadID
}

func (e *integrationEnv) putPart(t *testing.T, bucket, key, uploadID string, partNumber int, data []byte) string {
	t.Helper()
	path := fmt.Sprintf("/%s/%s?partNumber=%d&uploadId=%s", bucket, key, partNumber, uploadID)
	resp, body := e.do(t, "PUT", path, data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("UploadPart(%d) status = %d, body: %s", partNumber, resp.StatusCode, body)
	}
	return resp.Header.Get("ETag")
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ---- Multipart integration tests ----

func TestIntegrationMultipartUpload(t *testing.T) {
	env := startIntegrationServer(t, t.TempDir(), 5)

	part1 := []byte("hello")
	part2 := []byte(" world")
	uploadID := env.initiate(t, "test-bucket", "docs/greeting.txt")
	etag1 := env.putPart(t, "test-bucket", "docs/greeting.txt", uploadID, 1, part1)
	etag2 := env.putPart(t, "test-bucket", "docs/greeting.txt", uploadID, 2, part2)

	if etag1 != `"`+md5Hex(part1)+`"` {
		t.Errorf("part 1 ETag = %s, want md5 of body", etag1)
	}

	// ListParts shows both parts in order.
	resp, body := env.do(t, "GET", "/test-bucket/docs/greeting.txt?uploadId="+uploadID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ListParts status = %d, body: %s", resp.StatusCode, body)
	}
	var parts xmlutil.ListPartsResult
	if err := xml.Unmarshal(body, &parts); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(parts.Parts) != 2 || parts.Parts[0].PartNumber != 1 || parts.Parts[1].Size != int64(len(part2)) {
		t.Fatalf("ListParts = %+v", parts.Parts)
	}

	complete := fmt.Sprintf("<CompleteMultipartUpload>"+
		"<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>"+
		"<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>"+
		"</CompleteMultipartUpload>", etag1, etag2)
	resp, body = env.do(t, "POST", "/test-bucket/docs/greeting.txt?uploadId="+uploadID, []byte(complete))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Complete status = %d, body: %s", resp.StatusCode, body)
	}
	var result xmlutil.CompleteMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !strings.HasSuffix(result.ETag, `-2"`) {
		t.Errorf("composite ETag = %s, want -2 suffix", result.ETag)
	}

	got, err := os.ReadFile(filepath.Join(env.rootDir, "test-bucket", "docs", "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("assembled object = %q, want %q", got, "hello world")
	}

	// The upload is gone afterwards.
	resp, _ = env.do(t, "GET", "/test-bucket/docs/greeting.txt?uploadId="+uploadID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ListParts after complete status = %d, want 404", resp.StatusCode)
	}
	resp, body = env.do(t, "GET", "/test-bucket?uploads", nil)
	if resp.StatusCode != http.StatusOK || strings.Contains(string(body), uploadID) {
		t.Errorf("ListMultipartUploads after complete = %d %s", resp.StatusCode, body)
	}
}

func TestIntegrationMultipartAbort(t *testing.T) {
	env := startIntegrationServer(t, t.TempDir(), 0)

	uploadID := env.initiate(t, "test-bucket", "big.bin")
	env.putPart(t, "test-bucket", "big.bin", uploadID, 1, []byte("data"))

	resp, body := env.do(t, "DELETE", "/test-bucket/big.bin?uploadId="+uploadID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Abort status = %d, body: %s", resp.StatusCode, body)
	}
	if _, err := os.Stat(filepath.Join(env.rootDir, ".multipart", uploadID)); !os.IsNotExist(err) {
		t.Errorf("part directory still present after abort: %v", err)
	}

	resp, _ = env.do(t, "DELETE", "/test-bucket/big.bin?uploadId="+uploadID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second Abort status = %d, want 204", resp.StatusCode)
	}

	resp, body = env.do(t, "PUT", "/test-bucket/big.bin?partNumber=2&uploadId="+uploadID, []byte("late"))
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), "NoSuchUpload") {
		t.Errorf("UploadPart after abort = %d %s", resp.StatusCode, body)
	}
}

func TestIntegrationMultipartInvalidPartOrder(t *testing.T) {
	env := startIntegrationServer(t, t.TempDir(), 0)

	uploadID := env.initiate(t, "test-bucket", "obj")
	etag1 := env.putPart(t, "test-bucket", "obj", uploadID, 1, []byte("a"))
	etag2 := env.putPart(t, "test-bucket", "obj", uploadID, 2, []byte("b"))

	complete := fmt.Sprintf("<CompleteMultipartUpload>"+
		"<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>"+
		"<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>"+
		"</CompleteMultipartUpload>", etag2, etag1)
	resp, body := env.do(t, "POST", "/test-bucket/obj?uploadId="+uploadID, []byte(complete))
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "InvalidPartOrder") {
		t.Fatalf("Complete = %d %s, want InvalidPartOrder", resp.StatusCode, body)
	}

	// A rejected completion leaves the upload open.
	resp, _ = env.do(t, "GET", "/test-bucket/obj?uploadId="+uploadID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ListParts after rejected complete status = %d, want 200", resp.StatusCode)
	}
}

func TestIntegrationRestartResumesUpload(t *testing.T) {
	dir := t.TempDir()
	first := startIntegrationServer(t, dir, 0)

	uploadID := first.initiate(t, "test-bucket", "resume.bin")
	etag1 := first.putPart(t, "test-bucket", "resume.bin", uploadID, 1, []byte("before-"))
	first.close()

	second := startIntegrationServer(t, dir, 0)
	if _, err := second.mgr.Recover(t.Context()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	etag2 := second.putPart(t, "test-bucket", "resume.bin", uploadID, 2, []byte("after"))

	complete := fmt.Sprintf("<CompleteMultipartUpload>"+
		"<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>"+
		"<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>"+
		"</CompleteMultipartUpload>", etag1, etag2)
	resp, body := second.do(t, "POST", "/test-bucket/resume.bin?uploadId="+uploadID, []byte(complete))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Complete after restart status = %d, body: %s", resp.StatusCode, body)
	}
	got, err := os.ReadFile(filepath.Join(second.rootDir, "test-bucket", "resume.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "before-after" {
		t.Errorf("assembled object = %q, want %q", got, "before-after")
	}
}

func TestIntegrationListMultipartUploads(t *testing.T) {
	env := startIntegrationServer(t, t.TempDir(), 0)

	env.initiate(t, "test-bucket", "a/one")
	env.initiate(t, "test-bucket", "a/two")
	env.initiate(t, "test-bucket", "b/three")
	env.initiate(t, "other-bucket", "a/four")

	resp, body := env.do(t, "GET", "/test-bucket?uploads&prefix=a/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ListMultipartUploads status = %d, body: %s", resp.StatusCode, body)
	}
	var result xmlutil.ListMultipartUploadsResult
	if err := xml.Unmarshal(body, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(result.Uploads) != 2 || result.Uploads[0].Key != "a/one" || result.Uploads[1].Key != "a/two" {
		t.Errorf("Uploads = %+v, want a/one and a/two", result.Uploads)
	}
}

func TestIntegrationErrorResponses(t *testing.T) {
	env := startIntegrationServer(t, t.TempDir(), 0)

	resp, body := env.do(t, "GET", "/test-bucket/key?uploadId=missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var errResp xmlutil.ErrorResponse
	if err := xml.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if errResp.Code != "NoSuchUpload" {
		t.Errorf("Code = %s, want NoSuchUpload", errResp.Code)
	}
	if errResp.RequestID == "" || errResp.RequestID != resp.Header.Get("x-amz-request-id") {
		t.Errorf("RequestId = %q, header = %q", errResp.RequestID, resp.Header.Get("x-amz-request-id"))
	}
	if errResp.Resource != "/test-bucket/key" {
		t.Errorf("Resource = %q, want /test-bucket/key", errResp.Resource)
	}
}
