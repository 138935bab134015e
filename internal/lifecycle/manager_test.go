package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/bleepstore/mpuledger/internal/ledger"
	"github.com/bleepstore/mpuledger/internal/listing"
)

// flakyAdapter wraps a MemoryAdapter and injects transient failures.
// A failure count of -1 fails every call until reset.
type flakyAdapter struct {
	*backend.MemoryAdapter

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyAdapter(name string, maxPartSize int64) *flakyAdapter {
	return &flakyAdapter{
		MemoryAdapter: backend.NewMemoryAdapter(name, 0, maxPartSize),
		failures:      make(map[string]int),
		calls:         make(map[string]int),
	}
}

func (f *flakyAdapter) setFailures(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *flakyAdapter) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyAdapter) inject(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	n := f.failures[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		f.failures[op] = n - 1
	}
	return &backend.OpError{Backend: f.Name(), Op: op, Kind: backend.ErrBackendUnavailable, Err: errors.New("connection reset by peer")}
}

func (f *flakyAdapter) InitUpload(ctx context.Context, ref backend.UploadRef) (string, error) {
	if err := f.inject("InitUpload"); err != nil {
		return "", err
	}
	return f.MemoryAdapter.InitUpload(ctx, ref)
}

func (f *flakyAdapter) PutPart(ctx context.Context, ref backend.UploadRef, partNumber int, r io.Reader, size int64) (backend.PartInfo, error) {
	// Consume the body first so a retry has to rewind it.
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.PartInfo{}, err
	}
	if err := f.inject("PutPart"); err != nil {
		return backend.PartInfo{}, err
	}
	return f.MemoryAdapter.PutPart(ctx, ref, partNumber, bytes.NewReader(data), int64(len(data)))
}

func (f *flakyAdapter) AbortUpload(ctx context.Context, ref backend.UploadRef) error {
	if err := f.inject("AbortUpload"); err != nil {
		return err
	}
	return f.MemoryAdapter.AbortUpload(ctx, ref)
}

func (f *flakyAdapter) AssembleParts(ctx context.Context, ref backend.UploadRef, parts []backend.PartInfo) (string, error) {
	if err := f.inject("AssembleParts"); err != nil {
		return "", err
	}
	return f.MemoryAdapter.AssembleParts(ctx, ref, parts)
}

// gatedAdapter blocks one operation until release is closed. entered
// receives once per blocked call.
type gatedAdapter struct {
	*backend.MemoryAdapter

	op      string
	entered chan struct{}
	release chan struct{}
}

func newGatedManager(t *testing.T, op string) (*Manager, *gatedAdapter) {
	t.Helper()
	g := &gatedAdapter{
		MemoryAdapter: backend.NewMemoryAdapter("mem", 0, 0),
		op:            op,
		entered:       make(chan struct{}, 8),
		release:       make(chan struct{}),
	}
	reg, err := backend.NewRegistry("mem", g)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	l := ledger.NewMemoryLedger()
	m := New(l, reg, listing.NewEngine(l, 0, 0), testOptions())
	t.Cleanup(m.Stop)
	return m, g
}

func (g *gatedAdapter) wait(op string) {
	if op != g.op {
		return
	}
	g.entered <- struct{}{}
	<-g.release
}

func (g *gatedAdapter) PutPart(ctx context.Context, ref backend.UploadRef, partNumber int, r io.Reader, size int64) (backend.PartInfo, error) {
	g.wait("PutPart")
	return g.MemoryAdapter.PutPart(ctx, ref, partNumber, r, size)
}

func (g *gatedAdapter) AssembleParts(ctx context.Context, ref backend.UploadRef, parts []backend.PartInfo) (string, error) {
	g.wait("AssembleParts")
	return g.MemoryAdapter.AssembleParts(ctx, ref, parts)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testOptions() Options {
	return Options{
		Retry: config.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxElapsedTime:  20 * time.Millisecond,
		},
		CleanupInterval: 5 * time.Millisecond,
		TombstoneTTL:    time.Hour,
	}
}

// newTestManager creates a Manager over a memory ledger and one flaky
// memory backend named "mem".
func newTestManager(t *testing.T, opts Options) (*Manager, ledger.Ledger, *flakyAdapter) {
	t.Helper()
	a := newFlakyAdapter("mem", 0)
	reg, err := backend.NewRegistry("mem", a)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	l := ledger.NewMemoryLedger()
	m := New(l, reg, listing.NewEngine(l, 0, 0), opts)
	t.Cleanup(m.Stop)
	return m, l, a
}

func createUpload(t *testing.T, m *Manager) string {
	t.Helper()
	u, err := m.CreateUpload(context.Background(), "bucket", "object.bin", "")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	return u.UploadID
}

func putPart(t *testing.T, m *Manager, uploadID string, partNumber int, data string) *ledger.Part {
	t.Helper()
	p, err := m.PutPart(context.Background(), uploadID, partNumber, strings.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("PutPart(%d): %v", partNumber, err)
	}
	return p
}

func pageNumbers(p *listing.Page) []int {
	out := make([]int, len(p.Parts))
	for i, part := range p.Parts {
		out[i] = part.PartNumber
	}
	return out
}

// expectUnknownAfterTerminal checks that the upload accepts no further work.
func expectUnknownAfterTerminal(t *testing.T, m *Manager, l ledger.Ledger, uploadID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.PutPart(ctx, uploadID, 1, strings.NewReader("x"), 1); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("PutPart after terminal: error = %v, want ErrUnknownUpload", err)
	}
	if _, err := m.ListParts(ctx, uploadID, 0, 0); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("ListParts after terminal: error = %v, want ErrUnknownUpload", err)
	}
	if _, err := m.CompleteUpload(ctx, uploadID, []CompletePart{{PartNumber: 1}}); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("CompleteUpload after terminal: error = %v, want ErrUnknownUpload", err)
	}
	if _, err := l.GetParts(ctx, uploadID); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetParts after terminal: error = %v, want ErrUnknownUpload", err)
	}
}

// ---- CreateUpload tests ----

func TestCreateUpload(t *testing.T) {
	m, l, _ := newTestManager(t, testOptions())
	u, err := m.CreateUpload(context.Background(), "bucket", "key", "")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if u.UploadID == "" || u.Backend != "mem" {
		t.Errorf("upload = %+v, want an id on backend mem", u)
	}
	got, err := l.GetUpload(context.Background(), u.UploadID)
	if err != nil {
		t.Fatalf("ledger GetUpload: %v", err)
	}
	if got.Bucket != "bucket" || got.Key != "key" {
		t.Errorf("ledger upload = %+v", got)
	}
}

func TestCreateUploadBackendHint(t *testing.T) {
	first := newFlakyAdapter("first", 0)
	second := newFlakyAdapter("second", 0)
	reg, err := backend.NewRegistry("first", first, second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	l := ledger.NewMemoryLedger()
	m := New(l, reg, listing.NewEngine(l, 0, 0), testOptions())

	u, err := m.CreateUpload(context.Background(), "bucket", "key", "second")
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if u.Backend != "second" {
		t.Errorf("Backend = %q, want second", u.Backend)
	}
	putPart(t, m, u.UploadID, 1, "payload")
	if raw, _ := second.ListPartsRaw(context.Background(), backend.UploadRef{UploadID: u.UploadID}); len(raw) != 1 {
		t.Errorf("second backend holds %d parts, want 1", len(raw))
	}
	if raw, _ := first.ListPartsRaw(context.Background(), backend.UploadRef{UploadID: u.UploadID}); len(raw) != 0 {
		t.Errorf("first backend holds %d parts, want 0", len(raw))
	}
}

func TestCreateUploadUnknownBackend(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	_, err := m.CreateUpload(context.Background(), "bucket", "key", "nowhere")
	if !errors.Is(err, backend.ErrUnknownBackend) {
		t.Fatalf("CreateUpload(nowhere) error = %v, want ErrUnknownBackend", err)
	}
}

func TestCreateUploadRetriesInit(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	a.setFailures("InitUpload", 2)
	createUpload(t, m)
	if n := a.callCount("InitUpload"); n != 3 {
		t.Errorf("InitUpload calls = %d, want 3", n)
	}
}

// ---- PutPart / ListParts tests ----

func TestEndToEndPartsAndListing(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)

	p1 := putPart(t, m, id, 1, strings.Repeat("a", 10))
	p2 := putPart(t, m, id, 2, strings.Repeat("b", 15))

	page, err := m.ListParts(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if fmt.Sprint(pageNumbers(page)) != "[1 2]" {
		t.Fatalf("parts = %v, want [1 2]", pageNumbers(page))
	}
	if page.Parts[0].Size != 10 || page.Parts[1].Size != 15 {
		t.Errorf("sizes = %d, %d, want 10, 15", page.Parts[0].Size, page.Parts[1].Size)
	}
	if page.Parts[0].ETag != p1.ETag || page.Parts[1].ETag != p2.ETag {
		t.Errorf("ETags = %s, %s, want %s, %s", page.Parts[0].ETag, page.Parts[1].ETag, p1.ETag, p2.ETag)
	}
	if page.IsTruncated {
		t.Error("IsTruncated = true, want false")
	}

	page, err = m.ListParts(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("ListParts(marker 1): %v", err)
	}
	if fmt.Sprint(pageNumbers(page)) != "[2]" || page.IsTruncated {
		t.Errorf("ListParts(marker 1) = %v truncated=%v, want [2] false", pageNumbers(page), page.IsTruncated)
	}
}

func TestPutPartLastWriteWins(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	id := createUpload(t, m)

	putPart(t, m, id, 1, strings.Repeat("a", 10))
	second := putPart(t, m, id, 1, strings.Repeat("b", 15))

	page, err := m.ListParts(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(page.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(page.Parts))
	}
	if page.Parts[0].Size != 15 || page.Parts[0].ETag != second.ETag {
		t.Errorf("part 1 = %+v, want size 15 ETag %s", page.Parts[0], second.ETag)
	}
}

func TestPutPartOutOfOrder(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	id := createUpload(t, m)
	for _, pn := range []int{10000, 3, 42, 1} {
		putPart(t, m, id, pn, "data")
	}
	page, err := m.ListParts(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if fmt.Sprint(pageNumbers(page)) != "[1 3 42 10000]" {
		t.Errorf("parts = %v, want [1 3 42 10000]", pageNumbers(page))
	}
}

func TestPutPartInvalidNumber(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	id := createUpload(t, m)
	for _, pn := range []int{0, -1, MaxPartNumber + 1} {
		_, err := m.PutPart(context.Background(), id, pn, strings.NewReader("x"), 1)
		if !errors.Is(err, ErrInvalidPartNumber) {
			t.Errorf("PutPart(%d) error = %v, want ErrInvalidPartNumber", pn, err)
		}
	}
	if n := a.callCount("PutPart"); n != 0 {
		t.Errorf("backend PutPart calls = %d, want 0", n)
	}
}

func TestPutPartUnknownUpload(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	_, err := m.PutPart(context.Background(), "missing", 1, strings.NewReader("x"), 1)
	if !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("PutPart(missing) error = %v, want ErrUnknownUpload", err)
	}
}

func TestPutPartRetriesSeekableBody(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	id := createUpload(t, m)
	a.setFailures("PutPart", 2)

	body := []byte("retry me please")
	p, err := m.PutPart(context.Background(), id, 1, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	if p.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d (body must be rewound between attempts)", p.Size, len(body))
	}
	if n := a.callCount("PutPart"); n != 3 {
		t.Errorf("PutPart calls = %d, want 3", n)
	}
}

func TestPutPartNonSeekableBodyNotRetried(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	id := createUpload(t, m)
	a.setFailures("PutPart", 1)

	body := io.MultiReader(strings.NewReader("stream"))
	_, err := m.PutPart(context.Background(), id, 1, body, 6)
	if !backend.IsRetryable(err) {
		t.Fatalf("PutPart error = %v, want a BackendUnavailable error", err)
	}
	if n := a.callCount("PutPart"); n != 1 {
		t.Errorf("PutPart calls = %d, want 1", n)
	}
	parts, err := l.GetParts(context.Background(), id)
	if err != nil {
		t.Fatalf("GetParts: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("ledger holds %d parts after a failed put, want 0", len(parts))
	}
}

func TestPutPartRejectedNotRetried(t *testing.T) {
	a := newFlakyAdapter("mem", 4)
	reg, err := backend.NewRegistry("mem", a)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	l := ledger.NewMemoryLedger()
	m := New(l, reg, listing.NewEngine(l, 0, 0), testOptions())
	id := createUpload(t, m)
	putPart(t, m, id, 1, "tiny")

	_, err = m.PutPart(context.Background(), id, 1, bytes.NewReader([]byte("too large")), 9)
	if !errors.Is(err, backend.ErrBackendRejected) {
		t.Fatalf("PutPart error = %v, want ErrBackendRejected", err)
	}
	if n := a.callCount("PutPart"); n != 2 {
		t.Errorf("PutPart calls = %d, want 2", n)
	}
	// The earlier registration is untouched.
	parts, err := l.GetParts(context.Background(), id)
	if err != nil {
		t.Fatalf("GetParts: %v", err)
	}
	if len(parts) != 1 || parts[0].Size != 4 {
		t.Errorf("parts = %+v, want part 1 of size 4", parts)
	}
}

func TestListPartsPagination(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	for pn := 1; pn <= 7; pn++ {
		putPart(t, m, id, pn, "p")
	}

	var got []int
	marker := 0
	for {
		page, err := m.ListParts(ctx, id, marker, 3)
		if err != nil {
			t.Fatalf("ListParts: %v", err)
		}
		got = append(got, pageNumbers(page)...)
		if !page.IsTruncated {
			break
		}
		marker = page.NextPartNumberMarker
	}
	if fmt.Sprint(got) != "[1 2 3 4 5 6 7]" {
		t.Errorf("paged parts = %v, want [1 2 3 4 5 6 7]", got)
	}
}

// ---- CompleteUpload tests ----

func TestCompleteUpload(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	p1 := putPart(t, m, id, 1, "hello ")
	putPart(t, m, id, 2, "world")

	etag, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1, ETag: p1.ETag}, {PartNumber: 2}})
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if !strings.HasSuffix(etag, `-2"`) {
		t.Errorf("ETag = %s, want a two-part composite ETag", etag)
	}
	data, ok := a.Object("bucket", "object.bin")
	if !ok || string(data) != "hello world" {
		t.Errorf("assembled object = %q (found %v), want %q", data, ok, "hello world")
	}
	expectUnknownAfterTerminal(t, m, l, id)
}

func TestCompleteUploadMissingPartReopens(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "one")

	_, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}, {PartNumber: 3}})
	if !errors.Is(err, ErrInvalidPart) {
		t.Fatalf("CompleteUpload error = %v, want ErrInvalidPart", err)
	}

	// The upload is back in Created and accepts more parts.
	putPart(t, m, id, 3, "three")
	if _, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}, {PartNumber: 3}}); err != nil {
		t.Fatalf("CompleteUpload (retry): %v", err)
	}
}

func TestCompleteUploadValidation(t *testing.T) {
	opts := testOptions()
	opts.MinPartSize = 5
	tests := []struct {
		name  string
		parts []CompletePart
		want  error
	}{
		{"empty list", nil, ErrEmptyPartList},
		{"descending", []CompletePart{{PartNumber: 2}, {PartNumber: 1}}, ErrInvalidPartOrder},
		{"duplicate", []CompletePart{{PartNumber: 1}, {PartNumber: 1}}, ErrInvalidPartOrder},
		{"etag mismatch", []CompletePart{{PartNumber: 1, ETag: `"deadbeef"`}}, ErrInvalidPart},
		{"small part not last", []CompletePart{{PartNumber: 2}, {PartNumber: 3}}, ErrEntityTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, opts)
			id := createUpload(t, m)
			putPart(t, m, id, 1, "large enough")
			putPart(t, m, id, 2, "tiny")
			putPart(t, m, id, 3, "last")

			_, err := m.CompleteUpload(context.Background(), id, tt.parts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("CompleteUpload error = %v, want %v", err, tt.want)
			}
			if _, err := m.ListParts(context.Background(), id, 0, 0); err != nil {
				t.Errorf("ListParts after failed completion: %v", err)
			}
		})
	}
}

func TestCompleteUploadSmallLastPartAllowed(t *testing.T) {
	opts := testOptions()
	opts.MinPartSize = 5
	m, _, _ := newTestManager(t, opts)
	id := createUpload(t, m)
	putPart(t, m, id, 1, "large enough")
	putPart(t, m, id, 2, "end")
	if _, err := m.CompleteUpload(context.Background(), id, []CompletePart{{PartNumber: 1}, {PartNumber: 2}}); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
}

func TestCompleteUploadAcceptsUnquotedETag(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	id := createUpload(t, m)
	p := putPart(t, m, id, 1, "data")
	_, err := m.CompleteUpload(context.Background(), id, []CompletePart{{PartNumber: 1, ETag: strings.Trim(p.ETag, `"`)}})
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
}

func TestCompleteUploadAssembleFailureReopens(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")

	a.setFailures("AssembleParts", -1)
	_, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}})
	if !backend.IsRetryable(err) {
		t.Fatalf("CompleteUpload error = %v, want BackendUnavailable", err)
	}
	if n := a.callCount("AssembleParts"); n < 2 {
		t.Errorf("AssembleParts calls = %d, want retries", n)
	}

	a.setFailures("AssembleParts", 0)
	if _, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); err != nil {
		t.Fatalf("CompleteUpload (after recovery): %v", err)
	}
}

// ---- AbortUpload tests ----

func TestAbortUploadTwice(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "one")
	putPart(t, m, id, 2, "two")

	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload (second): %v", err)
	}
	if raw, _ := a.ListPartsRaw(ctx, backend.UploadRef{UploadID: id}); len(raw) != 0 {
		t.Errorf("backend still holds %d parts", len(raw))
	}
	expectUnknownAfterTerminal(t, m, l, id)
}

func TestAbortUploadUnknown(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	if err := m.AbortUpload(context.Background(), "missing"); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("AbortUpload(missing) error = %v, want ErrUnknownUpload", err)
	}
}

func TestAbortUploadAfterComplete(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")
	if _, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if err := m.AbortUpload(ctx, id); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("AbortUpload after complete: error = %v, want ErrUnknownUpload", err)
	}
}

func TestAbortUploadRetriesTransientFailure(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")

	a.setFailures("AbortUpload", 2)
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if n := a.callCount("AbortUpload"); n != 3 {
		t.Errorf("AbortUpload calls = %d, want 3", n)
	}
	if _, err := l.GetParts(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetParts error = %v, want ErrUnknownUpload", err)
	}
}

func TestAbortUploadDefersPurgeWhileBackendDown(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")

	a.setFailures("AbortUpload", -1)
	err := m.AbortUpload(ctx, id)
	if !backend.IsRetryable(err) {
		t.Fatalf("AbortUpload error = %v, want BackendUnavailable", err)
	}

	// The ledger keeps the parts until the backend confirms.
	parts, err := l.GetParts(ctx, id)
	if err != nil {
		t.Fatalf("ledger GetParts: %v", err)
	}
	if len(parts) != 1 {
		t.Errorf("ledger holds %d parts, want 1", len(parts))
	}
	if m.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", m.Pending())
	}
	// Clients already see the upload as gone.
	if _, err := m.ListParts(ctx, id, 0, 0); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("ListParts error = %v, want ErrUnknownUpload", err)
	}
	if _, err := m.PutPart(ctx, id, 2, strings.NewReader("x"), 1); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("PutPart error = %v, want ErrUnknownUpload", err)
	}

	a.setFailures("AbortUpload", 0)
	if err := m.RunCleanup(ctx); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d after cleanup, want 0", m.Pending())
	}
	if _, err := l.GetParts(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetParts after cleanup: error = %v, want ErrUnknownUpload", err)
	}
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Errorf("AbortUpload after cleanup: %v", err)
	}
}

func TestRepeatedAbortRetriesPendingCleanup(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")

	a.setFailures("AbortUpload", -1)
	if err := m.AbortUpload(ctx, id); err == nil {
		t.Fatal("AbortUpload succeeded with the backend down")
	}
	a.setFailures("AbortUpload", 0)
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload (repeat): %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", m.Pending())
	}
	if _, err := l.GetUpload(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetUpload error = %v, want ErrUnknownUpload", err)
	}
}

func TestBackgroundLoopFinishesDeferredAbort(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "data")

	a.setFailures("AbortUpload", -1)
	if err := m.AbortUpload(ctx, id); err == nil {
		t.Fatal("AbortUpload succeeded with the backend down")
	}
	a.setFailures("AbortUpload", 0)

	m.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for m.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("deferred abort not processed by the background loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if _, err := l.GetUpload(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetUpload error = %v, want ErrUnknownUpload", err)
	}
}

// ---- Concurrency tests ----

func TestConcurrentCompleteAndAbort(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		m, l, _ := newTestManager(t, testOptions())
		id := createUpload(t, m)
		putPart(t, m, id, 1, "data")

		var wg sync.WaitGroup
		var completeErr, abortErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}})
		}()
		go func() {
			defer wg.Done()
			abortErr = m.AbortUpload(ctx, id)
		}()
		wg.Wait()

		if (completeErr == nil) == (abortErr == nil) {
			t.Fatalf("round %d: complete error = %v, abort error = %v, want exactly one to succeed", round, completeErr, abortErr)
		}
		loser := completeErr
		if loser == nil {
			loser = abortErr
		}
		if !errors.Is(loser, ErrUnknownUpload) {
			t.Errorf("round %d: losing error = %v, want ErrUnknownUpload", round, loser)
		}
		if _, err := l.GetParts(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
			t.Errorf("round %d: ledger GetParts error = %v, want ErrUnknownUpload", round, err)
		}
	}
}

func TestPutPartRejectedWhileCompleting(t *testing.T) {
	m, g := newGatedManager(t, "AssembleParts")
	ctx := context.Background()
	id := createUpload(t, m)
	first := putPart(t, m, id, 1, "aaaa")
	putPart(t, m, id, 2, "bbbb")

	done := make(chan error, 1)
	go func() {
		_, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1, ETag: first.ETag}, {PartNumber: 2}})
		done <- err
	}()
	<-g.entered

	// Neither a re-upload of a validated part nor a new part may land
	// while the object is assembled.
	if _, err := m.PutPart(ctx, id, 1, strings.NewReader("zzzz"), 4); !errors.Is(err, ErrCompletionInProgress) {
		t.Errorf("PutPart(1) during completion: error = %v, want ErrCompletionInProgress", err)
	}
	if _, err := m.PutPart(ctx, id, 3, strings.NewReader("cccc"), 4); !errors.Is(err, ErrCompletionInProgress) {
		t.Errorf("PutPart(3) during completion: error = %v, want ErrCompletionInProgress", err)
	}

	close(g.release)
	if err := <-done; err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	obj, ok := g.Object("bucket", "object.bin")
	if !ok || string(obj) != "aaaabbbb" {
		t.Errorf("object = %q (found %v), want %q", obj, ok, "aaaabbbb")
	}
	if raw, _ := g.ListPartsRaw(ctx, backend.UploadRef{UploadID: id}); len(raw) != 0 {
		t.Errorf("backend holds %d orphaned parts", len(raw))
	}
}

func TestCompleteUploadRefusedWhilePartInFlight(t *testing.T) {
	m, g := newGatedManager(t, "PutPart")
	ctx := context.Background()
	id := createUpload(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.PutPart(ctx, id, 1, strings.NewReader("late"), 4)
		done <- err
	}()
	<-g.entered

	if _, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); !errors.Is(err, ErrPartUploadInProgress) {
		t.Errorf("CompleteUpload with a part in flight: error = %v, want ErrPartUploadInProgress", err)
	}

	close(g.release)
	if err := <-done; err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	if _, err := m.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); err != nil {
		t.Fatalf("CompleteUpload after the part landed: %v", err)
	}
}

func TestConcurrentPutAndAbortLeavesNoOrphans(t *testing.T) {
	m, l, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)

	var wg sync.WaitGroup
	for pn := 1; pn <= 40; pn++ {
		wg.Add(1)
		go func(pn int) {
			defer wg.Done()
			_, err := m.PutPart(ctx, id, pn, strings.NewReader("payload"), 7)
			if err != nil && !errors.Is(err, ErrUnknownUpload) {
				t.Errorf("PutPart(%d): %v", pn, err)
			}
		}(pn)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.AbortUpload(ctx, id); err != nil {
			t.Errorf("AbortUpload: %v", err)
		}
	}()
	wg.Wait()

	if _, err := l.GetParts(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetParts error = %v, want ErrUnknownUpload", err)
	}
	if raw, _ := a.ListPartsRaw(ctx, backend.UploadRef{UploadID: id}); len(raw) != 0 {
		t.Errorf("backend holds %d orphaned parts", len(raw))
	}
}

func TestConcurrentPutSamePartNumber(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := strings.Repeat("x", i)
			if _, err := m.PutPart(ctx, id, 5, strings.NewReader(data), int64(i)); err != nil {
				t.Errorf("PutPart: %v", err)
			}
		}(i)
	}
	wg.Wait()

	page, err := m.ListParts(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(page.Parts) != 1 || page.Parts[0].PartNumber != 5 {
		t.Fatalf("parts = %v, want a single part 5", pageNumbers(page))
	}
	if page.Parts[0].Size < 1 || page.Parts[0].Size > 20 {
		t.Errorf("part 5 size = %d, want one of the written sizes", page.Parts[0].Size)
	}
}

// ---- Recovery and maintenance tests ----

func TestRecoverAdoptsLedgerUploads(t *testing.T) {
	m, l, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "before restart")

	// A new manager over the same ledger and backends stands in for a restart.
	restarted := New(l, m.backends, listing.NewEngine(l, 0, 0), testOptions())
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("Recover adopted %d uploads, want 1", n)
	}
	page, err := restarted.ListParts(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(page.Parts) != 1 {
		t.Errorf("parts after recovery = %d, want 1", len(page.Parts))
	}
	if _, err := restarted.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); err != nil {
		t.Fatalf("CompleteUpload after recovery: %v", err)
	}
}

func TestLookupAdoptsWithoutRecover(t *testing.T) {
	m, l, _ := newTestManager(t, testOptions())
	id := createUpload(t, m)

	restarted := New(l, m.backends, listing.NewEngine(l, 0, 0), testOptions())
	putPart(t, restarted, id, 2, "after restart")
	if err := restarted.AbortUpload(context.Background(), id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
}

func TestAdoptAfterRetireKeepsTombstone(t *testing.T) {
	m, l, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)

	// A ledger read that raced the purge below.
	stale, err := l.GetUpload(ctx, id)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}

	s, ts := m.adopt(*stale)
	if s != nil || ts == nil || ts.state != StateAborted {
		t.Fatalf("adopt after retire = (%v, %+v), want the Aborted tombstone", s, ts)
	}
	m.mu.RLock()
	_, readopted := m.sessions[id]
	m.mu.RUnlock()
	if readopted {
		t.Error("retired upload adopted again")
	}
}

func TestRestartKeepsDeferredAbortTerminal(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	a := newFlakyAdapter("mem", 0)
	reg, err := backend.NewRegistry("mem", a)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	m := New(l, reg, listing.NewEngine(l, 0, 0), testOptions())
	t.Cleanup(m.Stop)
	id := createUpload(t, m)
	putPart(t, m, id, 1, "payload")

	a.setFailures("AbortUpload", -1)
	if err := m.AbortUpload(ctx, id); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("AbortUpload with the backend down: error = %v, want ErrBackendUnavailable", err)
	}
	u, err := l.GetUpload(ctx, id)
	if err != nil {
		t.Fatalf("ledger GetUpload: %v", err)
	}
	if u.State != ledger.UploadAborted {
		t.Fatalf("ledger State = %q, want aborted", u.State)
	}

	restarted := New(l, reg, listing.NewEngine(l, 0, 0), testOptions())
	t.Cleanup(restarted.Stop)
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 || restarted.Pending() != 1 {
		t.Errorf("Recover = %d active, %d pending, want 0 active and 1 pending", n, restarted.Pending())
	}

	if _, err := restarted.ListParts(ctx, id, 0, 0); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("ListParts after restart: error = %v, want ErrUnknownUpload", err)
	}
	if _, err := restarted.PutPart(ctx, id, 2, strings.NewReader("x"), 1); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("PutPart after restart: error = %v, want ErrUnknownUpload", err)
	}
	if _, err := restarted.CompleteUpload(ctx, id, []CompletePart{{PartNumber: 1}}); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("CompleteUpload after restart: error = %v, want ErrUnknownUpload", err)
	}
	res, err := restarted.ListUploads(ctx, ledger.ListUploadsOptions{Bucket: "bucket"})
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(res.Uploads) != 0 {
		t.Errorf("ListUploads = %+v, want none", res.Uploads)
	}

	a.setFailures("AbortUpload", 0)
	if err := restarted.RunCleanup(ctx); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if _, err := l.GetUpload(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetUpload after cleanup: error = %v, want ErrUnknownUpload", err)
	}
	if raw, _ := a.ListPartsRaw(ctx, backend.UploadRef{UploadID: id}); len(raw) != 0 {
		t.Errorf("backend holds %d parts after cleanup", len(raw))
	}
	if err := restarted.AbortUpload(ctx, id); err != nil {
		t.Errorf("repeat AbortUpload after cleanup: %v", err)
	}
}

func TestLazyLookupQueuesTerminalUpload(t *testing.T) {
	m, l, _ := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	if err := l.MarkTerminal(ctx, id, ledger.UploadAborted); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	restarted := New(l, m.backends, listing.NewEngine(l, 0, 0), testOptions())
	t.Cleanup(restarted.Stop)
	if _, err := restarted.PutPart(ctx, id, 1, strings.NewReader("x"), 1); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("PutPart on recorded abort: error = %v, want ErrUnknownUpload", err)
	}
	if restarted.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", restarted.Pending())
	}
	if err := restarted.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if _, err := l.GetUpload(ctx, id); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("ledger GetUpload after abort: error = %v, want ErrUnknownUpload", err)
	}
}

func TestReaperAbortsStaleUploads(t *testing.T) {
	opts := testOptions()
	opts.UploadTTL = time.Hour
	m, l, _ := newTestManager(t, opts)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	ctx := context.Background()

	stale := createUpload(t, m)
	putPart(t, m, stale, 1, "old")
	clock.Advance(90 * time.Minute)
	fresh := createUpload(t, m)

	if err := m.RunCleanup(ctx); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if _, err := l.GetUpload(ctx, stale); !errors.Is(err, ledger.ErrUnknownUpload) {
		t.Errorf("stale upload still in ledger: error = %v", err)
	}
	if _, err := m.ListParts(ctx, fresh, 0, 0); err != nil {
		t.Errorf("fresh upload reaped: %v", err)
	}
}

func TestTombstonesExpire(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now
	ctx := context.Background()

	id := createUpload(t, m)
	if err := m.AbortUpload(ctx, id); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := m.RunCleanup(ctx); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if err := m.AbortUpload(ctx, id); !errors.Is(err, ErrUnknownUpload) {
		t.Errorf("AbortUpload after tombstone expiry: error = %v, want ErrUnknownUpload", err)
	}
}

func TestListUploadsHidesTerminalUploads(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	ctx := context.Background()
	open := createUpload(t, m)
	aborting := createUpload(t, m)

	a.setFailures("AbortUpload", -1)
	if err := m.AbortUpload(ctx, aborting); err == nil {
		t.Fatal("AbortUpload succeeded with the backend down")
	}

	res, err := m.ListUploads(ctx, ledger.ListUploadsOptions{Bucket: "bucket"})
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(res.Uploads) != 1 || res.Uploads[0].UploadID != open {
		t.Errorf("ListUploads = %+v, want only %s", res.Uploads, open)
	}
}

func TestReconcileFindsUnregisteredParts(t *testing.T) {
	m, _, a := newTestManager(t, testOptions())
	ctx := context.Background()
	id := createUpload(t, m)
	putPart(t, m, id, 1, "registered")

	// Bytes that reached the backend without a ledger entry.
	if _, err := a.MemoryAdapter.PutPart(ctx, backend.UploadRef{UploadID: id}, 7, strings.NewReader("stray"), 5); err != nil {
		t.Fatalf("backend PutPart: %v", err)
	}

	missing, err := m.Reconcile(ctx, id)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if fmt.Sprint(missing) != "[7]" {
		t.Errorf("Reconcile = %v, want [7]", missing)
	}
}

func TestPing(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions())
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s        State
		want     string
		terminal bool
	}{
		{StateCreated, "Created", false},
		{StateCompleting, "Completing", false},
		{StateCompleted, "Completed", true},
		{StateAborted, "Aborted", true},
	}
	for _, tt := range tests {
		if tt.s.String() != tt.want || tt.s.Terminal() != tt.terminal {
			t.Errorf("%d: String = %s Terminal = %v, want %s %v", tt.s, tt.s.String(), tt.s.Terminal(), tt.want, tt.terminal)
		}
	}
}
