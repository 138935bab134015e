// Package lifecycle orchestrates multipart uploads: creation, part uploads,
// listing, completion and abort. It owns each upload's state machine and the
// protocol that keeps the part ledger consistent with backend storage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/bleepstore/mpuledger/internal/ledger"
	"github.com/bleepstore/mpuledger/internal/listing"
	"github.com/bleepstore/mpuledger/internal/metrics"
)

// MaxPartNumber is the highest part number a client may use.
const MaxPartNumber = 10000

var (
	// ErrUnknownUpload is returned for uploads that do not exist or have
	// already been completed or aborted.
	ErrUnknownUpload = ledger.ErrUnknownUpload

	// ErrInvalidPart is returned when a completion names a part that was
	// never registered or whose ETag does not match.
	ErrInvalidPart = errors.New("invalid part")

	// ErrInvalidPartOrder is returned when completion part numbers are not
	// strictly ascending.
	ErrInvalidPartOrder = errors.New("part list not in ascending order")

	// ErrEntityTooSmall is returned when a non-final part is below the
	// minimum part size.
	ErrEntityTooSmall = errors.New("part too small")

	// ErrEmptyPartList is returned for a completion with no parts.
	ErrEmptyPartList = errors.New("empty part list")

	// ErrInvalidPartNumber is returned for part numbers outside 1..MaxPartNumber.
	ErrInvalidPartNumber = errors.New("invalid part number")

	// ErrCompletionInProgress is returned when a completion or part upload
	// is requested while a completion of the same upload is running.
	ErrCompletionInProgress = errors.New("completion already in progress")

	// ErrPartUploadInProgress is returned when a completion is requested
	// while part uploads of the same upload are still running.
	ErrPartUploadInProgress = errors.New("part upload in progress")
)

// Options tunes a Manager.
type Options struct {
	// MinPartSize applies to every completed part except the last. 0
	// disables the check.
	MinPartSize int64
	Retry       config.RetryConfig
	// CleanupInterval paces the background loop started by Start.
	CleanupInterval time.Duration
	// UploadTTL aborts uploads older than this. 0 disables reaping.
	UploadTTL    time.Duration
	TombstoneTTL time.Duration
}

// OptionsFromConfig extracts Manager options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MinPartSize:     cfg.Server.MinPartSize,
		Retry:           cfg.Lifecycle.Retry,
		CleanupInterval: cfg.Lifecycle.CleanupInterval,
		UploadTTL:       cfg.Lifecycle.UploadTTL,
		TombstoneTTL:    cfg.Lifecycle.TombstoneTTL,
	}
}

// CompletePart names one part of a completion request.
type CompletePart struct {
	PartNumber int
	// ETag, when non-empty, must match the registered part's ETag.
	ETag string
}

// Manager drives every upload through its lifecycle. All methods are safe
// for concurrent use. Backend I/O never runs under a Manager lock.
type Manager struct {
	ledger   ledger.Ledger
	backends *backend.Registry
	lister   *listing.Engine
	opts     Options
	now      func() time.Time

	mu         sync.RWMutex
	sessions   map[string]*session
	tombstones map[string]tombstone
	// pending holds terminal uploads whose cleanup has not succeeded yet.
	pending map[string]*session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager. Zero retry and interval options fall back to the
// configuration defaults.
func New(l ledger.Ledger, backends *backend.Registry, lister *listing.Engine, opts Options) *Manager {
	def := config.Default().Lifecycle
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if opts.Retry.MaxElapsedTime <= 0 {
		opts.Retry.MaxElapsedTime = def.Retry.MaxElapsedTime
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = def.TombstoneTTL
	}
	return &Manager{
		ledger:     l,
		backends:   backends,
		lister:     lister,
		opts:       opts,
		now:        time.Now,
		sessions:   make(map[string]*session),
		tombstones: make(map[string]tombstone),
		pending:    make(map[string]*session),
		stopCh:     make(chan struct{}),
	}
}

// ---- Session bookkeeping ----

// lookup returns the session for uploadID. A retired upload yields its
// tombstone instead. Uploads found only in the ledger, e.g. after a restart,
// are adopted.
func (m *Manager) lookup(ctx context.Context, uploadID string) (*session, *tombstone, error) {
	m.mu.RLock()
	s, ok := m.sessions[uploadID]
	ts, retired := m.tombstones[uploadID]
	m.mu.RUnlock()
	if ok {
		return s, nil, nil
	}
	if retired {
		return nil, &ts, nil
	}

	u, err := m.ledger.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	s, retiredTS := m.adopt(*u)
	return s, retiredTS, nil
}

// adopt registers a session for an upload read from the ledger. An active
// upload is adopted as Created. A terminal one is queued for cleanup. If the
// upload was retired after the ledger read, its tombstone is returned
// instead.
func (m *Manager) adopt(u ledger.Upload) (*session, *tombstone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[u.UploadID]; ok {
		return s, nil
	}
	if ts, ok := m.tombstones[u.UploadID]; ok {
		return nil, &ts
	}
	s := newSession(u)
	m.sessions[u.UploadID] = s
	if u.State.Terminal() {
		m.pending[u.UploadID] = s
		metrics.PendingCleanups.Inc()
	} else {
		metrics.ActiveUploads.Inc()
	}
	return s, nil
}

// activeSession returns the session for uploadID if parts may still be
// registered or listed.
func (m *Manager) activeSession(ctx context.Context, uploadID string) (*session, error) {
	s, _, err := m.lookup(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.active() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return s, nil
}

// retire forgets a fully cleaned-up session and leaves a tombstone.
func (m *Manager) retire(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.upload.UploadID
	delete(m.sessions, id)
	if _, ok := m.pending[id]; ok {
		delete(m.pending, id)
		metrics.PendingCleanups.Dec()
	}
	m.tombstones[id] = tombstone{state: s.load(), retiredAt: m.now()}
}

func (m *Manager) enqueue(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.upload.UploadID
	if _, ok := m.pending[id]; !ok {
		m.pending[id] = s
		metrics.PendingCleanups.Inc()
	}
}

func (m *Manager) adapter(s *session) (backend.Adapter, error) {
	a, err := m.backends.Resolve(s.upload.Backend)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", s.upload.UploadID, err)
	}
	return a, nil
}

// ---- Operations ----

// CreateUpload starts a new upload of bucket/key on the backend named by
// hint, or on the default backend when hint is empty.
func (m *Manager) CreateUpload(ctx context.Context, bucket, key, hint string) (*ledger.Upload, error) {
	u, err := m.createUpload(ctx, bucket, key, hint)
	observe("CreateUpload", err)
	return u, err
}

func (m *Manager) createUpload(ctx context.Context, bucket, key, hint string) (*ledger.Upload, error) {
	a, err := m.backends.Resolve(hint)
	if err != nil {
		return nil, err
	}

	u := ledger.Upload{
		UploadID:    uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		Backend:     a.Name(),
		InitiatedAt: m.now().UTC(),
	}
	ref := backend.UploadRef{UploadID: u.UploadID, Bucket: bucket, Key: key}
	err = m.retry(ctx, a, "InitUpload", func() error {
		var initErr error
		u.BackendUploadID, initErr = a.InitUpload(ctx, ref)
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("initiating upload on %s: %w", a.Name(), err)
	}
	ref.BackendUploadID = u.BackendUploadID

	if err := m.ledger.CreateUpload(ctx, &u); err != nil {
		if abortErr := a.AbortUpload(ctx, ref); abortErr != nil {
			slog.Warn("Failed to release backend upload after ledger error",
				"upload_id", u.UploadID, "backend", a.Name(), "error", abortErr)
		}
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	m.adopt(u)
	slog.Info("Upload created", "upload_id", u.UploadID, "bucket", bucket, "key", key, "backend", a.Name())
	return &u, nil
}

// PutPart stores one part on the upload's backend and registers it in the
// ledger. Re-putting a part number replaces the earlier part. Transient
// backend failures are retried when r can be rewound with io.Seeker.
func (m *Manager) PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (*ledger.Part, error) {
	p, err := m.putPart(ctx, uploadID, partNumber, r, size)
	observe("UploadPart", err)
	return p, err
}

func (m *Manager) putPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (*ledger.Part, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartNumber, partNumber)
	}
	s, err := m.activeSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := s.beginPut(); err != nil {
		return nil, err
	}
	defer s.endPut()
	a, err := m.adapter(s)
	if err != nil {
		return nil, err
	}

	ref := s.ref()
	var info backend.PartInfo
	put := func() error {
		var putErr error
		info, putErr = a.PutPart(ctx, ref, partNumber, r, size)
		return putErr
	}
	if seeker, ok := r.(io.Seeker); ok {
		first := true
		err = m.retry(ctx, a, "PutPart", func() error {
			if !first {
				if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil {
					return fmt.Errorf("rewinding part body: %w", seekErr)
				}
			}
			first = false
			return put()
		})
	} else {
		err = call(a, "PutPart", put)
	}
	if err != nil {
		return nil, err
	}
	metrics.BytesReceivedTotal.Add(float64(info.Size))

	part := &ledger.Part{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}
	if part.LastModified.IsZero() {
		part.LastModified = m.now().UTC()
	}

	if err := m.register(ctx, s, part); err != nil {
		if errors.Is(err, ErrUnknownUpload) {
			// The upload went terminal while the bytes were in flight.
			// Abort is idempotent, so release whatever just landed.
			if abortErr := call(a, "AbortUpload", func() error { return a.AbortUpload(ctx, ref) }); abortErr != nil {
				slog.Warn("Failed to release late part", "upload_id", uploadID, "part_number", partNumber, "error", abortErr)
			}
		}
		return nil, err
	}
	return part, nil
}

// register records part unless the upload has gone terminal. The state
// check and the ledger write happen under the session's shared lock, which
// the terminal purge takes exclusively. The caller holds a put slot, so the
// upload cannot be Completing here.
func (m *Manager) register(ctx context.Context, s *session, part *ledger.Part) error {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	if s.load() != StateCreated {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, s.upload.UploadID)
	}
	return m.ledger.RegisterPart(ctx, part)
}

// ListParts returns one page of the upload's parts in ascending part-number
// order, starting strictly after marker.
func (m *Manager) ListParts(ctx context.Context, uploadID string, marker, maxParts int) (*listing.Page, error) {
	if _, err := m.activeSession(ctx, uploadID); err != nil {
		observe("ListParts", err)
		return nil, err
	}
	page, err := m.lister.List(ctx, uploadID, marker, maxParts)
	observe("ListParts", err)
	return page, err
}

// GetUpload returns the metadata of an active upload.
func (m *Manager) GetUpload(ctx context.Context, uploadID string) (*ledger.Upload, error) {
	s, err := m.activeSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u := s.upload
	return &u, nil
}

// ListUploads lists active uploads of a bucket ordered by key, then upload id.
func (m *Manager) ListUploads(ctx context.Context, opts ledger.ListUploadsOptions) (*ledger.ListUploadsResult, error) {
	res, err := m.ledger.ListUploads(ctx, opts)
	if err != nil {
		observe("ListMultipartUploads", err)
		return nil, err
	}
	// Terminal uploads awaiting cleanup are still in the ledger.
	m.mu.RLock()
	kept := res.Uploads[:0]
	for _, u := range res.Uploads {
		if s, ok := m.sessions[u.UploadID]; ok && !s.active() {
			continue
		}
		if _, ok := m.tombstones[u.UploadID]; ok {
			continue
		}
		kept = append(kept, u)
	}
	m.mu.RUnlock()
	res.Uploads = kept
	observe("ListMultipartUploads", nil)
	return res, nil
}

// CompleteUpload validates parts against the ledger, assembles them on the
// backend and retires the upload. It returns the final object's ETag. On a
// validation failure the upload stays open for another attempt.
func (m *Manager) CompleteUpload(ctx context.Context, uploadID string, parts []CompletePart) (string, error) {
	etag, err := m.completeUpload(ctx, uploadID, parts)
	observe("CompleteMultipartUpload", err)
	return etag, err
}

func (m *Manager) completeUpload(ctx context.Context, uploadID string, requested []CompletePart) (string, error) {
	s, _, err := m.lookup(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	if err := s.beginCompletion(); err != nil {
		return "", err
	}

	a, err := m.adapter(s)
	if err != nil {
		return "", m.reopen(s, err)
	}

	registered, err := m.ledger.GetParts(ctx, uploadID)
	if err != nil {
		return "", m.reopen(s, err)
	}
	infos, err := m.validateParts(requested, registered)
	if err != nil {
		return "", m.reopen(s, err)
	}

	var etag string
	err = m.retry(ctx, a, "AssembleParts", func() error {
		var asmErr error
		etag, asmErr = a.AssembleParts(ctx, s.ref(), infos)
		return asmErr
	})
	if err != nil {
		return "", m.reopen(s, fmt.Errorf("assembling upload %s: %w", uploadID, err))
	}

	if !s.cas(StateCompleting, StateCompleted) {
		// An abort won the race while the object was being assembled.
		return "", fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	metrics.ActiveUploads.Dec()

	// Assembly released the part bytes.
	s.cleanMu.Lock()
	s.backendDone = true
	s.cleanMu.Unlock()
	if err := m.cleanup(ctx, s); err != nil {
		slog.Warn("Ledger purge after completion deferred", "upload_id", uploadID, "error", err)
	}

	slog.Info("Upload completed", "upload_id", uploadID, "parts", len(infos), "etag", etag)
	return etag, nil
}

// reopen returns a failed completion to Created. If an abort took the
// upload meanwhile, the caller sees ErrUnknownUpload instead of err.
func (m *Manager) reopen(s *session, err error) error {
	if !s.cas(StateCompleting, StateCreated) && s.load() == StateAborted {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, s.upload.UploadID)
	}
	return err
}

// validateParts checks a completion request against the registered parts
// and returns the backend view of the requested parts in order.
func (m *Manager) validateParts(requested []CompletePart, registered []ledger.Part) ([]backend.PartInfo, error) {
	if len(requested) == 0 {
		return nil, ErrEmptyPartList
	}
	byNumber := make(map[int]ledger.Part, len(registered))
	for _, p := range registered {
		byNumber[p.PartNumber] = p
	}

	infos := make([]backend.PartInfo, 0, len(requested))
	prev := 0
	for i, rp := range requested {
		if rp.PartNumber <= prev {
			return nil, fmt.Errorf("%w: part %d follows part %d", ErrInvalidPartOrder, rp.PartNumber, prev)
		}
		prev = rp.PartNumber

		p, ok := byNumber[rp.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was not uploaded", ErrInvalidPart, rp.PartNumber)
		}
		if rp.ETag != "" && normalizeETag(rp.ETag) != normalizeETag(p.ETag) {
			return nil, fmt.Errorf("%w: part %d ETag %s does not match %s", ErrInvalidPart, rp.PartNumber, rp.ETag, p.ETag)
		}
		if m.opts.MinPartSize > 0 && i < len(requested)-1 && p.Size < m.opts.MinPartSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes, minimum is %d", ErrEntityTooSmall, rp.PartNumber, p.Size, m.opts.MinPartSize)
		}
		infos = append(infos, backend.PartInfo{
			PartNumber:   p.PartNumber,
			Size:         p.Size,
			ETag:         p.ETag,
			LastModified: p.LastModified,
		})
	}
	return infos, nil
}

// AbortUpload discards the upload's stored bytes and then its ledger
// entries. Aborting an already aborted upload succeeds. When the backend
// stays unavailable past the retry budget, the ledger is left intact, the
// abort is queued for the background loop, and the backend error is
// returned.
func (m *Manager) AbortUpload(ctx context.Context, uploadID string) error {
	err := m.abortUpload(ctx, uploadID)
	observe("AbortMultipartUpload", err)
	return err
}

func (m *Manager) abortUpload(ctx context.Context, uploadID string) error {
	s, ts, err := m.lookup(ctx, uploadID)
	if err != nil {
		return err
	}
	if ts != nil {
		if ts.state == StateAborted {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}

	switch {
	case s.cas(StateCreated, StateAborted), s.cas(StateCompleting, StateAborted):
		metrics.ActiveUploads.Dec()
		slog.Info("Upload aborted", "upload_id", uploadID, "backend", s.upload.Backend)
	case s.load() == StateCompleted:
		return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return m.cleanup(ctx, s)
}

// cleanup finishes a terminal session: the terminal state is recorded in
// the ledger, then the backend abort runs unless already done, then the
// ledger purge, then retirement. On failure the session is queued for the
// background loop.
func (m *Manager) cleanup(ctx context.Context, s *session) error {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()
	if s.purged {
		return nil
	}

	if !s.marked {
		// ErrUnknownUpload means an earlier purge already removed the record.
		err := m.ledger.MarkTerminal(ctx, s.upload.UploadID, s.ledgerState())
		if err != nil && !errors.Is(err, ErrUnknownUpload) {
			m.enqueue(s)
			return fmt.Errorf("recording %s state of upload %s: %w", s.load(), s.upload.UploadID, err)
		}
		s.marked = true
	}

	if !s.backendDone {
		a, err := m.adapter(s)
		if err != nil {
			m.enqueue(s)
			return err
		}
		ref := s.ref()
		if err := m.retry(ctx, a, "AbortUpload", func() error { return a.AbortUpload(ctx, ref) }); err != nil {
			m.enqueue(s)
			return fmt.Errorf("aborting upload %s on %s: %w", s.upload.UploadID, a.Name(), err)
		}
		s.backendDone = true
	}

	// Wait out in-flight registrations; later ones observe the terminal state.
	s.regMu.Lock()
	err := m.ledger.Purge(ctx, s.upload.UploadID)
	s.regMu.Unlock()
	if err != nil {
		m.enqueue(s)
		return fmt.Errorf("purging upload %s: %w", s.upload.UploadID, err)
	}
	s.purged = true
	m.retire(s)
	return nil
}

// Recover adopts every upload recorded in the ledger so that uploads begun
// before a restart can continue, and queues terminal uploads whose cleanup
// did not finish. It returns the number of active uploads adopted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	uploads, err := m.ledger.AllUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading uploads: %w", err)
	}
	n, requeued := 0, 0
	for _, u := range uploads {
		if _, err := m.backends.Resolve(u.Backend); err != nil {
			slog.Warn("Recovered upload references an unconfigured backend",
				"upload_id", u.UploadID, "backend", u.Backend)
		}
		m.mu.RLock()
		_, known := m.sessions[u.UploadID]
		m.mu.RUnlock()
		if u.State.Terminal() {
			// Cleanup was cut short; the background loop finishes it.
			if !known {
				if s, _ := m.adopt(u); s != nil {
					requeued++
				}
			}
			continue
		}
		if !known {
			if s, _ := m.adopt(u); s != nil {
				n++
			}
		}
		if missing, err := m.Reconcile(ctx, u.UploadID); err != nil {
			slog.Warn("Reconciling recovered upload failed", "upload_id", u.UploadID, "error", err)
		} else if len(missing) > 0 {
			slog.Warn("Backend holds parts missing from the ledger",
				"upload_id", u.UploadID, "backend", u.Backend, "parts", missing)
		}
	}
	slog.Info("Recovered uploads from ledger", "count", n, "pending_cleanups", requeued)
	return n, nil
}

// Reconcile compares the ledger's parts of an active upload with what its
// backend reports and returns the part numbers the backend holds that the
// ledger does not.
func (m *Manager) Reconcile(ctx context.Context, uploadID string) ([]int, error) {
	s, err := m.activeSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	a, err := m.adapter(s)
	if err != nil {
		return nil, err
	}
	var raw []backend.PartInfo
	err = m.retry(ctx, a, "ListPartsRaw", func() error {
		var listErr error
		raw, listErr = a.ListPartsRaw(ctx, s.ref())
		return listErr
	})
	if err != nil {
		return nil, err
	}
	parts, err := m.ledger.GetParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	known := make(map[int]bool, len(parts))
	for _, p := range parts {
		known[p.PartNumber] = true
	}
	var missing []int
	for _, p := range raw {
		if !known[p.PartNumber] {
			missing = append(missing, p.PartNumber)
		}
	}
	return missing, nil
}

// Ping checks the ledger and every backend.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.ledger.Ping(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return m.backends.HealthCheck(ctx)
}

// Pending returns the number of uploads awaiting deferred cleanup.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

func normalizeETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// observe records an operation outcome.
func observe(op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrBackendUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrUnknownUpload), errors.Is(err, ErrInvalidPart),
		errors.Is(err, ErrCompletionInProgress), errors.Is(err, ErrPartUploadInProgress),
		errors.Is(err, ErrInvalidPartOrder), errors.Is(err, ErrEntityTooSmall),
		errors.Is(err, ErrEmptyPartList), errors.Is(err, ErrInvalidPartNumber),
		errors.Is(err, backend.ErrBackendRejected), errors.Is(err, backend.ErrUnknownBackend),
		errors.Is(err, listing.ErrInvalidArgument):
		outcome = "client_error"
	default:
		outcome = "error"
	}
	metrics.LifecycleOpsTotal.WithLabelValues(op, outcome).Inc()
}
