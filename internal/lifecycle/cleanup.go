package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Start launches the background loop that retries deferred cleanups, reaps
// stale uploads and expires tombstones. It runs until Stop is called or ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.RunCleanup(ctx); err != nil {
					slog.Warn("Background cleanup incomplete", "error", err)
				}
			}
		}
	}()
	slog.Info("Lifecycle cleanup loop started", "interval", m.opts.CleanupInterval, "upload_ttl", m.opts.UploadTTL)
}

// Stop ends the background loop and waits for it to exit. Uploads still
// queued for cleanup stay in the ledger.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// RunCleanup performs one pass of background maintenance and returns the
// aggregated failures.
func (m *Manager) RunCleanup(ctx context.Context) error {
	var result *multierror.Error
	if err := m.retryPending(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.reapStale(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	m.expireTombstones()
	return result.ErrorOrNil()
}

func (m *Manager) retryPending(ctx context.Context) error {
	m.mu.RLock()
	queued := make([]*session, 0, len(m.pending))
	for _, s := range m.pending {
		queued = append(queued, s)
	}
	m.mu.RUnlock()

	var result *multierror.Error
	for _, s := range queued {
		if err := m.cleanup(ctx, s); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		slog.Info("Deferred cleanup finished", "upload_id", s.upload.UploadID, "state", s.load())
	}
	return result.ErrorOrNil()
}

// reapStale aborts uploads older than the configured TTL.
func (m *Manager) reapStale(ctx context.Context) error {
	if m.opts.UploadTTL <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.opts.UploadTTL)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.load() == StateCreated && s.upload.InitiatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	var result *multierror.Error
	for _, id := range stale {
		slog.Info("Reaping stale upload", "upload_id", id, "ttl", m.opts.UploadTTL)
		if err := m.AbortUpload(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("reaping %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) expireTombstones() {
	cutoff := m.now().Add(-m.opts.TombstoneTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.tombstones {
		if ts.retiredAt.Before(cutoff) {
			delete(m.tombstones, id)
		}
	}
}
