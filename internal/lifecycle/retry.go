package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/metrics"
)

// newBackOff builds a fresh exponential schedule from the configured bounds.
func (m *Manager) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Retry.InitialInterval
	b.MaxInterval = m.opts.Retry.MaxInterval
	b.MaxElapsedTime = m.opts.Retry.MaxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// call runs one timed backend operation.
func call(a backend.Adapter, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.BackendCallDuration.WithLabelValues(a.Name(), op).Observe(time.Since(start).Seconds())
	return err
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// backoff budget or ctx runs out. The last backend error is returned in
// preference to a context error.
func (m *Manager) retry(ctx context.Context, a backend.Adapter, op string, fn func() error) error {
	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			metrics.BackendRetriesTotal.WithLabelValues(a.Name(), op).Inc()
			slog.Debug("Retrying backend call", "backend", a.Name(), "op", op, "attempt", attempt+1, "error", lastErr)
		}
		attempt++
		lastErr = call(a, op, fn)
		if lastErr != nil && !backend.IsRetryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, m.newBackOff(ctx))
	if err != nil && lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return lastErr
	}
	return err
}
