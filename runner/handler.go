// Package runner executes best effort calls with a bounded number of
// attempts, a per-attempt timeout and a backoff between attempts.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

// ErrCodeRunFailed tags the error returned once every attempt failed.
const ErrCodeRunFailed = "RUN_FAILED"

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*Handler)

// WithTimeout bounds each attempt, not the run as a whole.
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}

// Stats counts what a handler has done so far.
type Stats struct {
	Runs           int
	SuccessfulRuns int
	Attempts       int
}

// Handler runs functions with retries. It is safe for concurrent use.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy

	maxRetries int
	timeout    time.Duration

	stats Stats
}

// NewHandler builds a handler; with no options a run is a single attempt
// without timeout.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the strategy gives up, attempts are
// exhausted or ctx is done. The last failure is returned wrapped.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	timeout := h.timeout
	h.mu.Unlock()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = h.attempt(ctx, timeout, fn)
		if err == nil {
			break
		}
		if attempt == maxRetries || ctx.Err() != nil {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		h.logError("runner attempt %d of %d failed: %v", attempt+1, maxRetries+1, err)
		h.errorHandler(errors.Wrap(err, errors.CategoryExternal,
			fmt.Sprintf("attempt %d of %d failed", attempt+1, maxRetries+1)))
		if !decision.ShouldRetry {
			break
		}
		if !sleep(ctx, decision.Delay) {
			break
		}
	}

	h.mu.Lock()
	h.stats.Runs++
	h.stats.Attempts += attempts
	if err == nil {
		h.stats.SuccessfulRuns++
	}
	h.mu.Unlock()

	if err == nil {
		return nil
	}
	final := errors.Wrap(err, errors.CategoryExternal,
		fmt.Sprintf("run failed after %d attempts", attempts)).
		WithTextCode(ErrCodeRunFailed).
		WithMetadata(map[string]any{"attempts": attempts})
	h.errorHandler(final)
	return final
}

func (h *Handler) attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) logError(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Error(msg, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Do runs a value returning fn through h.
func Do[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}
