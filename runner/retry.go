package runner

import (
	stderrors "errors"
	"math"
	"time"

	"github.com/goliatone/go-errors"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of asking a strategy about one failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can refuse a retry.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy about err, falling back to SleepDuration for
// strategies that always retry.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy waits Base * Factor^attempt, capped at Max.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   200 * time.Millisecond,
//	    Factor: 2,
//	    Max:    2 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		return e.Max
	}
	return time.Duration(delay)
}

// PermanentAware stops retrying on errors the remote side will keep
// rejecting: validation, bad input, authorization and not found.
type PermanentAware struct {
	Strategy RetryStrategy
}

func (p PermanentAware) SleepDuration(attempt int, err error) time.Duration {
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.SleepDuration(attempt, err)
}

func (p PermanentAware) Decide(attempt int, err error) RetryDecision {
	if IsPermanent(err) {
		return RetryDecision{ShouldRetry: false, Metadata: map[string]any{"permanent": true}}
	}
	return RetryDecision{ShouldRetry: true, Delay: p.SleepDuration(attempt, err)}
}

// IsPermanent reports whether err is categorized as a client side failure.
func IsPermanent(err error) bool {
	var ge *errors.Error
	if !stderrors.As(err, &ge) {
		return false
	}
	switch ge.Category {
	case errors.CategoryValidation, errors.CategoryBadInput, errors.CategoryAuthz,
		errors.CategoryAuth, errors.CategoryNotFound:
		return true
	}
	return false
}
