package reliability

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retrier executes operations with configurable retry logic. It uses
// exponential, constant, or fibonacci backoff with jitter to prevent
// thundering herd problems.
//
// Example:
//
//	retrier := reliability.NewRetrier(
//	    reliability.WithMaxAttempts(5),
//	    reliability.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
//	value, err := reliability.Retry(ctx, retrier, fetchFromOrigin)
type Retrier struct {
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetrier creates a retrier configured by the given options.
func NewRetrier(opts ...RetryOption) *Retrier {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultErrorClassifier()
	}

	return &Retrier{
		config:     config,
		logger:     config.Logger,
		classifier: config.Classifier,
		stats:      &retryStats{},
	}
}

// Do executes op, retrying retryable errors up to MaxAttempts times using
// the configured backoff strategy.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if r.config.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}

	// Don't make any attempt if the parent context is already done.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var attempts int
	backoff := r.backoffStrategy()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		r.stats.mu.Lock()
		r.stats.totalAttempts++
		if attempts > 1 {
			r.stats.totalRetries++
		}
		r.stats.lastAttemptTime = time.Now()
		r.stats.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		opErr := op(ctx)
		if opErr == nil {
			if attempts > 1 {
				r.logger.Info("operation succeeded after retry", "attempts", attempts)
			}
			return nil
		}

		if !r.classifier.IsRetryable(opErr) {
			r.logger.Debug("non-retryable error, giving up",
				"error", opErr,
				"attempts", attempts)
			return opErr
		}

		r.logger.Debug("retrying operation after delay",
			"attempt", attempts,
			"error", opErr)
		return retry.RetryableError(opErr)
	})
	if err != nil {
		r.logger.Warn("operation failed after retries",
			"attempts", attempts,
			"error", err)
		r.stats.mu.Lock()
		r.stats.totalFailures++
		r.stats.lastError = err
		r.stats.mu.Unlock()
		return err
	}

	r.stats.mu.Lock()
	r.stats.totalSuccesses++
	r.stats.mu.Unlock()
	return nil
}

// Retry runs op through the retrier, returning its value.
func Retry[T any](ctx context.Context, r *Retrier, op Operation[T]) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// backoffStrategy builds the go-retry backoff for the configured strategy.
// retry.Do counts the initial attempt, so MaxAttempts-1 is passed to
// WithMaxRetries.
func (r *Retrier) backoffStrategy() retry.Backoff {
	maxAttempts := r.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > 1000 {
		maxAttempts = 1000
	}
	maxRetries := uint64(maxAttempts - 1) // #nosec G115 - bounds checked above

	switch r.config.Strategy {
	case RetryStrategyConstant:
		return retry.WithMaxRetries(maxRetries, retry.BackoffFunc(func() (time.Duration, bool) {
			return r.config.InitialDelay + constantJitter(r.config.InitialDelay/10), false
		}))

	case RetryStrategyFibonacci:
		return retry.WithMaxRetries(maxRetries,
			retry.WithCappedDuration(r.config.MaxDelay,
				retry.WithJitter(r.config.InitialDelay/10,
					retry.NewFibonacci(r.config.InitialDelay))))

	default: // RetryStrategyExponential
		return retry.WithMaxRetries(maxRetries,
			retry.WithCappedDuration(r.config.MaxDelay,
				retry.WithJitter(r.config.InitialDelay/10,
					r.exponentialBackoff())))
	}
}

// exponentialBackoff honors the configured multiplier. retry.NewExponential
// always doubles, so other growth rates are computed here.
func (r *Retrier) exponentialBackoff() retry.Backoff {
	multiplier := r.config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if multiplier == 2.0 {
		return retry.NewExponential(r.config.InitialDelay)
	}

	delay := float64(r.config.InitialDelay)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := delay
		delay *= multiplier
		if d > float64(1<<62) {
			d = float64(1 << 62)
		}
		return time.Duration(d), false
	})
}

// constantJitter returns a random duration in [0, max) using crypto/rand,
// falling back to zero jitter if the source fails.
func constantJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made, including initial
	// attempts and retries.
	TotalAttempts int64

	// TotalRetries is the number of retry attempts, not counting initial
	// attempts.
	TotalRetries int64

	// TotalSuccesses is the number of successful operations.
	TotalSuccesses int64

	// TotalFailures is the number of operations that failed after all
	// retries were exhausted.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last error encountered, if any.
	LastError error
}

// Stats returns a snapshot of the retrier's statistics. Thread-safe.
func (r *Retrier) Stats() RetryStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()
	return RetryStats{
		TotalAttempts:   r.stats.totalAttempts,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}

// CombineRetryAndGate wraps op so the gate is applied first (inner layer)
// and retry logic around it (outer layer). This layering keeps circuit state
// accurate while still smoothing over transient failures; a rejection by an
// open circuit is itself subject to the retrier's classifier.
func CombineRetryAndGate(r *Retrier, g *FailureGate, op func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return r.Do(ctx, func(ctx context.Context) error {
			return g.Do(ctx, op)
		})
	}
}
