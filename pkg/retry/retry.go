// Package retry is an opt-in, caller-level retry policy for Onyphe calls.
//
// The client itself never retries. Callers that want to ride out rate limits
// or flaky links wrap single calls with Do, or a page fetcher with Fetch.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/onyphe"
	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onyphe_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// ErrExhausted is returned when every attempt failed. It wraps the last error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial call).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// Multiplier is the multiplier for exponential backoff.
	Multiplier float64

	// Classify returns the retry class of err, or "" to stop retrying.
	// Defaults to DefaultClassify.
	Classify func(err error) string
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// WithAttempts returns DefaultConfig with n retries after the first attempt.
func WithAttempts(n int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = n + 1
	return cfg
}

// DefaultClassify retries rate limits, transport faults and 5xx rejections.
// Client errors and decode errors are final.
func DefaultClassify(err error) string {
	var rateLimited *onyphe.RateLimitError
	if errors.As(err, &rateLimited) {
		return "rate_limit"
	}
	switch onyphe.Kind(err) {
	case onyphe.KindTransport:
		return "transport"
	case onyphe.KindAPI:
		var apiErr *onyphe.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= http.StatusInternalServerError {
			return "server"
		}
	}
	return ""
}

// Do calls fn until it succeeds, returns a final error, or attempts run out.
// A rate limit error never waits less than its RetryAfter.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	logger := logging.NewLogger("retry")
	classify := cfg.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		kind := classify(err)
		if kind == "" {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			if cfg.MaxAttempts == 1 {
				return err
			}
			retryExhaustedTotal.WithLabelValues(kind).Inc()
			logger.Warn().
				Str("kind", kind).
				Int("max_attempts", cfg.MaxAttempts).
				Msg("Retry attempts exhausted")
			break
		}

		retriesTotal.WithLabelValues(kind).Inc()

		// ±20% jitter
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		var rateLimited *onyphe.RateLimitError
		if errors.As(err, &rateLimited) && wait < rateLimited.RetryAfter {
			wait = rateLimited.RetryAfter
		}
		retryBackoffSeconds.WithLabelValues(kind).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("kind", kind).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// Value is Do for calls returning a result.
func Value[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Fetch wraps a page fetcher so each page is retried on its own. The pager
// still sees pages strictly in order.
func Fetch[T any](fetch pagination.FetchFunc[T], cfg Config) pagination.FetchFunc[T] {
	return func(ctx context.Context, page int) (pagination.Batch[T], error) {
		return Value(ctx, cfg, func(ctx context.Context) (pagination.Batch[T], error) {
			return fetch(ctx, page)
		})
	}
}

// Paged wraps a paged operation the same way Fetch wraps a fetcher.
func Paged[A, T any](op pagination.PagedFunc[A, T], cfg Config) pagination.PagedFunc[A, T] {
	return func(ctx context.Context, args A, page int) (pagination.Batch[T], error) {
		return Value(ctx, cfg, func(ctx context.Context) (pagination.Batch[T], error) {
			return op(ctx, args, page)
		})
	}
}
