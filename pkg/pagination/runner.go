package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig holds multi-query runner configuration.
type RunnerConfig struct {
	// MaxConcurrency is the maximum number of sequences driven in parallel.
	// Keep it low: every worker issues its own requests against the same API key.
	MaxConcurrency int
}

// DefaultRunnerConfig returns a rate-limit friendly configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrency: 2,
	}
}

// Result is the outcome of one query. Values holds everything yielded before Err.
type Result[Q, V any] struct {
	Query  Q
	Values []V
	Err    error
}

// Run drives one sequence per query with at most cfg.MaxConcurrency workers.
// Results come back in input order. A failing query does not stop the others;
// the returned error joins every per-query error.
func Run[Q, V any](ctx context.Context, cfg RunnerConfig, queries []Q, seq func(context.Context, Q) iter.Seq2[V, error]) ([]Result[Q, V], error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultRunnerConfig().MaxConcurrency
	}

	logger := logging.NewLogger("pagination")
	start := time.Now()
	results := make([]Result[Q, V], len(queries))

	logger.Info().
		Int("queries", len(queries)).
		Int("workers", cfg.MaxConcurrency).
		Msg("Starting query batch")

	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrency)

	for i, q := range queries {
		g.Go(func() error {
			res := Result[Q, V]{Query: q}
			res.Values, res.Err = Collect(seq(ctx, q))
			if res.Err != nil {
				logger.Warn().Err(res.Err).Int("query_index", i).Msg("Query failed - keeping partial results")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("query %d: %w", i, res.Err))
		}
	}

	logger.Info().
		Int("queries", len(queries)).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("Query batch complete")

	return results, errors.Join(errs...)
}
