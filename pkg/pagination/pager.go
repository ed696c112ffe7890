package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "onyphe_pages_fetched_total",
	Help: "Total number of result pages fetched by the pager",
})

// ErrInvalidRange is returned for a page window that cannot be iterated.
var ErrInvalidRange = errors.New("invalid page range")

// Batch is one fetched page.
type Batch[T any] struct {
	// Page is the page number reported by the server (informational).
	Page int

	// MaxPage is the last page the server reports; <= 0 is treated as 1.
	MaxPage int

	Items []T
}

// FetchFunc fetches a single page.
type FetchFunc[T any] func(ctx context.Context, page int) (Batch[T], error)

// Item is one record tagged with the page it came from.
type Item[T any] struct {
	Page  int
	Value T
}

// PageError reports which page failed. It unwraps to the fetch error.
type PageError struct {
	Page int
	Err  error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Range is an inclusive page window. First 0 means 1; Last 0 means unbounded.
type Range struct {
	First int
	Last  int
}

func (r Range) normalize() (Range, error) {
	if r.First == 0 {
		r.First = 1
	}
	if r.First < 0 {
		return r, fmt.Errorf("%w: first page must be >= 1 (got %d)", ErrInvalidRange, r.First)
	}
	if r.Last < 0 {
		return r, fmt.Errorf("%w: last page must be >= 0 (got %d)", ErrInvalidRange, r.Last)
	}
	if r.Last > 0 && r.Last < r.First {
		return r, fmt.Errorf("%w: last page %d before first page %d", ErrInvalidRange, r.Last, r.First)
	}
	return r, nil
}

// Pager drives a FetchFunc over a Range.
//
// A Pager holds no cursor itself; every call to All starts a fresh sequence.
// A single sequence must not be iterated from two goroutines.
type Pager[T any] struct {
	fetch  FetchFunc[T]
	rng    Range
	logger zerolog.Logger
}

// NewPager creates a pager logging under the "pagination" component.
func NewPager[T any](fetch FetchFunc[T], rng Range) *Pager[T] {
	return &Pager[T]{
		fetch:  fetch,
		rng:    rng,
		logger: logging.NewLogger("pagination"),
	}
}

// WithLogger replaces the pager logger.
func (p *Pager[T]) WithLogger(logger zerolog.Logger) *Pager[T] {
	p.logger = logger
	return p
}

// All returns the lazy record sequence. On error the sequence yields the error
// once, wrapped in *PageError, and ends; records already yielded stay valid.
func (p *Pager[T]) All(ctx context.Context) iter.Seq2[Item[T], error] {
	return func(yield func(Item[T], error) bool) {
		rng, err := p.rng.normalize()
		if err != nil {
			yield(Item[T]{}, err)
			return
		}

		for current := rng.First; ; current++ {
			if err := ctx.Err(); err != nil {
				yield(Item[T]{}, &PageError{Page: current, Err: err})
				return
			}

			batch, err := p.fetch(ctx, current)
			if err != nil {
				p.logger.Debug().Err(err).Int("page", current).Msg("Page fetch failed")
				yield(Item[T]{}, &PageError{Page: current, Err: err})
				return
			}
			pagesFetchedTotal.Inc()

			for _, v := range batch.Items {
				if !yield(Item[T]{Page: current, Value: v}, nil) {
					return
				}
			}

			maxPage := batch.MaxPage
			if maxPage <= 0 {
				maxPage = 1
			}
			p.logger.Info().
				Int("page", current).
				Int("max_page", maxPage).
				Int("records", len(batch.Items)).
				Msgf("fetched page %d of %d", current, maxPage)

			switch {
			case len(batch.Items) == 0:
				p.logger.Debug().Int("page", current).Msg("Empty page, stopping")
				return
			case current >= maxPage:
				return
			case rng.Last > 0 && current >= rng.Last:
				return
			}
		}
	}
}

// PagedFunc is any operation of the "paged search" shape.
type PagedFunc[A, T any] func(ctx context.Context, args A, page int) (Batch[T], error)

// Iterate runs op with args over pages first..last inclusive (last 0 = until
// the server reports the final page).
func Iterate[A, T any](ctx context.Context, op PagedFunc[A, T], args A, first, last int) iter.Seq2[Item[T], error] {
	fetch := func(ctx context.Context, page int) (Batch[T], error) {
		return op(ctx, args, page)
	}
	return NewPager(fetch, Range{First: first, Last: last}).All(ctx)
}

// Collect drains seq into a slice, stopping at the first error and returning
// everything collected before it.
func Collect[V any](seq iter.Seq2[V, error]) ([]V, error) {
	result := make([]V, 0)
	for v, err := range seq {
		if err != nil {
			return result, err
		}
		result = append(result, v)
	}
	return result, nil
}
