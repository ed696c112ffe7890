package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onyphe_rate_limit_cooldowns_total",
		Help: "Total number of 429 responses that started or extended a cooldown",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onyphe_rate_limit_blocks_total",
		Help: "Total number of requests rejected locally during a cooldown",
	})
)

// Tracker records 429 responses and gates requests while the cooldown is active.
// It is safe for concurrent use when its Store is.
type Tracker struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. A nil store falls back to a MemoryStore.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Allow returns a *CooldownError if requests are currently blocked.
func (t *Tracker) Allow(ctx context.Context) error {
	cooldown, err := t.store.GetCooldown(ctx)
	if err != nil {
		return fmt.Errorf("get cooldown: %w", err)
	}

	now := t.now()
	if !cooldown.Active(now) {
		return nil
	}

	remaining := cooldown.Remaining(now)
	t.logger.Warn().
		Dur("retry_after", remaining).
		Msg("Rate limit cooldown active - rejecting request")
	rateLimitBlocksTotal.Inc()

	return &CooldownError{RetryAfter: remaining}
}

// Observe inspects a response status and starts a cooldown on 429.
// It returns the cooldown applied, or 0 for any other status.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) (time.Duration, error) {
	if status != http.StatusTooManyRequests {
		return 0, nil
	}

	now := t.now()
	wait := ParseRetryAfter(headers.Get("Retry-After"), now)
	if err := t.store.ExtendCooldown(ctx, now.Add(wait)); err != nil {
		return wait, fmt.Errorf("store cooldown: %w", err)
	}

	rateLimitCooldownsTotal.Inc()
	t.logger.Warn().
		Dur("cooldown", wait).
		Msg("Rate limiting triggered by upstream")

	return wait, nil
}

// ParseRetryAfter reads a Retry-After value in delta-seconds or HTTP-date form.
// Missing or invalid values yield DefaultCooldown; results are capped at MaxCooldown.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultCooldown
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		wait = at.Sub(now)
	} else {
		return DefaultCooldown
	}

	if wait <= 0 {
		return DefaultCooldown
	}
	if wait > MaxCooldown {
		return MaxCooldown
	}
	return wait
}
