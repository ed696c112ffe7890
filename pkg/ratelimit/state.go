// Package ratelimit implements backpressure against the rate-limited Onyphe API.
//
// Two mechanisms are provided. Gates bound how many requests of one feature may
// be in flight at once (the export endpoint refuses concurrent streams). The
// Tracker remembers HTTP 429 responses and fails subsequent requests fast until
// the upstream cooldown has elapsed. Neither mechanism sleeps or retries; retry
// policy belongs to the caller.
package ratelimit

import (
	"fmt"
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyCooldownUntil = "onyphe:rate_limit:cooldown_until"
)

// DefaultCooldown is applied when a 429 response carries no usable Retry-After header.
const DefaultCooldown = 1 * time.Second

// MaxCooldown caps absurd Retry-After values.
const MaxCooldown = 10 * time.Minute

// Cooldown is the window during which requests are rejected locally.
type Cooldown struct {
	// Until is when requests may resume. Zero means no cooldown.
	Until time.Time `json:"until"`
}

// Active reports whether the cooldown still applies at now.
func (c Cooldown) Active(now time.Time) bool {
	return now.Before(c.Until)
}

// Remaining returns the time left at now, or 0 once expired.
func (c Cooldown) Remaining(now time.Time) time.Duration {
	d := c.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CooldownError is returned when a request is rejected locally because the
// upstream recently answered 429.
type CooldownError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("rate limit cooldown active, retry after %s", e.RetryAfter.Round(time.Millisecond))
}
