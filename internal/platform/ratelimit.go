package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weiawesome/streamer-status/pkg/log"
)

// RetryConfig bounds the 429 retry loop.
type RetryConfig struct {
	MaxRetries   int
	DefaultDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches the platforms' documented limits.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, DefaultDelay: time.Second, MaxDelay: time.Minute}
}

// WithRetry calls fn, retrying while it fails with HTTP 429. The wait is
// taken from X-RateLimit-Reset, then Retry-After, then DefaultDelay. Any
// other error is returned immediately.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRateLimited, attempt+1, err)
		}

		delay := retryDelay(httpErr.Header, cfg, time.Now())
		l := log.Ctx(ctx)
		l.Warn().
			Int(log.FieldAttempt, attempt+1).
			Dur("delay", delay).
			Msg("platform rate limited, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// retryDelay reads the wait from response headers. X-RateLimit-Reset may
// hold either seconds to wait or a unix timestamp.
func retryDelay(h http.Header, cfg RetryConfig, now time.Time) time.Duration {
	delay := cfg.DefaultDelay
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if d, ok := parseReset(v, now); ok {
			delay = d
		}
	} else if v := strings.TrimSpace(h.Get("Ratelimit-Reset")); v != "" {
		if d, ok := parseReset(v, now); ok {
			delay = d
		}
	} else if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			delay = time.Duration(secs * float64(time.Second))
		} else if at, err := http.ParseTime(v); err == nil {
			delay = at.Sub(now)
		}
	}

	if delay < 0 {
		delay = 0
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// unixThreshold separates "seconds to wait" from absolute unix timestamps.
const unixThreshold = 1_000_000_000

func parseReset(v string, now time.Time) (time.Duration, bool) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	if n >= unixThreshold {
		return time.Unix(int64(n), 0).Sub(now), true
	}
	return time.Duration(n * float64(time.Second)), true
}
