package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
)

var (
	// ErrNotFound is returned when the handle does not exist on the platform.
	ErrNotFound = errors.New("platform: handle not found")
	// ErrRateLimited is returned once the 429 retry budget is exhausted.
	ErrRateLimited = errors.New("platform: rate limit retries exceeded")
)

// StreamInfo is a platform's answer to "is this handle live right now".
type StreamInfo struct {
	Live        bool
	ViewerCount int
	Category    string
	Title       string
	StartedAt   time.Time
}

// StatusClient queries one platform for the live state of a handle.
type StatusClient interface {
	Platform() domain.Platform
	IsLive(ctx context.Context, handle string) (*StreamInfo, error)
}

// HTTPError is a non-2xx response from a platform API.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("platform api returned %d: %s", e.StatusCode, body)
}

// NewHTTPClient returns the HTTP client used for platform calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
