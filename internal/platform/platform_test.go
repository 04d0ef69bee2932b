package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, DefaultDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func tokenHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"access_token": "tok", "expires_in": 3600, "token_type": "bearer"})
	}
}

func newTwitchServer(t *testing.T, live bool) (*TwitchClient, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "cid", r.Header.Get("Client-Id"))
		if r.URL.Query().Get("login") != "someone" {
			writeJSON(w, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, map[string]any{"data": []map[string]any{{"id": "42", "login": "someone"}}})
	})
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("user_id"))
		if !live {
			writeJSON(w, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, map[string]any{"data": []map[string]any{{
			"type": "live", "game_name": "Just Chatting", "title": "hello",
			"viewer_count": 120, "started_at": "2024-01-02T03:04:05Z",
		}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewTwitchClient(TwitchConfig{
		BaseURL:  srv.URL + "/helix",
		AuthURL:  srv.URL + "/token",
		ClientID: "cid", ClientSecret: "secret",
		Retry: fastRetry(),
	}, srv.Client())
	return c, &tokenCalls
}

func TestTwitchLive(t *testing.T) {
	c, tokenCalls := newTwitchServer(t, true)
	info, err := c.IsLive(context.Background(), "Someone")
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Equal(t, 120, info.ViewerCount)
	assert.Equal(t, "Just Chatting", info.Category)
	assert.Equal(t, "hello", info.Title)
	assert.Equal(t, 2024, info.StartedAt.Year())

	_, err = c.IsLive(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls), "token is cached")
}

func TestTwitchOfflineAndNotFound(t *testing.T) {
	c, _ := newTwitchServer(t, false)
	info, err := c.IsLive(context.Background(), "someone")
	require.NoError(t, err)
	assert.False(t, info.Live)

	_, err = c.IsLive(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKickLiveUsesLivestreamMetadata(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/v1/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slug") != "someone" {
			writeJSON(w, map[string]any{"data": []any{}, "message": "OK"})
			return
		}
		writeJSON(w, map[string]any{"message": "OK", "data": []map[string]any{{
			"broadcaster_user_id": 7, "slug": "someone", "stream_title": "old title",
			"category": map[string]any{"id": 1, "name": "Old"},
			"stream":   map[string]any{"is_live": true, "viewer_count": 33},
		}}})
	})
	mux.HandleFunc("/v1/livestreams", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("broadcaster_user_id"))
		writeJSON(w, map[string]any{"message": "OK", "data": []map[string]any{{
			"broadcaster_user_id": 7, "stream_title": "new title",
			"category": map[string]any{"id": 2, "name": "IRL"}, "viewer_count": 30,
		}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewKickClient(KickConfig{
		BaseURL: srv.URL + "/v1", AuthURL: srv.URL + "/oauth/token",
		ClientID: "id", ClientSecret: "secret", Retry: fastRetry(),
	}, srv.Client())

	info, err := c.IsLive(context.Background(), "someone")
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Equal(t, "new title", info.Title)
	assert.Equal(t, "IRL", info.Category)
	assert.Equal(t, 33, info.ViewerCount)

	_, err = c.IsLive(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithRetryOn429(t *testing.T) {
	var calls int
	got, err := WithRetry(context.Background(), fastRetry(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"0"}}}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	var calls int
	_, err := WithRetry(context.Background(), fastRetry(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &HTTPError{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 4, calls)
}

func TestWithRetryPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	_, err := WithRetry(context.Background(), fastRetry(), func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	_, err = WithRetry(context.Background(), fastRetry(), func(ctx context.Context) (int, error) {
		return 0, &HTTPError{StatusCode: http.StatusInternalServerError}
	})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxRetries: 3, DefaultDelay: time.Hour, MaxDelay: time.Hour}
	_, err := WithRetry(ctx, cfg, func(ctx context.Context) (int, error) {
		return 0, &HTTPError{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryDelay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := RetryConfig{DefaultDelay: time.Second, MaxDelay: time.Minute}

	assert.Equal(t, 5*time.Second, retryDelay(http.Header{"X-Ratelimit-Reset": {"5"}}, cfg, now))
	assert.Equal(t, 3*time.Second, retryDelay(http.Header{"X-Ratelimit-Reset": {"1700000003"}}, cfg, now))
	assert.Equal(t, 2*time.Second, retryDelay(http.Header{"Retry-After": {"2"}}, cfg, now))
	assert.Equal(t, time.Second, retryDelay(http.Header{}, cfg, now))
	assert.Equal(t, time.Minute, retryDelay(http.Header{"Retry-After": {"600"}}, cfg, now))
	assert.Equal(t, time.Duration(0), retryDelay(http.Header{"X-Ratelimit-Reset": {"1699999990"}}, cfg, now))
}
