package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/service"
)

type staticHealth service.HealthReport

func (h staticHealth) Health(ctx context.Context) service.HealthReport {
	return service.HealthReport(h)
}

func newAdmin(t *testing.T, health HealthProber) (*gin.Engine, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.New(client, queue.Config{Name: "stream-check", KeyPrefix: "test", MaxAttempts: 1}, nil)
	r := gin.New()
	NewAdminHandler([]*queue.Queue{q}, health, http.NotFoundHandler()).RegisterRoutes(r)
	return r, q
}

func deadLetter(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, &queue.Task{ID: id, Payload: json.RawMessage(`{"streamerId":"s1"}`)})
	require.NoError(t, err)
	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, task, errors.New("all platforms failed"))
	require.NoError(t, err)
	require.True(t, dead)
}

func TestAdminDeadLetters(t *testing.T) {
	r, q := newAdmin(t, staticHealth{Status: service.HealthOK})
	deadLetter(t, q, "task-1")

	rec := serve(r, http.MethodGet, "/admin/queues/stream-check/dead-letters")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool          `json:"success"`
		Data    []*queue.Task `json:"data"`
		Meta    struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Meta.Count)
	assert.Equal(t, "task-1", body.Data[0].ID)
	assert.Equal(t, "all platforms failed", body.Data[0].LastError)

	rec = serve(r, http.MethodPost, "/admin/queues/stream-check/dead-letters/task-1/retry")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(r, http.MethodPost, "/admin/queues/stream-check/dead-letters/task-1/retry")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(r, http.MethodGet, "/admin/queues/stream-check/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"waiting":1`)
	assert.Contains(t, rec.Body.String(), `"dead":0`)
}

func TestAdminRejectsBadInput(t *testing.T) {
	r, _ := newAdmin(t, staticHealth{Status: service.HealthOK})

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/admin/queues/unknown/stats").Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/admin/queues/stream-check/dead-letters?limit=0").Code)
}

func TestAdminHealth(t *testing.T) {
	r, _ := newAdmin(t, staticHealth{Status: service.HealthOK})
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/health").Code)

	r, _ = newAdmin(t, staticHealth{Status: service.HealthDegraded, Checks: map[string]string{"database": "error"}})
	rec := serve(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"error"`)
}
