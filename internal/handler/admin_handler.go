package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/service"
	"github.com/weiawesome/streamer-status/pkg/log"
	"github.com/weiawesome/streamer-status/pkg/response"
)

// HealthProber reports dependency health.
type HealthProber interface {
	Health(ctx context.Context) service.HealthReport
}

// AdminHandler exposes queue inspection for the worker process.
type AdminHandler struct {
	queues  map[string]*queue.Queue
	health  HealthProber
	metrics http.Handler
}

func NewAdminHandler(queues []*queue.Queue, health HealthProber, metrics http.Handler) *AdminHandler {
	byName := make(map[string]*queue.Queue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &AdminHandler{queues: byName, health: health, metrics: metrics}
}

// RegisterRoutes registers all routes.
func (h *AdminHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	admin := r.Group("/admin")
	{
		queues := admin.Group("/queues/:name")
		{
			queues.GET("/stats", h.QueueStats)
			queues.GET("/dead-letters", h.DeadLetters)
			queues.POST("/dead-letters/:id/retry", h.RetryDeadLetter)
		}
	}
}

func (h *AdminHandler) Health(c *gin.Context) {
	report := h.health.Health(c.Request.Context())
	if !report.Healthy() {
		c.JSON(http.StatusServiceUnavailable, response.Response{Success: false, Data: report})
		return
	}
	response.Success(c, report)
}

func (h *AdminHandler) queue(c *gin.Context) (*queue.Queue, bool) {
	q, ok := h.queues[c.Param("name")]
	if !ok {
		response.NotFound(c, "queue not found")
	}
	return q, ok
}

// QueueStats returns list sizes of a queue.
func (h *AdminHandler) QueueStats(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	stats, err := q.Stats(ctx)
	if err != nil {
		l.Error().Err(err).Str(log.FieldQueue, q.Name()).Msg("failed to read queue stats")
		response.InternalError(c, "failed to read queue stats")
		return
	}
	response.Success(c, stats)
}

// DeadLetters lists dead-lettered tasks.
func (h *AdminHandler) DeadLetters(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			response.BadRequest(c, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	tasks, err := q.DeadLetters(ctx, limit)
	if err != nil {
		l.Error().Err(err).Str(log.FieldQueue, q.Name()).Msg("failed to list dead letters")
		response.InternalError(c, "failed to list dead letters")
		return
	}
	response.List(c, tasks, len(tasks))
}

// RetryDeadLetter moves a dead task back to the wait list.
func (h *AdminHandler) RetryDeadLetter(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	id := c.Param("id")

	if err := q.RetryDead(ctx, id); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			response.NotFound(c, "dead letter not found")
			return
		}
		l.Error().Err(err).Str(log.FieldQueue, q.Name()).Str(log.FieldTaskID, id).Msg("failed to retry dead letter")
		response.InternalError(c, "failed to retry dead letter")
		return
	}
	l.Info().Str(log.FieldQueue, q.Name()).Str(log.FieldTaskID, id).Msg("dead letter requeued")
	response.Accepted(c, gin.H{"id": id})
}
