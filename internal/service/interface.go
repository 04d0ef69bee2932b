package service

import (
	"context"

	"github.com/weiawesome/streamer-status/internal/domain"
)

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthReport is the result of probing the backing stores.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool { return r.Status == HealthOK }

// StatusService serves stored streamer statuses to the API.
type StatusService interface {
	// ListStreamers returns every tracked streamer, served from the
	// listing cache when possible.
	ListStreamers(ctx context.Context) ([]*domain.Streamer, error)

	// GetStreamer returns one streamer from the store.
	GetStreamer(ctx context.Context, id string) (*domain.Streamer, error)

	// Health probes Redis and the database.
	Health(ctx context.Context) HealthReport
}
