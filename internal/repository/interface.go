package repository

import (
	"context"
	"errors"

	"github.com/weiawesome/streamer-status/internal/domain"
)

var ErrStreamerNotFound = errors.New("streamer not found")

// StreamerRepository is the entity store for tracked streamers.
type StreamerRepository interface {
	Create(ctx context.Context, s *domain.Streamer) error
	FindByID(ctx context.Context, id string) (*domain.Streamer, error)
	ListAll(ctx context.Context) ([]*domain.Streamer, error)
	ListByIDs(ctx context.Context, ids []string) ([]*domain.Streamer, error)
	// UpdateStatus writes every status column in one statement.
	UpdateStatus(ctx context.Context, id string, st domain.Status) error
	Ping(ctx context.Context) error
}
