package cache

import (
	"context"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
)

// ListingCache holds the cached streamer listing served by the API.
// Every invalidation bumps a generation; a fill read under an older
// generation is rejected with ErrStaleListing.
type ListingCache interface {
	GetListing(ctx context.Context) ([]*domain.Streamer, error)
	ListingGeneration(ctx context.Context) (int64, error)
	SetListing(ctx context.Context, streamers []*domain.Streamer, generation int64, ttl time.Duration) error
	InvalidateListing(ctx context.Context) error
}

// ObservationCache keeps the last successful per-platform observation so a
// transient platform error does not read as offline.
type ObservationCache interface {
	GetObservation(ctx context.Context, streamerID string, platform domain.Platform) (*domain.Observation, error)
	SetObservation(ctx context.Context, streamerID string, obs domain.Observation, ttl time.Duration) error
}

// StatusCache combines both caches.
type StatusCache interface {
	ListingCache
	ObservationCache
}
