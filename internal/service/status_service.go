package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/streamer-status/internal/cache"
	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Config struct {
	ListingTTL    time.Duration
	HealthTimeout time.Duration
}

type statusService struct {
	repo   repository.StreamerRepository
	cache  cache.ListingCache
	probes map[string]Pinger
	config Config
	group  singleflight.Group
}

// NewStatusService creates a StatusService. probes are named liveness
// checks reported by Health.
func NewStatusService(repo repository.StreamerRepository, c cache.ListingCache, probes map[string]Pinger, cfg Config) StatusService {
	if cfg.ListingTTL <= 0 {
		cfg.ListingTTL = time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	return &statusService{
		repo:   repo,
		cache:  c,
		probes: probes,
		config: cfg,
	}
}

func (s *statusService) ListStreamers(ctx context.Context) ([]*domain.Streamer, error) {
	l := log.Ctx(ctx)

	streamers, err := s.cache.GetListing(ctx)
	if err == nil {
		return streamers, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l.Warn().Err(err).Msg("failed to read streamer listing from cache")
	}

	v, err, _ := s.group.Do("listing", func() (interface{}, error) {
		gen, genErr := s.cache.ListingGeneration(ctx)
		if genErr != nil {
			l.Warn().Err(genErr).Msg("failed to read listing generation")
		}
		streamers, err := s.repo.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			return streamers, nil
		}
		err = s.cache.SetListing(ctx, streamers, gen, s.config.ListingTTL)
		switch {
		case errors.Is(err, cache.ErrStaleListing):
			l.Debug().Int64("generation", gen).Msg("listing changed during fill, not caching")
		case err != nil:
			l.Warn().Err(err).Msg("failed to cache streamer listing")
		}
		return streamers, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Streamer), nil
}

func (s *statusService) GetStreamer(ctx context.Context, id string) (*domain.Streamer, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *statusService) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.config.HealthTimeout)
	defer cancel()

	results := make(map[string]string, len(s.probes))
	errs := make([]error, 0, len(s.probes))
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	outcomes := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			outcomes[i] = s.probes[name].Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()

	l := log.Ctx(ctx)
	for i, name := range names {
		if outcomes[i] != nil {
			results[name] = "error"
			errs = append(errs, outcomes[i])
			l.Warn().Err(outcomes[i]).Str("dependency", name).Msg("health check failed")
			continue
		}
		results[name] = HealthOK
	}

	status := HealthOK
	if len(errs) > 0 {
		status = HealthDegraded
	}
	return HealthReport{Status: status, Checks: results}
}
