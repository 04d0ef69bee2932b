package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/streamer-status/internal/cache"
	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/events"
	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/internal/platform"
	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/pkg/log"
)

var (
	// ErrAllPlatformsFailed is returned when no queried platform answered.
	ErrAllPlatformsFailed = errors.New("all platforms failed")
	// ErrNoQueryablePlatform means none of the streamer's handles is on an
	// enabled platform, so nothing is known about its status.
	ErrNoQueryablePlatform = errors.New("no queryable platform")
)

// Config holds checker configuration.
type Config struct {
	PlatformTimeout   time.Duration
	ObservationTTL    time.Duration
	Priority          domain.Priority
	PublishAllChanges bool
}

// Result describes the outcome of one check.
type Result struct {
	Status    domain.Status
	Changed   bool
	Published bool
	// Failed lists the platforms that errored, whether or not a cached
	// observation replaced them.
	Failed []domain.Platform
}

// Checker reconciles one streamer's stored status with the platforms.
type Checker struct {
	repo      repository.StreamerRepository
	cache     cache.StatusCache
	clients   map[domain.Platform]platform.StatusClient
	publisher events.TransitionPublisher
	metrics   *metrics.Metrics
	config    Config
	now       func() time.Time
}

// New creates a checker.
func New(
	repo repository.StreamerRepository,
	c cache.StatusCache,
	clients map[domain.Platform]platform.StatusClient,
	publisher events.TransitionPublisher,
	m *metrics.Metrics,
	cfg Config,
) *Checker {
	if cfg.PlatformTimeout <= 0 {
		cfg.PlatformTimeout = 10 * time.Second
	}
	if cfg.ObservationTTL <= 0 {
		cfg.ObservationTTL = 5 * time.Minute
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = domain.DefaultPriority
	}
	return &Checker{
		repo:      repo,
		cache:     c,
		clients:   clients,
		publisher: publisher,
		metrics:   m,
		config:    cfg,
		now:       time.Now,
	}
}

// Handle processes a stream-check task.
func (c *Checker) Handle(ctx context.Context, t *queue.Task) error {
	var payload domain.CheckTask
	if err := t.Decode(&payload); err != nil {
		return fmt.Errorf("decode check task: %w", err)
	}
	if payload.StreamerID == "" {
		return errors.New("check task without streamer id")
	}

	ctx = log.With(ctx, log.FieldStreamerID, payload.StreamerID)
	_, err := c.Check(ctx, payload.StreamerID)
	return err
}

// Check runs one reconciliation for the streamer.
func (c *Checker) Check(ctx context.Context, streamerID string) (*Result, error) {
	start := c.now()
	l := log.Ctx(ctx)

	streamer, err := c.repo.FindByID(ctx, streamerID)
	if errors.Is(err, repository.ErrStreamerNotFound) {
		l.Warn().Str(log.FieldStreamerID, streamerID).Msg("streamer no longer tracked, dropping check")
		c.metrics.CheckDone("not_found", time.Since(start).Seconds())
		return &Result{}, nil
	}
	if err != nil {
		c.metrics.CheckDone("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("load streamer %s: %w", streamerID, err)
	}

	observations, failed, err := c.observe(ctx, streamer)
	if errors.Is(err, ErrNoQueryablePlatform) {
		l.Debug().Msg("no enabled platform for streamer, keeping stored status")
		c.metrics.CheckDone("skipped", time.Since(start).Seconds())
		return &Result{Status: streamer.Status}, nil
	}
	if err != nil {
		c.metrics.CheckDone("error", time.Since(start).Seconds())
		return nil, err
	}

	current := domain.MergeStatus(observations, c.config.Priority)
	result := &Result{Status: current, Failed: failed}
	previous := streamer.Status
	if current.Equal(previous) {
		c.metrics.CheckDone("unchanged", time.Since(start).Seconds())
		return result, nil
	}

	if err := c.repo.UpdateStatus(ctx, streamer.ID, current); err != nil {
		c.metrics.CheckDone("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("persist status of %s: %w", streamer.ID, err)
	}
	result.Changed = true

	if err := c.cache.InvalidateListing(ctx); err != nil {
		l.Warn().Err(err).Msg("failed to invalidate streamer listing")
	}

	ev := domain.TransitionEvent{
		StreamerID: streamer.ID,
		Name:       streamer.Name,
		AvatarURL:  streamer.AvatarURL,
		Previous:   previous,
		Current:    current,
		OccurredAt: c.now().UTC(),
	}
	kind := transitionKind(ev)
	c.metrics.Transition(kind)
	l.Info().
		Str("transition", kind).
		Strs("changed", previous.Changes(current)).
		Bool("is_live", current.IsLive).
		Int("viewer_count", current.ViewerCount).
		Msg("status changed")

	if ev.WentLive() || c.config.PublishAllChanges {
		if err := c.publisher.PublishTransition(ctx, ev); err != nil {
			l.Error().Err(err).Msg("failed to publish transition")
			c.metrics.Published(false)
		} else {
			result.Published = true
			c.metrics.Published(true)
		}
	}

	c.metrics.CheckDone("changed", time.Since(start).Seconds())
	return result, nil
}

type answer struct {
	obs *domain.Observation
	err error
}

// observe queries every platform the streamer has a handle on. A failed
// platform falls back to its last cached observation or is left unknown.
// Handles on platforms without a client are unknown too: only a cached
// observation can speak for them.
func (c *Checker) observe(ctx context.Context, s *domain.Streamer) ([]domain.Observation, []domain.Platform, error) {
	var (
		mu       sync.Mutex
		answers  = make(map[domain.Platform]answer)
		disabled []domain.Platform
	)

	g, gctx := errgroup.WithContext(ctx)
	for p := range s.Handles {
		handle, ok := s.Handle(p)
		if !ok {
			continue
		}
		client, ok := c.clients[p]
		if !ok {
			disabled = append(disabled, p)
			continue
		}
		p := p
		g.Go(func() error {
			obs, err := c.query(gctx, client, p, handle)
			mu.Lock()
			answers[p] = answer{obs: obs, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	l := log.Ctx(ctx)
	var (
		observations []domain.Observation
		failed       []domain.Platform
	)
	for _, p := range c.config.Priority.Sort(keys(answers)) {
		a := answers[p]
		if a.err == nil {
			observations = append(observations, *a.obs)
			if err := c.cache.SetObservation(ctx, s.ID, *a.obs, c.config.ObservationTTL); err != nil {
				l.Warn().Err(err).Str(log.FieldPlatform, string(p)).Msg("failed to cache observation")
			}
			continue
		}

		failed = append(failed, p)
		if cached := c.cachedObservation(ctx, s.ID, p); cached != nil {
			observations = append(observations, *cached)
			c.metrics.PlatformError(string(p), true)
			l.Warn().Err(a.err).Str(log.FieldPlatform, string(p)).Bool("cached_live", cached.Live).Msg("platform check failed, using last observation")
			continue
		}
		c.metrics.PlatformError(string(p), false)
		l.Warn().Err(a.err).Str(log.FieldPlatform, string(p)).Msg("platform check failed, status unknown")
	}

	for _, p := range c.config.Priority.Sort(disabled) {
		if cached := c.cachedObservation(ctx, s.ID, p); cached != nil {
			observations = append(observations, *cached)
		}
	}

	if len(answers) == 0 {
		if len(observations) == 0 {
			return nil, nil, ErrNoQueryablePlatform
		}
		return observations, nil, nil
	}
	if len(failed) == len(answers) {
		return nil, failed, fmt.Errorf("%w: %v", ErrAllPlatformsFailed, failed)
	}
	return observations, failed, nil
}

func (c *Checker) cachedObservation(ctx context.Context, streamerID string, p domain.Platform) *domain.Observation {
	cached, err := c.cache.GetObservation(ctx, streamerID, p)
	if err == nil {
		return cached
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldPlatform, string(p)).Msg("failed to read cached observation")
	}
	return nil
}

func (c *Checker) query(ctx context.Context, client platform.StatusClient, p domain.Platform, handle string) (*domain.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.PlatformTimeout)
	defer cancel()

	info, err := client.IsLive(ctx, handle)
	if errors.Is(err, platform.ErrNotFound) {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldPlatform, string(p)).Str(log.FieldHandle, handle).Msg("handle not found, treating as offline")
		return &domain.Observation{Platform: p}, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Observation{
		Platform:    p,
		Live:        info.Live,
		ViewerCount: info.ViewerCount,
		Category:    info.Category,
		Title:       info.Title,
	}, nil
}

func keys(m map[domain.Platform]answer) []domain.Platform {
	out := make([]domain.Platform, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}

func transitionKind(ev domain.TransitionEvent) string {
	switch {
	case ev.WentLive():
		return "live"
	case ev.WentOffline():
		return "offline"
	default:
		return "update"
	}
}
