package scheduler

import (
	"context"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// Enqueuer accepts check tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *queue.Task) (bool, error)
}

// Config holds scheduler configuration.
type Config struct {
	// OnlyIDs restricts each cycle to these streamers when non-empty.
	OnlyIDs []string
}

// Scheduler fans a scheduling trigger out into one check task per
// tracked streamer.
type Scheduler struct {
	repo   repository.StreamerRepository
	checks Enqueuer
	config Config
	now    func() time.Time
}

// New creates a scheduler.
func New(repo repository.StreamerRepository, checks Enqueuer, cfg Config) *Scheduler {
	return &Scheduler{
		repo:   repo,
		checks: checks,
		config: cfg,
		now:    time.Now,
	}
}

// Handle runs one scheduling cycle. It never fails the trigger task: a
// store error skips the cycle and the next trigger tries again.
func (s *Scheduler) Handle(ctx context.Context, t *queue.Task) error {
	l := log.Ctx(ctx)

	streamers, err := s.snapshot(ctx)
	if err != nil {
		l.Error().Err(err).Msg("failed to load streamers, skipping cycle")
		return nil
	}

	enqueued, skipped, failed := 0, 0, 0
	for _, st := range streamers {
		task, err := queue.NewTask(domain.TaskStreamCheck, domain.CheckTask{
			StreamerID: st.ID,
			EnqueuedAt: s.now().UTC(),
		})
		if err != nil {
			failed++
			l.Error().Err(err).Str(log.FieldStreamerID, st.ID).Msg("failed to build check task")
			continue
		}

		ok, err := s.checks.Enqueue(ctx, task)
		switch {
		case err != nil:
			failed++
			l.Error().Err(err).Str(log.FieldStreamerID, st.ID).Msg("failed to enqueue check task")
		case ok:
			enqueued++
		default:
			skipped++
		}
	}

	l.Info().
		Int("streamers", len(streamers)).
		Int("enqueued", enqueued).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("scheduling cycle complete")
	return nil
}

func (s *Scheduler) snapshot(ctx context.Context) ([]*domain.Streamer, error) {
	if len(s.config.OnlyIDs) > 0 {
		return s.repo.ListByIDs(ctx, s.config.OnlyIDs)
	}
	return s.repo.ListAll(ctx)
}
