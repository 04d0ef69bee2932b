package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// Handler processes one task. A returned error (or panic) fails the attempt.
type Handler func(ctx context.Context, t *Task) error

// Worker consumes a queue with local concurrency equal to the queue's
// ceiling and a per-process start rate.
type Worker struct {
	q        *Queue
	handler  Handler
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	interval time.Duration

	wg sync.WaitGroup
}

// NewWorker creates a worker for q.
func NewWorker(q *Queue, h Handler, m *metrics.Metrics) *Worker {
	burst := q.cfg.Concurrency
	if burst < 1 {
		burst = 1
	}
	return &Worker{
		q:        q,
		handler:  h,
		limiter:  rate.NewLimiter(rate.Limit(q.cfg.RatePerSecond), burst),
		metrics:  m,
		interval: time.Second,
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) {
	logger := log.Ctx(ctx).With().Str(log.FieldQueue, w.q.cfg.Name).Logger()
	logger.Info().
		Int("concurrency", w.q.cfg.Concurrency).
		Float64("rate_per_second", w.q.cfg.RatePerSecond).
		Msg("queue worker started")

	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		w.maintain(ctx)
	}()

	slots := make(chan struct{}, w.q.cfg.Concurrency)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case slots <- struct{}{}:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			<-slots
			break
		}

		task, err := w.q.Dequeue(ctx, w.q.cfg.PollTimeout)
		if err != nil {
			<-slots
			if errors.Is(err, ErrNoTask) {
				// Ceiling reached elsewhere: back off briefly before polling again.
				if !sleep(ctx, 50*time.Millisecond) {
					break
				}
				continue
			}
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Msg("dequeue failed")
			if !sleep(ctx, w.interval) {
				break
			}
			continue
		}

		w.wg.Add(1)
		go func(t *Task) {
			defer func() { <-slots }()
			defer w.wg.Done()
			w.process(ctx, t)
		}(task)
	}

	w.wg.Wait()
	<-maintDone
	logger.Info().Msg("queue worker stopped")
}

func (w *Worker) process(parent context.Context, t *Task) {
	start := time.Now()
	logger := log.Ctx(parent).With().
		Str(log.FieldQueue, w.q.cfg.Name).
		Str(log.FieldTaskID, t.ID).
		Str(log.FieldTaskType, t.Type).
		Int(log.FieldAttempt, t.Attempts+1).
		Logger()

	// In-flight tasks finish on shutdown, bounded by the task timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.q.cfg.TaskTimeout)
	ctx = log.WithLogger(ctx, logger)
	err := w.safeHandle(ctx, t)
	cancel()

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer settleCancel()

	if err == nil {
		if ackErr := w.q.Ack(settleCtx, t); ackErr != nil {
			logger.Warn().Err(ackErr).Msg("failed to ack task")
		}
		w.metrics.TaskDone(w.q.cfg.Name, "ok")
		logger.Debug().Dur("elapsed", time.Since(start)).Msg("task done")
		return
	}

	dead, nackErr := w.q.Nack(settleCtx, t, err)
	switch {
	case nackErr != nil:
		logger.Error().Err(err).AnErr("nack_error", nackErr).Msg("task failed and could not be requeued")
		w.metrics.TaskDone(w.q.cfg.Name, "error")
	case dead:
		logger.Error().
			Err(err).
			Str("payload", string(t.Payload)).
			Int("max_attempts", w.q.cfg.MaxAttempts).
			Msg("task exhausted retries, moved to dead-letter")
		w.metrics.TaskDone(w.q.cfg.Name, "dead")
	default:
		logger.Warn().
			Err(err).
			Dur("retry_in", w.q.Backoff(t.Attempts)).
			Msg("task failed, retry scheduled")
		w.metrics.TaskDone(w.q.cfg.Name, "retry")
	}
}

func (w *Worker) safeHandle(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l := log.Ctx(ctx)
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, t)
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l := log.Ctx(ctx)
			if _, err := w.q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				l.Warn().Err(err).Str(log.FieldQueue, w.q.cfg.Name).Msg("promote delayed failed")
			}
			if _, err := w.q.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				l.Warn().Err(err).Str(log.FieldQueue, w.q.cfg.Name).Msg("stalled recovery failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
