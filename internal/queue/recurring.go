package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/streamer-status/pkg/log"
)

// Schedule enqueues a trigger task on Queue every Every.
type Schedule struct {
	Name    string          `json:"name"`
	Every   time.Duration   `json:"every"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Queue   *Queue          `json:"-"`
}

// Recurring produces trigger tasks for schedules stored in Redis. Several
// processes may run it: each time slot is claimed in Redis so only one
// of them enqueues, and the task id is derived from the slot. Every tick
// reads the stored definitions, so a schedule updated by one process is
// picked up by all of them, and a restarted process that only binds the
// queue resumes the stored interval.
type Recurring struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
	tick   time.Duration

	mu     sync.Mutex
	queues map[string]*Queue
	// last successfully loaded definitions, used when Redis is unreachable
	known map[string]Schedule
}

// NewRecurring creates a producer storing its definitions under prefix.
func NewRecurring(client redis.UniversalClient, prefix string) *Recurring {
	key := "repeat"
	if prefix != "" {
		key = prefix + ":repeat"
	}
	return &Recurring{
		client: client,
		key:    key,
		now:    time.Now,
		tick:   time.Second,
		queues: make(map[string]*Queue),
		known:  make(map[string]Schedule),
	}
}

func validSchedule(s Schedule) bool {
	return s.Name != "" && s.Every >= time.Millisecond
}

// Register upserts a schedule and binds its queue. Registering the same
// name again replaces the previous definition instead of adding a second
// trigger.
func (r *Recurring) Register(ctx context.Context, s Schedule) error {
	if !validSchedule(s) || s.Queue == nil {
		return fmt.Errorf("invalid schedule %q", s.Name)
	}

	def, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, s.Name, def).Err(); err != nil {
		return fmt.Errorf("persist schedule %s: %w", s.Name, err)
	}

	r.mu.Lock()
	r.queues[s.Name] = s.Queue
	r.known[s.Name] = s
	r.mu.Unlock()

	l := log.Ctx(ctx)
	l.Info().Str("schedule", s.Name).Dur("every", s.Every).Str(log.FieldQueue, s.Queue.Name()).Msg("recurring schedule registered")
	return nil
}

// Bind attaches the queue that receives tasks of the stored schedule
// name without changing its definition.
func (r *Recurring) Bind(name string, q *Queue) {
	r.mu.Lock()
	r.queues[name] = q
	r.mu.Unlock()
}

// Definitions returns the persisted schedule definitions. Entries that do
// not decode into a valid schedule are skipped.
func (r *Recurring) Definitions(ctx context.Context) (map[string]Schedule, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	out := make(map[string]Schedule, len(raw))
	for name, v := range raw {
		var s Schedule
		if err := json.Unmarshal([]byte(v), &s); err != nil || !validSchedule(s) {
			l := log.L()
			l.Warn().Err(err).Str("schedule", name).Msg("skipping unreadable schedule definition")
			continue
		}
		out[name] = s
	}
	return out, nil
}

// Run fires due slots until ctx is cancelled.
func (r *Recurring) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.Fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Fire(ctx)
		}
	}
}

// due returns the stored schedules that have a bound queue here.
func (r *Recurring) due(ctx context.Context) []Schedule {
	defs, err := r.Definitions(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("failed to load schedules, using last known definitions")
		}
		defs = r.known
	} else {
		r.known = defs
	}

	out := make([]Schedule, 0, len(defs))
	for name, s := range defs {
		q, ok := r.queues[name]
		if !ok {
			continue
		}
		s.Queue = q
		out = append(out, s)
	}
	return out
}

// Fire enqueues the current slot of every schedule that no process has
// claimed yet. It returns the number of tasks enqueued here.
func (r *Recurring) Fire(ctx context.Context) int {
	fired := 0
	now := r.now()
	for _, s := range r.due(ctx) {
		l := log.Ctx(ctx)
		slot := now.UnixMilli() / s.Every.Milliseconds()
		claim := fmt.Sprintf("%s:%s:%d", r.key, s.Name, slot)

		claimed, err := r.client.SetNX(ctx, claim, 1, 2*s.Every).Result()
		if err != nil {
			if ctx.Err() == nil {
				l.Warn().Err(err).Str("schedule", s.Name).Msg("failed to claim schedule slot")
			}
			continue
		}
		if !claimed {
			continue
		}

		task := &Task{
			ID:      fmt.Sprintf("%s:%d", s.Name, slot),
			Type:    s.Name,
			Payload: s.Payload,
		}
		ok, err := s.Queue.Enqueue(ctx, task)
		if err != nil {
			l.Error().Err(err).Str("schedule", s.Name).Int64("slot", slot).Msg("failed to enqueue scheduled task, releasing slot")
			// Let the next tick, here or elsewhere, retry the slot.
			if err := r.client.Del(context.WithoutCancel(ctx), claim).Err(); err != nil {
				l.Warn().Err(err).Str("schedule", s.Name).Msg("failed to release schedule slot")
			}
			continue
		}
		if ok {
			fired++
			l.Debug().Str("schedule", s.Name).Str(log.FieldTaskID, task.ID).Msg("scheduled task enqueued")
		}
	}
	return fired
}
