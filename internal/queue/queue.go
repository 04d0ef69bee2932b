package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/pkg/log"
)

var (
	// ErrNoTask is returned by Dequeue when nothing could be taken.
	ErrNoTask = errors.New("queue: no task available")
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("queue: task not found")
	// ErrTaskLost is returned when a task was settled by someone else,
	// typically after stalled recovery.
	ErrTaskLost = errors.New("queue: task no longer active")
)

// leaseGrace pads lease expiry beyond the task timeout.
const leaseGrace = 5 * time.Second

// Config configures one named queue.
type Config struct {
	Name          string
	KeyPrefix     string
	Concurrency   int
	RatePerSecond float64
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	TaskTimeout   time.Duration
	PollTimeout   time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = float64(c.Concurrency)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
}

type keys struct {
	wait, active, delayed, dead, leases, deadlines, taskPrefix string
}

func newKeys(prefix, name string) keys {
	base := name
	if prefix != "" {
		base = prefix + ":queue:" + name
	}
	return keys{
		wait:       base + ":wait",
		active:     base + ":active",
		delayed:    base + ":delayed",
		dead:       base + ":dead",
		leases:     base + ":leases",
		deadlines:  base + ":deadlines",
		taskPrefix: base + ":task:",
	}
}

func (k keys) task(id string) string { return k.taskPrefix + id }

// Queue is a durable at-least-once FIFO queue on Redis with a global
// concurrency ceiling shared by every process consuming it.
type Queue struct {
	client  redis.UniversalClient
	cfg     Config
	keys    keys
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a queue handle. It does not touch Redis.
func New(client redis.UniversalClient, cfg Config, m *metrics.Metrics) *Queue {
	cfg.withDefaults()
	return &Queue{
		client:  client,
		cfg:     cfg,
		keys:    newKeys(cfg.KeyPrefix, cfg.Name),
		metrics: m,
		now:     time.Now,
	}
}

func (q *Queue) Name() string   { return q.cfg.Name }
func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores and pushes a task. A task whose ID already exists is
// skipped and reported as not enqueued.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (bool, error) {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("generate task id: %w", err)
		}
		t.ID = id.String()
	}
	if t.Type == "" {
		t.Type = q.cfg.Name
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now().UTC()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	n, err := enqueueScript.Run(ctx, q.client, []string{q.keys.task(t.ID), q.keys.wait}, t.ID, data).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", q.cfg.Name, err)
	}
	if n == 1 {
		q.metrics.Enqueued(q.cfg.Name)
	}
	return n == 1, nil
}

// Dequeue takes the oldest waiting task, blocking up to timeout. It first
// acquires a slot of the global ceiling and returns ErrNoTask when none is
// free or nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	lease := uuid.NewString()
	now := q.now()
	expires := now.Add(timeout + q.cfg.TaskTimeout + leaseGrace)

	ok, err := acquireScript.Run(ctx, q.client, []string{q.keys.leases},
		now.UnixMilli(), expires.UnixMilli(), q.cfg.Concurrency, lease).Int()
	if err != nil {
		return nil, fmt.Errorf("acquire lease on %s: %w", q.cfg.Name, err)
	}
	if ok == 0 {
		return nil, ErrNoTask
	}

	id, err := q.client.BRPopLPush(ctx, q.keys.wait, q.keys.active, timeout).Result()
	if err != nil {
		q.releaseLease(lease)
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("dequeue %s: %w", q.cfg.Name, err)
	}

	started := q.now()
	deadline := started.Add(q.cfg.TaskTimeout + leaseGrace)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.keys.deadlines, redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	pipe.ZAdd(ctx, q.keys.leases, redis.Z{Score: float64(deadline.UnixMilli()), Member: lease})
	getCmd := pipe.Get(ctx, q.keys.task(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		// The id stays in active and is recovered as stalled.
		q.releaseLease(lease)
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}

	data, err := getCmd.Bytes()
	if err != nil {
		// Orphan id without a body; drop it.
		l := log.Ctx(ctx)
		l.Warn().Str(log.FieldQueue, q.cfg.Name).Str(log.FieldTaskID, id).Msg("dropping task without body")
		q.settle(ctx, &Task{ID: id, lease: lease}, "ack", nil, 0, "")
		return nil, ErrNoTask
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldQueue, q.cfg.Name).Str(log.FieldTaskID, id).Msg("dropping undecodable task")
		q.settle(ctx, &Task{ID: id, lease: lease}, "dead", data, 0, q.keys.dead)
		q.metrics.DeadLettered(q.cfg.Name)
		return nil, ErrNoTask
	}
	t.lease = lease
	return &t, nil
}

// Ack marks a task as done and deletes it.
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	return q.settle(ctx, t, "ack", nil, 0, "")
}

// Nack records a failed attempt. Below MaxAttempts the task is retried
// after an exponential backoff; otherwise it is dead-lettered and
// dead is true.
func (q *Queue) Nack(ctx context.Context, t *Task, cause error) (dead bool, err error) {
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	now := q.now()

	if t.Attempts >= q.cfg.MaxAttempts {
		failed := now.UTC()
		t.FailedAt = &failed
		data, err := json.Marshal(t)
		if err != nil {
			return false, fmt.Errorf("marshal task: %w", err)
		}
		if err := q.settle(ctx, t, "dead", data, 0, q.keys.dead); err != nil {
			return false, err
		}
		q.metrics.DeadLettered(q.cfg.Name)
		return true, nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	due := now.Add(q.Backoff(t.Attempts))
	return false, q.settle(ctx, t, "retry", data, due.UnixMilli(), q.keys.delayed)
}

// Backoff returns the delay before retry number attempt (1-based).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

func (q *Queue) settle(ctx context.Context, t *Task, mode string, data []byte, dueMs int64, target string) error {
	if target == "" {
		target = q.keys.dead
	}
	n, err := finishScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.task(t.ID), q.keys.deadlines, q.keys.leases, target},
		t.ID, t.lease, mode, string(data), strconv.FormatInt(dueMs, 10)).Int()
	if err != nil {
		return fmt.Errorf("%s task %s: %w", mode, t.ID, err)
	}
	if n == 0 {
		return ErrTaskLost
	}
	return nil
}

func (q *Queue) releaseLease(lease string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.client.ZRem(ctx, q.keys.leases, lease).Err(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldQueue, q.cfg.Name).Msg("failed to release lease")
	}
}

// PromoteDelayed moves due retries back to the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.keys.delayed, q.keys.wait},
		q.now().UnixMilli(), 100).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed on %s: %w", q.cfg.Name, err)
	}
	return n, nil
}

// RecoverStalled fails tasks whose worker stopped before settling them.
// Active ids without a deadline get one so they are picked up later.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now()

	active, err := q.client.LRange(ctx, q.keys.active, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active on %s: %w", q.cfg.Name, err)
	}
	if len(active) > 0 {
		deadline := float64(now.Add(q.cfg.TaskTimeout + leaseGrace).UnixMilli())
		members := make([]redis.Z, 0, len(active))
		for _, id := range active {
			members = append(members, redis.Z{Score: deadline, Member: id})
		}
		if err := q.client.ZAddNX(ctx, q.keys.deadlines, members...).Err(); err != nil {
			return 0, fmt.Errorf("track active on %s: %w", q.cfg.Name, err)
		}
	}

	stalled, err := q.client.ZRangeByScore(ctx, q.keys.deadlines, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled on %s: %w", q.cfg.Name, err)
	}

	recovered := 0
	for _, id := range stalled {
		data, err := q.client.Get(ctx, q.keys.task(id)).Bytes()
		if err != nil {
			q.client.ZRem(ctx, q.keys.deadlines, id)
			q.client.LRem(ctx, q.keys.active, 1, id)
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			t = Task{ID: id}
		}
		dead, err := q.Nack(ctx, &t, errors.New("task stalled"))
		if errors.Is(err, ErrTaskLost) {
			q.client.ZRem(ctx, q.keys.deadlines, id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		l := log.Ctx(ctx)
		l.Warn().
			Str(log.FieldQueue, q.cfg.Name).
			Str(log.FieldTaskID, id).
			Int(log.FieldAttempt, t.Attempts).
			Bool("dead", dead).
			Msg("recovered stalled task")
	}
	return recovered, nil
}

// DeadLetters returns up to limit dead tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.keys.dead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters on %s: %w", q.cfg.Name, err)
	}
	if len(ids) == 0 {
		return []*Task{}, nil
	}

	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = q.keys.task(id)
	}
	vals, err := q.client.MGet(ctx, taskKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters on %s: %w", q.cfg.Name, err)
	}

	out := make([]*Task, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			out = append(out, &Task{ID: ids[i], LastError: "task body missing"})
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			out = append(out, &Task{ID: ids[i], LastError: "task body undecodable"})
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// RetryDead moves a dead task back to the wait list with a fresh budget.
func (q *Queue) RetryDead(ctx context.Context, id string) error {
	data, err := q.client.Get(ctx, q.keys.task(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}
	t.Attempts = 0
	t.FailedAt = nil
	fresh, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	n, err := redriveScript.Run(ctx, q.client, []string{q.keys.dead, q.keys.task(id), q.keys.wait}, id, fresh).Int()
	if err != nil {
		return fmt.Errorf("redrive %s: %w", id, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Stats reports list sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait)
	active := pipe.LLen(ctx, q.keys.active)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	dead := pipe.LLen(ctx, q.keys.dead)
	leases := pipe.ZCard(ctx, q.keys.leases)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", q.cfg.Name, err)
	}
	return Stats{
		Waiting: wait.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
		Leases:  leases.Val(),
	}, nil
}
