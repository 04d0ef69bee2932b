package checker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/streamer-status/internal/cache"
	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/platform"
	"github.com/weiawesome/streamer-status/internal/queue"
	"github.com/weiawesome/streamer-status/internal/repository"
)

type memoryRepo struct {
	mu        sync.Mutex
	streamers map[string]*domain.Streamer
	writes    int
	failWrite error
}

func newMemoryRepo(ss ...*domain.Streamer) *memoryRepo {
	r := &memoryRepo{streamers: make(map[string]*domain.Streamer)}
	for _, s := range ss {
		r.streamers[s.ID] = s
	}
	return r
}

func (r *memoryRepo) Create(ctx context.Context, s *domain.Streamer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamers[s.ID] = s
	return nil
}

func (r *memoryRepo) FindByID(ctx context.Context, id string) (*domain.Streamer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streamers[id]
	if !ok {
		return nil, repository.ErrStreamerNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) ListAll(ctx context.Context) ([]*domain.Streamer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Streamer, 0, len(r.streamers))
	for _, s := range r.streamers {
		out = append(out, s)
	}
	return out, nil
}

func (r *memoryRepo) ListByIDs(ctx context.Context, ids []string) ([]*domain.Streamer, error) {
	return nil, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id string, st domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite != nil {
		return r.failWrite
	}
	s, ok := r.streamers[id]
	if !ok {
		return repository.ErrStreamerNotFound
	}
	s.Status = st
	r.writes++
	return nil
}

func (r *memoryRepo) Ping(ctx context.Context) error { return nil }

func (r *memoryRepo) status(id string) domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamers[id].Status
}

type stubClient struct {
	mu       sync.Mutex
	platform domain.Platform
	info     *platform.StreamInfo
	err      error
	calls    int
}

func (c *stubClient) Platform() domain.Platform { return c.platform }

func (c *stubClient) IsLive(ctx context.Context, handle string) (*platform.StreamInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	info := *c.info
	return &info, nil
}

func (c *stubClient) set(info *platform.StreamInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info, c.err = info, err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
	err    error
}

func (p *recordingPublisher) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	mr        *miniredis.Miniredis
	repo      *memoryRepo
	twitch    *stubClient
	kick      *stubClient
	publisher *recordingPublisher
	checker   *Checker
}

func newFixture(t *testing.T, cfg Config, ss ...*domain.Streamer) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:        mr,
		repo:      newMemoryRepo(ss...),
		twitch:    &stubClient{platform: domain.PlatformTwitch, info: &platform.StreamInfo{}},
		kick:      &stubClient{platform: domain.PlatformKick, info: &platform.StreamInfo{}},
		publisher: &recordingPublisher{},
	}
	clients := map[domain.Platform]platform.StatusClient{
		domain.PlatformTwitch: f.twitch,
		domain.PlatformKick:   f.kick,
	}
	f.checker = New(f.repo, cache.NewRedisStatusCache(client, "test"), clients, f.publisher, nil, cfg)
	return f
}

func streamer(id string, handles map[domain.Platform]string) *domain.Streamer {
	return &domain.Streamer{ID: id, Name: "Streamer " + id, Handles: handles}
}

func TestCheckOfflineEverywhereWritesNothing(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{
		domain.PlatformTwitch: "x",
		domain.PlatformKick:   "y",
	}))

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Status.IsLive)
	assert.Equal(t, 0, f.repo.writes)
	assert.Empty(t, f.publisher.events)
}

func TestCheckRepeatedWithoutChangeWritesOnce(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"}))
	f.twitch.set(&platform.StreamInfo{Live: true, ViewerCount: 10, Title: "hello"}, nil)

	for i := 0; i < 2; i++ {
		_, err := f.checker.Check(context.Background(), "s1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.repo.writes)
	assert.Len(t, f.publisher.events, 1)
}

func TestCheckWentLivePersistsThenPublishes(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"}))
	f.twitch.set(&platform.StreamInfo{Live: true, ViewerCount: 120, Category: "Just Chatting"}, nil)

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Published)

	stored := f.repo.status("s1")
	assert.True(t, stored.IsLive)
	assert.Equal(t, 120, stored.ViewerCount)
	require.NotNil(t, stored.Category)
	assert.Equal(t, "Just Chatting", *stored.Category)
	require.NotNil(t, stored.LivePlatform)
	assert.Equal(t, domain.PlatformTwitch, *stored.LivePlatform)
	assert.Nil(t, stored.Title)

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, "s1", ev.StreamerID)
	assert.True(t, ev.WentLive())
	assert.True(t, ev.Current.Equal(stored))
}

func TestCheckPartialFailureUsesCachedObservation(t *testing.T) {
	f := newFixture(t, Config{ObservationTTL: time.Minute}, streamer("s1", map[domain.Platform]string{
		domain.PlatformTwitch: "x",
		domain.PlatformKick:   "y",
	}))
	f.twitch.set(&platform.StreamInfo{Live: true, ViewerCount: 5}, nil)
	f.kick.set(nil, errors.New("kick timeout"))

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Status.IsLive)
	assert.Equal(t, []domain.Platform{domain.PlatformTwitch}, res.Status.LiveOn)
	assert.Equal(t, []domain.Platform{domain.PlatformKick}, res.Failed)

	// Twitch now fails transiently; its last observation still counts.
	f.twitch.set(nil, errors.New("twitch 503"))
	f.kick.set(&platform.StreamInfo{}, nil)

	res, err = f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Status.IsLive)
	assert.False(t, res.Changed)
	assert.Equal(t, []domain.Platform{domain.PlatformTwitch}, res.Status.LiveOn)
	assert.Equal(t, 1, f.repo.writes)

	// Once the observation expires the failure reads as unknown.
	f.mr.FastForward(2 * time.Minute)
	res, err = f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Status.IsLive)
	assert.True(t, res.Changed)
}

func TestCheckAllPlatformsFailed(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{
		domain.PlatformTwitch: "x",
		domain.PlatformKick:   "y",
	}))
	f.twitch.set(nil, errors.New("down"))
	f.kick.set(nil, errors.New("down"))

	_, err := f.checker.Check(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrAllPlatformsFailed)
	assert.Equal(t, 0, f.repo.writes)
}

func TestCheckPrefersHigherPriorityMetadata(t *testing.T) {
	f := newFixture(t, Config{Priority: domain.Priority{domain.PlatformKick, domain.PlatformTwitch}},
		streamer("s1", map[domain.Platform]string{
			domain.PlatformTwitch: "x",
			domain.PlatformKick:   "y",
		}))
	f.twitch.set(&platform.StreamInfo{Live: true, ViewerCount: 100, Title: "twitch"}, nil)
	f.kick.set(&platform.StreamInfo{Live: true, ViewerCount: 7, Title: "kick"}, nil)

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Platform{domain.PlatformKick, domain.PlatformTwitch}, res.Status.LiveOn)
	assert.Equal(t, 7, res.Status.ViewerCount)
	require.NotNil(t, res.Status.Title)
	assert.Equal(t, "kick", *res.Status.Title)
}

func TestCheckSkipsPlatformsWithoutHandle(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformKick: "y"}))
	f.kick.set(&platform.StreamInfo{Live: true}, nil)

	_, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, f.twitch.calls)
	assert.Equal(t, 1, f.kick.calls)
}

func TestCheckHandleNotFoundIsOffline(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "gone"}))
	f.twitch.set(nil, platform.ErrNotFound)

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Status.IsLive)
}

func TestCheckWentOfflineIsNotPublishedByDefault(t *testing.T) {
	s := streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"})
	tw := domain.PlatformTwitch
	s.Status = domain.Status{IsLive: true, LiveOn: []domain.Platform{tw}, LivePlatform: &tw, ViewerCount: 3}

	f := newFixture(t, Config{}, s)
	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Published)
	assert.Empty(t, f.publisher.events)

	s2 := streamer("s2", map[domain.Platform]string{domain.PlatformTwitch: "x"})
	s2.Status = domain.Status{IsLive: true, LiveOn: []domain.Platform{tw}, LivePlatform: &tw, ViewerCount: 3}
	all := newFixture(t, Config{PublishAllChanges: true}, s2)
	res, err = all.checker.Check(context.Background(), "s2")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Published)
	require.Len(t, all.publisher.events, 1)
	assert.True(t, all.publisher.events[0].WentOffline())
}

func TestCheckDisabledPlatformKeepsStoredStatus(t *testing.T) {
	kick := domain.PlatformKick
	s := streamer("s1", map[domain.Platform]string{domain.PlatformKick: "y"})
	s.Status = domain.Status{IsLive: true, LiveOn: []domain.Platform{kick}, LivePlatform: &kick, ViewerCount: 50}

	f := newFixture(t, Config{}, s)
	delete(f.checker.clients, domain.PlatformKick)

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, f.repo.writes)
	assert.True(t, f.repo.status("s1").IsLive)
	assert.Equal(t, 50, f.repo.status("s1").ViewerCount)
	assert.Empty(t, f.publisher.events)
}

func TestCheckDisabledPlatformUsesCachedObservation(t *testing.T) {
	s := streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x", domain.PlatformKick: "y"})
	f := newFixture(t, Config{}, s)
	f.kick.set(&platform.StreamInfo{Live: true, ViewerCount: 40}, nil)

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, res.Status.IsLive)

	delete(f.checker.clients, domain.PlatformKick)
	res, err = f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, f.repo.status("s1").IsLive)
	assert.Equal(t, 1, f.repo.writes)
}

func TestCheckPersistenceFailureFailsTask(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"}))
	f.twitch.set(&platform.StreamInfo{Live: true}, nil)
	f.repo.failWrite = errors.New("db locked")

	_, err := f.checker.Check(context.Background(), "s1")
	assert.Error(t, err)
	assert.Empty(t, f.publisher.events)
}

func TestCheckPublishFailureDoesNotFailTask(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"}))
	f.twitch.set(&platform.StreamInfo{Live: true}, nil)
	f.publisher.err = errors.New("bus down")

	res, err := f.checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Published)
	assert.True(t, f.repo.status("s1").IsLive)
}

func TestHandleDecodesTask(t *testing.T) {
	f := newFixture(t, Config{}, streamer("s1", map[domain.Platform]string{domain.PlatformTwitch: "x"}))
	f.twitch.set(&platform.StreamInfo{Live: true}, nil)

	task, err := queue.NewTask(domain.TaskStreamCheck, domain.CheckTask{StreamerID: "s1"})
	require.NoError(t, err)
	require.NoError(t, f.checker.Handle(context.Background(), task))
	assert.Equal(t, 1, f.repo.writes)

	missing, err := queue.NewTask(domain.TaskStreamCheck, domain.CheckTask{StreamerID: "nope"})
	require.NoError(t, err)
	assert.NoError(t, f.checker.Handle(context.Background(), missing))

	assert.Error(t, f.checker.Handle(context.Background(), &queue.Task{Payload: []byte(`{}`)}))
}
