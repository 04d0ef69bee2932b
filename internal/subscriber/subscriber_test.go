package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

type stubRepo struct {
	repository.StreamerRepository
	streamers map[string]*domain.Streamer
}

func (r *stubRepo) FindByID(ctx context.Context, id string) (*domain.Streamer, error) {
	s, ok := r.streamers[id]
	if !ok {
		return nil, repository.ErrStreamerNotFound
	}
	return s, nil
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (h *recordingHub) Broadcast(msg protocol.ServerMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *recordingHub) sent() []protocol.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.ServerMessage(nil), h.msgs...)
}

func liveStreamer() *domain.Streamer {
	tw := domain.PlatformTwitch
	category := "Just Chatting"
	avatar := "https://cdn.example/a.png"
	return &domain.Streamer{
		ID:        "s1",
		Name:      "Streamer One",
		AvatarURL: &avatar,
		Handles:   map[domain.Platform]string{domain.PlatformTwitch: "x"},
		Status: domain.Status{
			IsLive:       true,
			LiveOn:       []domain.Platform{domain.PlatformTwitch, domain.PlatformKick},
			LivePlatform: &tw,
			ViewerCount:  120,
			Category:     &category,
		},
	}
}

func TestSubscriberRelaysValidEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := pubsub.NewRedisPubSubFromClient(client)

	hub := &recordingHub{}
	sub := New(bus, &stubRepo{streamers: map[string]*domain.Streamer{"s1": liveStreamer()}}, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-sub.Done()
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(pubsub.ChannelStreamerLive)[pubsub.ChannelStreamerLive] == 1
	}, 2*time.Second, 10*time.Millisecond)

	publish := func(eventType string, data any) {
		ev, err := pubsub.NewEvent(eventType, data)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), pubsub.ChannelStreamerLive, ev))
	}
	publish(protocol.TypeStreamerLive, map[string]any{})
	publish("chat-message", map[string]string{"id": "s1"})
	publish(protocol.TypeStreamerLive, protocol.IDData{ID: "unknown"})
	publish(protocol.TypeStreamerLive, protocol.IDData{ID: "s1"})

	require.Eventually(t, func() bool { return len(hub.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := hub.sent()[0]
	assert.Equal(t, protocol.TypeStreamerLive, msg.Type)
	data, ok := msg.Data.(protocol.StreamerLiveData)
	require.True(t, ok)
	assert.Equal(t, "s1", data.ID)
	assert.Equal(t, []string{"twitch", "kick"}, data.Platforms)
	require.NotNil(t, data.ViewerCount)
	assert.Equal(t, 120, *data.ViewerCount)
}

func TestLiveDataOffline(t *testing.T) {
	d := LiveData(&domain.Streamer{ID: "s2", Name: "Two"})

	assert.Equal(t, "s2", d.ID)
	assert.Nil(t, d.Platform)
	assert.Nil(t, d.ViewerCount)
	assert.Nil(t, d.Category)
	assert.Nil(t, d.Title)
	assert.Empty(t, d.Platforms)

	raw, err := protocol.Encode(protocol.StreamerLive(d))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"streamer-live","data":{"id":"s2","name":"Two","platform":null,"platforms":[],"viewerCount":null,"category":null,"title":null,"avatar":null}}`, string(raw))
}

func TestLiveDataPrimaryPlatform(t *testing.T) {
	d := LiveData(liveStreamer())

	require.NotNil(t, d.Platform)
	assert.Equal(t, "twitch", *d.Platform)
	require.NotNil(t, d.Category)
	assert.Equal(t, "Just Chatting", *d.Category)
	require.NotNil(t, d.Avatar)
}
