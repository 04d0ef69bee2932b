package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RedisPubSub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	bus := NewRedisPubSubFromClient(client)
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func TestRedisPubSubFanOut(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx, ChannelStreamerLive)
	require.NoError(t, err)

	// A second process subscribes through its own client.
	other := NewRedisPubSubFromClient(bus.Client())
	defer other.Close()
	b, err := other.Subscribe(ctx, ChannelStreamerLive)
	require.NoError(t, err)

	ev, err := NewEvent("streamer-live", map[string]string{"id": "s1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ChannelStreamerLive, ev))

	for _, ch := range []<-chan *Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, "streamer-live", got.Type)
			var data struct{ ID string }
			require.NoError(t, got.UnmarshalData(&data))
			assert.Equal(t, "s1", data.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestRedisPubSubDropsMalformed(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, ChannelStreamerLive)
	require.NoError(t, err)

	mr.Publish(ChannelStreamerLive, "{not json")
	ev, _ := NewEvent("streamer-live", map[string]string{"id": "s2"})
	require.NoError(t, bus.Publish(ctx, ChannelStreamerLive, ev))

	select {
	case got := <-ch:
		assert.JSONEq(t, `{"id":"s2"}`, string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
}

func TestRedisPubSubPublishAfterClose(t *testing.T) {
	bus, _ := newTestBus(t)
	require.NoError(t, bus.Close())
	ev, _ := NewEvent("streamer-live", map[string]string{"id": "s1"})
	assert.ErrorIs(t, bus.Publish(context.Background(), ChannelStreamerLive, ev), ErrClosed)
}

func TestChannelToTopic(t *testing.T) {
	assert.Equal(t, "status.streamer-live", channelToTopic(ChannelStreamerLive))
}

func TestConsumerGroupID(t *testing.T) {
	assert.Equal(t, "streamer-status-api-1", consumerGroupID("streamer-status", "api-1"))
	assert.Equal(t, "g-host-a-b", consumerGroupID("g", "host:a/b"))
	assert.Equal(t, "streamer-status", consumerGroupID("", ""))
}

func TestConsumerConfigDoesNotCommitOffsets(t *testing.T) {
	cm := consumerConfig(KafkaConfig{Brokers: "localhost:9092", GroupID: "streamer-status", InstanceID: "api-1"})

	commit, err := cm.Get("enable.auto.commit", nil)
	require.NoError(t, err)
	assert.Equal(t, false, commit)

	reset, err := cm.Get("auto.offset.reset", nil)
	require.NoError(t, err)
	assert.Equal(t, "latest", reset)

	group, err := cm.Get("group.id", nil)
	require.NoError(t, err)
	assert.Equal(t, "streamer-status-api-1", group)
}
