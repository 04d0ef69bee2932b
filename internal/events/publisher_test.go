package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

type recordingBus struct {
	channel string
	event   *pubsub.Event
	err     error
}

func (b *recordingBus) Publish(ctx context.Context, channel string, event *pubsub.Event) error {
	b.channel = channel
	b.event = event
	return b.err
}

func TestPublishTransitionSendsMinimalPayload(t *testing.T) {
	bus := &recordingBus{}
	p := NewPublisher(bus)

	err := p.PublishTransition(context.Background(), domain.TransitionEvent{
		StreamerID: "s1",
		Name:       "Streamer One",
		Current:    domain.Status{IsLive: true, ViewerCount: 120},
	})
	require.NoError(t, err)

	assert.Equal(t, pubsub.ChannelStreamerLive, bus.channel)
	assert.Equal(t, protocol.TypeStreamerLive, bus.event.Type)
	assert.JSONEq(t, `{"id":"s1"}`, string(bus.event.Data))

	msg, err := protocol.ParseBusMessage(bus.event.Type, bus.event.Data)
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.StreamerID)
}

func TestPublishTransitionWrapsBusError(t *testing.T) {
	cause := errors.New("bus unavailable")
	p := NewPublisher(&recordingBus{err: cause})

	err := p.PublishTransition(context.Background(), domain.TransitionEvent{StreamerID: "s1"})
	assert.ErrorIs(t, err, cause)
}
