package events

import (
	"context"
	"fmt"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

// TransitionPublisher announces persisted status transitions.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, ev domain.TransitionEvent) error
}

// Publisher sends transitions on the event bus. Only the streamer id
// travels; subscribers re-read the stored snapshot.
type Publisher struct {
	bus     pubsub.Publisher
	channel string
}

// NewPublisher creates a publisher on the streamer-live channel.
func NewPublisher(bus pubsub.Publisher) *Publisher {
	return &Publisher{bus: bus, channel: pubsub.ChannelStreamerLive}
}

func (p *Publisher) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	eventType, data := protocol.StreamerLiveEvent(ev.StreamerID)
	event, err := pubsub.NewEvent(eventType, data)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	if err := p.bus.Publish(ctx, p.channel, event); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", eventType, ev.StreamerID, err)
	}
	return nil
}
