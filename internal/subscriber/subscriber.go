package subscriber

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/pkg/log"
	"github.com/weiawesome/streamer-status/pkg/pubsub"
)

// Broadcaster delivers a message to every local websocket client.
type Broadcaster interface {
	Broadcast(msg protocol.ServerMessage) error
}

// Subscriber relays streamer-live events from the bus to the local hub.
type Subscriber struct {
	bus       pubsub.Subscriber
	channel   string
	repo      repository.StreamerRepository
	hub       Broadcaster
	metrics   *metrics.Metrics
	reconnect time.Duration
	doneCh    chan struct{}
}

func New(bus pubsub.Subscriber, repo repository.StreamerRepository, hub Broadcaster, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		bus:       bus,
		channel:   pubsub.ChannelStreamerLive,
		repo:      repo,
		hub:       hub,
		metrics:   m,
		reconnect: 2 * time.Second,
		doneCh:    make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run exits.
func (s *Subscriber) Done() <-chan struct{} { return s.doneCh }

// Run consumes the channel until ctx is done, resubscribing after errors.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.doneCh)
	l := log.L().With().Str(log.FieldChannel, s.channel).Logger()

	for {
		err := s.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Warn().Err(err).Dur("retry_in", s.reconnect).Msg("event subscription error, reconnecting")
		} else {
			l.Warn().Dur("retry_in", s.reconnect).Msg("event subscription closed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *Subscriber) runSubscription(ctx context.Context) error {
	events, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		return err
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.bus.Unsubscribe(unsubCtx, s.channel)
	}()

	l := log.L()
	l.Info().Str(log.FieldChannel, s.channel).Msg("subscribed to event bus")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, event)
		}
	}
}

func (s *Subscriber) handleEvent(ctx context.Context, event *pubsub.Event) {
	l := log.L()

	msg, err := protocol.ParseBusMessage(event.Type, event.Data)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldMsgType, event.Type).RawJSON("data", safeJSON(event.Data)).Msg("dropping invalid bus message")
		s.metrics.BusMessage("invalid")
		return
	}

	streamer, err := s.repo.FindByID(ctx, msg.StreamerID)
	if errors.Is(err, repository.ErrStreamerNotFound) {
		l.Warn().Str(log.FieldStreamerID, msg.StreamerID).Msg("live event for unknown streamer")
		s.metrics.BusMessage("not_found")
		return
	}
	if err != nil {
		l.Error().Err(err).Str(log.FieldStreamerID, msg.StreamerID).Msg("failed to load streamer for live event")
		s.metrics.BusMessage("error")
		return
	}

	if err := s.hub.Broadcast(protocol.StreamerLive(LiveData(streamer))); err != nil {
		l.Error().Err(err).Str(log.FieldStreamerID, msg.StreamerID).Msg("failed to broadcast live event")
		s.metrics.BusMessage("error")
		return
	}
	s.metrics.BusMessage("ok")
	l.Debug().Str(log.FieldStreamerID, msg.StreamerID).Msg("live event broadcast")
}

// LiveData builds the client snapshot from the stored streamer.
func LiveData(s *domain.Streamer) protocol.StreamerLiveData {
	d := protocol.StreamerLiveData{
		ID:        s.ID,
		Name:      s.Name,
		Platforms: make([]string, 0, len(s.Status.LiveOn)),
		Category:  s.Status.Category,
		Title:     s.Status.Title,
		Avatar:    s.AvatarURL,
	}
	for _, p := range s.Status.LiveOn {
		d.Platforms = append(d.Platforms, string(p))
	}
	if s.Status.LivePlatform != nil {
		p := string(*s.Status.LivePlatform)
		d.Platform = &p
	}
	if s.Status.IsLive {
		v := s.Status.ViewerCount
		d.ViewerCount = &v
	}
	return d
}

func safeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
