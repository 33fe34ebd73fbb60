package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// Subscriber delivers relayed messages into the local broadcaster.
type Subscriber struct {
	client    *redis.Client
	channel   string
	local     ports.EventBroadcaster
	ready     chan struct{}
	readyOnce sync.Once
	logger    *slog.Logger
}

// NewSubscriber creates a relay subscriber feeding local.
func NewSubscriber(client *redis.Client, channel string, local ports.EventBroadcaster, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		local:   local,
		ready:   make(chan struct{}),
		logger:  logger.With("component", "redis_subscriber", "channel", channel),
	}
}

// Ready is closed once the subscription is confirmed by Redis.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run subscribes and relays messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("relay subscription active")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(m)
		}
	}
}

func (s *Subscriber) handle(m *redis.Message) {
	origin, msg, target, err := decode([]byte(m.Payload))
	if err != nil {
		s.logger.Warn("dropping malformed relay message", "error", err)
		return
	}
	s.logger.Debug("relay message received", "type", msg.Type, "target", target.Name(), "origin", origin)
	s.local.Publish(msg, target)
}
