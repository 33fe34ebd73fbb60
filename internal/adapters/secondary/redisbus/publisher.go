package redisbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/lorrc/labnotify/internal/infrastructure/telemetry"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

type outbound struct {
	msg    domain.Message
	target domain.ChannelSelector
}

// Publisher is an EventBroadcaster that hands messages to Redis. Publish
// never blocks: messages are queued and sent by Run. When Redis is
// unreachable, or the queue is full, the message is delivered to the local
// broadcaster instead so sockets on this instance still receive it.
type Publisher struct {
	client  *redis.Client
	channel string
	origin  string
	queue   chan outbound
	local   ports.EventBroadcaster
	timeout time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

var _ ports.EventBroadcaster = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQueueSize bounds the number of messages waiting for Redis.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan outbound, n)
		}
	}
}

// WithPublisherMetrics records dropped and fallback deliveries.
func WithPublisherMetrics(m *telemetry.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher creates a relay publisher. local receives messages Redis could not take.
func NewPublisher(client *redis.Client, channel string, local ports.EventBroadcaster, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		queue:   make(chan outbound, defaultQueueSize),
		local:   local,
		timeout: defaultPublishTimeout,
		metrics: telemetry.NewNoopMetrics(),
		logger:  logger.With("component", "redis_publisher", "channel", channel),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Origin identifies this instance in relayed envelopes.
func (p *Publisher) Origin() string {
	return p.origin
}

// Publish queues the message for the relay.
func (p *Publisher) Publish(msg domain.Message, target domain.ChannelSelector) {
	select {
	case p.queue <- outbound{msg: msg, target: target}:
	default:
		telemetry.Inc(context.Background(), p.metrics.BroadcastDropped, "reason", "relay_queue_full")
		p.logger.Warn("relay queue full, delivering locally only", "type", msg.Type, "target", target.Name())
		p.local.Publish(msg, target)
	}
}

// Run sends queued messages until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-p.queue:
			p.send(ctx, out)
		}
	}
}

func (p *Publisher) send(ctx context.Context, out outbound) {
	data, err := encode(p.origin, out.msg, out.target)
	if err != nil {
		p.logger.Error("failed to encode relay message", "type", out.msg.Type, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(sendCtx, p.channel, data).Err(); err != nil {
		p.logger.Warn("relay publish failed, delivering locally only",
			"type", out.msg.Type,
			"target", out.target.Name(),
			"error", err,
		)
		p.local.Publish(out.msg, out.target)
	}
}
