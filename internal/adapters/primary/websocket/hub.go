package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/lorrc/labnotify/internal/infrastructure/telemetry"
)

// broadcastBuffer bounds the queue between publishers and the hub loop.
const broadcastBuffer = 256

type envelope struct {
	msg    domain.Message
	target domain.ChannelSelector
}

// Hub maintains the set of active Clients and fans messages out to the
// channels they subscribe to.
type Hub struct {
	// clients maps user IDs to their active connections.
	// A single user can have multiple connections (multiple tabs/devices)
	clients map[uuid.UUID]map[*Client]bool

	// channels maps channel names to subscribed clients
	channels map[string]map[*Client]bool

	// broadcast queue for published messages
	broadcast chan envelope

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// done is closed when Run returns
	done     chan struct{}
	doneOnce sync.Once

	// mu protects the clients and channels maps
	mu sync.RWMutex

	presence ports.PresenceService
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Ensure Hub implements the broadcaster and revoker ports.
var (
	_ ports.EventBroadcaster = (*Hub)(nil)
	_ ports.SessionRevoker   = (*Hub)(nil)
)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, metrics *telemetry.Metrics) *Hub {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, broadcastBuffer),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger.With("component", "websocket_hub"),
	}
}

// UsePresence wires the presence registry fed by socket lifecycle and
// activity. It must be called before Run.
func (h *Hub) UsePresence(p ports.PresenceService) {
	h.presence = p
}

// Publish queues a message for delivery and never blocks. A full queue
// drops the message.
func (h *Hub) Publish(msg domain.Message, target domain.ChannelSelector) {
	select {
	case h.broadcast <- envelope{msg: msg, target: target}:
	default:
		telemetry.Inc(context.Background(), h.metrics.BroadcastDropped, "reason", "hub_queue_full")
		h.logger.Warn("broadcast queue full, dropping message",
			"type", msg.Type,
			"channel", target.Name(),
		)
	}
}

// Run starts the hub's event loop until ctx is cancelled. This MUST be run as a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.Register:
			h.registerClient(ctx, client)

		case client := <-h.Unregister:
			h.unregisterClient(ctx, client)

		case env := <-h.broadcast:
			h.deliver(ctx, env)
		}
	}
}

// Attach hands a client to the running hub. It returns false once the hub stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	var all []*Client
	for _, userClients := range h.clients {
		for client := range userClients {
			all = append(all, client)
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
	h.channels = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, client := range all {
		client.CloseSend()
	}
	h.logger.Info("websocket hub stopped", "closed_connections", len(all))
}

// registerClient adds a client to the hub and its default channels
func (h *Hub) registerClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	for _, sel := range domain.DefaultChannels(client.UserID, client.Role) {
		h.subscribeLocked(client, sel.Name())
	}
	connections := len(h.clients[client.UserID])
	h.mu.Unlock()

	h.logger.Info("client registered",
		"user_id", client.UserID,
		"role", client.Role,
		"total_connections", connections,
	)

	if h.presence != nil {
		h.presence.Connect(ctx, client.UserID, client.DisplayName, client.Role)
	}
}

// unregisterClient removes a client from the hub and all channels
func (h *Hub) unregisterClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	last := false
	if userClients, ok := h.clients[client.UserID]; ok {
		if _, exists := userClients[client]; exists {
			delete(userClients, client)
			if len(userClients) == 0 {
				delete(h.clients, client.UserID)
				last = true
			}
		}
	}
	for _, name := range client.Subscriptions() {
		h.unsubscribeLocked(client, name)
	}
	h.mu.Unlock()

	client.CloseSend()

	h.logger.Info("client unregistered", "user_id", client.UserID, "last_connection", last)

	if last && h.presence != nil {
		h.presence.Disconnect(ctx, client.UserID)
	}
}

// deliver serializes the message once and enqueues it on every subscriber
func (h *Hub) deliver(ctx context.Context, env envelope) {
	msg := env.msg
	if env.target.Kind != domain.SelectAll {
		msg = msg.WithChannel(env.target.Name())
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return
	}

	targets := h.subscribers(env.target)
	if len(targets) == 0 {
		h.logger.Debug("no subscribers, message dropped", "type", msg.Type, "channel", msg.Channel)
		return
	}

	dropped := 0
	for _, client := range targets {
		if client.enqueue(data) {
			dropped++
		}
	}

	telemetry.Add(ctx, h.metrics.BroadcastDelivered, int64(len(targets)), "type", msg.Type.String())
	if dropped > 0 {
		telemetry.Add(ctx, h.metrics.BroadcastDropped, int64(dropped), "reason", "client_queue_full")
		h.logger.Warn("slow subscribers lost their oldest message",
			"type", msg.Type,
			"channel", msg.Channel,
			"slow_clients", dropped,
		)
	}
}

// subscribers copies the client list to avoid holding the lock while sending
func (h *Hub) subscribers(target domain.ChannelSelector) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	if target.Kind == domain.SelectAll {
		for _, userClients := range h.clients {
			for client := range userClients {
				out = append(out, client)
			}
		}
		return out
	}

	for client := range h.channels[target.Name()] {
		out = append(out, client)
	}
	return out
}

// Subscribe authorizes and attaches a client to a channel.
func (h *Hub) Subscribe(client *Client, name string) error {
	sel, ok := domain.ParseChannel(name)
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidChannel, name)
	}
	if !sel.CanSubscribe(client.UserID, client.Role) {
		h.logger.Warn("channel subscription denied",
			"user_id", client.UserID,
			"role", client.Role,
			"channel", name,
		)
		return fmt.Errorf("%w: %q", apperrors.ErrForbidden, name)
	}

	h.mu.Lock()
	h.subscribeLocked(client, sel.Name())
	h.mu.Unlock()
	return nil
}

// Unsubscribe detaches a client from a channel.
func (h *Hub) Unsubscribe(client *Client, name string) {
	h.mu.Lock()
	h.unsubscribeLocked(client, name)
	h.mu.Unlock()
}

func (h *Hub) subscribeLocked(client *Client, name string) {
	if h.channels[name] == nil {
		h.channels[name] = make(map[*Client]bool)
	}
	h.channels[name][client] = true
	client.addSubscription(name)
}

func (h *Hub) unsubscribeLocked(client *Client, name string) {
	if subs, ok := h.channels[name]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
	client.removeSubscription(name)
}

// touch records activity for the client's user, re-announcing a user the
// reaper removed while the socket stayed open.
func (h *Hub) touch(client *Client) {
	if h.presence == nil {
		return
	}
	if client.isRevoked() {
		return
	}
	if !h.presence.Touch(client.UserID) && !client.isClosed() {
		h.presence.Connect(context.Background(), client.UserID, client.DisplayName, client.Role)
	}
}

// RevokeSessions closes every socket of the user. Each closed socket
// unregisters itself through its read pump.
func (h *Hub) RevokeSessions(userID uuid.UUID) error {
	h.mu.RLock()
	var targets []*Client
	for client := range h.clients[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.revoke()
	}
	if len(targets) > 0 {
		h.logger.Info("revoked websocket sessions", "user_id", userID, "connections", len(targets))
	}
	return nil
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// SubscriberCount returns the number of clients subscribed to a channel
func (h *Hub) SubscriberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

// IsUserConnected checks if a user has any active connections
func (h *Hub) IsUserConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
