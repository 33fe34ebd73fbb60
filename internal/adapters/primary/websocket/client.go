package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	// DefaultSendQueue is the per-client outbound queue depth.
	DefaultSendQueue = 64
)

// Identity is the authenticated owner of a connection.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
	Role        domain.Role
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the bounded outbound queue. Producers hold mu while writing.
	send    chan []byte
	mu      sync.Mutex
	closed  bool
	revoked bool

	UserID      uuid.UUID
	DisplayName string
	Role        domain.Role

	// subscriptions holds channel names
	subscriptions map[string]bool
	subMu         sync.RWMutex

	logger *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, id Identity, queueSize int, logger *slog.Logger) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, queueSize),
		UserID:        id.UserID,
		DisplayName:   id.DisplayName,
		Role:          id.Role,
		subscriptions: make(map[string]bool),
		logger:        logger.With("user_id", id.UserID.String()),
	}
}

// enqueue adds data to the send queue, evicting the oldest queued message
// when full. It reports whether a message was evicted.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	dropped := false
	for {
		select {
		case c.send <- data:
			return dropped
		default:
		}
		select {
		case <-c.send:
			dropped = true
		default:
		}
	}
}

// CloseSend closes the send queue exactly once
func (c *Client) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) isRevoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoked
}

// revoke marks the client revoked and closes the underlying connection,
// which ends both pumps.
func (c *Client) revoke() {
	c.mu.Lock()
	c.revoked = true
	c.mu.Unlock()

	if c.conn == nil {
		c.CloseSend()
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session revoked"),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (c *Client) addSubscription(name string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[name] = true
}

func (c *Client) removeSubscription(name string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, name)
}

// HasSubscription checks if the client is subscribed to a channel
func (c *Client) HasSubscription(name string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions[name]
}

// Subscriptions returns a copy of all subscribed channel names
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	subs := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		subs = append(subs, name)
	}
	return subs
}

// ReadPump pumps messages from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// --- Incoming Message Handling ---

// handleIncomingMessage processes frames received from the client. Every
// frame counts as activity.
func (c *Client) handleIncomingMessage(message []byte) {
	c.hub.touch(c)

	var frame domain.ControlFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		return
	}

	switch frame.Type {
	case domain.FrameSubscribe:
		if err := c.hub.Subscribe(c, frame.Channel); err != nil {
			c.reply(domain.ControlFrame{Type: domain.FrameError, Channel: frame.Channel, Error: subscribeError(err)})
			return
		}
		c.reply(domain.ControlFrame{Type: domain.FrameSubscribed, Channel: frame.Channel})

	case domain.FrameUnsubscribe:
		c.hub.Unsubscribe(c, frame.Channel)
		c.reply(domain.ControlFrame{Type: domain.FrameUnsubscribed, Channel: frame.Channel})

	case domain.FramePing:
		c.reply(domain.ControlFrame{Type: domain.FramePong})

	default:
		c.logger.Debug("received unknown message type", "type", frame.Type)
	}
}

func subscribeError(err error) string {
	if errors.Is(err, apperrors.ErrForbidden) {
		return "forbidden"
	}
	return "invalid channel"
}

func (c *Client) reply(frame domain.ControlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}
