package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/lorrc/labnotify/internal/core/domain"
)

const (
	defaultPingInterval = 25 * time.Second
	transportWriteWait  = 10 * time.Second
)

// Handler receives messages published on a subscribed channel.
type Handler func(msg domain.Message)

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithPingInterval sets how often the client pings the server.
func WithPingInterval(d time.Duration) TransportOption {
	return func(t *Transport) { t.pingInterval = d }
}

// WithReconnectBackOff sets the backoff factory used between dial attempts.
func WithReconnectBackOff(factory func() backoff.BackOff) TransportOption {
	return func(t *Transport) { t.newBackOff = factory }
}

// WithStateHandler registers a callback invoked with true when a connection
// is established and false when it is lost.
func WithStateHandler(fn func(connected bool)) TransportOption {
	return func(t *Transport) { t.onState = fn }
}

// Transport is the client side of the websocket push channel. It keeps a
// channel to handler map, replays subscriptions after every reconnect and
// dispatches incoming messages by channel.
type Transport struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	newBackOff   func() backoff.BackOff
	onState      func(connected bool)
	logger       *slog.Logger

	mu     sync.Mutex
	subs   map[string]Handler
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// WebSocketURL derives the push endpoint from the API base URL.
func WebSocketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// NewTransport creates a transport dialing wsURL.
func NewTransport(wsURL string, logger *slog.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		url:          wsURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: defaultPingInterval,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logger.With("component", "transport"),
		subs:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe attaches handler to channel, replacing any previous handler.
func (t *Transport) Subscribe(channel string, handler Handler) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.subs[channel] = handler
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.send(conn, domain.ControlFrame{Type: domain.FrameSubscribe, Channel: channel})
	}
}

// Unsubscribe detaches the handler of channel.
func (t *Transport) Unsubscribe(channel string) {
	t.mu.Lock()
	_, ok := t.subs[channel]
	delete(t.subs, channel)
	conn := t.conn
	t.mu.Unlock()

	if ok && conn != nil {
		t.send(conn, domain.ControlFrame{Type: domain.FrameUnsubscribe, Channel: channel})
	}
}

// Subscriptions lists the subscribed channels.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connected reports whether a connection is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Run dials and serves the connection, reconnecting with backoff, until ctx
// is cancelled or Close is called.
func (t *Transport) Run(ctx context.Context) error {
	b := backoff.WithContext(t.newBackOff(), ctx)
	for {
		if t.isClosed() || ctx.Err() != nil {
			return nil
		}

		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("dial %s: %w", redactToken(t.url), err)
			}
			t.logger.Warn("websocket dial failed", "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		t.serve(ctx, conn)
	}
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	channels := make([]string, 0, len(t.subs))
	for name := range t.subs {
		channels = append(channels, name)
	}
	t.mu.Unlock()

	sort.Strings(channels)
	for _, name := range channels {
		t.send(conn, domain.ControlFrame{Type: domain.FrameSubscribe, Channel: name})
	}

	t.logger.Info("websocket connected", "channels", channels)
	t.setState(true)

	done := make(chan struct{})
	go t.keepAlive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !t.isClosed() {
				t.logger.Warn("websocket connection lost", "error", err)
			}
			break
		}
		t.dispatch(data)
	}

	close(done)
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	t.setState(false)
}

// keepAlive pings the server and closes the connection when ctx ends so the
// read loop unblocks.
func (t *Transport) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			t.send(conn, domain.ControlFrame{Type: domain.FramePing})
		}
	}
}

func (t *Transport) dispatch(data []byte) {
	var head struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if domain.IsControlFrame(head.Type) {
		switch head.Type {
		case domain.FrameError:
			t.logger.Warn("server rejected frame", "channel", head.Channel, "error", head.Error)
		case domain.FrameSubscribed, domain.FrameUnsubscribed:
			t.logger.Debug("subscription acknowledged", "type", head.Type, "channel", head.Channel)
		}
		return
	}

	msg, err := domain.DecodeMessage(data)
	if err != nil {
		t.logger.Warn("dropping undecodable message", "error", err)
		return
	}

	t.mu.Lock()
	handler := t.subs[msg.Channel]
	t.mu.Unlock()

	if handler == nil {
		t.logger.Debug("no handler for channel", "channel", msg.Channel, "type", msg.Type)
		return
	}
	handler(msg)
}

func (t *Transport) send(conn *websocket.Conn, frame domain.ControlFrame) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		t.logger.Debug("frame write failed", "type", frame.Type, "error", err)
	}
}

func (t *Transport) setState(connected bool) {
	if t.onState != nil {
		t.onState(connected)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close unsubscribes every handler and closes the connection. Run returns
// shortly after.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	channels := make([]string, 0, len(t.subs))
	for name := range t.subs {
		channels = append(channels, name)
	}
	t.subs = make(map[string]Handler)
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return
	}
	sort.Strings(channels)
	for _, name := range channels {
		t.send(conn, domain.ControlFrame{Type: domain.FrameUnsubscribe, Channel: name})
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = conn.Close()
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
