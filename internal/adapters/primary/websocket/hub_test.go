package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	hub      *Hub
	presence *services.PresenceService
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := testLogger()
	hub := NewHub(logger, nil)
	presence := services.NewPresenceService(hub, logger, services.WithSessionRevoker(hub))
	hub.UsePresence(presence)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			UserID:      uuid.MustParse(r.URL.Query().Get("user")),
			DisplayName: r.URL.Query().Get("name"),
			Role:        domain.Role(r.URL.Query().Get("role")),
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, id, 16, logger)
		if !hub.Attach(client) {
			_ = conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &testEnv{hub: hub, presence: presence, server: server}
}

// testConn reads frames on a goroutine so waiting for a frame never
// poisons the connection with a read deadline.
type testConn struct {
	conn   *websocket.Conn
	frames chan map[string]any
}

func (c *testConn) WriteJSON(v any) error { return c.conn.WriteJSON(v) }
func (c *testConn) Close() error         { return c.conn.Close() }

func (e *testEnv) dial(t *testing.T, userID uuid.UUID, role domain.Role) *testConn {
	t.Helper()

	q := url.Values{}
	q.Set("user", userID.String())
	q.Set("name", "user-"+string(role))
	q.Set("role", string(role))
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	tc := &testConn{conn: conn, frames: make(chan map[string]any, 64)}
	go func() {
		defer close(tc.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				tc.frames <- frame
			}
		}
	}()

	require.Eventually(t, func() bool { return e.hub.IsUserConnected(userID) }, time.Second, 5*time.Millisecond)
	return tc
}

// readType waits for a frame with the wanted type, skipping others.
func readType(t *testing.T, conn *testConn, want string) map[string]any {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-conn.frames:
			require.True(t, ok, "connection closed while waiting for %s", want)
			if frame["type"] == want {
				return frame
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// expectNoType asserts that no frame of the type arrives within the window.
func expectNoType(t *testing.T, conn *testConn, unwanted string, window time.Duration) {
	t.Helper()

	timeout := time.After(window)
	for {
		select {
		case frame, ok := <-conn.frames:
			if !ok {
				return
			}
			assert.NotEqual(t, unwanted, frame["type"], "unexpected frame %v", frame)
		case <-timeout:
			return
		}
	}
}

// waitClosed waits until the server closes the connection.
func waitClosed(t *testing.T, conn *testConn) {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.frames:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("connection was not closed")
		}
	}
}

func requestMessage(t *testing.T, requestID int64) domain.Message {
	t.Helper()
	event, err := domain.NewRequestCreated(domain.LabRequest{
		ID:            requestID,
		PatientName:   "Ana Torres",
		OwnerDoctorID: uuid.New(),
		CreatorID:     uuid.New(),
		CreatorRole:   domain.RoleDoctor,
	}, time.Now())
	require.NoError(t, err)
	return domain.NewEventMessage(event)
}

func TestClient_EnqueueDropsOldest(t *testing.T) {
	client := NewClient(nil, nil, Identity{UserID: uuid.New(), Role: domain.RoleLab}, 2, testLogger())

	assert.False(t, client.enqueue([]byte("1")))
	assert.False(t, client.enqueue([]byte("2")))
	assert.True(t, client.enqueue([]byte("3")))

	assert.Equal(t, "2", string(<-client.send))
	assert.Equal(t, "3", string(<-client.send))

	client.CloseSend()
	assert.False(t, client.enqueue([]byte("4")), "closed queue ignores writes")
	client.CloseSend()
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.Publish(requestMessage(t, int64(i+1)), domain.RoleChannel(domain.RoleLab))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running hub loop")
	}
}

func TestHub_RoutesToChannelSubscribersOnly(t *testing.T) {
	env := newTestEnv(t)

	lab := env.dial(t, uuid.New(), domain.RoleLab)
	doctorID := uuid.New()
	doctor := env.dial(t, doctorID, domain.RoleDoctor)

	require.Eventually(t, func() bool { return env.hub.SubscriberCount(domain.LabChannelName) == 1 }, time.Second, 5*time.Millisecond)

	env.hub.Publish(requestMessage(t, 11), domain.RoleChannel(domain.RoleLab))

	frame := readType(t, lab, string(domain.EventRequestCreated))
	assert.Equal(t, "lab", frame["channel"])
	assert.Equal(t, float64(11), frame["requestId"])
	assert.NotEmpty(t, frame["timestamp"])

	expectNoType(t, doctor, string(domain.EventRequestCreated), 200*time.Millisecond)

	env.hub.Publish(requestMessage(t, 12), domain.UserChannel(doctorID))
	frame = readType(t, doctor, string(domain.EventRequestCreated))
	assert.Equal(t, "user."+doctorID.String(), frame["channel"])
}

func TestHub_ChannelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	doctorID := uuid.New()
	doctor := env.dial(t, doctorID, domain.RoleDoctor)

	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"own user channel", "user." + doctorID.String(), domain.FrameSubscribed},
		{"another user's channel", "user." + uuid.NewString(), domain.FrameError},
		{"lab channel", "lab", domain.FrameError},
		{"admin channel", "admins", domain.FrameError},
		{"unknown channel", "everyone", domain.FrameError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, doctor.WriteJSON(domain.ControlFrame{Type: domain.FrameSubscribe, Channel: tt.channel}))
			frame := readType(t, doctor, tt.want)
			assert.Equal(t, tt.channel, frame["channel"])
		})
	}

	assert.Equal(t, 0, env.hub.SubscriberCount(domain.LabChannelName))
}

func TestHub_PingTouchesPresence(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	conn := env.dial(t, userID, domain.RoleLab)

	require.Eventually(t, func() bool { return env.presence.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(domain.ControlFrame{Type: domain.FramePing}))
	readType(t, conn, domain.FramePong)
}

func TestHub_PresenceFollowsSockets(t *testing.T) {
	env := newTestEnv(t)
	adminID := uuid.New()
	admin := env.dial(t, adminID, domain.RoleAdmin)
	readType(t, admin, string(domain.EventUserOnline))

	labID := uuid.New()
	first := env.dial(t, labID, domain.RoleLab)
	second := env.dial(t, labID, domain.RoleLab)

	online := readType(t, admin, string(domain.EventUserOnline))
	assert.Equal(t, labID.String(), online["userId"])
	expectNoType(t, admin, string(domain.EventUserOnline), 150*time.Millisecond)

	require.NoError(t, first.Close())
	expectNoType(t, admin, string(domain.EventUserOffline), 150*time.Millisecond)

	require.NoError(t, second.Close())
	offline := readType(t, admin, string(domain.EventUserOffline))
	assert.Equal(t, labID.String(), offline["userId"])
}

func TestHub_RevokeSessionsClosesSockets(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	conn := env.dial(t, userID, domain.RoleLab)

	_, ok := env.presence.ForceDisconnect(context.Background(), userID)
	assert.True(t, ok)

	waitClosed(t, conn)

	assert.Eventually(t, func() bool { return !env.hub.IsUserConnected(userID) }, time.Second, 5*time.Millisecond)
	assert.Zero(t, env.presence.Count())
}

func TestHub_RevokedClientIsNotReannounced(t *testing.T) {
	logger := testLogger()
	hub := NewHub(logger, nil)
	presence := services.NewPresenceService(hub, logger)
	hub.UsePresence(presence)

	userID := uuid.New()
	client := NewClient(hub, nil, Identity{UserID: userID, DisplayName: "Lab Tech", Role: domain.RoleLab}, 4, logger)

	// An open socket whose user was reaped is announced again on activity.
	hub.touch(client)
	require.Equal(t, 1, presence.Count())

	_, ok := presence.Disconnect(context.Background(), userID)
	require.True(t, ok)

	// A revoked socket that has not finished closing is not.
	client.mu.Lock()
	client.revoked = true
	client.mu.Unlock()

	hub.touch(client)
	assert.Zero(t, presence.Count())
}

func TestHub_ForceDisconnectAnnouncesOfflineOnce(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, uuid.New(), domain.RoleAdmin)
	readType(t, admin, string(domain.EventUserOnline))

	userID := uuid.New()
	conn := env.dial(t, userID, domain.RoleLab)
	readType(t, admin, string(domain.EventUserOnline))

	_, ok := env.presence.ForceDisconnect(context.Background(), userID)
	require.True(t, ok)
	_ = conn.WriteJSON(domain.ControlFrame{Type: domain.FramePing})

	offline := readType(t, admin, string(domain.EventUserOffline))
	assert.Equal(t, userID.String(), offline["userId"])
	waitClosed(t, conn)

	expectNoType(t, admin, string(domain.EventUserOffline), 200*time.Millisecond)
	expectNoType(t, admin, string(domain.EventUserOnline), 50*time.Millisecond)
	assert.Zero(t, env.presence.Count())
}
