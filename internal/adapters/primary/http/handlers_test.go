package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mw "github.com/lorrc/labnotify/internal/adapters/primary/http/middleware"
	"github.com/lorrc/labnotify/internal/auth"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
	"github.com/lorrc/labnotify/internal/core/mocks"
	"github.com/lorrc/labnotify/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	router       stdhttp.Handler
	tokens       *auth.TokenManager
	notification *mocks.MockNotificationService
	presence     *mocks.MockPresenceService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := testLogger()
	errorHandler := NewErrorHandler(logger)
	f := &apiFixture{
		tokens:       auth.NewTokenManager("handler-test-secret", time.Hour),
		notification: mocks.NewMockNotificationService(),
		presence:     mocks.NewMockPresenceService(),
	}

	notificationHandler := NewNotificationHandler(f.notification, errorHandler, logger)
	presenceHandler := NewPresenceHandler(f.presence, domain.DefaultIdleThreshold, errorHandler, logger)
	eventHandler := NewEventHandler(f.notification, errorHandler, logger)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.JWTMiddleware(f.tokens))
		r.Route("/notifications", notificationHandler.RegisterRoutes)
		r.Route("/presence", presenceHandler.RegisterRoutes)
		r.Route("/events", func(r chi.Router) {
			r.Use(mw.RequireRole(domain.RoleSystem, domain.RoleAdmin))
			eventHandler.RegisterRoutes(r)
		})
	})
	f.router = r

	t.Cleanup(func() {
		f.notification.AssertExpectations(t)
		f.presence.AssertExpectations(t)
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, userID uuid.UUID, role domain.Role, body string) *httptest.ResponseRecorder {
	t.Helper()

	token, err := f.tokens.GenerateToken(userID, role, "Test "+role.String())
	require.NoError(t, err)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func sampleNotification(recipient uuid.UUID, typ domain.EventType, requestID int64) *domain.Notification {
	return &domain.Notification{
		ID:          uuid.New(),
		RecipientID: recipient,
		Type:        typ,
		RequestID:   requestID,
		Payload:     domain.RequestPayload{RequestID: requestID, PatientName: "Ana Torres"},
		CreatedAt:   time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestNotificationHandler_List(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	items := []*domain.Notification{
		sampleNotification(userID, domain.EventRequestCreated, 2),
		sampleNotification(userID, domain.EventRequestCreated, 1),
	}
	f.notification.On("List", mock.Anything, ports.ListNotificationsParams{
		RecipientID: userID,
		Page:        domain.Page{Limit: 2, Offset: 4},
	}).Return(items, nil).Once()

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/notifications?limit=2&offset=4", userID, domain.RoleLab, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)

	body := decodeBody[PaginatedResponse[NotificationDTO]](t, rec)
	require.Len(t, body.Data, 2)
	assert.Equal(t, int64(2), body.Data[0].RequestID)
	assert.Equal(t, "new_request", body.Data[0].Type)
	assert.Nil(t, body.Data[0].ReadAt)
	assert.True(t, body.Pagination.HasMore)
	assert.Equal(t, 4, body.Pagination.Offset)
}

func TestNotificationHandler_UnreadAndCount(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.notification.On("ListUnread", mock.Anything, userID).
		Return([]*domain.Notification{sampleNotification(userID, domain.EventRequestCompleted, 9)}, nil).Once()
	f.notification.On("CountUnread", mock.Anything, userID).Return(1, nil).Once()

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/notifications/unread", userID, domain.RoleDoctor, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	list := decodeBody[ListResponse[NotificationDTO]](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "request_completed", list.Data[0].Type)

	rec = f.do(t, stdhttp.MethodGet, "/api/v1/notifications/unread-count", userID, domain.RoleDoctor, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[UnreadCountResponse](t, rec).Count)
}

func TestNotificationHandler_Lookup(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	n := sampleNotification(userID, domain.EventRequestCreated, 77)

	f.notification.On("Lookup", mock.Anything, ports.LookupNotificationParams{
		RecipientID: userID, Type: domain.EventRequestCreated, RequestID: 77,
	}).Return(n, nil).Once()
	f.notification.On("Lookup", mock.Anything, ports.LookupNotificationParams{
		RecipientID: userID, Type: domain.EventRequestCreated, RequestID: 78,
	}).Return(nil, apperrors.ErrNotificationNotFound).Once()

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/notifications/lookup?type=new_request&requestId=77", userID, domain.RoleLab, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, n.ID.String(), decodeBody[NotificationDTO](t, rec).ID)

	rec = f.do(t, stdhttp.MethodGet, "/api/v1/notifications/lookup?type=new_request&requestId=78", userID, domain.RoleLab, "")
	assert.Equal(t, stdhttp.StatusNotFound, rec.Code)
	assert.Equal(t, "NOTIFICATION_NOT_FOUND", decodeBody[ErrorResponse](t, rec).Code)
}

func TestNotificationHandler_MarkRead(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	notificationID := uuid.New()

	f.notification.On("MarkRead", mock.Anything, userID, notificationID).Return(nil).Twice()

	for i := 0; i < 2; i++ {
		rec := f.do(t, stdhttp.MethodPost, "/api/v1/notifications/"+notificationID.String()+"/read", userID, domain.RoleLab, "")
		assert.Equal(t, stdhttp.StatusNoContent, rec.Code, "mark read is idempotent")
	}

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/notifications/not-a-uuid/read", userID, domain.RoleLab, "")
	assert.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)
}

func TestNotificationHandler_MarkAllReadAndSupersede(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.notification.On("MarkAllRead", mock.Anything, userID).Return(int64(3), nil).Once()
	f.notification.On("Supersede", mock.Anything, userID, int64(15)).Return(int64(1), nil).Once()

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/notifications/mark-all-read", userID, domain.RoleDoctor, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decodeBody[UpdatedResponse](t, rec).Updated)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/notifications/supersede", userID, domain.RoleDoctor, `{"requestId":15}`)
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[UpdatedResponse](t, rec).Updated)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/notifications/supersede", userID, domain.RoleDoctor, `{"requestId":0}`)
	assert.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)
}

func TestNotificationHandler_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/api/v1/notifications", nil))
	assert.Equal(t, stdhttp.StatusUnauthorized, rec.Code)
}

func TestEventHandler_Intake(t *testing.T) {
	f := newAPIFixture(t)
	systemID := uuid.New()
	doctorID := uuid.New()

	body := fmt.Sprintf(`{"requestId":42,"patientName":"Ana Torres","doctorId":%q,"doctorName":"Dr. Ruiz","creatorId":%q,"creatorRole":"doctor","examCount":3}`,
		doctorID, doctorID)

	f.notification.On("OnRequestCreated", mock.Anything, mock.MatchedBy(func(req domain.LabRequest) bool {
		return req.ID == 42 && req.OwnerDoctorID == doctorID && req.CreatorRole == domain.RoleDoctor && req.ExamCount == 3
	})).Return(nil).Once()

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/events/requests/created", systemID, domain.RoleSystem, body)
	assert.Equal(t, stdhttp.StatusAccepted, rec.Code)

	t.Run("store outage is retryable", func(t *testing.T) {
		f.notification.On("OnRequestCompleted", mock.Anything, mock.Anything).
			Return(fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, errors.New("connection refused"))).Once()

		rec := f.do(t, stdhttp.MethodPost, "/api/v1/events/requests/completed", systemID, domain.RoleSystem, body)
		assert.Equal(t, stdhttp.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Equal(t, "STORE_UNAVAILABLE", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := f.do(t, stdhttp.MethodPost, "/api/v1/events/requests/updated", systemID, domain.RoleSystem, `{"requestId":-1}`)
		assert.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("doctors cannot emit events", func(t *testing.T) {
		rec := f.do(t, stdhttp.MethodPost, "/api/v1/events/requests/created", doctorID, domain.RoleDoctor, body)
		assert.Equal(t, stdhttp.StatusForbidden, rec.Code)
	})
}

func TestPresenceHandler_SelfService(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	now := time.Now().UTC()
	user := domain.ConnectedUser{UserID: userID, DisplayName: "Lab Desk 2", Role: domain.RoleLab, ConnectedAt: now, LastActivityAt: now}

	f.presence.On("Connect", mock.Anything, userID, "Lab Desk 2", domain.RoleLab).Return(user).Once()
	f.presence.On("Touch", userID).Return(true).Once()
	f.presence.On("Disconnect", mock.Anything, userID).Return(user, true).Once()
	f.presence.On("Disconnect", mock.Anything, userID).Return(domain.ConnectedUser{}, false).Once()

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/presence/connect", userID, domain.RoleLab, `{"displayName":"Lab Desk 2"}`)
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	status := decodeBody[PresenceStatusResponse](t, rec)
	assert.True(t, status.Online)
	require.NotNil(t, status.User)
	assert.Equal(t, userID, status.User.UserID)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/presence/touch", userID, domain.RoleLab, "")
	assert.True(t, decodeBody[PresenceStatusResponse](t, rec).Online)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/presence/disconnect", userID, domain.RoleLab, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody[PresenceStatusResponse](t, rec).User)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/presence/disconnect", userID, domain.RoleLab, "")
	assert.Equal(t, stdhttp.StatusOK, rec.Code, "absent user is not an error")
	assert.Nil(t, decodeBody[PresenceStatusResponse](t, rec).User)
}

func TestPresenceHandler_Privileged(t *testing.T) {
	f := newAPIFixture(t)
	adminID := uuid.New()
	targetID := uuid.New()

	f.presence.On("ListAll").Return([]domain.ConnectedUser{{UserID: targetID, Role: domain.RoleLab}}).Once()
	f.presence.On("Reap", mock.Anything, domain.DefaultIdleThreshold).Return(2).Once()
	f.presence.On("ForceDisconnect", mock.Anything, targetID).Return(domain.ConnectedUser{UserID: targetID}, true).Once()

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/presence", adminID, domain.RoleAdmin, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[ListResponse[domain.ConnectedUser]](t, rec).Count)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/presence/reap", adminID, domain.RoleAdmin, "")
	assert.Equal(t, 2, decodeBody[ReapResponse](t, rec).Removed)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/presence/"+targetID.String()+"/force-disconnect", adminID, domain.RoleAdmin, "")
	require.Equal(t, stdhttp.StatusOK, rec.Code)

	for _, path := range []string{"/api/v1/presence", "/api/v1/presence/reap"} {
		method := stdhttp.MethodPost
		if path == "/api/v1/presence" {
			method = stdhttp.MethodGet
		}
		rec := f.do(t, method, path, uuid.New(), domain.RoleLab, "")
		assert.Equal(t, stdhttp.StatusForbidden, rec.Code, path)
	}
}
