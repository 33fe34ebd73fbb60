package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockNotificationRepository is a mock implementation of ports.NotificationRepository
type MockNotificationRepository struct {
	mock.Mock
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{}
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) FindUnread(ctx context.Context, key domain.UnreadKey) (*domain.Notification, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) List(ctx context.Context, recipientID uuid.UUID, page domain.Page) ([]*domain.Notification, error) {
	args := m.Called(ctx, recipientID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	args := m.Called(ctx, recipientID)
	return args.Int(0), args.Error(1)
}

func (m *MockNotificationRepository) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error) {
	args := m.Called(ctx, id, recipientID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error) {
	args := m.Called(ctx, recipientID, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNotificationRepository) SupersedeOnComplete(ctx context.Context, requestID int64, recipientID uuid.UUID, at time.Time) (int64, error) {
	args := m.Called(ctx, requestID, recipientID, at)
	return args.Get(0).(int64), args.Error(1)
}

// MockUserDirectory is a mock implementation of ports.UserDirectory
type MockUserDirectory struct {
	mock.Mock
}

func NewMockUserDirectory() *MockUserDirectory {
	return &MockUserDirectory{}
}

func (m *MockUserDirectory) ListActiveByRole(ctx context.Context, role domain.Role) ([]uuid.UUID, error) {
	args := m.Called(ctx, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockTransactionManager runs the callback inline unless an error is configured.
type MockTransactionManager struct {
	mock.Mock
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx)
}

// MockEventBroadcaster is a mock implementation of ports.EventBroadcaster
type MockEventBroadcaster struct {
	mock.Mock
}

func NewMockEventBroadcaster() *MockEventBroadcaster {
	return &MockEventBroadcaster{}
}

func (m *MockEventBroadcaster) Publish(msg domain.Message, target domain.ChannelSelector) {
	m.Called(msg, target)
}

// MockSessionRevoker is a mock implementation of ports.SessionRevoker
type MockSessionRevoker struct {
	mock.Mock
}

func NewMockSessionRevoker() *MockSessionRevoker {
	return &MockSessionRevoker{}
}

func (m *MockSessionRevoker) RevokeSessions(userID uuid.UUID) error {
	args := m.Called(userID)
	return args.Error(0)
}

// MockPresenceService is a mock implementation of ports.PresenceService
type MockPresenceService struct {
	mock.Mock
}

func NewMockPresenceService() *MockPresenceService {
	return &MockPresenceService{}
}

func (m *MockPresenceService) Connect(ctx context.Context, userID uuid.UUID, displayName string, role domain.Role) domain.ConnectedUser {
	args := m.Called(ctx, userID, displayName, role)
	return args.Get(0).(domain.ConnectedUser)
}

func (m *MockPresenceService) Disconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.ConnectedUser), args.Bool(1)
}

func (m *MockPresenceService) Touch(userID uuid.UUID) bool {
	args := m.Called(userID)
	return args.Bool(0)
}

func (m *MockPresenceService) ListAll() []domain.ConnectedUser {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.ConnectedUser)
}

func (m *MockPresenceService) Count() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockPresenceService) Reap(ctx context.Context, idleThreshold time.Duration) int {
	args := m.Called(ctx, idleThreshold)
	return args.Int(0)
}

func (m *MockPresenceService) ForceDisconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.ConnectedUser), args.Bool(1)
}

// MockNotificationService is a mock implementation of ports.NotificationService
type MockNotificationService struct {
	mock.Mock
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{}
}

func (m *MockNotificationService) OnRequestCreated(ctx context.Context, req domain.LabRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockNotificationService) OnRequestCompleted(ctx context.Context, req domain.LabRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockNotificationService) OnRequestUpdated(ctx context.Context, req domain.LabRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockNotificationService) List(ctx context.Context, params ports.ListNotificationsParams) ([]*domain.Notification, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationService) ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationService) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	args := m.Called(ctx, recipientID)
	return args.Int(0), args.Error(1)
}

func (m *MockNotificationService) Lookup(ctx context.Context, params ports.LookupNotificationParams) (*domain.Notification, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationService) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error {
	args := m.Called(ctx, recipientID, notificationID)
	return args.Error(0)
}

func (m *MockNotificationService) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNotificationService) Supersede(ctx context.Context, recipientID uuid.UUID, requestID int64) (int64, error) {
	args := m.Called(ctx, recipientID, requestID)
	return args.Get(0).(int64), args.Error(1)
}
