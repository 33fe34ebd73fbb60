package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// PresenceService defines the port for the in-memory registry of connected users.
// Absent users are reported through the boolean result, never as an error.
type PresenceService interface {
	Connect(ctx context.Context, userID uuid.UUID, displayName string, role domain.Role) domain.ConnectedUser
	Disconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool)
	Touch(userID uuid.UUID) bool
	ListAll() []domain.ConnectedUser
	Count() int
	Reap(ctx context.Context, idleThreshold time.Duration) int
	ForceDisconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool)
}

// EventBroadcaster defines the port for fire-and-forget channel delivery.
// Publish must never block the caller.
type EventBroadcaster interface {
	Publish(msg domain.Message, target domain.ChannelSelector)
}

// SessionRevoker closes the live sessions of a user.
type SessionRevoker interface {
	RevokeSessions(userID uuid.UUID) error
}

// ListNotificationsParams defines the input for a paged notification listing.
type ListNotificationsParams struct {
	RecipientID uuid.UUID
	Page        domain.Page
}

// LookupNotificationParams identifies an unread notification by its natural key.
type LookupNotificationParams struct {
	RecipientID uuid.UUID
	Type        domain.EventType
	RequestID   int64
}

// NotificationService defines the port for domain event intake and the
// recipient-facing notification queries.
type NotificationService interface {
	OnRequestCreated(ctx context.Context, req domain.LabRequest) error
	OnRequestCompleted(ctx context.Context, req domain.LabRequest) error
	OnRequestUpdated(ctx context.Context, req domain.LabRequest) error

	List(ctx context.Context, params ListNotificationsParams) ([]*domain.Notification, error)
	ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
	Lookup(ctx context.Context, params LookupNotificationParams) (*domain.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	Supersede(ctx context.Context, recipientID uuid.UUID, requestID int64) (int64, error)
}

// TransactionManager defines the port for running atomic operations.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
