package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// NotificationRepository defines the port for the durable notification store.
type NotificationRepository interface {
	// Create stores an unread notification. An unread row with the same
	// (recipient, type, request) key is refreshed instead of duplicated.
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	FindUnread(ctx context.Context, key domain.UnreadKey) (*domain.Notification, error)
	ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error)
	List(ctx context.Context, recipientID uuid.UUID, page domain.Page) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
	// MarkRead reports whether the row changed. A row that is already read is
	// not an error; a row that does not exist for the recipient is.
	MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error)
	SupersedeOnComplete(ctx context.Context, requestID int64, recipientID uuid.UUID, at time.Time) (int64, error)
}

// UserDirectory resolves recipients from the externally owned user table.
type UserDirectory interface {
	ListActiveByRole(ctx context.Context, role domain.Role) ([]uuid.UUID, error)
}
