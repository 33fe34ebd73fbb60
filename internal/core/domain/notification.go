package domain

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lorrc/labnotify/internal/core/errors"
)

// Notification is the durable per-recipient record of a DomainEvent.
type Notification struct {
	ID          uuid.UUID
	RecipientID uuid.UUID
	Type        EventType
	RequestID   int64
	Payload     RequestPayload
	CreatedAt   time.Time
	ReadAt      *time.Time
}

// NewNotification builds an unread notification for the recipient.
func NewNotification(recipientID uuid.UUID, event DomainEvent) (*Notification, error) {
	if recipientID == uuid.Nil {
		return nil, apperrors.ErrRecipientRequired
	}
	if event == nil {
		return nil, apperrors.ErrInvalidEvent
	}

	payload := event.Payload()
	return &Notification{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Type:        event.Type(),
		RequestID:   payload.RequestID,
		Payload:     payload,
		CreatedAt:   event.OccurredAt(),
	}, nil
}

// IsRead reports whether the notification has been read.
func (n *Notification) IsRead() bool {
	return n.ReadAt != nil
}

// MarkRead transitions the notification to read. It never moves a read
// notification back to unread and keeps the first read timestamp.
func (n *Notification) MarkRead(at time.Time) bool {
	if n.ReadAt != nil {
		return false
	}
	t := at.UTC()
	n.ReadAt = &t
	return true
}

// UnreadKey identifies the single unread notification a recipient may hold
// for a given event type and request.
type UnreadKey struct {
	RecipientID uuid.UUID
	Type        EventType
	RequestID   int64
}

// Key returns the unread lookup key of the notification.
func (n *Notification) Key() UnreadKey {
	return UnreadKey{RecipientID: n.RecipientID, Type: n.Type, RequestID: n.RequestID}
}

// Page selects a window of a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

// Pagination bounds.
const (
	DefaultPageLimit = 25
	MaxPageLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
