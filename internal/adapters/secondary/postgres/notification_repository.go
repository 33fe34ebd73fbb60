package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// NotificationRepository handles persistence for notifications.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

var _ ports.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `id, recipient_id, type, request_id, payload, created_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var (
		id, recipientID pgtype.UUID
		typ             string
		requestID       int64
		payload         []byte
		createdAt       pgtype.Timestamptz
		readAt          pgtype.Timestamptz
	)
	if err := row.Scan(&id, &recipientID, &typ, &requestID, &payload, &createdAt, &readAt); err != nil {
		return nil, err
	}

	n := &domain.Notification{
		ID:          id.Bytes,
		RecipientID: recipientID.Bytes,
		Type:        domain.EventType(typ),
		RequestID:   requestID,
		CreatedAt:   createdAt.Time.UTC(),
	}
	if err := json.Unmarshal(payload, &n.Payload); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if readAt.Valid {
		t := readAt.Time.UTC()
		n.ReadAt = &t
	}
	return n, nil
}

func collectNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

// Create upserts against the unread key so repeated events collapse into
// the existing unread row, which keeps its id.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	const query = `
INSERT INTO notifications (id, recipient_id, type, request_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (recipient_id, type, request_id) WHERE read_at IS NULL
DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at
RETURNING ` + notificationColumns

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode notification payload: %w", err)
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := GetDBTX(ctx, r.pool).QueryRow(ctx, query,
		pgUUID(n.ID), pgUUID(n.RecipientID), string(n.Type), n.RequestID, payload, createdAt)
	return scanNotification(row)
}

// GetByID retrieves a notification by id.
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(GetDBTX(ctx, r.pool).QueryRow(ctx, query, pgUUID(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// FindUnread resolves the lookup index entry for the key.
func (r *NotificationRepository) FindUnread(ctx context.Context, key domain.UnreadKey) (*domain.Notification, error) {
	const query = `
SELECT ` + notificationColumns + `
FROM notifications
WHERE recipient_id = $1 AND type = $2 AND request_id = $3 AND read_at IS NULL`

	row := GetDBTX(ctx, r.pool).QueryRow(ctx, query, pgUUID(key.RecipientID), string(key.Type), key.RequestID)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// ListUnread retrieves every unread notification of a recipient, newest first.
func (r *NotificationRepository) ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error) {
	const query = `
SELECT ` + notificationColumns + `
FROM notifications
WHERE recipient_id = $1 AND read_at IS NULL
ORDER BY created_at DESC, id DESC`

	rows, err := GetDBTX(ctx, r.pool).Query(ctx, query, pgUUID(recipientID))
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// List retrieves a page of a recipient's notifications, newest first.
func (r *NotificationRepository) List(ctx context.Context, recipientID uuid.UUID, page domain.Page) ([]*domain.Notification, error) {
	const query = `
SELECT ` + notificationColumns + `
FROM notifications
WHERE recipient_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

	page = page.Normalize()
	rows, err := GetDBTX(ctx, r.pool).Query(ctx, query, pgUUID(recipientID), page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// CountUnread returns the number of unread notifications of a recipient.
func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read_at IS NULL`

	var count int
	if err := GetDBTX(ctx, r.pool).QueryRow(ctx, query, pgUUID(recipientID)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkRead sets read_at once. The conditional update makes concurrent
// MarkRead and SupersedeOnComplete calls settle on the first timestamp.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error) {
	const update = `
UPDATE notifications SET read_at = $3
WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL`
	const exists = `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`

	db := GetDBTX(ctx, r.pool)
	tag, err := db.Exec(ctx, update, pgUUID(id), pgUUID(recipientID), at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var found bool
	if err := db.QueryRow(ctx, exists, pgUUID(id), pgUUID(recipientID)).Scan(&found); err != nil {
		return false, err
	}
	if !found {
		return false, apperrors.ErrNotificationNotFound
	}
	return false, nil
}

// MarkAllRead marks every unread notification of a recipient read.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error) {
	const query = `UPDATE notifications SET read_at = $2 WHERE recipient_id = $1 AND read_at IS NULL`

	tag, err := GetDBTX(ctx, r.pool).Exec(ctx, query, pgUUID(recipientID), at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SupersedeOnComplete marks the recipient's unread new_request row for the
// request read in a single statement.
func (r *NotificationRepository) SupersedeOnComplete(ctx context.Context, requestID int64, recipientID uuid.UUID, at time.Time) (int64, error) {
	const query = `
UPDATE notifications SET read_at = $3
WHERE request_id = $1 AND recipient_id = $2 AND type = $4 AND read_at IS NULL`

	tag, err := GetDBTX(ctx, r.pool).Exec(ctx, query, requestID, pgUUID(recipientID), at, string(domain.EventRequestCreated))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
