package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/lorrc/labnotify/internal/infrastructure/telemetry"
)

// NotificationService turns domain events into durable rows and live pushes,
// and serves the recipient-facing notification queries.
type NotificationService struct {
	repo        ports.NotificationRepository
	users       ports.UserDirectory
	txManager   ports.TransactionManager
	broadcaster ports.EventBroadcaster
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

var _ ports.NotificationService = (*NotificationService)(nil)

// NotificationOption configures a NotificationService.
type NotificationOption func(*NotificationService)

// WithNotificationClock overrides the time source.
func WithNotificationClock(now func() time.Time) NotificationOption {
	return func(s *NotificationService) { s.now = now }
}

// WithNotificationMetrics sets the counters the service records into.
func WithNotificationMetrics(m *telemetry.Metrics) NotificationOption {
	return func(s *NotificationService) { s.metrics = m }
}

// NewNotificationService creates a new notification service
func NewNotificationService(
	repo ports.NotificationRepository,
	users ports.UserDirectory,
	txManager ports.TransactionManager,
	broadcaster ports.EventBroadcaster,
	logger *slog.Logger,
	opts ...NotificationOption,
) *NotificationService {
	s := &NotificationService{
		repo:        repo,
		users:       users,
		txManager:   txManager,
		broadcaster: broadcaster,
		metrics:     telemetry.NewNoopMetrics(),
		logger:      logger.With("component", "notifications"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnRequestCreated handles a newly registered request.
func (s *NotificationService) OnRequestCreated(ctx context.Context, req domain.LabRequest) error {
	event, err := domain.NewRequestCreated(req, s.now())
	if err != nil {
		return err
	}
	return s.deliver(ctx, event)
}

// OnRequestCompleted handles a request whose results are all entered.
func (s *NotificationService) OnRequestCompleted(ctx context.Context, req domain.LabRequest) error {
	event, err := domain.NewRequestCompleted(req, s.now())
	if err != nil {
		return err
	}
	return s.deliver(ctx, event)
}

// OnRequestUpdated handles a request change that did not complete it.
func (s *NotificationService) OnRequestUpdated(ctx context.Context, req domain.LabRequest) error {
	event, err := domain.NewRequestUpdated(req, s.now())
	if err != nil {
		return err
	}
	return s.deliver(ctx, event)
}

// deliver writes every row inside one transaction and publishes only after
// the commit succeeded.
func (s *NotificationService) deliver(ctx context.Context, event domain.DomainEvent) error {
	route := RouteEvent(event)
	payload := event.Payload()
	logger := s.logger.With("event", event.Type(), "request_id", payload.RequestID)

	if len(route.Targets) == 0 && len(route.RecipientRoles) == 0 && len(route.RecipientUsers) == 0 {
		logger.DebugContext(ctx, "event has no audience", "actor_role", payload.ActorRole)
		return nil
	}

	created := 0
	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		stale, err := s.resolve(ctx, route.SupersedeRoles, route.SupersedeUsers, uuid.Nil)
		if err != nil {
			return err
		}
		for _, recipientID := range stale {
			if _, err := s.repo.SupersedeOnComplete(ctx, payload.RequestID, recipientID, event.OccurredAt()); err != nil {
				return fmt.Errorf("supersede for %s: %w", recipientID, err)
			}
		}

		recipients, err := s.resolve(ctx, route.RecipientRoles, route.RecipientUsers, payload.ActorID)
		if err != nil {
			return err
		}
		for _, recipientID := range recipients {
			n, err := domain.NewNotification(recipientID, event)
			if err != nil {
				return err
			}
			if _, err := s.repo.Create(ctx, n); err != nil {
				return fmt.Errorf("create notification for %s: %w", recipientID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		logger.WarnContext(ctx, "notification store write failed, event not published", "error", err)
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	telemetry.Add(ctx, s.metrics.NotificationsCreated, int64(created), "type", event.Type().String())

	msg := domain.NewEventMessage(event)
	for _, target := range route.Targets {
		s.broadcaster.Publish(msg.WithChannel(target.Name()), target)
	}

	logger.InfoContext(ctx, "event delivered", "rows", created, "channels", len(route.Targets))
	return nil
}

// resolve expands roles into active users, adds explicit users, removes
// duplicates and drops the excluded actor.
func (s *NotificationService) resolve(ctx context.Context, roles []domain.Role, users []uuid.UUID, exclude uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID

	add := func(id uuid.UUID) {
		if id == uuid.Nil || id == exclude {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, role := range roles {
		ids, err := s.users.ListActiveByRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("resolve %s recipients: %w", role, err)
		}
		for _, id := range ids {
			add(id)
		}
	}
	for _, id := range users {
		add(id)
	}
	return out, nil
}

// List returns the recipient's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, params ports.ListNotificationsParams) ([]*domain.Notification, error) {
	return s.repo.List(ctx, params.RecipientID, params.Page.Normalize())
}

// ListUnread returns every unread notification of the recipient, newest first.
func (s *NotificationService) ListUnread(ctx context.Context, recipientID uuid.UUID) ([]*domain.Notification, error) {
	return s.repo.ListUnread(ctx, recipientID)
}

// CountUnread returns the recipient's unread badge count.
func (s *NotificationService) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, recipientID)
}

// Lookup resolves the unread notification matching (type, request) for the
// recipient. It backs the client's ephemeral id resolution.
func (s *NotificationService) Lookup(ctx context.Context, params ports.LookupNotificationParams) (*domain.Notification, error) {
	errs := apperrors.NewValidationErrors()
	if !params.Type.IsRequestEvent() {
		errs.Add("type", "Unknown notification type")
	}
	if params.RequestID <= 0 {
		errs.Add("requestId", "Request ID must be positive")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	return s.repo.FindUnread(ctx, domain.UnreadKey{
		RecipientID: params.RecipientID,
		Type:        params.Type,
		RequestID:   params.RequestID,
	})
}

// MarkRead marks one notification read. Marking an already read row is a no-op.
func (s *NotificationService) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error {
	changed, err := s.repo.MarkRead(ctx, notificationID, recipientID, s.now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		s.logger.DebugContext(ctx, "notification already read", "notification_id", notificationID)
	}
	return nil
}

// MarkAllRead marks every unread notification of the recipient read.
func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, recipientID, s.now().UTC())
}

// Supersede marks the recipient's unread new_request row for the request read.
func (s *NotificationService) Supersede(ctx context.Context, recipientID uuid.UUID, requestID int64) (int64, error) {
	if requestID <= 0 {
		return 0, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "requestId must be positive")
	}
	return s.repo.SupersedeOnComplete(ctx, requestID, recipientID, s.now().UTC())
}
