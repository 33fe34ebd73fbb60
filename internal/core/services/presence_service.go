package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/lorrc/labnotify/internal/infrastructure/telemetry"
)

// PresenceService is the in-memory registry of connected users.
// All state lives behind mu; broadcasts are published after it is released.
type PresenceService struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.ConnectedUser

	broadcaster ports.EventBroadcaster
	snapshots   ports.EventBroadcaster
	revoker     ports.SessionRevoker
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

var _ ports.PresenceService = (*PresenceService)(nil)

// PresenceOption configures a PresenceService.
type PresenceOption func(*PresenceService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) PresenceOption {
	return func(s *PresenceService) { s.now = now }
}

// WithSnapshotBroadcaster sets where active_users and online_count go. The
// registry only knows this instance's sockets, so with a cross-instance
// relay the snapshots belong on the local hub.
func WithSnapshotBroadcaster(b ports.EventBroadcaster) PresenceOption {
	return func(s *PresenceService) { s.snapshots = b }
}

// WithSessionRevoker sets the collaborator used by ForceDisconnect.
func WithSessionRevoker(r ports.SessionRevoker) PresenceOption {
	return func(s *PresenceService) { s.revoker = r }
}

// WithPresenceMetrics sets the counters the registry records into.
func WithPresenceMetrics(m *telemetry.Metrics) PresenceOption {
	return func(s *PresenceService) { s.metrics = m }
}

// NewPresenceService creates an empty registry.
func NewPresenceService(broadcaster ports.EventBroadcaster, logger *slog.Logger, opts ...PresenceOption) *PresenceService {
	s := &PresenceService{
		users:       make(map[uuid.UUID]*domain.ConnectedUser),
		broadcaster: broadcaster,
		metrics:     telemetry.NewNoopMetrics(),
		logger:      logger.With("component", "presence"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.snapshots == nil {
		s.snapshots = broadcaster
	}
	return s
}

// Connect upserts the user with fresh timestamps. Only the transition from
// absent to present is broadcast.
func (s *PresenceService) Connect(ctx context.Context, userID uuid.UUID, displayName string, role domain.Role) domain.ConnectedUser {
	now := s.now().UTC()

	s.mu.Lock()
	_, existed := s.users[userID]
	entry := &domain.ConnectedUser{
		UserID:         userID,
		DisplayName:    displayName,
		Role:           role,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	s.users[userID] = entry
	user := *entry
	var snapshot []domain.ConnectedUser
	if !existed {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if existed {
		return user
	}

	telemetry.Inc(ctx, s.metrics.PresenceConnects, "role", role.String())
	s.logger.InfoContext(ctx, "user online", "user_id", userID, "role", role)

	s.publishPresence(domain.EventUserOnline, user, now)
	s.publishSnapshot(snapshot, now)
	return user
}

// Disconnect removes the user. The boolean is false when the user was not tracked.
func (s *PresenceService) Disconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool) {
	user, ok := s.remove(ctx, userID)
	if ok {
		telemetry.Inc(ctx, s.metrics.PresenceDisconnects, "reason", "disconnect")
	}
	return user, ok
}

// ForceDisconnect revokes the user's sessions, then removes the user.
// Revoking first keeps a frame that is still in flight from announcing the
// user again. Revocation failures are logged and never change the result.
func (s *PresenceService) ForceDisconnect(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool) {
	s.mu.Lock()
	var user domain.ConnectedUser
	entry, ok := s.users[userID]
	if ok {
		user = *entry
	}
	s.mu.Unlock()

	if s.revoker != nil {
		if err := s.revoker.RevokeSessions(userID); err != nil {
			s.logger.WarnContext(ctx, "session revocation failed", "user_id", userID, "error", err)
		}
	}

	// A closed socket may already have removed the user through Disconnect.
	if removed, found := s.remove(ctx, userID); found {
		user, ok = removed, true
	}
	if ok {
		telemetry.Inc(ctx, s.metrics.PresenceDisconnects, "reason", "forced")
	}
	return user, ok
}

func (s *PresenceService) remove(ctx context.Context, userID uuid.UUID) (domain.ConnectedUser, bool) {
	s.mu.Lock()
	entry, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return domain.ConnectedUser{}, false
	}
	delete(s.users, userID)
	user := *entry
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	now := s.now().UTC()
	s.logger.InfoContext(ctx, "user offline", "user_id", userID)
	s.publishPresence(domain.EventUserOffline, user, now)
	s.publishSnapshot(snapshot, now)
	return user, true
}

// Touch records activity. It returns false when the user is not tracked.
func (s *PresenceService) Touch(userID uuid.UUID) bool {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		return false
	}
	if now.After(entry.LastActivityAt) {
		entry.LastActivityAt = now
	}
	return true
}

// ListAll returns a copy of every entry in no particular order.
func (s *PresenceService) ListAll() []domain.ConnectedUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Count returns the number of tracked users.
func (s *PresenceService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Reap removes every user idle for longer than the threshold and returns how
// many were removed. A non-positive threshold falls back to the default.
func (s *PresenceService) Reap(ctx context.Context, idleThreshold time.Duration) int {
	if idleThreshold <= 0 {
		idleThreshold = domain.DefaultIdleThreshold
	}
	now := s.now().UTC()
	cutoff := now.Add(-idleThreshold)

	s.mu.Lock()
	var reaped []domain.ConnectedUser
	for id, entry := range s.users {
		if entry.IdleSince(cutoff) {
			reaped = append(reaped, *entry)
			delete(s.users, id)
		}
	}
	var snapshot []domain.ConnectedUser
	if len(reaped) > 0 {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if len(reaped) == 0 {
		return 0
	}

	for _, user := range reaped {
		s.logger.InfoContext(ctx, "reaped idle user", "user_id", user.UserID, "last_activity_at", user.LastActivityAt)
		s.publishPresence(domain.EventUserOffline, user, now)
	}
	s.publishSnapshot(snapshot, now)
	telemetry.Add(ctx, s.metrics.PresenceReaped, int64(len(reaped)))

	return len(reaped)
}

// RunReaper reaps idle users on a fixed interval until ctx is cancelled.
func (s *PresenceService) RunReaper(ctx context.Context, interval, idleThreshold time.Duration) {
	if interval <= 0 {
		interval = domain.DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("presence reaper started", "interval", interval, "idle_threshold", idleThreshold)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("presence reaper stopped")
			return
		case <-ticker.C:
			if n := s.Reap(ctx, idleThreshold); n > 0 {
				s.logger.Info("presence reap completed", "removed", n)
			}
		}
	}
}

func (s *PresenceService) snapshotLocked() []domain.ConnectedUser {
	users := make([]domain.ConnectedUser, 0, len(s.users))
	for _, entry := range s.users {
		users = append(users, *entry)
	}
	return users
}

func (s *PresenceService) publishPresence(t domain.EventType, user domain.ConnectedUser, at time.Time) {
	s.broadcaster.Publish(domain.Message{
		Type: t,
		Data: domain.PresencePayload{
			UserID:      user.UserID,
			DisplayName: user.DisplayName,
			Role:        user.Role,
		},
		Timestamp: at,
	}, domain.AdminChannel())
}

func (s *PresenceService) publishSnapshot(users []domain.ConnectedUser, at time.Time) {
	s.snapshots.Publish(domain.Message{
		Type:      domain.EventActiveUsers,
		Data:      domain.ActiveUsersPayload{Users: users, Count: len(users)},
		Timestamp: at,
	}, domain.AdminChannel())

	s.snapshots.Publish(domain.Message{
		Type:      domain.EventOnlineCount,
		Data:      domain.OnlineCountPayload{Count: len(users)},
		Timestamp: at,
	}, domain.BroadcastAll())
}
