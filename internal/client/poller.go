package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// Poller is the fallback used while the push channel is down. It diffs the
// newest requests against the previous tick and emits the message the push
// path would have delivered for every newly seen request.
type Poller struct {
	api      API
	role     domain.Role
	userID   uuid.UUID
	limit    int
	interval time.Duration
	emit     func(domain.Message)
	now      func() time.Time
	logger   *slog.Logger

	// notified survives restarts so a request is reported once per process.
	notified map[int64]struct{}
}

// NewPoller creates a poller for a lab or doctor user. emit receives the
// synthesized messages and is normally Engine.OnPush.
func NewPoller(api API, role domain.Role, userID uuid.UUID, limit int, interval time.Duration, emit func(domain.Message), logger *slog.Logger) *Poller {
	return &Poller{
		api:      api,
		role:     role,
		userID:   userID,
		limit:    limit,
		interval: interval,
		emit:     emit,
		now:      time.Now,
		logger:   logger.With("component", "poller", "role", role),
		notified: make(map[int64]struct{}),
	}
}

func (p *Poller) query() RequestQuery {
	q := RequestQuery{Limit: p.limit}
	if p.role == domain.RoleDoctor {
		q.Status = RequestStatusCompleted
		q.DoctorID = p.userID
	}
	return q
}

func (p *Poller) eventType() domain.EventType {
	if p.role == domain.RoleDoctor {
		return domain.EventRequestCompleted
	}
	return domain.EventRequestCreated
}

// Run polls until ctx is cancelled. The first successful tick only seeds the
// set of known requests.
func (p *Poller) Run(ctx context.Context) {
	var seen map[int64]struct{}

	tick := func() {
		rows, err := p.api.ListRequests(ctx, p.query())
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("poll failed", "error", err)
			}
			return
		}

		current := make(map[int64]struct{}, len(rows))
		for _, row := range rows {
			current[row.ID] = struct{}{}
		}

		if seen == nil {
			seen = current
			p.logger.Debug("poller seeded", "requests", len(current))
			return
		}

		for _, row := range rows {
			if _, ok := seen[row.ID]; ok {
				continue
			}
			if _, ok := p.notified[row.ID]; ok {
				continue
			}
			p.notified[row.ID] = struct{}{}
			p.emit(p.message(row))
		}
		seen = current
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (p *Poller) message(row RequestSummary) domain.Message {
	return domain.Message{
		Type: p.eventType(),
		Data: domain.RequestPayload{
			RequestID:          row.ID,
			PatientName:        row.PatientName,
			DoctorID:           row.DoctorID,
			DoctorName:         row.DoctorName,
			ExamCount:          row.ExamCount,
			CompletedExamCount: row.CompletedExamCount,
		},
		Timestamp: p.now(),
	}
}
