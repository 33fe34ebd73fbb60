package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

var errUnavailable = &APIError{Status: 503, Code: "STORE_UNAVAILABLE", Message: "unavailable"}

type fakeAPI struct {
	mu sync.Mutex

	unread     []Notification
	unreadErrs int
	listCalls  int

	lookups    map[dedupKey]Notification
	lookupErrs int
	marked     []uuid.UUID
	markAll    int
	superseded []int64

	requests     [][]RequestSummary
	requestCalls int
	queries      []RequestQuery
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{lookups: map[dedupKey]Notification{}}
}

func (f *fakeAPI) setUnread(rows ...Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = rows
}

func (f *fakeAPI) failNextListUnread(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadErrs = n
}

func (f *fakeAPI) ListUnread(ctx context.Context) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.unreadErrs > 0 {
		f.unreadErrs--
		return nil, errUnavailable
	}
	out := make([]Notification, len(f.unread))
	copy(out, f.unread)
	return out, nil
}

func (f *fakeAPI) Lookup(ctx context.Context, eventType domain.EventType, requestID int64) (*Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErrs > 0 {
		f.lookupErrs--
		return nil, errUnavailable
	}
	n, ok := f.lookups[dedupKey{eventType: eventType, requestID: requestID}]
	if !ok {
		return nil, &APIError{Status: 404, Code: "NOTIFICATION_NOT_FOUND"}
	}
	return &n, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	kept := f.unread[:0]
	for _, n := range f.unread {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	f.unread = kept
	return nil
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAll++
	n := int64(len(f.unread))
	f.unread = nil
	return n, nil
}

func (f *fakeAPI) Supersede(ctx context.Context, requestID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, requestID)
	return 1, nil
}

func (f *fakeAPI) ListRequests(ctx context.Context, q RequestQuery) ([]RequestSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.requests) == 0 {
		return nil, errors.New("no scripted response")
	}
	idx := f.requestCalls
	if idx >= len(f.requests) {
		idx = len(f.requests) - 1
	}
	f.requestCalls++
	return f.requests[idx], nil
}

func (f *fakeAPI) snapshot() (listCalls int, marked []uuid.UUID, markAll int, superseded []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, append([]uuid.UUID(nil), f.marked...), f.markAll, append([]int64(nil), f.superseded...)
}

type recordingEffects struct {
	mu     sync.Mutex
	toasts []Item
	sounds []domain.EventType
}

func (r *recordingEffects) Toast(item Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, item)
}

func (r *recordingEffects) Sound(t domain.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds = append(r.sounds, t)
}

func (r *recordingEffects) toastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.toasts)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pushMessage(eventType domain.EventType, requestID int64, actor uuid.UUID) domain.Message {
	return domain.Message{
		Type: eventType,
		Data: domain.RequestPayload{
			RequestID:   requestID,
			PatientName: "Jane Roe",
			DoctorID:    uuid.New(),
			ActorID:     actor,
		},
		Timestamp: time.Now(),
	}
}

func persisted(eventType domain.EventType, requestID int64, createdAt time.Time) Notification {
	return Notification{
		ID:        uuid.New(),
		Type:      eventType,
		RequestID: requestID,
		Payload:   domain.RequestPayload{RequestID: requestID, PatientName: "Jane Roe"},
		CreatedAt: createdAt,
	}
}
