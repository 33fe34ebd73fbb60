package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createUser inserts a row into the users table and returns its id.
func createUser(t *testing.T, role domain.Role, active bool) uuid.UUID {
	t.Helper()
	require.NotNil(t, testPool, "testPool is nil. TestMain may not have run.")

	id := uuid.New()
	_, err := testPool.Exec(context.Background(),
		`INSERT INTO users (id, full_name, role, is_active) VALUES ($1, $2, $3, $4)`,
		pgUUID(id), "Test "+string(role), string(role), active)
	require.NoError(t, err)
	return id
}

func newEvent(t *testing.T, kind domain.EventType, requestID int64, doctorID uuid.UUID) domain.DomainEvent {
	t.Helper()
	req := domain.LabRequest{
		ID:              requestID,
		PatientName:     "Ana Torres",
		OwnerDoctorID:   doctorID,
		OwnerDoctorName: "Dr. Ruiz",
		CreatorID:       doctorID,
		CreatorRole:     domain.RoleDoctor,
		ExamCount:       2,
	}
	now := time.Now()

	var (
		event domain.DomainEvent
		err   error
	)
	switch kind {
	case domain.EventRequestCreated:
		event, err = domain.NewRequestCreated(req, now)
	case domain.EventRequestCompleted:
		event, err = domain.NewRequestCompleted(req, now)
	default:
		event, err = domain.NewRequestUpdated(req, now)
	}
	require.NoError(t, err)
	return event
}

func mustCreate(t *testing.T, repo *NotificationRepository, recipient uuid.UUID, event domain.DomainEvent) *domain.Notification {
	t.Helper()
	n, err := domain.NewNotification(recipient, event)
	require.NoError(t, err)
	created, err := repo.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func ids(ns []*domain.Notification) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func TestNotificationRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	doctor := createUser(t, domain.RoleDoctor, true)

	created := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCompleted, 101, doctor))
	assert.Equal(t, int64(101), created.RequestID)
	assert.Equal(t, "Ana Torres", created.Payload.PatientName)
	assert.Nil(t, created.ReadAt)

	unread, err := repo.ListUnread(ctx, doctor)
	require.NoError(t, err)
	assert.Contains(t, ids(unread), created.ID)

	readAt := time.Now().UTC().Truncate(time.Microsecond)
	changed, err := repo.MarkRead(ctx, created.ID, doctor, readAt)
	require.NoError(t, err)
	assert.True(t, changed)

	unread, err = repo.ListUnread(ctx, doctor)
	require.NoError(t, err)
	assert.NotContains(t, ids(unread), created.ID)

	changed, err = repo.MarkRead(ctx, created.ID, doctor, readAt.Add(time.Hour))
	require.NoError(t, err, "second mark read is a no-op")
	assert.False(t, changed)

	stored, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReadAt)
	assert.True(t, readAt.Equal(*stored.ReadAt), "read timestamp must not change")
}

func TestNotificationRepository_MarkRead_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	doctor := createUser(t, domain.RoleDoctor, true)
	other := createUser(t, domain.RoleDoctor, true)

	_, err := repo.MarkRead(ctx, uuid.New(), doctor, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotificationNotFound)

	created := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCompleted, 102, doctor))
	_, err = repo.MarkRead(ctx, created.ID, other, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotificationNotFound, "other recipients cannot see the row")
}

func TestNotificationRepository_CreateCollapsesUnreadKey(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	lab := createUser(t, domain.RoleLab, true)
	doctor := createUser(t, domain.RoleDoctor, true)

	first := mustCreate(t, repo, lab, newEvent(t, domain.EventRequestUpdated, 103, doctor))
	second := mustCreate(t, repo, lab, newEvent(t, domain.EventRequestUpdated, 103, doctor))
	assert.Equal(t, first.ID, second.ID)

	count, err := repo.CountUnread(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = repo.MarkRead(ctx, first.ID, lab, time.Now())
	require.NoError(t, err)

	third := mustCreate(t, repo, lab, newEvent(t, domain.EventRequestUpdated, 103, doctor))
	assert.NotEqual(t, first.ID, third.ID, "a read row does not absorb new events")
}

func TestNotificationRepository_SupersedeOnComplete(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	doctor := createUser(t, domain.RoleDoctor, true)

	createdRow := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCreated, 104, doctor))
	otherRequest := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCreated, 105, doctor))

	n, err := repo.SupersedeOnComplete(ctx, 104, doctor, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	completedRow := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCompleted, 104, doctor))

	unread, err := repo.ListUnread(ctx, doctor)
	require.NoError(t, err)
	assert.NotContains(t, ids(unread), createdRow.ID)
	assert.Contains(t, ids(unread), completedRow.ID)
	assert.Contains(t, ids(unread), otherRequest.ID)

	n, err = repo.SupersedeOnComplete(ctx, 104, doctor, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotificationRepository_SupersedeRacesMarkRead(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	doctor := createUser(t, domain.RoleDoctor, true)
	row := mustCreate(t, repo, doctor, newEvent(t, domain.EventRequestCreated, 106, doctor))

	var (
		wg       sync.WaitGroup
		changed  bool
		markErr  error
		affected int64
		supErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		changed, markErr = repo.MarkRead(ctx, row.ID, doctor, time.Now())
	}()
	go func() {
		defer wg.Done()
		affected, supErr = repo.SupersedeOnComplete(ctx, 106, doctor, time.Now())
	}()
	wg.Wait()

	require.NoError(t, markErr)
	require.NoError(t, supErr)
	winners := affected
	if changed {
		winners++
	}
	assert.Equal(t, int64(1), winners, "exactly one writer sets read_at")
}

func TestNotificationRepository_ListPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	lab := createUser(t, domain.RoleLab, true)
	doctor := createUser(t, domain.RoleDoctor, true)

	var created []*domain.Notification
	for i := int64(0); i < 3; i++ {
		n, err := domain.NewNotification(lab, newEvent(t, domain.EventRequestCreated, 200+i, doctor))
		require.NoError(t, err)
		n.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		stored, err := repo.Create(ctx, n)
		require.NoError(t, err)
		created = append(created, stored)
	}

	page, err := repo.List(ctx, lab, domain.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, created[2].ID, page[0].ID)
	assert.Equal(t, created[1].ID, page[1].ID)

	page, err = repo.List(ctx, lab, domain.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, created[0].ID, page[0].ID)

	n, err := repo.MarkAllRead(ctx, lab, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNotificationRepository_FindUnread(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	lab := createUser(t, domain.RoleLab, true)
	doctor := createUser(t, domain.RoleDoctor, true)

	row := mustCreate(t, repo, lab, newEvent(t, domain.EventRequestCreated, 300, doctor))

	found, err := repo.FindUnread(ctx, row.Key())
	require.NoError(t, err)
	assert.Equal(t, row.ID, found.ID)

	_, err = repo.MarkRead(ctx, row.ID, lab, time.Now())
	require.NoError(t, err)

	_, err = repo.FindUnread(ctx, row.Key())
	assert.True(t, errors.Is(err, apperrors.ErrNotificationNotFound))
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(testPool)
	tm := NewTransactionManager(testPool)
	doctor := createUser(t, domain.RoleDoctor, true)

	boom := errors.New("boom")
	err := tm.WithTransaction(ctx, func(ctx context.Context) error {
		n, err := domain.NewNotification(doctor, newEvent(t, domain.EventRequestCompleted, 400, doctor))
		require.NoError(t, err)
		_, err = repo.Create(ctx, n)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := repo.CountUnread(ctx, doctor)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUserDirectory_ListActiveByRole(t *testing.T) {
	ctx := context.Background()
	dir := NewUserDirectory(testPool)

	active := createUser(t, domain.RoleLab, true)
	inactive := createUser(t, domain.RoleLab, false)
	doctor := createUser(t, domain.RoleDoctor, true)

	got, err := dir.ListActiveByRole(ctx, domain.RoleLab)
	require.NoError(t, err)
	assert.Contains(t, got, active)
	assert.NotContains(t, got, inactive)
	assert.NotContains(t, got, doctor)
}
