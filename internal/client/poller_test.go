package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (e *emitted) add(msg domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
}

func (e *emitted) requestIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.msgs))
	for _, m := range e.msgs {
		p, _ := m.RequestPayload()
		ids = append(ids, p.RequestID)
	}
	return ids
}

func rows(ids ...int64) []RequestSummary {
	out := make([]RequestSummary, len(ids))
	for i, id := range ids {
		out[i] = RequestSummary{ID: id, PatientName: "patient"}
	}
	return out
}

func TestPoller_FirstTickSeedsWithoutEmitting(t *testing.T) {
	api := newFakeAPI()
	api.requests = [][]RequestSummary{
		rows(2, 1),
		rows(3, 2, 1),
		rows(3, 2, 1),
		rows(4, 3, 2),
	}

	var out emitted
	p := NewPoller(api, domain.RoleLab, uuid.New(), 10, 5*time.Millisecond, out.add, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(out.requestIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{3, 4}, out.requestIDs())

	out.mu.Lock()
	defer out.mu.Unlock()
	for _, m := range out.msgs {
		assert.Equal(t, domain.EventRequestCreated, m.Type)
	}
}

func TestPoller_DoctorWatchesCompletedRequests(t *testing.T) {
	api := newFakeAPI()
	api.requests = [][]RequestSummary{rows(1), rows(5, 1)}
	doctor := uuid.New()

	var out emitted
	p := NewPoller(api, domain.RoleDoctor, doctor, 3, 5*time.Millisecond, out.add, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	require.Eventually(t, func() bool { return len(out.requestIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	out.mu.Lock()
	assert.Equal(t, domain.EventRequestCompleted, out.msgs[0].Type)
	out.mu.Unlock()

	api.mu.Lock()
	defer api.mu.Unlock()
	require.NotEmpty(t, api.queries)
	assert.Equal(t, RequestQuery{Limit: 3, Status: RequestStatusCompleted, DoctorID: doctor}, api.queries[0])
}

func TestPoller_RestartReseedsAndNeverRepeats(t *testing.T) {
	api := newFakeAPI()
	api.requests = [][]RequestSummary{rows(1), rows(2, 1)}

	var out emitted
	p := NewPoller(api, domain.RoleLab, uuid.New(), 10, 5*time.Millisecond, out.add, discardLogger())

	run := func(until func() bool) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.Run(ctx)
		}()
		require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
		cancel()
		<-done
	}

	run(func() bool { return len(out.requestIDs()) == 1 })

	// A restart seeds again from the current listing.
	api.mu.Lock()
	api.requests = [][]RequestSummary{rows(2, 1), rows(3, 2, 1)}
	api.requestCalls = 0
	api.mu.Unlock()

	run(func() bool { return len(out.requestIDs()) == 2 })
	assert.Equal(t, []int64{2, 3}, out.requestIDs())
}
