package client

import (
	"sync"
	"time"

	"github.com/lorrc/labnotify/internal/config"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// DedupPolicy maps an event type to the window during which repeated
// notifications for the same request are not surfaced again. Types absent
// from the policy are never surfaced to this consumer.
type DedupPolicy map[domain.EventType]time.Duration

// LabPolicy is the policy of lab staff consumers.
func LabPolicy(created, updated time.Duration) DedupPolicy {
	return DedupPolicy{
		domain.EventRequestCreated: created,
		domain.EventRequestUpdated: updated,
	}
}

// DoctorPolicy is the policy of doctor consumers.
func DoctorPolicy(completed, updated time.Duration) DedupPolicy {
	return DedupPolicy{
		domain.EventRequestCompleted: completed,
		domain.EventRequestUpdated:   updated,
	}
}

// PolicyFor picks the policy for the configured role.
func PolicyFor(cfg *config.ClientConfig) DedupPolicy {
	if cfg.Role == domain.RoleDoctor {
		return DoctorPolicy(cfg.DoctorCompletedWindow, cfg.DoctorUpdatedWindow)
	}
	return LabPolicy(cfg.LabCreatedWindow, cfg.LabUpdatedWindow)
}

type dedupKey struct {
	eventType domain.EventType
	requestID int64
}

// Deduper decides whether a (type, request id) pair should produce a visible
// notification now. It is shared by the push and polling paths.
type Deduper struct {
	mu     sync.Mutex
	policy DedupPolicy
	last   map[dedupKey]time.Time
	now    func() time.Time
}

// NewDeduper creates a Deduper. now may be nil.
func NewDeduper(policy DedupPolicy, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{
		policy: policy,
		last:   make(map[dedupKey]time.Time),
		now:    now,
	}
}

// Allow reports whether the pair may be surfaced and, if so, opens a new
// window for it.
func (d *Deduper) Allow(eventType domain.EventType, requestID int64) bool {
	window, ok := d.policy[eventType]
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := dedupKey{eventType: eventType, requestID: requestID}
	if at, seen := d.last[key]; seen && now.Sub(at) < window {
		return false
	}
	d.last[key] = now
	d.pruneLocked(now)
	return true
}

func (d *Deduper) pruneLocked(now time.Time) {
	for key, at := range d.last {
		if now.Sub(at) >= d.policy[key.eventType] {
			delete(d.last, key)
		}
	}
}
