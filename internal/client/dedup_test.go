package client

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/config"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestDeduper_Window(t *testing.T) {
	clock := newFakeClock()
	d := NewDeduper(LabPolicy(60*time.Second, 30*time.Second), clock.Now)

	assert.True(t, d.Allow(domain.EventRequestCreated, 7))
	assert.False(t, d.Allow(domain.EventRequestCreated, 7), "second within window")

	// Keys are per (type, request id).
	assert.True(t, d.Allow(domain.EventRequestCreated, 8))
	assert.True(t, d.Allow(domain.EventRequestUpdated, 7))

	clock.Advance(59 * time.Second)
	assert.False(t, d.Allow(domain.EventRequestCreated, 7))

	clock.Advance(time.Second)
	assert.True(t, d.Allow(domain.EventRequestCreated, 7), "window elapsed")
}

func TestDeduper_IgnoresTypesOutsidePolicy(t *testing.T) {
	lab := NewDeduper(LabPolicy(time.Minute, time.Minute), nil)
	doctor := NewDeduper(DoctorPolicy(time.Minute, time.Minute), nil)

	assert.False(t, lab.Allow(domain.EventRequestCompleted, 1))
	assert.False(t, doctor.Allow(domain.EventRequestCreated, 1))
	assert.True(t, doctor.Allow(domain.EventRequestCompleted, 1))
}

func TestPolicyFor(t *testing.T) {
	cfg := &config.ClientConfig{
		UserID:                uuid.New(),
		Role:                  domain.RoleDoctor,
		LabCreatedWindow:      time.Minute,
		LabUpdatedWindow:      20 * time.Second,
		DoctorCompletedWindow: 45 * time.Second,
		DoctorUpdatedWindow:   15 * time.Second,
	}
	assert.Equal(t, DoctorPolicy(45*time.Second, 15*time.Second), PolicyFor(cfg))

	cfg.Role = domain.RoleLab
	assert.Equal(t, LabPolicy(time.Minute, 20*time.Second), PolicyFor(cfg))
}
