package domain

import "time"

// Client-side suppression windows for repeated (type, request) notifications.
// Lab and doctor consumers are tuned independently.
const (
	DefaultLabCreatedWindow      = 60 * time.Second
	DefaultLabUpdatedWindow      = 30 * time.Second
	DefaultDoctorCompletedWindow = 30 * time.Second
	DefaultDoctorUpdatedWindow   = 30 * time.Second
)
