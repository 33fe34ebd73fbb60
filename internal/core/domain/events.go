package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lorrc/labnotify/internal/core/errors"
)

// EventType defines the type of real-time event. The value is the wire tag.
type EventType string

const (
	EventRequestCreated   EventType = "new_request"
	EventRequestCompleted EventType = "request_completed"
	EventRequestUpdated   EventType = "request_updated"

	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
	EventActiveUsers EventType = "active_users"
	EventOnlineCount EventType = "online_count"
)

// IsRequestEvent reports whether the type is one of the DomainEvent tags.
func (t EventType) IsRequestEvent() bool {
	switch t {
	case EventRequestCreated, EventRequestCompleted, EventRequestUpdated:
		return true
	}
	return false
}

func (t EventType) String() string {
	return string(t)
}

// LabRequest is the view of a test request handed over by the request CRUD flow.
type LabRequest struct {
	ID                 int64
	PatientName        string
	OwnerDoctorID      uuid.UUID
	OwnerDoctorName    string
	CreatorID          uuid.UUID
	CreatorRole        Role
	ExamCount          int
	CompletedExamCount int
	// ActorID is the user whose action produced the event. A created event
	// falls back to CreatorID; other events leave it unset when omitted.
	ActorID uuid.UUID
}

// RequestPayload is the denormalized payload shared by every DomainEvent variant.
type RequestPayload struct {
	RequestID          int64     `json:"requestId"`
	PatientName        string    `json:"patientName"`
	DoctorID           uuid.UUID `json:"doctorId"`
	DoctorName         string    `json:"doctorName"`
	ExamCount          int       `json:"examCount"`
	CompletedExamCount int       `json:"completedExamCount"`
	ActorID            uuid.UUID `json:"actorId"`
	ActorRole          Role      `json:"actorRole,omitempty"`
}

// DomainEvent is the closed set of notification-worthy request events.
// Only RequestCreated, RequestCompleted and RequestUpdated implement it.
type DomainEvent interface {
	Type() EventType
	Payload() RequestPayload
	OccurredAt() time.Time
	sealed()
}

type requestEvent struct {
	payload RequestPayload
	at      time.Time
}

func (e requestEvent) Payload() RequestPayload { return e.payload }
func (e requestEvent) OccurredAt() time.Time   { return e.at }
func (requestEvent) sealed()                   {}

// RequestCreated is emitted when a new test request is registered.
type RequestCreated struct{ requestEvent }

// RequestCompleted is emitted when every result of a request has been entered.
type RequestCompleted struct{ requestEvent }

// RequestUpdated is emitted when a request changes without completing.
type RequestUpdated struct{ requestEvent }

func (RequestCreated) Type() EventType   { return EventRequestCreated }
func (RequestCompleted) Type() EventType { return EventRequestCompleted }
func (RequestUpdated) Type() EventType   { return EventRequestUpdated }

// NewRequestCreated validates the request and builds a RequestCreated event.
func NewRequestCreated(req LabRequest, at time.Time) (RequestCreated, error) {
	payload, err := newRequestPayload(req)
	if err != nil {
		return RequestCreated{}, err
	}
	if !req.CreatorRole.IsValid() {
		return RequestCreated{}, fmt.Errorf("%w: creator role %q", apperrors.ErrInvalidEvent, req.CreatorRole)
	}
	if payload.ActorID == uuid.Nil {
		payload.ActorID = req.CreatorID
	}
	payload.ActorRole = req.CreatorRole
	return RequestCreated{requestEvent{payload: payload, at: at.UTC()}}, nil
}

// NewRequestCompleted validates the request and builds a RequestCompleted event.
func NewRequestCompleted(req LabRequest, at time.Time) (RequestCompleted, error) {
	payload, err := newRequestPayload(req)
	if err != nil {
		return RequestCompleted{}, err
	}
	return RequestCompleted{requestEvent{payload: payload, at: at.UTC()}}, nil
}

// NewRequestUpdated validates the request and builds a RequestUpdated event.
func NewRequestUpdated(req LabRequest, at time.Time) (RequestUpdated, error) {
	payload, err := newRequestPayload(req)
	if err != nil {
		return RequestUpdated{}, err
	}
	return RequestUpdated{requestEvent{payload: payload, at: at.UTC()}}, nil
}

func newRequestPayload(req LabRequest) (RequestPayload, error) {
	errs := apperrors.NewValidationErrors()

	if req.ID <= 0 {
		errs.Add("requestId", "Request ID must be positive")
	}
	if req.OwnerDoctorID == uuid.Nil {
		errs.Add("doctorId", "Owner doctor is required")
	}
	if strings.TrimSpace(req.PatientName) == "" {
		errs.Add("patientName", "Patient name is required")
	}
	if req.ExamCount < 0 || req.CompletedExamCount < 0 {
		errs.Add("examCount", "Exam counts cannot be negative")
	}

	if errs.HasErrors() {
		return RequestPayload{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidEvent, errs)
	}

	return RequestPayload{
		RequestID:          req.ID,
		PatientName:        strings.TrimSpace(req.PatientName),
		DoctorID:           req.OwnerDoctorID,
		DoctorName:         req.OwnerDoctorName,
		ExamCount:          req.ExamCount,
		CompletedExamCount: req.CompletedExamCount,
		ActorID:            req.ActorID,
	}, nil
}
