package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/adapters/primary/validation"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// EventHandler is the intake for domain events emitted by the request CRUD flow.
type EventHandler struct {
	service      ports.NotificationService
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewEventHandler creates a new event intake handler
func NewEventHandler(service ports.NotificationService, errorHandler *ErrorHandler, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "event_intake"),
	}
}

// RegisterRoutes sets up the routing for the request event endpoints.
func (h *EventHandler) RegisterRoutes(r chi.Router) {
	r.Post("/requests/created", h.intake(domain.EventRequestCreated, h.service.OnRequestCreated))
	r.Post("/requests/completed", h.intake(domain.EventRequestCompleted, h.service.OnRequestCompleted))
	r.Post("/requests/updated", h.intake(domain.EventRequestUpdated, h.service.OnRequestUpdated))
}

// RequestEventRequest is the JSON shape of a request as reported by the CRUD flow.
type RequestEventRequest struct {
	RequestID          int64     `json:"requestId"`
	PatientName        string    `json:"patientName"`
	DoctorID           uuid.UUID `json:"doctorId"`
	DoctorName         string    `json:"doctorName"`
	CreatorID          uuid.UUID `json:"creatorId"`
	CreatorRole        string    `json:"creatorRole"`
	ExamCount          int       `json:"examCount"`
	CompletedExamCount int       `json:"completedExamCount"`
	ActorID            uuid.UUID `json:"actorId"`
}

// Validate validates the shape of the request; event invariants are checked by the domain.
func (r *RequestEventRequest) Validate() error {
	roles := []string{
		domain.RoleDoctor.String(),
		domain.RoleLab.String(),
		domain.RoleAdmin.String(),
		domain.RoleSystem.String(),
	}
	return validation.NewValidator().
		PositiveID("requestId", r.RequestID).
		Required("patientName", r.PatientName).
		UUID("doctorId", r.DoctorID).
		OneOf("creatorRole", r.CreatorRole, roles).
		Result()
}

func (r *RequestEventRequest) toLabRequest() domain.LabRequest {
	return domain.LabRequest{
		ID:                 r.RequestID,
		PatientName:        r.PatientName,
		OwnerDoctorID:      r.DoctorID,
		OwnerDoctorName:    r.DoctorName,
		CreatorID:          r.CreatorID,
		CreatorRole:        domain.Role(r.CreatorRole),
		ExamCount:          r.ExamCount,
		CompletedExamCount: r.CompletedExamCount,
		ActorID:            r.ActorID,
	}
}

// intake decodes a request event and hands it to the producer hook.
// A 202 means the notification rows are stored; the push is best effort.
func (h *EventHandler) intake(eventType domain.EventType, hook func(context.Context, domain.LabRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := validation.DecodeJSON[RequestEventRequest](r)
		if HandleError(w, r, err, h.errorHandler) {
			return
		}
		if HandleError(w, r, req.Validate(), h.errorHandler) {
			return
		}

		if HandleError(w, r, hook(r.Context(), req.toLabRequest()), h.errorHandler) {
			return
		}

		h.logger.InfoContext(r.Context(), "request event accepted",
			"type", eventType,
			"request_id", req.RequestID,
		)
		WriteJSON(w, http.StatusAccepted, SuccessResponse{Message: "accepted"})
	}
}
