package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lorrc/labnotify/internal/adapters/primary/validation"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// NotificationHandler serves the recipient-facing notification API.
type NotificationHandler struct {
	service      ports.NotificationService
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(service ports.NotificationService, errorHandler *ErrorHandler, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "notification"),
	}
}

// Router sets up a new chi Router for all notification routes.
func (h *NotificationHandler) Router() http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes sets up the routing for all notification endpoints.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Get("/unread", h.HandleListUnread)
	r.Get("/unread-count", h.HandleUnreadCount)
	r.Get("/lookup", h.HandleLookup)
	r.Post("/mark-all-read", h.HandleMarkAllRead)
	r.Post("/supersede", h.HandleSupersede)
	r.Post("/{notificationID}/read", h.HandleMarkRead)
}

// --- Request/Response DTOs ---

// NotificationDTO defines the JSON response for notifications.
type NotificationDTO struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	RequestID int64                 `json:"requestId"`
	Payload   domain.RequestPayload `json:"payload"`
	CreatedAt string                `json:"createdAt"`
	ReadAt    *string               `json:"readAt"`
}

func toNotificationDTO(n *domain.Notification) NotificationDTO {
	var readAt *string
	if n.ReadAt != nil {
		value := n.ReadAt.UTC().Format(time.RFC3339Nano)
		readAt = &value
	}
	return NotificationDTO{
		ID:        n.ID.String(),
		Type:      n.Type.String(),
		RequestID: n.RequestID,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
		ReadAt:    readAt,
	}
}

func toNotificationDTOs(items []*domain.Notification) []NotificationDTO {
	out := make([]NotificationDTO, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationDTO(n))
	}
	return out
}

// UnreadCountResponse is the body of GET /notifications/unread-count.
type UnreadCountResponse struct {
	Count int `json:"count"`
}

// UpdatedResponse reports how many rows a bulk operation changed.
type UpdatedResponse struct {
	Updated int64 `json:"updated"`
}

// SupersedeRequest defines the JSON body of POST /notifications/supersede.
type SupersedeRequest struct {
	RequestID int64 `json:"requestId"`
}

// Validate validates the supersede request
func (r *SupersedeRequest) Validate() error {
	return validation.NewValidator().PositiveID("requestId", r.RequestID).Result()
}

// --- Handlers ---

// HandleList handles GET /notifications
func (h *NotificationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	page := validation.ParsePage(r)
	items, err := h.service.List(r.Context(), ports.ListNotificationsParams{
		RecipientID: claims.UserID,
		Page:        page,
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WritePage(w, toNotificationDTOs(items), page)
}

// HandleListUnread handles GET /notifications/unread
func (h *NotificationHandler) HandleListUnread(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListUnread(r.Context(), claims.UserID)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteList(w, toNotificationDTOs(items))
}

// HandleUnreadCount handles GET /notifications/unread-count
func (h *NotificationHandler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	count, err := h.service.CountUnread(r.Context(), claims.UserID)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusOK, UnreadCountResponse{Count: count})
}

// HandleLookup handles GET /notifications/lookup?type=&requestId=
func (h *NotificationHandler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	n, err := h.service.Lookup(r.Context(), ports.LookupNotificationParams{
		RecipientID: claims.UserID,
		Type:        domain.EventType(r.URL.Query().Get("type")),
		RequestID:   validation.ParseInt64(r.URL.Query().Get("requestId")),
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusOK, toNotificationDTO(n))
}

// HandleMarkRead handles POST /notifications/{notificationID}/read
func (h *NotificationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	notificationID := validation.ParseUUID(chi.URLParam(r, "notificationID"))
	v := validation.NewValidator().UUID("notificationID", notificationID)
	if HandleError(w, r, v.Result(), h.errorHandler) {
		return
	}

	if HandleError(w, r, h.service.MarkRead(r.Context(), claims.UserID, notificationID), h.errorHandler) {
		return
	}

	WriteNoContent(w)
}

// HandleMarkAllRead handles POST /notifications/mark-all-read
func (h *NotificationHandler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	updated, err := h.service.MarkAllRead(r.Context(), claims.UserID)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusOK, UpdatedResponse{Updated: updated})
}

// HandleSupersede handles POST /notifications/supersede
func (h *NotificationHandler) HandleSupersede(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	req, err := validation.DecodeJSON[SupersedeRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	if HandleError(w, r, req.Validate(), h.errorHandler) {
		return
	}

	updated, err := h.service.Supersede(r.Context(), claims.UserID, req.RequestID)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	if updated > 0 {
		h.logger.InfoContext(r.Context(), "superseded new_request notification",
			"request_id", req.RequestID,
			"user_id", claims.UserID,
		)
	}

	WriteJSON(w, http.StatusOK, UpdatedResponse{Updated: updated})
}
