package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/lorrc/labnotify/internal/adapters/primary/http/middleware"
	"github.com/lorrc/labnotify/internal/adapters/primary/validation"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// PresenceHandler exposes the presence registry over HTTP. Self-service
// endpoints act on the caller; list, reap and force-disconnect are privileged.
type PresenceHandler struct {
	presence      ports.PresenceService
	idleThreshold time.Duration
	errorHandler  *ErrorHandler
	logger        *slog.Logger
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(presence ports.PresenceService, idleThreshold time.Duration, errorHandler *ErrorHandler, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence:      presence,
		idleThreshold: idleThreshold,
		errorHandler:  errorHandler,
		logger:        logger.With("handler", "presence"),
	}
}

// Router sets up a new chi Router for all presence routes.
func (h *PresenceHandler) Router() http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes sets up the routing for all presence endpoints.
func (h *PresenceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/connect", h.HandleConnect)
	r.Post("/disconnect", h.HandleDisconnect)
	r.Post("/touch", h.HandleTouch)

	r.Group(func(r chi.Router) {
		r.Use(mw.RequireRole(domain.RoleAdmin, domain.RoleSystem))
		r.Get("/", h.HandleList)
		r.Post("/reap", h.HandleReap)
		r.Post("/{userID}/force-disconnect", h.HandleForceDisconnect)
	})
}

// --- Request/Response DTOs ---

// ConnectRequest optionally overrides the display name carried by the token.
type ConnectRequest struct {
	DisplayName string `json:"displayName"`
}

// PresenceStatusResponse reports whether an operation found a tracked user.
type PresenceStatusResponse struct {
	Online bool                  `json:"online"`
	User   *domain.ConnectedUser `json:"user,omitempty"`
}

// ReapResponse is the body of POST /presence/reap.
type ReapResponse struct {
	Removed int `json:"removed"`
}

// --- Handlers ---

// HandleConnect handles POST /presence/connect
func (h *PresenceHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	name := claims.Name
	if r.ContentLength > 0 {
		req, err := validation.DecodeJSON[ConnectRequest](r)
		if HandleError(w, r, err, h.errorHandler) {
			return
		}
		v := validation.NewValidator().MaxLength("displayName", req.DisplayName, 120)
		if HandleError(w, r, v.Result(), h.errorHandler) {
			return
		}
		if req.DisplayName != "" {
			name = req.DisplayName
		}
	}

	user := h.presence.Connect(r.Context(), claims.UserID, name, claims.Role)
	WriteJSON(w, http.StatusOK, PresenceStatusResponse{Online: true, User: &user})
}

// HandleDisconnect handles POST /presence/disconnect
func (h *PresenceHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	user, found := h.presence.Disconnect(r.Context(), claims.UserID)
	writePresenceStatus(w, user, found)
}

// HandleTouch handles POST /presence/touch
func (h *PresenceHandler) HandleTouch(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, PresenceStatusResponse{Online: h.presence.Touch(claims.UserID)})
}

// HandleList handles GET /presence
func (h *PresenceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteList(w, h.presence.ListAll())
}

// HandleReap handles POST /presence/reap
func (h *PresenceHandler) HandleReap(w http.ResponseWriter, r *http.Request) {
	removed := h.presence.Reap(r.Context(), h.idleThreshold)
	WriteJSON(w, http.StatusOK, ReapResponse{Removed: removed})
}

// HandleForceDisconnect handles POST /presence/{userID}/force-disconnect
func (h *PresenceHandler) HandleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	userID := validation.ParseUUID(chi.URLParam(r, "userID"))
	v := validation.NewValidator().UUID("userID", userID)
	if HandleError(w, r, v.Result(), h.errorHandler) {
		return
	}

	user, found := h.presence.ForceDisconnect(r.Context(), userID)
	h.logger.InfoContext(r.Context(), "force disconnect requested",
		"target_user_id", userID,
		"admin_id", claims.UserID,
		"was_online", found,
	)
	writePresenceStatus(w, user, found)
}

// writePresenceStatus reports an absent user as a normal 200 result.
func writePresenceStatus(w http.ResponseWriter, user domain.ConnectedUser, found bool) {
	resp := PresenceStatusResponse{}
	if found {
		resp.User = &user
	}
	WriteJSON(w, http.StatusOK, resp)
}
