package http

import (
	"net/http"

	mw "github.com/lorrc/labnotify/internal/adapters/primary/http/middleware"
	"github.com/lorrc/labnotify/internal/auth"
)

// requireClaims extracts the authenticated claims or writes a 401.
func requireClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := mw.GetClaims(r.Context())
	if !ok {
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "Not authorized",
			Code:  "UNAUTHORIZED",
		})
		return nil, false
	}
	return claims, true
}
