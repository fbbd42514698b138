package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/security/middleware"
)

// UserFlows is the part of the auth service the /users endpoints call.
type UserFlows interface {
	Profile(ctx context.Context, userID string) (*domain.User, error)
	Tenants(ctx context.Context, userID string) ([]*domain.Tenant, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// UserHandler serves the authenticated caller's own resources. Routes must
// be wrapped in middleware.RequireAuth.
type UserHandler struct {
	flows  UserFlows
	logger *slog.Logger
}

// NewUserHandler creates a new user handler
func NewUserHandler(flows UserFlows, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{flows: flows, logger: logger}
}

// TenantResponse is one tenant membership.
type TenantResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ExternalID *string   `json:"external_id,omitempty"`
	Provider   string    `json:"provider"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangePasswordRequest is the body of POST /users/me/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *UserHandler) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.UserID == "" {
		writeError(w, r, h.logger, domain.ErrInvalidToken)
		return "", false
	}
	return claims.UserID, true
}

// Me handles GET /users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	user, err := h.flows.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Tenants handles GET /users/me/tenants
func (h *UserHandler) Tenants(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	tenants, err := h.flows.Tenants(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]TenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, TenantResponse{
			ID:         t.ID,
			Name:       t.Name,
			ExternalID: t.ExternalID,
			Provider:   t.Provider.String(),
			CreatedAt:  t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ChangePassword handles POST /users/me/password
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.flows.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
