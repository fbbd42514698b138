package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/service"
)

// AuthFlows is the part of the auth service the auth endpoints call.
type AuthFlows interface {
	Register(ctx context.Context, in service.RegisterInput) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	OAuthLogin(ctx context.Context, provider domain.AuthProvider, token string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	flows  AuthFlows
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(flows AuthFlows, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{flows: flows, logger: logger}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OAuthRequest carries a provider-issued ID token.
type OAuthRequest struct {
	Token string `json:"token"`
}

// RefreshRequest is the body of POST /auth/refresh and /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UserResponse is the public profile of a user.
type UserResponse struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Name         *string `json:"name"`
	AuthProvider string  `json:"auth_provider"`
}

// TokenResponse is returned by every flow that issues tokens.
type TokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	User         UserResponse `json:"user"`
}

func newUserResponse(u *domain.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Name: u.Name, AuthProvider: u.Provider.String()}
}

func newTokenResponse(res *service.AuthResult) TokenResponse {
	return TokenResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    res.Tokens.ExpiresIn,
		User:         newUserResponse(res.User),
	}
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.flows.Register(r.Context(), service.RegisterInput{Email: req.Email, Password: req.Password, Name: req.Name})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTokenResponse(res))
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.flows.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

// OAuth returns the handler for POST /auth/oauth/{provider}.
func (h *AuthHandler) OAuth(provider domain.AuthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OAuthRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		res, err := h.flows.OAuthLogin(r.Context(), provider, req.Token)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newTokenResponse(res))
	}
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.flows.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.flows.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
