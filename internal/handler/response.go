package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kaleo/kaleo-core/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto its status code. Unclassified errors
// are logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code, msg := classify(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, domain.ErrUnverifiedEmail):
		return http.StatusBadRequest, "unverified_email", "email address is not verified by the provider"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid credentials"
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "invalid or expired token"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found", "user not found"
	case errors.Is(err, domain.ErrDuplicateEmail):
		return http.StatusConflict, "duplicate_email", "email already registered"
	case errors.Is(err, domain.ErrProviderConflict):
		return http.StatusConflict, "provider_conflict", "email is registered with a different sign-in method"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists", "resource already exists"
	case errors.Is(err, domain.ErrUpstreamVerification):
		return http.StatusBadGateway, "upstream_verification_failed", "identity provider verification failed"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// decodeJSON reads a single JSON object into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
		}
		return fmt.Errorf("%w: malformed request body", domain.ErrInvalidInput)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must be a single object", domain.ErrInvalidInput)
	}
	return nil
}
