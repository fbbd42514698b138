package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check is one dependency probed by the readiness endpoint.
type Check struct {
	Name     string
	Required bool
	Ping     func(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(logger *slog.Logger, checks ...Check) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checks: checks, timeout: 2 * time.Second, logger: logger}
}

// HealthResponse represents the health status response
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health handles GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /readyz. It returns 503 when a required check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for _, c := range h.checks {
		if c.Ping == nil {
			checks[c.Name] = "not configured"
			continue
		}
		if err := c.Ping(ctx); err != nil {
			checks[c.Name] = "error: " + err.Error()
			if c.Required {
				ready = false
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
		h.logger.WarnContext(r.Context(), "readiness check failed", slog.Any("checks", checks))
	}
	writeJSON(w, code, ReadinessResponse{Status: status, Checks: checks})
}
