package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/kaleo/kaleo-core/internal/requestid"
)

// Outcome values recorded on audit events.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// Logger writes authentication events as structured audit records.
type Logger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger on top of an slog logger
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With(slog.String("log_type", "audit")), now: time.Now}
}

// Event is one audited action.
type Event struct {
	Action   string // login, register, oauth_login, refresh, logout, password_change, access_denied
	Provider string
	UserID   string
	Email    string
	Status   string
	Reason   string
	ClientIP string
}

type clientIPKey struct{}

// WithClientIP stores the caller address used to fill Event.ClientIP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Log records an event. Request ids and a missing client IP are taken from ctx.
func (al *Logger) Log(ctx context.Context, e Event) {
	if e.ClientIP == "" {
		e.ClientIP, _ = ctx.Value(clientIPKey{}).(string)
	}
	level := slog.LevelInfo
	if e.Status != StatusSuccess {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit",
		slog.String("action", e.Action),
		slog.String("provider", e.Provider),
		slog.String("user_id", e.UserID),
		slog.String("email", e.Email),
		slog.String("status", e.Status),
		slog.String("reason", e.Reason),
		slog.String("client_ip", e.ClientIP),
		slog.String("request_id", requestid.FromContext(ctx)),
		slog.Time("timestamp", al.now()),
	)
}

// LogDenied records a request rejected before reaching a handler.
func (al *Logger) LogDenied(ctx context.Context, clientIP, reason string) {
	al.Log(ctx, Event{Action: "access_denied", Status: StatusDenied, Reason: reason, ClientIP: clientIP})
}
