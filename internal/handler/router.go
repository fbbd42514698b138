package handler

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/observability/metrics"
	"github.com/kaleo/kaleo-core/internal/security/audit"
	"github.com/kaleo/kaleo-core/internal/security/auth"
	"github.com/kaleo/kaleo-core/internal/security/middleware"
	"github.com/kaleo/kaleo-core/internal/security/ratelimit"
)

// RouterConfig holds everything the HTTP surface is built from.
type RouterConfig struct {
	Auth        *AuthHandler
	Users       *UserHandler
	Health      *HealthHandler
	Tokens      *auth.TokenService
	Limiter     *ratelimit.Limiter
	Proxies     *middleware.ProxyTrust
	Audit       *audit.Logger
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter registers every route and wraps the mux in the shared middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()

	public := func(route string, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			metrics.HTTPMetricsMiddleware(route),
			middleware.RateLimit(cfg.Limiter, cfg.Proxies, cfg.Audit, log),
			middleware.ValidateJSONContentType(log),
		)
	}
	protected := func(route string, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			metrics.HTTPMetricsMiddleware(route),
			middleware.RequireAuth(cfg.Tokens, log),
			middleware.ValidateJSONContentType(log),
		)
	}

	mux.Handle("POST /auth/register", public("/auth/register", cfg.Auth.Register))
	mux.Handle("POST /auth/login", public("/auth/login", cfg.Auth.Login))
	mux.Handle("POST /auth/oauth/google", public("/auth/oauth/google", cfg.Auth.OAuth(domain.ProviderGoogle)))
	mux.Handle("POST /auth/oauth/microsoft", public("/auth/oauth/microsoft", cfg.Auth.OAuth(domain.ProviderMicrosoft)))
	mux.Handle("POST /auth/refresh", public("/auth/refresh", cfg.Auth.Refresh))
	mux.Handle("POST /auth/logout", public("/auth/logout", cfg.Auth.Logout))

	mux.Handle("GET /users/me", protected("/users/me", cfg.Users.Me))
	mux.Handle("GET /users/me/tenants", protected("/users/me/tenants", cfg.Users.Tenants))
	mux.Handle("POST /users/me/password", protected("/users/me/password", cfg.Users.ChangePassword))

	mux.HandleFunc("GET /healthz", cfg.Health.Health)
	mux.HandleFunc("GET /readyz", cfg.Health.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	root := middleware.Chain(mux,
		middleware.Recover(log),
		middleware.RequestID(cfg.Proxies),
		middleware.AccessLog(log),
		middleware.CORS(cfg.CORSOrigins),
		middleware.SanitizeInputs(log),
	)
	return otelhttp.NewHandler(root, "kaleo-core",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}),
	)
}
