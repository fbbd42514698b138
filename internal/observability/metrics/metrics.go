package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaleo_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kaleo_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaleo_auth_attempts_total",
		Help: "Authentication attempts by flow and outcome",
	}, []string{"flow", "outcome"})

	authDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kaleo_auth_duration_seconds",
		Help:    "Duration of authentication flows, password hashing included",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"flow"})

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaleo_tokens_issued_total",
		Help: "Tokens minted by type",
	}, []string{"type"})

	oauthVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaleo_oauth_verifications_total",
		Help: "Provider ID token verifications by provider and outcome",
	}, []string{"provider", "outcome"})

	usersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaleo_users_created_total",
		Help: "Users created by provider",
	}, []string{"provider"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kaleo_rate_limited_requests_total",
		Help: "Requests rejected by the auth rate limiter",
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kaleo_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// ObserveAuth records the outcome and duration of one authentication flow.
func ObserveAuth(flow, outcome string, duration time.Duration) {
	authAttempts.WithLabelValues(flow, outcome).Inc()
	authDuration.WithLabelValues(flow).Observe(duration.Seconds())
}

// ObserveTokensIssued counts minted tokens of a type.
func ObserveTokensIssued(tokenType string, n int) {
	tokensIssued.WithLabelValues(tokenType).Add(float64(n))
}

// ObserveOAuthVerification records a provider verification result.
func ObserveOAuthVerification(provider, outcome string) {
	oauthVerifications.WithLabelValues(provider, outcome).Inc()
}

// ObserveUserCreated counts a newly created user.
func ObserveUserCreated(provider string) {
	usersCreated.WithLabelValues(provider).Inc()
}

// ObserveRateLimited counts a rejected request.
func ObserveRateLimited() {
	rateLimited.Inc()
}

// SetBreakerState publishes a circuit breaker's state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
