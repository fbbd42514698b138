// Package oauth verifies ID tokens issued by external OpenID Connect
// providers and normalises them into identities the reconciler understands.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/reliability/circuitbreaker"
)

// Identity is a provider-verified identity claim.
type Identity struct {
	Email   string
	Name    *string
	Details domain.ProviderDetails
}

// Provider returns the provider that vouched for the identity.
func (i *Identity) Provider() domain.AuthProvider { return i.Details.Provider() }

// Verifier checks a provider-issued token and returns the identity it asserts.
// Errors wrap domain.ErrInvalidCredentials, domain.ErrUnverifiedEmail or
// domain.ErrUpstreamVerification.
type Verifier interface {
	Verify(ctx context.Context, provider domain.AuthProvider, token string) (*Identity, error)
}

// OIDCVerifier dispatches to one configured OIDC provider per AuthProvider.
type OIDCVerifier struct {
	providers map[domain.AuthProvider]*providerVerifier
	logger    *slog.Logger
}

// Option configures an OIDCVerifier.
type Option func(*options)

type options struct {
	httpClient *http.Client
	now        func() time.Time
	keyTTL     time.Duration
	onBreaker  func(name string, from, to circuitbreaker.State)
}

// WithHTTPClient sets the client used for discovery and key fetches.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithClock overrides the time source used for token time checks.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithKeyTTL sets how long fetched signing keys are trusted.
func WithKeyTTL(d time.Duration) Option { return func(o *options) { o.keyTTL = d } }

// WithBreakerObserver is notified when a provider's key-fetch breaker changes state.
func WithBreakerObserver(fn func(name string, from, to circuitbreaker.State)) Option {
	return func(o *options) { o.onBreaker = fn }
}

// NewOIDCVerifier builds a verifier for every config with a client id.
// Providers without a client id reject all tokens.
func NewOIDCVerifier(logger *slog.Logger, configs []ProviderConfig, opts ...Option) *OIDCVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		keyTTL:     6 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}

	v := &OIDCVerifier{providers: map[domain.AuthProvider]*providerVerifier{}, logger: logger}
	for _, cfg := range configs {
		if cfg.ClientID == "" {
			logger.Warn("oauth provider disabled, no client id", slog.String("provider", cfg.Provider.String()))
			continue
		}
		v.providers[cfg.Provider] = newProviderVerifier(cfg, o, logger)
	}
	return v
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, provider domain.AuthProvider, token string) (*Identity, error) {
	p, ok := v.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s is not configured", domain.ErrUpstreamVerification, provider)
	}
	return p.verify(ctx, token)
}
