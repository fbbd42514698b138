package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/reliability/circuitbreaker"
)

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type providerVerifier struct {
	cfg     ProviderConfig
	client  *http.Client
	now     func() time.Time
	keys    *keySet
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	jwksURI string
}

func newProviderVerifier(cfg ProviderConfig, o *options, logger *slog.Logger) *providerVerifier {
	var bopts []circuitbreaker.Option
	if o.onBreaker != nil {
		bopts = append(bopts, circuitbreaker.OnStateChange(o.onBreaker))
	}
	breaker := circuitbreaker.New("oidc_"+cfg.Provider.String(), 5, 1, 30*time.Second, bopts...)
	return &providerVerifier{
		cfg:     cfg,
		client:  o.httpClient,
		now:     o.now,
		keys:    newKeySet(o.httpClient, breaker, o.keyTTL),
		breaker: breaker,
		logger:  logger.With(slog.String("provider", cfg.Provider.String())),
	}
}

func (p *providerVerifier) verify(ctx context.Context, tokenString string) (*Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: empty id token", domain.ErrInvalidCredentials)
	}
	jwksURI, err := p.discover(ctx)
	if err != nil {
		p.logger.Warn("oidc discovery failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: discovery: %w", domain.ErrUpstreamVerification, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(p.cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithLeeway(time.Minute),
		jwt.WithTimeFunc(p.now),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", domain.ErrInvalidCredentials)
		}
		return p.keys.key(ctx, jwksURI, kid)
	})
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamVerification) {
			p.logger.Warn("oidc key fetch failed", slog.String("error", err.Error()))
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
	}

	iss, _ := claims["iss"].(string)
	if !p.issuerAllowed(iss, stringClaim(claims, "tid")) {
		return nil, fmt.Errorf("%w: issuer %q not accepted", domain.ErrInvalidCredentials, iss)
	}

	switch p.cfg.Provider {
	case domain.ProviderGoogle:
		return googleIdentity(claims)
	case domain.ProviderMicrosoft:
		return microsoftIdentity(claims)
	default:
		return nil, fmt.Errorf("%w: no claim mapping for %s", domain.ErrUpstreamVerification, p.cfg.Provider)
	}
}

func (p *providerVerifier) issuerAllowed(iss, tid string) bool {
	if iss == "" {
		return false
	}
	for _, allowed := range p.cfg.Issuers {
		if strings.Contains(allowed, TenantIDPlaceholder) {
			if tid == "" {
				continue
			}
			allowed = strings.ReplaceAll(allowed, TenantIDPlaceholder, tid)
		}
		if subtle.ConstantTimeCompare([]byte(allowed), []byte(iss)) == 1 {
			return true
		}
	}
	return false
}

// discover resolves and caches the provider's jwks_uri. Failures are not
// cached so the next request retries.
func (p *providerVerifier) discover(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jwksURI != "" {
		return p.jwksURI, nil
	}

	var doc discoveryDocument
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return getJSON(ctx, p.client, p.cfg.DiscoveryURL, &doc)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(doc.JWKSURI) == "" {
		return "", errors.New("discovery document missing jwks_uri")
	}
	p.jwksURI = doc.JWKSURI
	return p.jwksURI, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %s", url, res.Status)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
