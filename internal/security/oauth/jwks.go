package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/reliability/circuitbreaker"
	"github.com/kaleo/kaleo-core/pkg/cache"
)

// minRefreshInterval bounds how often an unknown kid can force a refetch.
const minRefreshInterval = time.Minute

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	N string `json:"n"`
	E string `json:"e"`

	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// keySet caches a provider's signing keys by kid.
type keySet struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	keys    *cache.Cache[any]
	ttl     time.Duration

	mu        sync.Mutex
	lastFetch time.Time
}

func newKeySet(client *http.Client, breaker *circuitbreaker.CircuitBreaker, ttl time.Duration) *keySet {
	return &keySet{client: client, breaker: breaker, keys: cache.New[any](), ttl: ttl}
}

func (k *keySet) key(ctx context.Context, jwksURI, kid string) (any, error) {
	if key, ok := k.keys.Get(kid); ok {
		return key, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys.Get(kid); ok {
		return key, nil
	}
	if !k.lastFetch.IsZero() && time.Since(k.lastFetch) < minRefreshInterval && k.keys.Len() > 0 {
		return nil, fmt.Errorf("%w: unknown signing key %q", domain.ErrInvalidCredentials, kid)
	}
	if err := k.refresh(ctx, jwksURI); err != nil {
		return nil, fmt.Errorf("%w: jwks: %w", domain.ErrUpstreamVerification, err)
	}
	if key, ok := k.keys.Get(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown signing key %q", domain.ErrInvalidCredentials, kid)
}

func (k *keySet) refresh(ctx context.Context, jwksURI string) error {
	var set jwkSet
	err := k.breaker.Execute(ctx, func(ctx context.Context) error {
		return getJSON(ctx, k.client, jwksURI, &set)
	})
	if err != nil {
		return err
	}

	next := map[string]any{}
	for _, key := range set.Keys {
		if key.Kid == "" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		switch key.Kty {
		case "RSA":
			if pub, err := rsaPublicKey(key.N, key.E); err == nil {
				next[key.Kid] = pub
			}
		case "EC":
			if pub, err := ecdsaPublicKey(key.Crv, key.X, key.Y); err == nil {
				next[key.Kid] = pub
			}
		}
	}
	if len(next) == 0 {
		return errors.New("jwks contained no usable keys")
	}
	k.keys.Replace("", next, k.ttl)
	k.lastFetch = time.Now()
	return nil
}

func rsaPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e == 0 || len(nb) == 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func ecdsaPublicKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	default:
		return nil, fmt.Errorf("unsupported curve %s", crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, err
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, err
	}
	x, y := new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb)
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("invalid ec point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
