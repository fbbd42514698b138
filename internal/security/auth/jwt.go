package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kaleo/kaleo-core/internal/domain"
)

// TokenType tags a token with the role it may be used for.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the signed payload of every token this service issues.
// Subject always equals UserID.
type Claims struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	Provider string    `json:"provider,omitempty"`
	Type     TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies claim sets with a shared HMAC secret.
type TokenManager struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	now    func() time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithClock overrides the time source used for iat, exp and validation.
func WithClock(now func() time.Time) TokenManagerOption {
	return func(tm *TokenManager) {
		if now != nil {
			tm.now = now
		}
	}
}

// NewTokenManager builds a codec for one of HS256, HS384 or HS512.
func NewTokenManager(secret, algorithm, issuer string, opts ...TokenManagerOption) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if issuer == "" {
		issuer = "kaleo-core"
	}
	tm := &TokenManager{
		secret: []byte(secret),
		method: method,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm, nil
}

// Encode stamps issuer, iat, exp and a fresh jti onto claims and signs them.
func (tm *TokenManager) Encode(claims Claims, expiresAt time.Time) (string, error) {
	if claims.UserID == "" {
		return "", fmt.Errorf("user_id required")
	}
	if claims.Type != TokenTypeAccess && claims.Type != TokenTypeRefresh {
		return "", fmt.Errorf("unknown token type %q", claims.Type)
	}
	claims.Subject = claims.UserID
	claims.Issuer = tm.issuer
	claims.IssuedAt = jwt.NewNumericDate(tm.now())
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(tm.method, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies signature, algorithm, issuer and expiry. Every failure
// wraps domain.ErrInvalidToken.
func (tm *TokenManager) Decode(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{tm.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.now),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

// ExtractToken returns the credential from an "Authorization: Bearer <token>" header.
func ExtractToken(authHeader string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header", domain.ErrInvalidToken)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", domain.ErrInvalidToken)
	}
	return token, nil
}
