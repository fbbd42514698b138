package auth

import (
	"fmt"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
)

// Subject identifies who a token is issued to.
type Subject struct {
	UserID   string
	Email    string
	Provider domain.AuthProvider
}

// SubjectFor builds the token subject of a stored user.
func SubjectFor(u *domain.User) Subject {
	return Subject{UserID: u.ID, Email: u.Email, Provider: u.Provider}
}

// TokenPair is an access token and the refresh token minted alongside it.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	ExpiresIn        int // access token lifetime in seconds
}

// TokenService issues and classifies access/refresh tokens.
type TokenService struct {
	codec      *TokenManager
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenService creates a token service with the configured lifetimes.
func NewTokenService(codec *TokenManager, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{codec: codec, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

func (s *TokenService) create(sub Subject, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	expiresAt := s.codec.now().Add(ttl)
	token, err := s.codec.Encode(Claims{
		UserID:   sub.UserID,
		Email:    sub.Email,
		Provider: string(sub.Provider),
		Type:     typ,
	}, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create %s token: %w", typ, err)
	}
	return token, expiresAt, nil
}

// CreateAccessToken mints a short-lived access token.
func (s *TokenService) CreateAccessToken(sub Subject) (string, error) {
	token, _, err := s.create(sub, TokenTypeAccess, s.accessTTL)
	return token, err
}

// CreateRefreshToken mints a long-lived refresh token.
func (s *TokenService) CreateRefreshToken(sub Subject) (string, error) {
	token, _, err := s.create(sub, TokenTypeRefresh, s.refreshTTL)
	return token, err
}

// CreateTokenPair mints an access and a refresh token for the same subject.
func (s *TokenService) CreateTokenPair(sub Subject) (*TokenPair, error) {
	access, accessExp, err := s.create(sub, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.create(sub, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresIn:        int(s.accessTTL.Seconds()),
	}, nil
}

// DecodeAndVerify decodes a token and, when expected is non-empty, requires
// its type tag to match. Any failure is reported as domain.ErrInvalidToken.
func (s *TokenService) DecodeAndVerify(token string, expected TokenType) (*Claims, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil, err
	}
	if expected != "" && claims.Type != expected {
		return nil, fmt.Errorf("%w: expected %s token, got %q", domain.ErrInvalidToken, expected, claims.Type)
	}
	return claims, nil
}

// UserIDFromToken decodes a token of any type and returns its user id.
func (s *TokenService) UserIDFromToken(token string) (string, error) {
	claims, err := s.DecodeAndVerify(token, "")
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: missing user_id claim", domain.ErrInvalidToken)
	}
	return claims.UserID, nil
}

// VerifyRefreshToken accepts only refresh tokens.
func (s *TokenService) VerifyRefreshToken(token string) (*Claims, error) {
	return s.DecodeAndVerify(token, TokenTypeRefresh)
}
