package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/security/auth"
	"github.com/kaleo/kaleo-core/internal/security/middleware"
	"github.com/kaleo/kaleo-core/internal/security/ratelimit"
	"github.com/kaleo/kaleo-core/internal/service"
)

const testSecret = "handler-test-secret"

type stubFlows struct {
	register       func(service.RegisterInput) (*service.AuthResult, error)
	login          func(email, password string) (*service.AuthResult, error)
	oauth          func(domain.AuthProvider, string) (*service.AuthResult, error)
	refresh        func(string) (*service.AuthResult, error)
	logout         func(string) error
	profile        func(string) (*domain.User, error)
	tenants        func(string) ([]*domain.Tenant, error)
	changePassword func(userID, current, next string) error
}

func (s *stubFlows) Register(_ context.Context, in service.RegisterInput) (*service.AuthResult, error) {
	return s.register(in)
}
func (s *stubFlows) Login(_ context.Context, email, password string) (*service.AuthResult, error) {
	return s.login(email, password)
}
func (s *stubFlows) OAuthLogin(_ context.Context, p domain.AuthProvider, token string) (*service.AuthResult, error) {
	return s.oauth(p, token)
}
func (s *stubFlows) Refresh(_ context.Context, token string) (*service.AuthResult, error) {
	return s.refresh(token)
}
func (s *stubFlows) Logout(_ context.Context, token string) error { return s.logout(token) }
func (s *stubFlows) Profile(_ context.Context, id string) (*domain.User, error) {
	return s.profile(id)
}
func (s *stubFlows) Tenants(_ context.Context, id string) ([]*domain.Tenant, error) {
	return s.tenants(id)
}
func (s *stubFlows) ChangePassword(_ context.Context, id, current, next string) error {
	return s.changePassword(id, current, next)
}

func newTokens(t *testing.T, secret string, opts ...auth.TokenManagerOption) *auth.TokenService {
	t.Helper()
	codec, err := auth.NewTokenManager(secret, "HS256", "kaleo-core", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return auth.NewTokenService(codec, 15*time.Minute, 7*24*time.Hour)
}

func newTestRouter(t *testing.T, flows *stubFlows, limit int) (http.Handler, *auth.TokenService) {
	t.Helper()
	return newProxiedRouter(t, flows, limit, nil)
}

func newProxiedRouter(t *testing.T, flows *stubFlows, limit int, proxies *middleware.ProxyTrust) (http.Handler, *auth.TokenService) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := newTokens(t, testSecret)
	limiter := ratelimit.NewLimiter(limit, time.Minute)
	t.Cleanup(limiter.Stop)
	return NewRouter(RouterConfig{
		Auth:    NewAuthHandler(flows, log),
		Users:   NewUserHandler(flows, log),
		Health:  NewHealthHandler(log),
		Tokens:  tokens,
		Limiter: limiter,
		Proxies: proxies,
		Logger:  log,
	}), tokens
}

func alice() *domain.User {
	hash := "$2a$10$hash"
	name := "Alice"
	return &domain.User{ID: "u-1", Email: "alice@example.com", Name: &name, Provider: domain.ProviderLocal, PasswordHash: &hash}
}

func issued(t *testing.T, tokens *auth.TokenService, u *domain.User) *service.AuthResult {
	t.Helper()
	pair, err := tokens.CreateTokenPair(auth.SubjectFor(u))
	if err != nil {
		t.Fatal(err)
	}
	return &service.AuthResult{User: u, Tokens: pair}
}

func postJSON(t *testing.T, h http.Handler, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterReturnsCreatedTokenPair(t *testing.T) {
	flows := &stubFlows{}
	router, tokens := newTestRouter(t, flows, 100)
	var got service.RegisterInput
	flows.register = func(in service.RegisterInput) (*service.AuthResult, error) {
		got = in
		return issued(t, tokens, alice()), nil
	}

	rec := postJSON(t, router, "/auth/register", map[string]string{"email": "alice@example.com", "password": "Secret123!", "name": "Alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got.Email != "alice@example.com" || got.Name == nil || *got.Name != "Alice" {
		t.Fatalf("unexpected input passed to service: %+v", got)
	}
	var body TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.TokenType != "bearer" || body.ExpiresIn != 900 || body.AccessToken == "" || body.RefreshToken == "" {
		t.Fatalf("unexpected token response: %+v", body)
	}
	if body.User.ID != "u-1" || body.User.AuthProvider != "local" {
		t.Fatalf("unexpected user: %+v", body.User)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestLoginErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{domain.ErrUnverifiedEmail, http.StatusBadRequest, "unverified_email"},
		{domain.ErrDuplicateEmail, http.StatusConflict, "duplicate_email"},
		{domain.ErrProviderConflict, http.StatusConflict, "provider_conflict"},
		{domain.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{domain.ErrUpstreamVerification, http.StatusBadGateway, "upstream_verification_failed"},
		{errors.Join(domain.ErrStorage, errors.New("connection reset by peer")), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			flows := &stubFlows{login: func(string, string) (*service.AuthResult, error) { return nil, tc.err }}
			router, _ := newTestRouter(t, flows, 100)
			rec := postJSON(t, router, "/auth/login", map[string]string{"email": "a@example.com", "password": "x"})
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code != tc.code {
				t.Fatalf("code = %q, want %q", body.Code, tc.code)
			}
			if tc.status == http.StatusInternalServerError && body.Error != "internal server error" {
				t.Fatalf("internal detail leaked: %q", body.Error)
			}
		})
	}
}

func TestRequestBodyValidation(t *testing.T) {
	flows := &stubFlows{login: func(string, string) (*service.AuthResult, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	router, _ := newTestRouter(t, flows, 100)

	rec := postJSON(t, router, "/auth/login", map[string]any{"email": "a@example.com", "password": "x", "admin": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("email=a"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("form body: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: status = %d", rec.Code)
	}
}

func TestOAuthRoutesDispatchProvider(t *testing.T) {
	flows := &stubFlows{}
	router, tokens := newTestRouter(t, flows, 100)
	var seen []domain.AuthProvider
	flows.oauth = func(p domain.AuthProvider, token string) (*service.AuthResult, error) {
		if token != "id-token" {
			t.Fatalf("token = %q", token)
		}
		seen = append(seen, p)
		return issued(t, tokens, alice()), nil
	}

	for _, path := range []string{"/auth/oauth/google", "/auth/oauth/microsoft"} {
		if rec := postJSON(t, router, path, OAuthRequest{Token: "id-token"}); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
	if len(seen) != 2 || seen[0] != domain.ProviderGoogle || seen[1] != domain.ProviderMicrosoft {
		t.Fatalf("providers = %v", seen)
	}
}

func TestUsersMeTokenHandling(t *testing.T) {
	flows := &stubFlows{}
	router, tokens := newTestRouter(t, flows, 100)
	deleted := false
	flows.profile = func(id string) (*domain.User, error) {
		if deleted {
			return nil, domain.ErrNotFound
		}
		if id != "u-1" {
			t.Fatalf("profile id = %q", id)
		}
		return alice(), nil
	}
	pair := issued(t, tokens, alice()).Tokens

	rec := get(router, "/users/me", pair.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body %s", rec.Code, rec.Body)
	}
	var me UserResponse
	if err := json.NewDecoder(rec.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.Email != "alice@example.com" || me.AuthProvider != "local" || me.Name == nil {
		t.Fatalf("unexpected profile: %+v", me)
	}

	forged := issued(t, newTokens(t, "some-other-secret"), alice()).Tokens.AccessToken
	past := func() time.Time { return time.Now().Add(-time.Hour) }
	expired := issued(t, newTokens(t, testSecret, auth.WithClock(past)), alice()).Tokens.AccessToken

	for name, token := range map[string]string{
		"missing":       "",
		"forged":        forged,
		"expired":       expired,
		"refresh token": pair.RefreshToken,
	} {
		if rec := get(router, "/users/me", token); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}

	deleted = true
	if rec := get(router, "/users/me", pair.AccessToken); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted user: status = %d, want 404", rec.Code)
	}
}

func TestTenantsAndPasswordChange(t *testing.T) {
	flows := &stubFlows{}
	router, tokens := newTestRouter(t, flows, 100)
	tid := "tid-1"
	flows.tenants = func(string) ([]*domain.Tenant, error) {
		return []*domain.Tenant{{ID: "t-1", Name: "Contoso", ExternalID: &tid, Provider: domain.ProviderMicrosoft}}, nil
	}
	flows.changePassword = func(id, current, next string) error {
		if current != "OldPass123" {
			return domain.ErrInvalidCredentials
		}
		return nil
	}
	access := issued(t, tokens, alice()).Tokens.AccessToken

	rec := get(router, "/users/me/tenants", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("tenants: status = %d", rec.Code)
	}
	var tenants []TenantResponse
	if err := json.NewDecoder(rec.Body).Decode(&tenants); err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 1 || tenants[0].Provider != "microsoft" {
		t.Fatalf("unexpected tenants: %+v", tenants)
	}

	body := ChangePasswordRequest{CurrentPassword: "OldPass123", NewPassword: "NewPass123"}
	if rec := postJSON(t, router, "/users/me/password", body, "Authorization", "Bearer "+access); rec.Code != http.StatusNoContent {
		t.Fatalf("change password: status = %d", rec.Code)
	}
	body.CurrentPassword = "wrong"
	if rec := postJSON(t, router, "/users/me/password", body, "Authorization", "Bearer "+access); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password: status = %d", rec.Code)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	flows := &stubFlows{}
	router, tokens := newTestRouter(t, flows, 100)
	flows.refresh = func(token string) (*service.AuthResult, error) {
		if token != "r-1" {
			return nil, domain.ErrInvalidToken
		}
		return issued(t, tokens, alice()), nil
	}
	flows.logout = func(string) error { return nil }

	if rec := postJSON(t, router, "/auth/refresh", RefreshRequest{RefreshToken: "r-1"}); rec.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d", rec.Code)
	}
	if rec := postJSON(t, router, "/auth/refresh", RefreshRequest{RefreshToken: "stale"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh: status = %d", rec.Code)
	}
	if rec := postJSON(t, router, "/auth/logout", RefreshRequest{RefreshToken: "r-1"}); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", rec.Code)
	}
}

func TestAuthRoutesAreRateLimited(t *testing.T) {
	flows := &stubFlows{login: func(string, string) (*service.AuthResult, error) {
		return nil, domain.ErrInvalidCredentials
	}}
	router, _ := newTestRouter(t, flows, 2)
	body := map[string]string{"email": "a@example.com", "password": "x"}

	for i := 0; i < 2; i++ {
		if rec := postJSON(t, router, "/auth/login", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i+1, rec.Code)
		}
	}
	rec := postJSON(t, router, "/auth/login", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func loginFrom(t *testing.T, h http.Handler, peer, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"a@example.com","password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = peer
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	flows := &stubFlows{login: func(string, string) (*service.AuthResult, error) {
		return nil, domain.ErrInvalidCredentials
	}}
	router, _ := newTestRouter(t, flows, 2)

	allowed := 0
	for i := 0; i < 20; i++ {
		if loginFrom(t, router, "198.51.100.7:4444", fmt.Sprintf("10.0.0.%d", i)) != http.StatusTooManyRequests {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("%d of 20 attempts allowed from one peer, want 2", allowed)
	}
	if code := loginFrom(t, router, "198.51.100.8:4444", ""); code != http.StatusUnauthorized {
		t.Fatalf("other peer should not be limited: %d", code)
	}
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	flows := &stubFlows{login: func(string, string) (*service.AuthResult, error) {
		return nil, domain.ErrInvalidCredentials
	}}
	proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	router, _ := newProxiedRouter(t, flows, 1, proxies)

	if code := loginFrom(t, router, "10.0.0.1:80", "203.0.113.5"); code != http.StatusUnauthorized {
		t.Fatalf("first attempt: %d", code)
	}
	// A client-prepended hop does not give the same client a new bucket.
	if code := loginFrom(t, router, "10.0.0.1:80", "1.2.3.4, 203.0.113.5"); code != http.StatusTooManyRequests {
		t.Fatalf("spoofed leading hop: %d, want 429", code)
	}
	if code := loginFrom(t, router, "10.0.0.1:80", "203.0.113.6"); code != http.StatusUnauthorized {
		t.Fatalf("distinct client behind proxy should not be limited: %d", code)
	}
}

func TestReadiness(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	down := func(context.Context) error { return errors.New("connection refused") }
	up := func(context.Context) error { return nil }

	cases := []struct {
		name   string
		checks []Check
		status int
	}{
		{"all up", []Check{{Name: "postgres", Required: true, Ping: up}, {Name: "redis", Ping: up}}, http.StatusOK},
		{"optional down", []Check{{Name: "postgres", Required: true, Ping: up}, {Name: "redis", Ping: down}}, http.StatusOK},
		{"required down", []Check{{Name: "postgres", Required: true, Ping: down}}, http.StatusServiceUnavailable},
		{"unconfigured", []Check{{Name: "postgres", Required: true, Ping: up}, {Name: "redis"}}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(log, tc.checks...)
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body)
			}
		})
	}
}
