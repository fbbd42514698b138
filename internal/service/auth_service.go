package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/observability/metrics"
	"github.com/kaleo/kaleo-core/internal/observability/tracing"
	"github.com/kaleo/kaleo-core/internal/security/audit"
	"github.com/kaleo/kaleo-core/internal/security/auth"
	"github.com/kaleo/kaleo-core/internal/security/oauth"
)

// Flow names used for metrics, audit records and spans.
const (
	FlowLogin          = "login"
	FlowRegister       = "register"
	FlowOAuth          = "oauth_login"
	FlowRefresh        = "refresh"
	FlowLogout         = "logout"
	FlowPasswordChange = "password_change"
)

// AuthResult is a resolved user and the tokens minted for it.
type AuthResult struct {
	User   *domain.User
	Tokens *auth.TokenPair
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Email    string
	Password string
	Name     *string
}

// AuthService runs the authentication flows.
type AuthService struct {
	users       domain.UserRepository
	tenants     domain.TenantRepository
	reconciler  *Reconciler
	tokens      *auth.TokenService
	verifier    oauth.Verifier
	revocations domain.RevocationStore
	audit       *audit.Logger
	logger      *slog.Logger
	tracer      trace.Tracer

	dummyOnce sync.Once
	dummyHash string
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithAuditLogger records every flow outcome to al.
func WithAuditLogger(al *audit.Logger) AuthOption {
	return func(s *AuthService) { s.audit = al }
}

// WithTracer overrides the tracer used for flow spans.
func WithTracer(t trace.Tracer) AuthOption {
	return func(s *AuthService) { s.tracer = t }
}

// NewAuthService creates the authentication service
func NewAuthService(
	users domain.UserRepository,
	tenants domain.TenantRepository,
	tokens *auth.TokenService,
	verifier oauth.Verifier,
	revocations domain.RevocationStore,
	logger *slog.Logger,
	opts ...AuthOption,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuthService{
		users:       users,
		tenants:     tenants,
		reconciler:  NewReconciler(users, logger),
		tokens:      tokens,
		verifier:    verifier,
		revocations: revocations,
		logger:      logger,
		tracer:      tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a local user and issues its first token pair.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (res *AuthResult, err error) {
	email := strings.TrimSpace(in.Email)
	ctx, done := s.begin(ctx, FlowRegister, domain.ProviderLocal, email)
	defer func() { done(res, err) }()

	if email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", domain.ErrInvalidInput)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is malformed", domain.ErrInvalidInput)
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, auth.MinPasswordLength)
	}
	name := trimOptional(in.Name)

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user, err := s.reconciler.FindOrCreateLocalUser(ctx, email, hash, name)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user)
}

// Login checks a local password. Unknown emails, non-local accounts and wrong
// passwords all fail with domain.ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string) (res *AuthResult, err error) {
	email = strings.TrimSpace(email)
	ctx, done := s.begin(ctx, FlowLogin, domain.ProviderLocal, email)
	defer func() { done(res, err) }()

	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", domain.ErrInvalidInput)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		// keep timing uniform with a real comparison
		auth.VerifyPassword(password, s.dummy())
		return nil, domain.ErrInvalidCredentials
	}
	if user.Provider != domain.ProviderLocal || user.PasswordHash == nil {
		auth.VerifyPassword(password, s.dummy())
		return nil, domain.ErrInvalidCredentials
	}
	if !auth.VerifyPassword(password, *user.PasswordHash) {
		return nil, domain.ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

// OAuthLogin verifies a provider ID token, reconciles the identity and
// links the user to its provider tenant.
func (s *AuthService) OAuthLogin(ctx context.Context, provider domain.AuthProvider, token string) (res *AuthResult, err error) {
	ctx, done := s.begin(ctx, FlowOAuth, provider, "")
	defer func() { done(res, err) }()

	if provider == domain.ProviderLocal {
		return nil, fmt.Errorf("%w: %s is not an OAuth provider", domain.ErrInvalidInput, provider)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	identity, err := s.verifier.Verify(ctx, provider, token)
	metrics.ObserveOAuthVerification(provider.String(), outcomeFor(err))
	if err != nil {
		return nil, err
	}

	user, err := s.reconciler.FindOrCreateProviderUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	if err := s.syncTenant(ctx, user); err != nil {
		return nil, err
	}
	return s.issue(ctx, user)
}

// Refresh exchanges a refresh token for a new pair and revokes the old one.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (res *AuthResult, err error) {
	ctx, done := s.begin(ctx, FlowRefresh, "", "")
	defer func() { done(res, err) }()

	claims, err := s.activeRefreshClaims(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: subject no longer exists", domain.ErrInvalidToken)
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return s.issue(ctx, user)
}

// Logout revokes a refresh token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) (err error) {
	ctx, done := s.begin(ctx, FlowLogout, "", "")
	var claims *auth.Claims
	defer func() {
		var res *AuthResult
		if claims != nil {
			res = &AuthResult{User: &domain.User{ID: claims.UserID, Email: claims.Email}}
		}
		done(res, err)
	}()

	claims, err = s.activeRefreshClaims(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) && claims != nil {
			return nil
		}
		return err
	}
	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// activeRefreshClaims decodes a refresh token and rejects revoked ones. The
// decoded claims are returned alongside a revocation error.
func (s *AuthService) activeRefreshClaims(ctx context.Context, token string) (*auth.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: refresh token is required", domain.ErrInvalidInput)
	}
	claims, err := s.tokens.VerifyRefreshToken(token)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("%w: refresh token lacks jti or user_id", domain.ErrInvalidToken)
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return claims, fmt.Errorf("%w: refresh token revoked", domain.ErrInvalidToken)
	}
	return claims, nil
}

// Profile returns the user a token subject refers to.
func (s *AuthService) Profile(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "auth.profile")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		markSpan(span, err)
		return nil, err
	}
	return user, nil
}

// Tenants lists the tenants a user belongs to.
func (s *AuthService) Tenants(ctx context.Context, userID string) ([]*domain.Tenant, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.tenants.ListForUser(ctx, userID)
}

// ChangePassword replaces a local user's password after checking the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	ctx, done := s.begin(ctx, FlowPasswordChange, domain.ProviderLocal, "")
	var user *domain.User
	defer func() {
		var res *AuthResult
		if user != nil {
			res = &AuthResult{User: user}
		}
		done(res, err)
	}()

	if current == "" || next == "" {
		return fmt.Errorf("%w: current and new password are required", domain.ErrInvalidInput)
	}
	if len(next) < auth.MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, auth.MinPasswordLength)
	}

	user, err = s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Provider != domain.ProviderLocal || user.PasswordHash == nil {
		return fmt.Errorf("%w: %s accounts have no password", domain.ErrInvalidInput, user.Provider)
	}
	if !auth.VerifyPassword(current, *user.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = &hash
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// syncTenant links an OAuth user to the tenant its provider reports.
func (s *AuthService) syncTenant(ctx context.Context, user *domain.User) error {
	var externalID, name string
	switch d := user.Details.(type) {
	case domain.MicrosoftDetails:
		if d.TenantID == nil || *d.TenantID == "" {
			return nil
		}
		externalID, name = *d.TenantID, *d.TenantID
	case domain.GoogleDetails:
		if d.HostedDomain == nil || *d.HostedDomain == "" {
			return nil
		}
		externalID, name = *d.HostedDomain, *d.HostedDomain
	default:
		return nil
	}

	tenant, err := s.tenants.GetByExternalID(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		tenant = &domain.Tenant{Name: name, ExternalID: &externalID, Provider: user.Provider}
		err = s.tenants.Create(ctx, tenant)
		if errors.Is(err, domain.ErrAlreadyExists) {
			tenant, err = s.tenants.GetByExternalID(ctx, externalID)
		}
	}
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}
	if err := s.tenants.AddUser(ctx, tenant.ID, user.ID); err != nil {
		return fmt.Errorf("link tenant: %w", err)
	}
	return nil
}

func (s *AuthService) issue(ctx context.Context, user *domain.User) (*AuthResult, error) {
	pair, err := s.tokens.CreateTokenPair(auth.SubjectFor(user))
	if err != nil {
		return nil, err
	}
	metrics.ObserveTokensIssued(string(auth.TokenTypeAccess), 1)
	metrics.ObserveTokensIssued(string(auth.TokenTypeRefresh), 1)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("user.id", user.ID))
	return &AuthResult{User: user, Tokens: pair}, nil
}

// begin opens a span for a flow and returns the function that records its
// outcome in metrics, the audit log and the span.
func (s *AuthService) begin(ctx context.Context, flow string, provider domain.AuthProvider, email string) (context.Context, func(*AuthResult, error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "auth."+flow, trace.WithAttributes(
		attribute.String("auth.flow", flow),
		attribute.String("auth.provider", provider.String()),
	))
	return ctx, func(res *AuthResult, err error) {
		defer span.End()
		outcome := outcomeFor(err)
		metrics.ObserveAuth(flow, outcome, time.Since(start))
		markSpan(span, err)

		ev := audit.Event{Action: flow, Provider: provider.String(), Email: email, Status: audit.StatusSuccess}
		if res != nil && res.User != nil {
			ev.UserID = res.User.ID
			ev.Email = res.User.Email
			ev.Provider = res.User.Provider.String()
		}
		if err != nil {
			ev.Status = audit.StatusFailure
			ev.Reason = outcome
			if outcome == "error" || outcome == "upstream_error" {
				s.logger.ErrorContext(ctx, "auth flow failed",
					slog.String("flow", flow),
					slog.String("error", err.Error()),
				)
			}
		}
		if s.audit != nil {
			s.audit.Log(ctx, ev)
		}
	}
}

func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = auth.HashPassword("kaleo-timing-equaliser")
	})
	return s.dummyHash
}

func markSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, outcomeFor(err))
}

// outcomeFor classifies an error into a low-cardinality label.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrInvalidToken):
		return "rejected"
	case errors.Is(err, domain.ErrUnverifiedEmail):
		return "unverified_email"
	case errors.Is(err, domain.ErrDuplicateEmail), errors.Is(err, domain.ErrProviderConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUpstreamVerification):
		return "upstream_error"
	default:
		return "error"
	}
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
