package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/observability/metrics"
	"github.com/kaleo/kaleo-core/internal/security/oauth"
)

// Reconciler maps verified identities onto stored users.
type Reconciler struct {
	users  domain.UserRepository
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the user store
func NewReconciler(users domain.UserRepository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{users: users, logger: logger}
}

// FindOrCreateProviderUser resolves an OAuth identity to exactly one user.
// An email bound to another provider, or to another account at the same
// provider, is a conflict. Provider fields present in the identity overwrite
// stored ones and the user is written only when something changed.
func (r *Reconciler) FindOrCreateProviderUser(ctx context.Context, id *oauth.Identity) (*domain.User, error) {
	if id == nil || id.Details == nil || id.Email == "" {
		return nil, fmt.Errorf("%w: incomplete identity", domain.ErrUpstreamVerification)
	}
	provider := id.Provider()

	existing, err := r.users.GetByEmail(ctx, id.Email)
	switch {
	case err == nil:
		return r.reconcileExisting(ctx, existing, id)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	user := &domain.User{
		Email:    id.Email,
		Name:     id.Name,
		Provider: provider,
		Details:  id.Details,
	}
	if err := r.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) || errors.Is(err, domain.ErrProviderConflict) {
			r.logger.WarnContext(ctx, "lost user creation race",
				slog.String("provider", provider.String()),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderConflict, err)
		}
		return nil, fmt.Errorf("create %s user: %w", provider, err)
	}
	metrics.ObserveUserCreated(provider.String())
	r.logger.InfoContext(ctx, "user created",
		slog.String("user_id", user.ID),
		slog.String("provider", provider.String()),
	)
	return user, nil
}

func (r *Reconciler) reconcileExisting(ctx context.Context, user *domain.User, id *oauth.Identity) (*domain.User, error) {
	provider := id.Provider()
	if user.Provider != provider {
		r.logger.WarnContext(ctx, "provider conflict",
			slog.String("user_id", user.ID),
			slog.String("bound_provider", user.Provider.String()),
			slog.String("attempted_provider", provider.String()),
		)
		return nil, fmt.Errorf("%w: email is bound to %s", domain.ErrProviderConflict, user.Provider)
	}
	if user.Details != nil && user.Details.ProviderUserID() != id.Details.ProviderUserID() {
		r.logger.WarnContext(ctx, "provider account mismatch",
			slog.String("user_id", user.ID),
			slog.String("provider", provider.String()),
		)
		return nil, fmt.Errorf("%w: email is bound to another %s account", domain.ErrProviderConflict, provider)
	}

	changed := mergeString(&user.Name, id.Name)
	details, detailsChanged := mergeDetails(user.Details, id.Details)
	user.Details = details
	if !changed && !detailsChanged {
		return user, nil
	}
	if err := r.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("update %s user: %w", provider, err)
	}
	r.logger.InfoContext(ctx, "provider details refreshed",
		slog.String("user_id", user.ID),
		slog.String("provider", provider.String()),
	)
	return user, nil
}

// mergeDetails folds incoming provider fields into the stored ones.
func mergeDetails(stored, incoming domain.ProviderDetails) (domain.ProviderDetails, bool) {
	if stored == nil {
		return incoming, true
	}
	switch in := incoming.(type) {
	case domain.GoogleDetails:
		d, ok := stored.(domain.GoogleDetails)
		if !ok {
			return in, true
		}
		changed := mergeBool(&d.EmailVerified, in.EmailVerified)
		changed = mergeString(&d.Picture, in.Picture) || changed
		changed = mergeString(&d.HostedDomain, in.HostedDomain) || changed
		return d, changed
	case domain.MicrosoftDetails:
		d, ok := stored.(domain.MicrosoftDetails)
		if !ok {
			return in, true
		}
		changed := mergeString(&d.TenantID, in.TenantID)
		changed = mergeString(&d.UPN, in.UPN) || changed
		changed = mergeString(&d.GivenName, in.GivenName) || changed
		changed = mergeString(&d.FamilyName, in.FamilyName) || changed
		return d, changed
	default:
		return stored, false
	}
}

func mergeString(dst **string, src *string) bool {
	if src == nil || (*dst != nil && **dst == *src) {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func mergeBool(dst **bool, src *bool) bool {
	if src == nil || (*dst != nil && **dst == *src) {
		return false
	}
	v := *src
	*dst = &v
	return true
}

// FindOrCreateLocalUser creates a password user unless the email is taken
// under any provider.
func (r *Reconciler) FindOrCreateLocalUser(ctx context.Context, email, passwordHash string, name *string) (*domain.User, error) {
	if _, err := r.users.GetByEmail(ctx, email); err == nil {
		return nil, domain.ErrDuplicateEmail
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	user := &domain.User{
		Email:        email,
		Name:         name,
		Provider:     domain.ProviderLocal,
		PasswordHash: &passwordHash,
	}
	if err := r.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) || errors.Is(err, domain.ErrProviderConflict) {
			return nil, fmt.Errorf("%w: %w", domain.ErrDuplicateEmail, err)
		}
		return nil, fmt.Errorf("create local user: %w", err)
	}
	metrics.ObserveUserCreated(domain.ProviderLocal.String())
	r.logger.InfoContext(ctx, "user registered", slog.String("user_id", user.ID))
	return user, nil
}
