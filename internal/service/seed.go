package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/featureflags"
)

// Demo account created when the SEED_DEMO_USERS flag is on.
const (
	DemoEmail    = "demo@example.com"
	DemoPassword = "demo-password"
	demoName     = "Demo User"
)

// SeedDemoUsers registers the demo account unless it already exists.
func SeedDemoUsers(ctx context.Context, svc *AuthService, logger *slog.Logger) error {
	if !featureflags.Enabled("SEED_DEMO_USERS") {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := demoName
	_, err := svc.Register(ctx, RegisterInput{Email: DemoEmail, Password: DemoPassword, Name: &name})
	switch {
	case err == nil:
		logger.Info("demo user seeded", slog.String("email", DemoEmail))
		return nil
	case errors.Is(err, domain.ErrDuplicateEmail):
		return nil
	default:
		return err
	}
}
