package domain

import (
	"context"
	"time"
)

// Tenant is an organizational grouping of users. OAuth tenants are keyed by
// the provider's directory id (Microsoft tid, Google hosted domain).
type Tenant struct {
	ID         string
	Name       string
	ExternalID *string
	Provider   AuthProvider
	CreatedAt  time.Time
}

// TenantRepository defines data access for tenants and memberships
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	AddUser(ctx context.Context, tenantID, userID string) error
	ListForUser(ctx context.Context, userID string) ([]*Tenant, error)
}
