package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kaleo/kaleo-core/internal/domain"
)

// PostgresTenantRepository implements domain.TenantRepository using PostgreSQL
type PostgresTenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresTenantRepository creates a new tenant repository
func NewPostgresTenantRepository(db *sql.DB, logger *slog.Logger) *PostgresTenantRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTenantRepository{db: db, logger: logger}
}

const selectTenant = `SELECT t.id, t.name, t.external_id, t.provider, t.created_at FROM tenants t`

// Create creates a new tenant
func (r *PostgresTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	if tenant.Name == "" {
		return fmt.Errorf("%w: tenant name is required", domain.ErrInvalidInput)
	}
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, external_id, provider)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, tenant.ID, tenant.Name, nullString(tenant.ExternalID), string(tenant.Provider)).Scan(&tenant.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create tenant",
			slog.String("name", tenant.Name),
			slog.String("error", err.Error()),
		)
		return translateError(err)
	}
	return nil
}

// GetByID retrieves a tenant by ID
func (r *PostgresTenantRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("tenant %q: %w", id, domain.ErrNotFound)
	}
	return r.getOne(ctx, selectTenant+` WHERE t.id = $1`, id)
}

// GetByExternalID retrieves a tenant by its provider directory id
func (r *PostgresTenantRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Tenant, error) {
	return r.getOne(ctx, selectTenant+` WHERE t.external_id = $1`, externalID)
}

func (r *PostgresTenantRepository) getOne(ctx context.Context, query string, arg string) (*domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", arg, domain.ErrNotFound)
		}
		return nil, translateError(err)
	}
	return t, nil
}

// AddUser links a user to a tenant. Adding an existing membership is a no-op.
func (r *PostgresTenantRepository) AddUser(ctx context.Context, tenantID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_tenants (user_id, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, tenantID)
	if err != nil {
		r.logger.Error("failed to add tenant member",
			slog.String("tenant_id", tenantID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return translateError(err)
	}
	return nil
}

// ListForUser lists the tenants a user belongs to
func (r *PostgresTenantRepository) ListForUser(ctx context.Context, userID string) ([]*domain.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, selectTenant+`
		JOIN user_tenants ut ON ut.tenant_id = t.id
		WHERE ut.user_id = $1
		ORDER BY t.created_at, t.name
	`, userID)
	if err != nil {
		r.logger.Error("failed to list tenants for user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, translateError(err)
	}
	defer rows.Close()

	tenants := []*domain.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, translateError(err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return tenants, nil
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var (
		t          domain.Tenant
		externalID sql.NullString
		provider   string
	)
	if err := row.Scan(&t.ID, &t.Name, &externalID, &provider, &t.CreatedAt); err != nil {
		return nil, err
	}
	p, err := domain.ParseAuthProvider(provider)
	if err != nil {
		return nil, err
	}
	t.Provider = p
	t.ExternalID = stringPtr(externalID)
	return &t, nil
}
