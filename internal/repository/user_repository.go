package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/pkg/database"
)

// PostgresUserRepository implements domain.UserRepository using PostgreSQL
type PostgresUserRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresUserRepository creates a new user repository
func NewPostgresUserRepository(db *sql.DB, logger *slog.Logger) *PostgresUserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresUserRepository{db: db, logger: logger}
}

const selectUser = `
	SELECT u.id, u.email, u.name, u.auth_provider, u.password_hash, u.created_at, u.updated_at,
	       g.external_id, g.email_verified, g.picture, g.hd,
	       m.external_id, m.tenant_id, m.upn, m.given_name, m.family_name
	FROM users u
	LEFT JOIN user_google_details g ON g.user_id = u.id
	LEFT JOIN user_microsoft_details m ON m.user_id = u.id
`

// Create inserts the user row and, for OAuth users, its detail row in one
// transaction. An empty ID is filled with a new UUID.
func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO users (id, email, name, auth_provider, password_hash)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`,
			user.ID,
			user.Email,
			nullString(user.Name),
			string(user.Provider),
			nullString(user.PasswordHash),
		).Scan(&user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			return err
		}
		if user.Details == nil {
			return nil
		}
		return upsertDetails(ctx, tx, user.ID, user.Details, false)
	})
	if err != nil {
		r.logger.Error("failed to create user",
			slog.String("user_id", user.ID),
			slog.String("provider", user.Provider.String()),
			slog.String("error", err.Error()),
		)
		return translateError(err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("user %q: %w", id, domain.ErrNotFound)
	}
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE u.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		r.logger.Error("failed to get user by id",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, translateError(err)
	}
	return user, nil
}

// GetByEmail retrieves a user by exact email
func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE u.email = $1`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user by email: %w", domain.ErrNotFound)
		}
		r.logger.Error("failed to get user by email", slog.String("error", err.Error()))
		return nil, translateError(err)
	}
	return user, nil
}

// Update writes the mutable profile (name, password hash, provider details)
// in one transaction. Provider and email are never changed.
func (r *PostgresUserRepository) Update(ctx context.Context, user *domain.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE users
			SET name = $1, password_hash = $2, updated_at = now()
			WHERE id = $3
			RETURNING updated_at
		`, nullString(user.Name), nullString(user.PasswordHash), user.ID).Scan(&user.UpdatedAt)
		if err != nil {
			return err
		}
		if user.Details == nil {
			return nil
		}
		return upsertDetails(ctx, tx, user.ID, user.Details, true)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", user.ID, domain.ErrNotFound)
		}
		r.logger.Error("failed to update user",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return translateError(err)
	}
	return nil
}

// Delete removes a user; detail rows and tenant memberships cascade.
func (r *PostgresUserRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return translateError(err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func upsertDetails(ctx context.Context, tx *sql.Tx, userID string, details domain.ProviderDetails, update bool) error {
	var query string
	var args []any
	switch d := details.(type) {
	case domain.GoogleDetails:
		query = `
			INSERT INTO user_google_details (user_id, external_id, email_verified, picture, hd)
			VALUES ($1, $2, $3, $4, $5)`
		if update {
			query += `
			ON CONFLICT (user_id) DO UPDATE
			SET email_verified = EXCLUDED.email_verified, picture = EXCLUDED.picture, hd = EXCLUDED.hd`
		}
		args = []any{userID, d.ExternalID, nullBool(d.EmailVerified), nullString(d.Picture), nullString(d.HostedDomain)}
	case domain.MicrosoftDetails:
		query = `
			INSERT INTO user_microsoft_details (user_id, external_id, tenant_id, upn, given_name, family_name)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if update {
			query += `
			ON CONFLICT (user_id) DO UPDATE
			SET tenant_id = EXCLUDED.tenant_id, upn = EXCLUDED.upn,
			    given_name = EXCLUDED.given_name, family_name = EXCLUDED.family_name`
		}
		args = []any{userID, d.ExternalID, nullString(d.TenantID), nullString(d.UPN), nullString(d.GivenName), nullString(d.FamilyName)}
	default:
		return fmt.Errorf("%w: unsupported provider details %T", domain.ErrInvalidInput, details)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u                                    domain.User
		name, passwordHash                   sql.NullString
		provider                             string
		gExternalID, gPicture, gHostedDomain sql.NullString
		gEmailVerified                       sql.NullBool
		mExternalID, mTenantID, mUPN         sql.NullString
		mGivenName, mFamilyName              sql.NullString
	)
	err := row.Scan(
		&u.ID, &u.Email, &name, &provider, &passwordHash, &u.CreatedAt, &u.UpdatedAt,
		&gExternalID, &gEmailVerified, &gPicture, &gHostedDomain,
		&mExternalID, &mTenantID, &mUPN, &mGivenName, &mFamilyName,
	)
	if err != nil {
		return nil, err
	}

	p, err := domain.ParseAuthProvider(provider)
	if err != nil {
		return nil, err
	}
	u.Provider = p
	u.Name = stringPtr(name)
	u.PasswordHash = stringPtr(passwordHash)

	switch p {
	case domain.ProviderGoogle:
		if gExternalID.Valid {
			u.Details = domain.GoogleDetails{
				ExternalID:    gExternalID.String,
				EmailVerified: boolPtr(gEmailVerified),
				Picture:       stringPtr(gPicture),
				HostedDomain:  stringPtr(gHostedDomain),
			}
		}
	case domain.ProviderMicrosoft:
		if mExternalID.Valid {
			u.Details = domain.MicrosoftDetails{
				ExternalID: mExternalID.String,
				TenantID:   stringPtr(mTenantID),
				UPN:        stringPtr(mUPN),
				GivenName:  stringPtr(mGivenName),
				FamilyName: stringPtr(mFamilyName),
			}
		}
	}
	return &u, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	b := nb.Bool
	return &b
}
