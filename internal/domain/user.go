package domain

import (
	"context"
	"fmt"
	"time"
)

// AuthProvider identifies the identity source a user is bound to.
type AuthProvider string

const (
	ProviderLocal     AuthProvider = "local"
	ProviderGoogle    AuthProvider = "google"
	ProviderMicrosoft AuthProvider = "microsoft"
)

// ParseAuthProvider converts a stored or wire value into an AuthProvider.
func ParseAuthProvider(s string) (AuthProvider, error) {
	switch p := AuthProvider(s); p {
	case ProviderLocal, ProviderGoogle, ProviderMicrosoft:
		return p, nil
	default:
		return "", fmt.Errorf("unknown auth provider %q", s)
	}
}

func (p AuthProvider) String() string { return string(p) }

// ProviderDetails is the one-to-one extension row of an OAuth-bound user.
// The set of implementations is closed: GoogleDetails and MicrosoftDetails.
type ProviderDetails interface {
	Provider() AuthProvider
	ProviderUserID() string
	providerDetails()
}

// GoogleDetails holds the Google-specific profile of a user.
type GoogleDetails struct {
	ExternalID    string
	EmailVerified *bool
	Picture       *string
	HostedDomain  *string
}

func (GoogleDetails) Provider() AuthProvider   { return ProviderGoogle }
func (d GoogleDetails) ProviderUserID() string { return d.ExternalID }
func (GoogleDetails) providerDetails()         {}

// MicrosoftDetails holds the Microsoft-specific profile of a user.
type MicrosoftDetails struct {
	ExternalID string
	TenantID   *string
	UPN        *string
	GivenName  *string
	FamilyName *string
}

func (MicrosoftDetails) Provider() AuthProvider   { return ProviderMicrosoft }
func (d MicrosoftDetails) ProviderUserID() string { return d.ExternalID }
func (MicrosoftDetails) providerDetails()         {}

// User represents one local identity
type User struct {
	ID           string // UUID
	Email        string // unique across all providers
	Name         *string
	Provider     AuthProvider
	PasswordHash *string         // set iff Provider is local
	Details      ProviderDetails // set iff Provider is google or microsoft
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the structural invariants that tie a user to its provider.
func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	switch u.Provider {
	case ProviderLocal:
		if u.PasswordHash == nil || *u.PasswordHash == "" {
			return fmt.Errorf("%w: local user requires a password hash", ErrInvalidInput)
		}
		if u.Details != nil {
			return fmt.Errorf("%w: local user cannot carry provider details", ErrInvalidInput)
		}
	case ProviderGoogle, ProviderMicrosoft:
		if u.PasswordHash != nil {
			return fmt.Errorf("%w: %s user cannot carry a password hash", ErrInvalidInput, u.Provider)
		}
		if u.Details == nil || u.Details.Provider() != u.Provider {
			return fmt.Errorf("%w: %s user requires matching provider details", ErrInvalidInput, u.Provider)
		}
		if u.Details.ProviderUserID() == "" {
			return fmt.Errorf("%w: provider user id is required", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, u.Provider)
	}
	return nil
}

// DisplayName returns the name or an empty string.
func (u *User) DisplayName() string {
	if u.Name == nil {
		return ""
	}
	return *u.Name
}

// UserRepository defines data access for users and their provider details.
// Create and Update write the user row and its detail row in one transaction.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
}
