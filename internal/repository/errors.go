package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kaleo/kaleo-core/internal/domain"
)

const uniqueViolation = "23505"

// translateError maps driver errors onto the domain taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case "users_email_key":
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEmail, pqErr.Constraint)
		case "users_pkey",
			"user_google_details_pkey", "user_google_details_external_id_key",
			"user_microsoft_details_pkey", "user_microsoft_details_external_id_key":
			return fmt.Errorf("%w: %s", domain.ErrProviderConflict, pqErr.Constraint)
		case "tenants_pkey", "tenants_external_id_key":
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStorage, err)
}
