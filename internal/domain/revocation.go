package domain

import (
	"context"
	"time"
)

// RevocationStore records refresh token ids that may no longer be exchanged.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
