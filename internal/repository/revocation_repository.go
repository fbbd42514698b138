package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/pkg/cache"
)

const revokedKeyPrefix = "revoked:"

// keyValueStore is the subset of the Redis client used for revocations.
type keyValueStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisRevocationStore keeps revoked refresh token ids in Redis until the
// token would have expired anyway.
type RedisRevocationStore struct {
	kv  keyValueStore
	now func() time.Time
}

// NewRedisRevocationStore creates a Redis-backed revocation store
func NewRedisRevocationStore(kv keyValueStore) *RedisRevocationStore {
	return &RedisRevocationStore{kv: kv, now: time.Now}
}

// Revoke implements domain.RevocationStore.
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.kv.Set(ctx, revokedKeyPrefix+jti, "1", ttl); err != nil {
		return fmt.Errorf("%w: revoke token: %w", domain.ErrStorage, err)
	}
	return nil
}

// IsRevoked implements domain.RevocationStore.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ok, err := s.kv.Exists(ctx, revokedKeyPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("%w: check revocation: %w", domain.ErrStorage, err)
	}
	return ok, nil
}

// MemoryRevocationStore is the single-process fallback used when no Redis
// URL is configured.
type MemoryRevocationStore struct {
	entries *cache.Cache[struct{}]
}

// NewMemoryRevocationStore creates an in-memory revocation store
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: cache.New[struct{}]()}
}

// Revoke implements domain.RevocationStore.
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, until time.Time) error {
	s.entries.SetUntil(revokedKeyPrefix+jti, struct{}{}, until)
	return nil
}

// IsRevoked implements domain.RevocationStore.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := s.entries.Get(revokedKeyPrefix + jti)
	return ok, nil
}

// Prune drops revocations whose tokens have expired.
func (s *MemoryRevocationStore) Prune() int {
	return s.entries.Prune()
}
