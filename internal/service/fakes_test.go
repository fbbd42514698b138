package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/repository"
	"github.com/kaleo/kaleo-core/internal/security/auth"
	"github.com/kaleo/kaleo-core/internal/security/oauth"
)

type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]domain.User
	updates int
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]domain.User{}}
}

func (m *memUserRepo) Create(_ context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: users_email_key", domain.ErrDuplicateEmail)
		}
		if u.Details != nil && existing.Details != nil &&
			existing.Provider == u.Provider &&
			existing.Details.ProviderUserID() == u.Details.ProviderUserID() {
			return fmt.Errorf("%w: external_id_key", domain.ErrProviderConflict)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.byID[u.ID] = *u
	return nil
}

func (m *memUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		return &u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memUserRepo) Update(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[u.ID]; !ok {
		return domain.ErrNotFound
	}
	u.UpdatedAt = time.Now()
	m.byID[u.ID] = *u
	m.updates++
	return nil
}

func (m *memUserRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memUserRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type memTenantRepo struct {
	mu      sync.Mutex
	byID    map[string]domain.Tenant
	members map[string]map[string]bool // tenant id -> user ids
}

func newMemTenantRepo() *memTenantRepo {
	return &memTenantRepo{byID: map[string]domain.Tenant{}, members: map[string]map[string]bool{}}
}

func (m *memTenantRepo) Create(_ context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.ExternalID != nil && t.ExternalID != nil && *existing.ExternalID == *t.ExternalID {
			return domain.ErrAlreadyExists
		}
	}
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now()
	m.byID[t.ID] = *t
	return nil
}

func (m *memTenantRepo) GetByID(_ context.Context, id string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[id]; ok {
		return &t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memTenantRepo) GetByExternalID(_ context.Context, externalID string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.ExternalID != nil && *t.ExternalID == externalID {
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTenantRepo) AddUser(_ context.Context, tenantID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[tenantID] == nil {
		m.members[tenantID] = map[string]bool{}
	}
	m.members[tenantID][userID] = true
	return nil
}

func (m *memTenantRepo) ListForUser(_ context.Context, userID string) ([]*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Tenant
	for id, users := range m.members {
		if users[userID] {
			t := m.byID[id]
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// fakeVerifier returns a preset identity, or err, for any token.
type fakeVerifier struct {
	identity *oauth.Identity
	err      error
}

func (f *fakeVerifier) Verify(_ context.Context, provider domain.AuthProvider, _ string) (*oauth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.identity.Provider() != provider {
		return nil, domain.ErrInvalidCredentials
	}
	id := *f.identity
	return &id, nil
}

type harness struct {
	svc      *AuthService
	users    *memUserRepo
	tenants  *memTenantRepo
	verifier *fakeVerifier
	tokens   *auth.TokenService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := auth.NewTokenManager("test-secret", "HS256", "kaleo-core")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	h := &harness{
		users:    newMemUserRepo(),
		tenants:  newMemTenantRepo(),
		verifier: &fakeVerifier{},
		tokens:   auth.NewTokenService(codec, 15*time.Minute, 7*24*time.Hour),
	}
	h.svc = NewAuthService(h.users, h.tenants, h.tokens, h.verifier, repository.NewMemoryRevocationStore(), nil)
	return h
}

func ptr[T any](v T) *T { return &v }

func googleIdentity(email, sub string) *oauth.Identity {
	return &oauth.Identity{
		Email: email,
		Name:  ptr("Alice"),
		Details: domain.GoogleDetails{
			ExternalID:    sub,
			EmailVerified: ptr(true),
			Picture:       ptr("https://example.com/a.png"),
		},
	}
}

func microsoftIdentity(email, oid, tid string) *oauth.Identity {
	return &oauth.Identity{
		Email: email,
		Name:  ptr("Bob"),
		Details: domain.MicrosoftDetails{
			ExternalID: oid,
			TenantID:   ptr(tid),
			UPN:        ptr(email),
		},
	}
}
