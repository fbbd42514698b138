package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/kaleo/kaleo-core/internal/domain"
)

var userColumns = []string{
	"id", "email", "name", "auth_provider", "password_hash", "created_at", "updated_at",
	"g_external_id", "g_email_verified", "g_picture", "g_hd",
	"m_external_id", "m_tenant_id", "m_upn", "m_given_name", "m_family_name",
}

func newMockRepo(t *testing.T) (*PostgresUserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresUserRepository(db, nil), mock
}

func ptr[T any](v T) *T { return &v }

func googleUser() *domain.User {
	return &domain.User{
		Email:    "alice@example.com",
		Name:     ptr("Alice"),
		Provider: domain.ProviderGoogle,
		Details: domain.GoogleDetails{
			ExternalID:    "g-1",
			EmailVerified: ptr(true),
			HostedDomain:  ptr("example.com"),
		},
	}
}

func TestCreateGoogleUserWritesBothRowsInOneTx(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "Alice", "google", nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO user_google_details").
		WithArgs(sqlmock.AnyArg(), "g-1", true, nil, "example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	user := googleUser()
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if user.ID == "" || user.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps to be set: %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateLocalUserSkipsDetails(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "bob@example.com", nil, "local", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	user := &domain.User{Email: "bob@example.com", Provider: domain.ProviderLocal, PasswordHash: ptr("hash")}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRollsBackWhenDetailInsertFails(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO user_google_details").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "user_google_details_external_id_key"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), googleUser())
	if !errors.Is(err, domain.ErrProviderConflict) {
		t.Fatalf("expected ErrProviderConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	mock.ExpectRollback()

	user := &domain.User{Email: "bob@example.com", Provider: domain.ProviderLocal, PasswordHash: ptr("hash")}
	if err := repo.Create(context.Background(), user); !errors.Is(err, domain.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRejectsInvalidUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	user := &domain.User{Email: "x@example.com", Provider: domain.ProviderGoogle}
	if err := repo.Create(context.Background(), user); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no queries expected: %v", err)
	}
}

func TestGetByEmailScansMicrosoftDetails(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	id := "7f1f6c1e-8d7a-4a3c-9a55-0f3c0b6f6d10"

	mock.ExpectQuery("SELECT u.id, u.email").
		WithArgs("bob@contoso.com").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			id, "bob@contoso.com", "Bob", "microsoft", nil, now, now,
			nil, nil, nil, nil,
			"oid-1", "tenant-1", "bob@contoso.com", "Bob", nil,
		))

	user, err := repo.GetByEmail(context.Background(), "bob@contoso.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if user.Provider != domain.ProviderMicrosoft || user.PasswordHash != nil {
		t.Fatalf("unexpected user: %+v", user)
	}
	d, ok := user.Details.(domain.MicrosoftDetails)
	if !ok {
		t.Fatalf("expected MicrosoftDetails, got %T", user.Details)
	}
	if d.ExternalID != "oid-1" || *d.TenantID != "tenant-1" || d.FamilyName != nil {
		t.Fatalf("unexpected details: %+v", d)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := "7f1f6c1e-8d7a-4a3c-9a55-0f3c0b6f6d10"
	mock.ExpectQuery("SELECT u.id, u.email").WithArgs(id).WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetByID(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetByID(context.Background(), "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByEmailStorageError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT u.id, u.email").WillReturnError(errors.New("connection reset"))
	if _, err := repo.GetByEmail(context.Background(), "a@example.com"); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestUpdateUpsertsDetailsInOneTx(t *testing.T) {
	repo, mock := newMockRepo(t)
	user := googleUser()
	user.ID = "7f1f6c1e-8d7a-4a3c-9a55-0f3c0b6f6d10"
	user.Name = ptr("Alice B")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE users").
		WithArgs("Alice B", nil, user.ID).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO user_google_details .* ON CONFLICT \\(user_id\\) DO UPDATE").
		WithArgs(user.ID, "g-1", true, nil, "example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.Update(context.Background(), user); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateMissingUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	user := googleUser()
	user.ID = "7f1f6c1e-8d7a-4a3c-9a55-0f3c0b6f6d10"

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE users").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if err := repo.Update(context.Background(), user); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM users").WithArgs("u-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users").WithArgs("u-2").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "u-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(context.Background(), "u-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
