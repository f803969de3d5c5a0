package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db), mock
}

func TestCreateUserNormalizes(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice", "ALICE", "AliceSmith@email.com", "ALICESMITH@EMAIL.COM", true, "hash", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u := &User{UserName: "alice", Email: "AliceSmith@email.com", EmailConfirmed: true, PasswordHash: "hash"}
	if err := store.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.SecurityStamp == "" {
		t.Fatalf("expected generated id and stamp, got %+v", u)
	}
	if !u.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created_at %v", u.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users(context.Background()).Create(context.Background(), &User{UserName: "bob"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFindByNameNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .* from users where normalized_user_name").
		WithArgs("HAMZA").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users(context.Background()).FindByName(context.Background(), "hamza")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotReadsClaimsAndRolesInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select claim_type, claim_value, value_type from user_claims").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"claim_type", "claim_value", "value_type"}).
			AddRow("name", "Bob Smith", "").
			AddRow("location", "somewhere", ""))
	mock.ExpectQuery("select r.name\\s+from user_roles").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("user").AddRow("admin"))
	mock.ExpectCommit()

	snap, err := store.Snapshot(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Claims) != 2 || snap.Claims[0].Value != "Bob Smith" {
		t.Fatalf("unexpected claims: %+v", snap.Claims)
	}
	if len(snap.Roles) != 2 || snap.Roles[0] != "user" || snap.Roles[1] != "admin" {
		t.Fatalf("unexpected roles: %v", snap.Roles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddClaimsSingleStatement(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into user_claims").
		WithArgs("u-1", "name", "Alice Smith", "", "u-1", "website", "http://alice.com", "").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := store.Claims(context.Background()).Add(context.Background(), "u-1", []Claim{
		{Type: "name", Value: "Alice Smith"},
		{Type: "website", Value: "http://alice.com"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddUserToMissingRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, name, normalized_name, created_at from roles").
		WithArgs("AUDITOR").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name", "created_at"}))

	err := store.Roles(context.Background()).AddUser(context.Background(), "u-1", "auditor")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTxLockTakesAdvisoryLock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
