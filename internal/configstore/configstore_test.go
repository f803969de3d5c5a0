package configstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
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

func TestClientDescriptionHashesSecret(t *testing.T) {
	c, err := ClientDescription{ClientID: "c1", Secret: "s3cret", GrantTypes: []string{"authorization_code"}}.ToEntity()
	if err != nil {
		t.Fatalf("ToEntity: %v", err)
	}
	if c.Public {
		t.Fatalf("client with secret must not be public")
	}
	if c.SecretHash == "s3cret" || bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte("s3cret")) != nil {
		t.Fatalf("secret not hashed with bcrypt")
	}
	if len(c.ResponseTypes) != 1 || c.ResponseTypes[0] != "code" {
		t.Fatalf("expected default code response type, got %v", c.ResponseTypes)
	}
	if c.AccessTokenLifetime != time.Hour || !c.Enabled {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestClientDescriptionRequiresID(t *testing.T) {
	if _, err := (ClientDescription{}).ToEntity(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPredefinedNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Clients() {
		if seen[c.ClientID] {
			t.Fatalf("duplicate client %s", c.ClientID)
		}
		seen[c.ClientID] = true
	}
	seen = map[string]bool{}
	for _, r := range IdentityResources() {
		if seen[r.Name] {
			t.Fatalf("duplicate identity resource %s", r.Name)
		}
		seen[r.Name] = true
	}
	if !seen[ScopeOpenID] {
		t.Fatalf("openid identity resource missing")
	}
}

func TestPGCountClients(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select count\\(\\*\\) from clients").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := store.Clients(context.Background()).Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
}

func TestPGAddScopesSingleStatement(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into api_scopes \\(name, display_name, description, required, emphasize, user_claims, enabled\\) values \\(\\$1, .*\\$7\\), \\(\\$8, .*\\$14\\)").
		WithArgs("a", "A", "", false, false, []byte(`["x"]`), true, "b", "B", "", false, false, []byte(`[]`), true).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := store.ApiScopes(context.Background()).Add(context.Background(), []ApiScope{
		{Name: "a", DisplayName: "A", UserClaims: []string{"x"}, Enabled: true},
		{Name: "b", DisplayName: "B", Enabled: true},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAddClientsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into clients").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Detail: "Key (client_id)=(spa) already exists."})

	err := store.Clients(context.Background()).Add(context.Background(), []Client{{ClientID: "spa"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPGFindClientDecodesLists(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	cols := append(append([]string(nil), clientColumns...), "created_at")
	mock.ExpectQuery("select client_id, .* from clients where client_id = \\$1").
		WithArgs("spa").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"spa", "SPA", "", true,
			[]byte(`["authorization_code"]`), []byte(`["code"]`), []byte(`["http://localhost:3000/callback"]`), []byte(`[]`),
			[]byte(`["openid","profile"]`), []byte(`[]`), []byte(`[]`),
			true, false, 900, true, created,
		))

	c, err := store.Clients(context.Background()).Find(context.Background(), "spa")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(c.AllowedScopes) != 2 || c.AllowedScopes[1] != "profile" {
		t.Fatalf("unexpected scopes: %v", c.AllowedScopes)
	}
	if c.AccessTokenLifetime != 15*time.Minute || !c.Public {
		t.Fatalf("unexpected client: %+v", c)
	}
}

func TestPGFindClientNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	cols := append(append([]string(nil), clientColumns...), "created_at")
	mock.ExpectQuery("from clients where client_id").WillReturnRows(sqlmock.NewRows(cols))

	if _, err := store.Clients(context.Background()).Find(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAddIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Clients(ctx).Add(ctx, []Client{{ClientID: "a"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := store.Clients(ctx).Add(ctx, []Client{{ClientID: "b"}, {ClientID: "a"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if n, _ := store.Clients(ctx).Count(ctx); n != 1 {
		t.Fatalf("expected failed batch to leave one client, got %d", n)
	}
}

func TestMemoryTxCommitRejectsStaleState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.ApiScopes(ctx).Add(ctx, []ApiScope{{Name: "api"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Clients(ctx).Add(ctx, []Client{{ClientID: "a"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if n, _ := store.Clients(ctx).Count(ctx); n != 1 {
		t.Fatalf("outside write lost, clients = %d", n)
	}
}

type registry struct{ used map[string]time.Time }

func (r *registry) AssertionUsed(ctx context.Context, jti string) (bool, error) {
	_, ok := r.used[jti]
	return ok, nil
}

func (r *registry) MarkAssertionUsed(ctx context.Context, jti string, exp time.Time) error {
	r.used[jti] = exp
	return nil
}

func TestClientManager(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clients, err := ClientEntities(Clients())
	if err != nil {
		t.Fatalf("ClientEntities: %v", err)
	}
	clients = append(clients, Client{ClientID: "off", Enabled: false})
	if err := store.Clients(ctx).Add(ctx, clients); err != nil {
		t.Fatalf("Add: %v", err)
	}
	mgr := NewClientManager(store, &registry{used: map[string]time.Time{}})

	c, err := mgr.GetClient(ctx, "ro.client")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if !c.GetGrantTypes().Has("password") || c.IsPublic() {
		t.Fatalf("unexpected client: %+v", c)
	}
	if _, err := mgr.GetClient(ctx, "off"); !errors.Is(err, fosite.ErrNotFound) {
		t.Fatalf("expected disabled client to be not found, got %v", err)
	}
	if _, err := mgr.GetClient(ctx, "missing"); !errors.Is(err, fosite.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := mgr.ClientAssertionJWTValid(ctx, "jti-1"); err != nil {
		t.Fatalf("fresh jti rejected: %v", err)
	}
	if err := mgr.SetClientAssertionJWT(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SetClientAssertionJWT: %v", err)
	}
	if err := mgr.ClientAssertionJWTValid(ctx, "jti-1"); !errors.Is(err, fosite.ErrJTIKnown) {
		t.Fatalf("expected ErrJTIKnown, got %v", err)
	}
}
