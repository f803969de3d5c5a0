package configstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgErrUniqueViolation = "23505"

	lockKey int64 = 0x636f6e666967 // "config"
)

var (
	_ Database = (*PGStore)(nil)
	_ Tx       = (*pgTx)(nil)
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore implements Database using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Clients(ctx context.Context) ClientStore { return &clientStore{q: s.db} }
func (s *PGStore) IdentityResources(ctx context.Context) IdentityResourceStore {
	return &resourceStore{q: s.db}
}
func (s *PGStore) ApiScopes(ctx context.Context) ApiScopeStore { return &scopeStore{q: s.db} }

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) Migrator() *migrate.Manager {
	return migrate.NewManager(s.db, migrations, "migrations",
		migrate.WithMigrationsTable("configuration_schema_migrations"))
}

func (s *PGStore) Migrate(ctx context.Context) error {
	return database.Unavailable("configuration store", s.Migrator().Up(ctx))
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Clients(ctx context.Context) ClientStore { return &clientStore{q: t.tx} }
func (t *pgTx) IdentityResources(ctx context.Context) IdentityResourceStore {
	return &resourceStore{q: t.tx}
}
func (t *pgTx) ApiScopes(ctx context.Context) ApiScopeStore { return &scopeStore{q: t.tx} }

func (t *pgTx) Lock(ctx context.Context) error {
	return database.AdvisoryLock(ctx, t.tx, lockKey)
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

func count(ctx context.Context, q queryer, table string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `select count(*) from `+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// insertRows issues one multi-row insert.
func insertRows(ctx context.Context, q queryer, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		values []string
		args   []any
	)
	for _, row := range rows {
		ph := make([]string, len(row))
		for i := range row {
			args = append(args, row[i])
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}
	query := fmt.Sprintf("insert into %s (%s) values %s", table, strings.Join(columns, ", "), strings.Join(values, ", "))
	_, err := q.ExecContext(ctx, query, args...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	return err
}

func jsonList(list []string) ([]byte, error) {
	if list == nil {
		list = []string{}
	}
	return json.Marshal(list)
}

func parseList(raw []byte) ([]string, error) {
	out := []string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clients ------------------------------------------------------------------
type clientStore struct{ q queryer }

var clientColumns = []string{
	"client_id", "client_name", "secret_hash", "public",
	"grant_types", "response_types", "redirect_uris", "post_logout_redirect_uris",
	"allowed_scopes", "allowed_cors_origins", "audience",
	"require_pkce", "allow_offline_access", "access_token_lifetime_seconds", "enabled",
}

func (s *clientStore) Count(ctx context.Context) (int, error) {
	return count(ctx, s.q, "clients")
}

func (s *clientStore) Add(ctx context.Context, clients []Client) error {
	rows := make([][]any, 0, len(clients))
	for _, c := range clients {
		if strings.TrimSpace(c.ClientID) == "" {
			return fmt.Errorf("%w: client id is required", ErrInvalidInput)
		}
		row := []any{c.ClientID, c.ClientName, c.SecretHash, c.Public}
		for _, list := range [][]string{
			c.GrantTypes, c.ResponseTypes, c.RedirectURIs, c.PostLogoutRedirectURIs,
			c.AllowedScopes, c.AllowedCorsOrigins, c.Audience,
		} {
			raw, err := jsonList(list)
			if err != nil {
				return err
			}
			row = append(row, raw)
		}
		row = append(row, c.RequirePKCE, c.AllowOfflineAccess, int(c.AccessTokenLifetime/time.Second), c.Enabled)
		rows = append(rows, row)
	}
	return insertRows(ctx, s.q, "clients", clientColumns, rows)
}

func (s *clientStore) Find(ctx context.Context, clientID string) (*Client, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+strings.Join(clientColumns, ", ")+`, created_at from clients where client_id = $1`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (s *clientStore) List(ctx context.Context) ([]Client, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+strings.Join(clientColumns, ", ")+`, created_at from clients order by client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClients(rows)
}

func scanClients(rows *sql.Rows) ([]Client, error) {
	var out []Client
	for rows.Next() {
		var (
			c        Client
			lists    [7][]byte
			lifetime int
		)
		if err := rows.Scan(&c.ClientID, &c.ClientName, &c.SecretHash, &c.Public,
			&lists[0], &lists[1], &lists[2], &lists[3], &lists[4], &lists[5], &lists[6],
			&c.RequirePKCE, &c.AllowOfflineAccess, &lifetime, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		targets := []*[]string{
			&c.GrantTypes, &c.ResponseTypes, &c.RedirectURIs, &c.PostLogoutRedirectURIs,
			&c.AllowedScopes, &c.AllowedCorsOrigins, &c.Audience,
		}
		for i, raw := range lists {
			list, err := parseList(raw)
			if err != nil {
				return nil, fmt.Errorf("client %s: %w", c.ClientID, err)
			}
			*targets[i] = list
		}
		c.AccessTokenLifetime = time.Duration(lifetime) * time.Second
		out = append(out, c)
	}
	return out, rows.Err()
}

// Identity resources -------------------------------------------------------
type resourceStore struct{ q queryer }

var resourceColumns = []string{
	"name", "display_name", "description", "required", "emphasize", "show_in_discovery", "user_claims", "enabled",
}

func (s *resourceStore) Count(ctx context.Context) (int, error) {
	return count(ctx, s.q, "identity_resources")
}

func (s *resourceStore) Add(ctx context.Context, resources []IdentityResource) error {
	rows := make([][]any, 0, len(resources))
	for _, r := range resources {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: identity resource name is required", ErrInvalidInput)
		}
		claims, err := jsonList(r.UserClaims)
		if err != nil {
			return err
		}
		rows = append(rows, []any{r.Name, r.DisplayName, r.Description, r.Required, r.Emphasize, r.ShowInDiscovery, claims, r.Enabled})
	}
	return insertRows(ctx, s.q, "identity_resources", resourceColumns, rows)
}

func (s *resourceStore) List(ctx context.Context) ([]IdentityResource, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+strings.Join(resourceColumns, ", ")+`, created_at from identity_resources order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityResource
	for rows.Next() {
		var (
			r   IdentityResource
			raw []byte
		)
		if err := rows.Scan(&r.Name, &r.DisplayName, &r.Description, &r.Required, &r.Emphasize,
			&r.ShowInDiscovery, &raw, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.UserClaims, err = parseList(raw); err != nil {
			return nil, fmt.Errorf("identity resource %s: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// API scopes ---------------------------------------------------------------
type scopeStore struct{ q queryer }

var scopeColumns = []string{"name", "display_name", "description", "required", "emphasize", "user_claims", "enabled"}

func (s *scopeStore) Count(ctx context.Context) (int, error) {
	return count(ctx, s.q, "api_scopes")
}

func (s *scopeStore) Add(ctx context.Context, scopes []ApiScope) error {
	rows := make([][]any, 0, len(scopes))
	for _, sc := range scopes {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("%w: api scope name is required", ErrInvalidInput)
		}
		claims, err := jsonList(sc.UserClaims)
		if err != nil {
			return err
		}
		rows = append(rows, []any{sc.Name, sc.DisplayName, sc.Description, sc.Required, sc.Emphasize, claims, sc.Enabled})
	}
	return insertRows(ctx, s.q, "api_scopes", scopeColumns, rows)
}

func (s *scopeStore) List(ctx context.Context) ([]ApiScope, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+strings.Join(scopeColumns, ", ")+`, created_at from api_scopes order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApiScope
	for rows.Next() {
		var (
			sc  ApiScope
			raw []byte
		)
		if err := rows.Scan(&sc.Name, &sc.DisplayName, &sc.Description, &sc.Required, &sc.Emphasize,
			&raw, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, err
		}
		if sc.UserClaims, err = parseList(raw); err != nil {
			return nil, fmt.Errorf("api scope %s: %w", sc.Name, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
