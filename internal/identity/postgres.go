package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	// lockKey is the advisory lock id taken by Tx.Lock.
	lockKey int64 = 0x6964656e74697479
)

var (
	_ Database = (*PGStore)(nil)
	_ Tx       = (*pgTx)(nil)
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
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

func (s *PGStore) Users(ctx context.Context) UserStore   { return &userStore{q: s.db} }
func (s *PGStore) Roles(ctx context.Context) RoleStore   { return &roleStore{q: s.db} }
func (s *PGStore) Claims(ctx context.Context) ClaimStore { return &claimStore{q: s.db} }

// Snapshot reads claims and roles inside one repeatable-read transaction.
func (s *PGStore) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()
	snap, err := readSnapshot(ctx, tx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, tx.Commit()
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// Migrator manages the identity schema.
func (s *PGStore) Migrator() *migrate.Manager {
	return migrate.NewManager(s.db, migrations, "migrations")
}

func (s *PGStore) Migrate(ctx context.Context) error {
	return database.Unavailable("identity store", s.Migrator().Up(ctx))
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Users(ctx context.Context) UserStore   { return &userStore{q: t.tx} }
func (t *pgTx) Roles(ctx context.Context) RoleStore   { return &roleStore{q: t.tx} }
func (t *pgTx) Claims(ctx context.Context) ClaimStore { return &claimStore{q: t.tx} }

func (t *pgTx) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return readSnapshot(ctx, t.tx, userID)
}

func (t *pgTx) Lock(ctx context.Context) error {
	return database.AdvisoryLock(ctx, t.tx, lockKey)
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

func readSnapshot(ctx context.Context, q queryer, userID string) (Snapshot, error) {
	claims, err := (&claimStore{q: q}).ForUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	roles, err := (&roleStore{q: q}).ForUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Claims: claims, Roles: roles}, nil
}

// User store ---------------------------------------------------------------
type userStore struct{ q queryer }

const userColumns = `id, user_name, normalized_user_name, email, normalized_email, email_confirmed, password_hash, security_stamp, created_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.UserName) == "" {
		return fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.SecurityStamp == "" {
		u.SecurityStamp = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	u.NormalizedUserName = Normalize(u.UserName)
	u.NormalizedEmail = Normalize(u.Email)
	err := s.q.QueryRowContext(ctx, `
		insert into users (id, user_name, normalized_user_name, email, normalized_email, email_confirmed, password_hash, security_stamp)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at
	`, u.ID, u.UserName, u.NormalizedUserName, u.Email, u.NormalizedEmail, u.EmailConfirmed, u.PasswordHash, u.SecurityStamp).
		Scan(&u.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: user %s", ErrConflict, u.UserName)
	}
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByName(ctx context.Context, userName string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users where normalized_user_name = $1`, Normalize(userName)))
}

func (s *userStore) FindByLogin(ctx context.Context, provider, providerKey string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		select u.id, u.user_name, u.normalized_user_name, u.email, u.normalized_email, u.email_confirmed, u.password_hash, u.security_stamp, u.created_at
		from users u
		join user_logins l on l.user_id = u.id
		where l.login_provider = $1 and l.provider_key = $2
	`, provider, providerKey))
}

func (s *userStore) AddLogin(ctx context.Context, login UserLogin) error {
	_, err := s.q.ExecContext(ctx, `
		insert into user_logins (login_provider, provider_key, provider_display_name, user_id)
		values ($1, $2, $3, $4)
	`, login.Provider, login.ProviderKey, login.DisplayName, login.UserID)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: login %s/%s", ErrConflict, login.Provider, login.ProviderKey)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: user %s", ErrNotFound, login.UserID)
		}
	}
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.UserName, &u.NormalizedUserName, &u.Email, &u.NormalizedEmail,
		&u.EmailConfirmed, &u.PasswordHash, &u.SecurityStamp, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Role store ---------------------------------------------------------------
type roleStore struct{ q queryer }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	role.NormalizedName = Normalize(role.Name)
	err := s.q.QueryRowContext(ctx, `
		insert into roles (id, name, normalized_name) values ($1, $2, $3)
		returning created_at
	`, role.ID, role.Name, role.NormalizedName).Scan(&role.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: role %s", ErrConflict, role.Name)
	}
	return err
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	err := s.q.QueryRowContext(ctx,
		`select id, name, normalized_name, created_at from roles where normalized_name = $1`, Normalize(name)).
		Scan(&role.ID, &role.Name, &role.NormalizedName, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) AddUser(ctx context.Context, userID, roleName string) error {
	role, err := s.FindByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("role %s: %w", roleName, err)
	}
	_, err = s.q.ExecContext(ctx,
		`insert into user_roles (user_id, role_id) values ($1, $2) on conflict do nothing`, userID, role.ID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return err
}

func (s *roleStore) ForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by ur.seq
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Claim store --------------------------------------------------------------
type claimStore struct{ q queryer }

func (s *claimStore) Add(ctx context.Context, userID string, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	var (
		values []string
		args   []any
	)
	for i, c := range claims {
		if strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("%w: claim type is required", ErrInvalidInput)
		}
		n := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4))
		args = append(args, userID, c.Type, c.Value, c.ValueType)
	}
	_, err := s.q.ExecContext(ctx,
		`insert into user_claims (user_id, claim_type, claim_value, value_type) values `+strings.Join(values, ", "), args...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return err
}

func (s *claimStore) ForUser(ctx context.Context, userID string) ([]Claim, error) {
	rows, err := s.q.QueryContext(ctx,
		`select claim_type, claim_value, value_type from user_claims where user_id = $1 order by id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.Type, &c.Value, &c.ValueType); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
