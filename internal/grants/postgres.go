package grants

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ Database = (*PGStore)(nil)

const grantColumns = `key, type, subject_id, session_id, client_id, description, created_at, expiration, consumed_at, data`

// PGStore implements Database using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Migrator() *migrate.Manager {
	return migrate.NewManager(s.db, migrations, "migrations",
		migrate.WithMigrationsTable("operational_schema_migrations"))
}

func (s *PGStore) Migrate(ctx context.Context) error {
	return database.Unavailable("operational store", s.Migrator().Up(ctx))
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Store(ctx context.Context, g *Grant) error {
	if g.Key == "" || g.Type == "" || g.ClientID == "" {
		return fmt.Errorf("%w: key, type and client id are required", ErrInvalidInput)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into persisted_grants (`+grantColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (key) do update set
			type = excluded.type,
			subject_id = excluded.subject_id,
			session_id = excluded.session_id,
			client_id = excluded.client_id,
			description = excluded.description,
			created_at = excluded.created_at,
			expiration = excluded.expiration,
			consumed_at = excluded.consumed_at,
			data = excluded.data
	`, g.Key, g.Type, g.SubjectID, g.SessionID, g.ClientID, g.Description, g.CreatedAt,
		nullTime(g.Expiration), nullTime(g.ConsumedAt), g.Data)
	return err
}

func (s *PGStore) Get(ctx context.Context, key string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `select `+grantColumns+` from persisted_grants where key = $1`, key)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PGStore) GetAll(ctx context.Context, f Filter) ([]Grant, error) {
	where, args, err := filterClause(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+grantColumns+` from persisted_grants where `+where+` order by created_at, key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PGStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from persisted_grants where key = $1`, key)
	return err
}

func (s *PGStore) RemoveAll(ctx context.Context, f Filter) (int64, error) {
	where, args, err := filterClause(f)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `delete from persisted_grants where `+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGStore) Consume(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update persisted_grants set consumed_at = $2 where key = $1 and consumed_at is null`, key, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrConsumed
}

func (s *PGStore) RemoveExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	if batch <= 0 {
		return 0, fmt.Errorf("%w: batch must be positive", ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		delete from persisted_grants
		where key in (
			select key from persisted_grants
			where expiration is not null and expiration < $1
			order by expiration
			limit $2
		)
	`, now.UTC(), batch)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func filterClause(f Filter) (string, []any, error) {
	if f.empty() {
		return "", nil, ErrEmptyFilter
	}
	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("subject_id", f.SubjectID)
	add("session_id", f.SessionID)
	add("client_id", f.ClientID)
	add("type", f.Type)
	return strings.Join(conds, " and "), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(row scanner) (Grant, error) {
	var (
		g                    Grant
		expiration, consumed sql.NullTime
	)
	if err := row.Scan(&g.Key, &g.Type, &g.SubjectID, &g.SessionID, &g.ClientID, &g.Description,
		&g.CreatedAt, &expiration, &consumed, &g.Data); err != nil {
		return Grant{}, err
	}
	if expiration.Valid {
		t := expiration.Time
		g.Expiration = &t
	}
	if consumed.Valid {
		t := consumed.Time
		g.ConsumedAt = &t
	}
	return g, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
