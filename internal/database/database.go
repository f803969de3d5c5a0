// Package database opens the PostgreSQL connections backing the three stores.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrStoreUnavailable indicates that a store could not be reached or prepared.
var ErrStoreUnavailable = errors.New("store unavailable")

// Target identifies one logical store.
type Target struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// DSN renders the target as a postgres URL understood by pgx.
func (t Target) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.User, t.Password),
		Host:   net.JoinHostPort(t.Host, t.Port),
		Path:   "/" + t.Database,
	}
	return u.String()
}

// String omits the password so targets can be logged.
func (t Target) String() string {
	return fmt.Sprintf("%s@%s/%s", t.User, net.JoinHostPort(t.Host, t.Port), t.Database)
}

// Open connects to the target and verifies it answers a ping.
func Open(ctx context.Context, t Target) (*sql.DB, error) {
	db, err := sql.Open("pgx", t.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, t, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, t, err)
	}
	return db, nil
}

// Unavailable wraps err as ErrStoreUnavailable for the named store.
func Unavailable(store string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, store, err)
}

// AdvisoryLock takes a transaction-scoped advisory lock so that concurrent
// writers against the same store serialise.
func AdvisoryLock(ctx context.Context, tx *sql.Tx, key int64) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, key)
	return err
}
