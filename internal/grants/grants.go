// Package grants persists transient authorization artifacts: codes, refresh
// tokens, consents and used client assertions.
package grants

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"
)

// Grant types.
const (
	TypeAuthorizationCode = "authorization_code"
	TypeRefreshToken      = "refresh_token"
	TypeUserConsent       = "user_consent"
	TypeReferenceToken    = "reference_token"
	TypeJWTAssertion      = "jwt_assertion"
)

var (
	ErrNotFound        = errors.New("grants: not found")
	ErrConsumed        = errors.New("grants: already consumed")
	ErrInvalidInput    = errors.New("grants: invalid input")
	ErrEmptyFilter     = errors.New("grants: filter must set at least one field")
	ErrProtectorFailed = errors.New("grants: data protection failed")
)

// Grant is a persisted authorization artifact. Key is the hashed handle.
type Grant struct {
	Key         string
	Type        string
	SubjectID   string
	SessionID   string
	ClientID    string
	Description string
	CreatedAt   time.Time
	Expiration  *time.Time
	ConsumedAt  *time.Time
	Data        string
}

// Expired reports whether the grant has an expiration at or before now.
func (g *Grant) Expired(now time.Time) bool {
	return g.Expiration != nil && !g.Expiration.After(now)
}

// Filter selects grants; empty fields are ignored.
type Filter struct {
	SubjectID string
	SessionID string
	ClientID  string
	Type      string
}

func (f Filter) empty() bool {
	return f.SubjectID == "" && f.SessionID == "" && f.ClientID == "" && f.Type == ""
}

func (f Filter) match(g Grant) bool {
	return (f.SubjectID == "" || f.SubjectID == g.SubjectID) &&
		(f.SessionID == "" || f.SessionID == g.SessionID) &&
		(f.ClientID == "" || f.ClientID == g.ClientID) &&
		(f.Type == "" || f.Type == g.Type)
}

// HashKey derives the stored key from a handle so raw handles never reach storage.
func HashKey(handle, grantType string) string {
	sum := sha256.Sum256([]byte(handle + ":" + grantType))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Store describes persistence operations of the operational store.
type Store interface {
	// Store inserts or replaces the grant with the same key.
	Store(ctx context.Context, g *Grant) error
	Get(ctx context.Context, key string) (*Grant, error)
	GetAll(ctx context.Context, f Filter) ([]Grant, error)
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, f Filter) (int64, error)
	// Consume marks the grant consumed; it fails with ErrConsumed on a second call.
	Consume(ctx context.Context, key string, at time.Time) error
	// RemoveExpired deletes at most batch grants expired before now.
	RemoveExpired(ctx context.Context, now time.Time, batch int) (int64, error)
}

// Database is the operational store with its lifecycle operations.
type Database interface {
	Store
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}
