package identity

import "context"

// Store describes persistence operations of the identity store.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Claims(ctx context.Context) ClaimStore
	// Snapshot reads the user's claims and roles so that both reflect the same state.
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}

// Tx is a Store bound to a single transaction.
type Tx interface {
	Store
	// Lock serialises concurrent writers of the identity store until the transaction ends.
	Lock(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Database is the identity store with its lifecycle operations.
type Database interface {
	Store
	Begin(ctx context.Context) (Tx, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// UserStore manages users and their external logins.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByName(ctx context.Context, userName string) (*User, error)
	FindByLogin(ctx context.Context, provider, providerKey string) (*User, error)
	AddLogin(ctx context.Context, login UserLogin) error
}

// RoleStore manages roles and memberships.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	FindByName(ctx context.Context, name string) (*Role, error)
	AddUser(ctx context.Context, userID, roleName string) error
	// ForUser lists role names in the order they were assigned.
	ForUser(ctx context.Context, userID string) ([]string, error)
}

// ClaimStore manages per-user claims.
type ClaimStore interface {
	Add(ctx context.Context, userID string, claims []Claim) error
	// ForUser lists claims in the order they were added.
	ForUser(ctx context.Context, userID string) ([]Claim, error)
}
