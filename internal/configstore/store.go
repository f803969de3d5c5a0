package configstore

import "context"

// Store describes persistence operations of the configuration store.
type Store interface {
	Clients(ctx context.Context) ClientStore
	IdentityResources(ctx context.Context) IdentityResourceStore
	ApiScopes(ctx context.Context) ApiScopeStore
}

// Tx is a Store bound to a single transaction.
type Tx interface {
	Store
	Lock(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Database is the configuration store with its lifecycle operations.
type Database interface {
	Store
	Begin(ctx context.Context) (Tx, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

type ClientStore interface {
	Count(ctx context.Context) (int, error)
	// Add inserts all clients in one statement.
	Add(ctx context.Context, clients []Client) error
	Find(ctx context.Context, clientID string) (*Client, error)
	List(ctx context.Context) ([]Client, error)
}

type IdentityResourceStore interface {
	Count(ctx context.Context) (int, error)
	Add(ctx context.Context, resources []IdentityResource) error
	List(ctx context.Context) ([]IdentityResource, error)
}

type ApiScopeStore interface {
	Count(ctx context.Context) (int, error)
	Add(ctx context.Context, scopes []ApiScope) error
	List(ctx context.Context) ([]ApiScope, error)
}
