package configstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ory/fosite"
)

var _ fosite.ClientManager = (*ClientManager)(nil)

// AssertionRegistry remembers JWT client assertion ids until they expire.
type AssertionRegistry interface {
	AssertionUsed(ctx context.Context, jti string) (bool, error)
	MarkAssertionUsed(ctx context.Context, jti string, exp time.Time) error
}

// ClientManager exposes configuration store clients to fosite. The token
// endpoint authenticates clients by secret and only calls GetClient; the
// assertion methods complete fosite.ClientManager so a fosite provider with
// private_key_jwt authentication can use the same manager.
type ClientManager struct {
	store      Store
	assertions AssertionRegistry
}

func NewClientManager(store Store, assertions AssertionRegistry) *ClientManager {
	return &ClientManager{store: store, assertions: assertions}
}

// GetClient returns enabled clients only.
func (m *ClientManager) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	c, err := m.store.Clients(ctx).Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fosite.ErrNotFound.WithHintf("client %q is not registered", id)
	}
	if err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, fosite.ErrNotFound.WithHintf("client %q is disabled", id)
	}
	return c.Fosite(), nil
}

// ClientAssertionJWTValid reports fosite.ErrJTIKnown for a replayed assertion id.
func (m *ClientManager) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	used, err := m.assertions.AssertionUsed(ctx, jti)
	if err != nil {
		return err
	}
	if used {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT records an assertion id until exp.
func (m *ClientManager) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	if err := m.assertions.MarkAssertionUsed(ctx, jti, exp); err != nil {
		return fmt.Errorf("record client assertion: %w", err)
	}
	return nil
}

// Fosite converts the client into fosite's representation.
func (c *Client) Fosite() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ClientID,
		Secret:        []byte(c.SecretHash),
		RedirectURIs:  append([]string(nil), c.RedirectURIs...),
		GrantTypes:    fosite.Arguments(c.GrantTypes),
		ResponseTypes: fosite.Arguments(c.ResponseTypes),
		Scopes:        fosite.Arguments(c.AllowedScopes),
		Audience:      fosite.Arguments(c.Audience),
		Public:        c.Public,
	}
}
