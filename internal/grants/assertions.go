package grants

import (
	"context"
	"errors"
	"time"
)

// assertionClient is the client id recorded on jwt_assertion grants.
const assertionClient = "client_assertion"

// AssertionRegistry records used JWT client assertion ids as grants.
type AssertionRegistry struct {
	store Store
	now   func() time.Time
}

func NewAssertionRegistry(store Store) *AssertionRegistry {
	return &AssertionRegistry{store: store, now: time.Now}
}

// AssertionUsed reports whether jti was recorded and has not yet expired.
func (r *AssertionRegistry) AssertionUsed(ctx context.Context, jti string) (bool, error) {
	g, err := r.store.Get(ctx, HashKey(jti, TypeJWTAssertion))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !g.Expired(r.now()), nil
}

func (r *AssertionRegistry) MarkAssertionUsed(ctx context.Context, jti string, exp time.Time) error {
	exp = exp.UTC()
	return r.store.Store(ctx, &Grant{
		Key:        HashKey(jti, TypeJWTAssertion),
		Type:       TypeJWTAssertion,
		ClientID:   assertionClient,
		Expiration: &exp,
	})
}
