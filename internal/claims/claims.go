// Package claims assembles the claim set attached to issued tokens and wraps
// it into authenticated principals.
package claims

import (
	"context"
	"errors"
	"fmt"

	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/obs"
)

const (
	SubjectClaimType = "sub"
	JSONValueType    = "json"
)

var ErrInvalidUser = errors.New("claims: invalid user")

// SnapshotSource returns a consistent view of a user's claims and roles.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (identity.Snapshot, error)
}

// Engine enriches users with derived claims.
type Engine struct {
	source SnapshotSource
}

func NewEngine(source SnapshotSource) *Engine {
	return &Engine{source: source}
}

// EnrichClaims returns the user's stored claims followed by the Hasura claim
// and the subject claim.
func (e *Engine) EnrichClaims(ctx context.Context, user *identity.User) ([]identity.Claim, error) {
	if user == nil || user.ID == "" {
		obs.ClaimsEnrichments.WithLabelValues("invalid_user").Inc()
		return nil, ErrInvalidUser
	}
	snap, err := e.source.Snapshot(ctx, user.ID)
	if err != nil {
		obs.ClaimsEnrichments.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("claims: snapshot for user %s: %w", user.ID, err)
	}
	value, err := NewHasuraClaim(user.ID, snap.Roles).Marshal()
	if err != nil {
		obs.ClaimsEnrichments.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("claims: encode hasura claim: %w", err)
	}

	out := make([]identity.Claim, 0, len(snap.Claims)+2)
	out = append(out, snap.Claims...)
	out = append(out,
		identity.Claim{Type: HasuraClaimType, Value: value, ValueType: JSONValueType},
		identity.Claim{Type: SubjectClaimType, Value: user.ID},
	)
	obs.ClaimsEnrichments.WithLabelValues("ok").Inc()
	return out, nil
}
