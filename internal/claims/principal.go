package claims

import (
	"context"
	"encoding/json"

	"github.com/ory/fosite/handler/openid"
	fjwt "github.com/ory/fosite/token/jwt"

	"godwit.dev/identity/internal/identity"
)

const (
	AuthenticationScheme = "godwit-sso"
	NameClaimType        = "name"
	RoleClaimType        = "role"
)

// Enricher produces the claim set for a user.
type Enricher interface {
	EnrichClaims(ctx context.Context, user *identity.User) ([]identity.Claim, error)
}

// Factory turns user records into principals.
type Factory struct {
	enricher Enricher
}

func NewFactory(enricher Enricher) *Factory {
	return &Factory{enricher: enricher}
}

// CreatePrincipal enriches the user and wraps the result. It fails exactly
// when enrichment fails.
func (f *Factory) CreatePrincipal(ctx context.Context, user *identity.User) (*Principal, error) {
	claims, err := f.enricher.EnrichClaims(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Principal{
		AuthenticationScheme: AuthenticationScheme,
		NameClaimType:        NameClaimType,
		RoleClaimType:        RoleClaimType,
		Subject:              user.ID,
		UserName:             user.UserName,
		Claims:               claims,
	}, nil
}

// Principal is an authenticated identity with its claims.
type Principal struct {
	AuthenticationScheme string
	NameClaimType        string
	RoleClaimType        string
	Subject              string
	UserName             string
	Claims               []identity.Claim
}

// FindFirst returns the first claim of the given kind.
func (p *Principal) FindFirst(kind string) (identity.Claim, bool) {
	for _, c := range p.Claims {
		if c.Type == kind {
			return c, true
		}
	}
	return identity.Claim{}, false
}

func (p *Principal) Name() string {
	c, _ := p.FindFirst(p.NameClaimType)
	return c.Value
}

// Roles lists role claims, then any Hasura allowed roles not already present.
func (p *Principal) Roles() []string {
	var roles []string
	seen := make(map[string]struct{})
	add := func(r string) {
		if _, ok := seen[r]; ok || r == "" {
			return
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	for _, c := range p.Claims {
		if c.Type == p.RoleClaimType {
			add(c.Value)
		}
	}
	if c, ok := p.FindFirst(HasuraClaimType); ok {
		if h, err := ParseHasuraClaim(c.Value); err == nil {
			for _, r := range h.AllowedRoles {
				add(r)
			}
		}
	}
	return roles
}

func (p *Principal) IsInRole(role string) bool {
	for _, r := range p.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// Session builds the fosite session handed to the token collaborator. JSON
// claims are embedded as objects and repeated kinds become arrays.
func (p *Principal) Session() *openid.DefaultSession {
	extra := make(map[string]any)
	repeated := make(map[string]bool)
	for _, c := range p.Claims {
		if c.Type == SubjectClaimType {
			continue
		}
		var v any = c.Value
		if c.ValueType == JSONValueType {
			var obj any
			if err := json.Unmarshal([]byte(c.Value), &obj); err == nil {
				v = obj
			}
		}
		existing, seen := extra[c.Type]
		switch {
		case !seen:
			extra[c.Type] = v
		case repeated[c.Type]:
			extra[c.Type] = append(existing.([]any), v)
		default:
			extra[c.Type] = []any{existing, v}
			repeated[c.Type] = true
		}
	}
	return &openid.DefaultSession{
		Claims: &fjwt.IDTokenClaims{
			Subject: p.Subject,
			Extra:   extra,
		},
		Headers:  &fjwt.Headers{},
		Subject:  p.Subject,
		Username: p.UserName,
	}
}
