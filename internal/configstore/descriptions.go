package configstore

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const defaultAccessTokenLifetime = time.Hour

// ClientDescription is the authored form of a client. Secret is plaintext
// and is hashed by ToEntity; an empty secret makes the client public.
type ClientDescription struct {
	ClientID               string
	ClientName             string
	Secret                 string
	GrantTypes             []string
	ResponseTypes          []string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedScopes          []string
	AllowedCorsOrigins     []string
	Audience               []string
	RequirePKCE            bool
	AllowOfflineAccess     bool
	AccessTokenLifetime    time.Duration
}

func (d ClientDescription) ToEntity() (Client, error) {
	if strings.TrimSpace(d.ClientID) == "" {
		return Client{}, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	c := Client{
		ClientID:               d.ClientID,
		ClientName:             d.ClientName,
		Public:                 d.Secret == "",
		GrantTypes:             nonNil(d.GrantTypes),
		ResponseTypes:          nonNil(d.ResponseTypes),
		RedirectURIs:           nonNil(d.RedirectURIs),
		PostLogoutRedirectURIs: nonNil(d.PostLogoutRedirectURIs),
		AllowedScopes:          nonNil(d.AllowedScopes),
		AllowedCorsOrigins:     nonNil(d.AllowedCorsOrigins),
		Audience:               nonNil(d.Audience),
		RequirePKCE:            d.RequirePKCE,
		AllowOfflineAccess:     d.AllowOfflineAccess,
		AccessTokenLifetime:    d.AccessTokenLifetime,
		Enabled:                true,
	}
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = defaultAccessTokenLifetime
	}
	if len(c.ResponseTypes) == 0 && contains(c.GrantTypes, "authorization_code") {
		c.ResponseTypes = []string{"code"}
	}
	if d.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(d.Secret), bcrypt.DefaultCost)
		if err != nil {
			return Client{}, fmt.Errorf("hash secret for %s: %w", d.ClientID, err)
		}
		c.SecretHash = string(hash)
	}
	return c, nil
}

type IdentityResourceDescription struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Emphasize   bool
	UserClaims  []string
}

func (d IdentityResourceDescription) ToEntity() IdentityResource {
	return IdentityResource{
		Name:            d.Name,
		DisplayName:     d.DisplayName,
		Description:     d.Description,
		Required:        d.Required,
		Emphasize:       d.Emphasize,
		ShowInDiscovery: true,
		UserClaims:      nonNil(d.UserClaims),
		Enabled:         true,
	}
}

type ApiScopeDescription struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Emphasize   bool
	UserClaims  []string
}

func (d ApiScopeDescription) ToEntity() ApiScope {
	return ApiScope{
		Name:        d.Name,
		DisplayName: d.DisplayName,
		Description: d.Description,
		Required:    d.Required,
		Emphasize:   d.Emphasize,
		UserClaims:  nonNil(d.UserClaims),
		Enabled:     true,
	}
}

// ClientEntities converts every description, stopping at the first error.
func ClientEntities(descs []ClientDescription) ([]Client, error) {
	out := make([]Client, 0, len(descs))
	for _, d := range descs {
		c, err := d.ToEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func IdentityResourceEntities(descs []IdentityResourceDescription) []IdentityResource {
	out := make([]IdentityResource, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.ToEntity())
	}
	return out
}

func ApiScopeEntities(descs []ApiScopeDescription) []ApiScope {
	out := make([]ApiScope, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.ToEntity())
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
