package configstore

import (
	"time"

	"godwit.dev/identity/internal/claims"
)

// Scope names shared by the predefined resources and clients.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeRoles         = "roles"
	ScopeOfflineAccess = "offline_access"
	ScopeHasura        = "hasura"
	ScopeGodwitAPI     = "godwit.api"
)

func IdentityResources() []IdentityResourceDescription {
	return []IdentityResourceDescription{
		{
			Name:        ScopeOpenID,
			DisplayName: "Your user identifier",
			Required:    true,
			UserClaims:  []string{"sub"},
		},
		{
			Name:        ScopeProfile,
			DisplayName: "User profile",
			Description: "Your user profile information (first name, last name, etc.)",
			Emphasize:   true,
			UserClaims: []string{
				"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
				"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
			},
		},
		{
			Name:        ScopeEmail,
			DisplayName: "Your email address",
			Emphasize:   true,
			UserClaims:  []string{"email", "email_verified"},
		},
		{
			Name:        ScopeRoles,
			DisplayName: "Your roles",
			UserClaims:  []string{claims.RoleClaimType},
		},
	}
}

func ApiScopes() []ApiScopeDescription {
	return []ApiScopeDescription{
		{
			Name:        ScopeHasura,
			DisplayName: "Hasura GraphQL API",
			UserClaims:  []string{claims.HasuraClaimType},
		},
		{
			Name:        ScopeGodwitAPI,
			DisplayName: "Godwit API",
			UserClaims:  []string{claims.NameClaimType, claims.RoleClaimType},
		},
	}
}

func Clients() []ClientDescription {
	return []ClientDescription{
		{
			ClientID:      "m2m.client",
			ClientName:    "Machine to machine client",
			Secret:        "511536EF-F270-4058-80CA-1C89C192F69A",
			GrantTypes:    []string{"client_credentials"},
			AllowedScopes: []string{ScopeGodwitAPI},
		},
		{
			ClientID:               "interactive",
			ClientName:             "Interactive web client",
			Secret:                 "49C1A7E1-0C79-4A89-A3D6-A37998FB86B0",
			GrantTypes:             []string{"authorization_code", "refresh_token"},
			RedirectURIs:           []string{"https://localhost:44300/signin-oidc"},
			PostLogoutRedirectURIs: []string{"https://localhost:44300/signout-callback-oidc"},
			AllowedScopes: []string{
				ScopeOpenID, ScopeProfile, ScopeEmail, ScopeRoles, ScopeHasura, ScopeGodwitAPI, ScopeOfflineAccess,
			},
			RequirePKCE:        true,
			AllowOfflineAccess: true,
		},
		{
			ClientID:            "spa",
			ClientName:          "Single page application",
			GrantTypes:          []string{"authorization_code"},
			RedirectURIs:        []string{"http://localhost:3000/callback"},
			AllowedCorsOrigins:  []string{"http://localhost:3000"},
			AllowedScopes:       []string{ScopeOpenID, ScopeProfile, ScopeHasura},
			RequirePKCE:         true,
			AccessTokenLifetime: 15 * time.Minute,
		},
		{
			ClientID:   "ro.client",
			ClientName: "Resource owner password client",
			Secret:     "8F2A3B6C-5D4E-4F70-9A1B-2C3D4E5F6A7B",
			GrantTypes: []string{"password", "refresh_token"},
			AllowedScopes: []string{
				ScopeOpenID, ScopeProfile, ScopeEmail, ScopeRoles, ScopeHasura, ScopeOfflineAccess,
			},
			AllowOfflineAccess: true,
		},
	}
}
