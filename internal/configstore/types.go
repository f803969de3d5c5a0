package configstore

import "time"

// Client is a registered OAuth2/OIDC client. SecretHash holds a bcrypt hash.
type Client struct {
	ClientID               string
	ClientName             string
	SecretHash             string
	Public                 bool
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
	Enabled                bool
	CreatedAt              time.Time
}

// IdentityResource groups user claims requestable through a scope.
type IdentityResource struct {
	Name            string
	DisplayName     string
	Description     string
	Required        bool
	Emphasize       bool
	ShowInDiscovery bool
	UserClaims      []string
	Enabled         bool
	CreatedAt       time.Time
}

// ApiScope is a scope granting access to an API.
type ApiScope struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Emphasize   bool
	UserClaims  []string
	Enabled     bool
	CreatedAt   time.Time
}
