// Package token implements the token endpoint grants served directly by the
// identity service: resource owner password and refresh token.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/ids"
	"godwit.dev/identity/internal/obs"
)

const (
	GrantPassword     = "password"
	GrantRefreshToken = "refresh_token"

	scopeOpenID        = "openid"
	scopeOfflineAccess = "offline_access"

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour * 30
)

// Issuer exchanges token requests for tokens.
type Issuer interface {
	Issue(ctx context.Context, req Request) (*Response, error)
}

// Signer produces signed JWTs.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
}

// PrincipalFactory builds principals from users.
type PrincipalFactory interface {
	CreatePrincipal(ctx context.Context, user *identity.User) (*claims.Principal, error)
}

// Request is a parsed token endpoint request.
type Request struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	RefreshToken string
	Scope        string
}

// Response is the RFC 6749 token response body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// refreshData is persisted with each refresh token grant.
type refreshData struct {
	Scopes   []string `json:"scopes"`
	AuthTime int64    `json:"auth_time"`
}

// Service issues tokens for users of the identity store.
type Service struct {
	clients    fosite.ClientManager
	users      identity.Store
	principals PrincipalFactory
	signer     Signer
	grants     grants.Store
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

var _ Issuer = (*Service)(nil)

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(issuer string, clients fosite.ClientManager, users identity.Store, principals PrincipalFactory,
	signer Signer, store grants.Store, opts ...ServiceOption) *Service {
	s := &Service{
		clients:    clients,
		users:      users,
		principals: principals,
		signer:     signer,
		grants:     store,
		issuer:     strings.TrimRight(issuer, "/"),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue dispatches on the grant type. Errors are fosite RFC 6749 errors
// except for unexpected store failures.
func (s *Service) Issue(ctx context.Context, req Request) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	switch req.GrantType {
	case GrantPassword:
		resp, err = s.passwordGrant(ctx, req)
	case GrantRefreshToken:
		resp, err = s.refreshGrant(ctx, req)
	default:
		err = fosite.ErrUnsupportedGrantType.WithHintf("grant type %q is not supported", req.GrantType)
	}
	result := "ok"
	if err != nil {
		result = "error"
		var rfc *fosite.RFC6749Error
		if errors.As(err, &rfc) {
			result = rfc.ErrorField
		}
	}
	obs.TokenRequests.WithLabelValues(grantLabel(req.GrantType), result).Inc()
	return resp, err
}

func (s *Service) passwordGrant(ctx context.Context, req Request) (*Response, error) {
	client, err := s.authenticateClient(ctx, req, GrantPassword)
	if err != nil {
		return nil, err
	}
	scopes, err := grantedScopes(client, req.Scope)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("username and password are required")
	}
	user, err := s.users.Users(ctx).FindByName(ctx, req.Username)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHint("invalid username or password")
	}
	if err != nil {
		return nil, err
	}
	if err := identity.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		return nil, fosite.ErrInvalidGrant.WithHint("invalid username or password")
	}
	return s.mintTokens(ctx, client, user, scopes, s.now())
}

// refreshGrant rotates the refresh token: the presented grant is consumed and
// a replayed token revokes every refresh token of that subject and client.
func (s *Service) refreshGrant(ctx context.Context, req Request) (*Response, error) {
	client, err := s.authenticateClient(ctx, req, GrantRefreshToken)
	if err != nil {
		return nil, err
	}
	if _, _, err := splitRefreshToken(req.RefreshToken); err != nil {
		return nil, fosite.ErrInvalidGrant.WithHint("malformed refresh token")
	}
	key := grants.HashKey(req.RefreshToken, grants.TypeRefreshToken)
	g, err := s.grants.Get(ctx, key)
	if errors.Is(err, grants.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHint("unknown refresh token")
	}
	if err != nil {
		return nil, err
	}
	if g.ClientID != client.GetID() {
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token was issued to another client")
	}
	now := s.now()
	if g.Expired(now) {
		return nil, fosite.ErrInvalidGrant.WithHint("refresh token expired")
	}
	if err := s.grants.Consume(ctx, key, now); err != nil {
		if errors.Is(err, grants.ErrConsumed) {
			_, _ = s.grants.RemoveAll(ctx, grants.Filter{SubjectID: g.SubjectID, ClientID: g.ClientID, Type: grants.TypeRefreshToken})
			return nil, fosite.ErrInvalidGrant.WithHint("refresh token already used")
		}
		return nil, err
	}

	var data refreshData
	if err := json.Unmarshal([]byte(g.Data), &data); err != nil {
		return nil, fmt.Errorf("token: decode refresh grant: %w", err)
	}
	scopes := data.Scopes
	if requested := fosite.RemoveEmpty(strings.Split(req.Scope, " ")); len(requested) > 0 {
		for _, sc := range requested {
			if !fosite.ExactScopeStrategy(data.Scopes, sc) {
				return nil, fosite.ErrInvalidScope.WithHintf("scope %q was not originally granted", sc)
			}
		}
		scopes = requested
	}
	user, err := s.users.Users(ctx).Find(ctx, g.SubjectID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHint("subject no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return s.mintTokens(ctx, client, user, scopes, time.Unix(data.AuthTime, 0))
}

func (s *Service) authenticateClient(ctx context.Context, req Request, grantType string) (fosite.Client, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			return nil, fosite.ErrInvalidClient.WithHint("unknown client")
		}
		return nil, err
	}
	if !client.IsPublic() {
		if bcrypt.CompareHashAndPassword(client.GetHashedSecret(), []byte(req.ClientSecret)) != nil {
			return nil, fosite.ErrInvalidClient.WithHint("client authentication failed")
		}
	}
	if !client.GetGrantTypes().Has(grantType) {
		return nil, fosite.ErrUnauthorizedClient.WithHintf("client is not allowed to use grant type %q", grantType)
	}
	return client, nil
}

func grantedScopes(client fosite.Client, raw string) ([]string, error) {
	requested := fosite.RemoveEmpty(strings.Split(raw, " "))
	if len(requested) == 0 {
		return append([]string(nil), client.GetScopes()...), nil
	}
	for _, sc := range requested {
		if !fosite.ExactScopeStrategy(client.GetScopes(), sc) {
			return nil, fosite.ErrInvalidScope.WithHintf("client is not allowed to request scope %q", sc)
		}
	}
	return requested, nil
}

func (s *Service) mintTokens(ctx context.Context, client fosite.Client, user *identity.User, scopes []string, authTime time.Time) (*Response, error) {
	principal, err := s.principals.CreatePrincipal(ctx, user)
	if err != nil {
		return nil, err
	}
	now := s.now()
	session := principal.Session()
	audience := []string(client.GetAudience())
	if len(audience) == 0 {
		audience = []string{client.GetID()}
	}

	access := jwt.MapClaims{}
	for k, v := range session.Claims.Extra {
		access[k] = v
	}
	switch roles := principal.Roles(); len(roles) {
	case 0:
	case 1:
		access[claims.RoleClaimType] = roles[0]
	default:
		access[claims.RoleClaimType] = roles
	}
	access["iss"] = s.issuer
	access["sub"] = principal.Subject
	access["aud"] = audience
	access["client_id"] = client.GetID()
	access["scope"] = strings.Join(scopes, " ")
	access["iat"] = now.Unix()
	access["nbf"] = now.Unix()
	access["exp"] = now.Add(s.accessTTL).Unix()
	access["auth_time"] = authTime.Unix()
	access["jti"] = ids.New()

	accessToken, err := s.signer.Sign(access)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL / time.Second),
		Scope:       strings.Join(scopes, " "),
	}

	if fosite.Arguments(scopes).Has(scopeOpenID) {
		idClaims := session.Claims
		idClaims.Issuer = s.issuer
		idClaims.Audience = []string{client.GetID()}
		idClaims.IssuedAt = now
		idClaims.ExpiresAt = now.Add(s.accessTTL)
		idClaims.AuthTime = authTime
		idClaims.JTI = ids.New()
		idToken, err := s.signer.Sign(jwt.MapClaims(idClaims.ToMapClaims()))
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	if fosite.Arguments(scopes).Has(scopeOfflineAccess) && client.GetGrantTypes().Has(GrantRefreshToken) {
		refresh, err := s.issueRefreshToken(ctx, client.GetID(), principal.Subject, scopes, authTime, now)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

func (s *Service) issueRefreshToken(ctx context.Context, clientID, subject string, scopes []string, authTime, now time.Time) (string, error) {
	secret, err := ids.Secret(32)
	if err != nil {
		return "", err
	}
	handle := ids.New() + "." + secret
	data, err := json.Marshal(refreshData{Scopes: scopes, AuthTime: authTime.Unix()})
	if err != nil {
		return "", err
	}
	exp := now.Add(s.refreshTTL).UTC()
	err = s.grants.Store(ctx, &grants.Grant{
		Key:        grants.HashKey(handle, grants.TypeRefreshToken),
		Type:       grants.TypeRefreshToken,
		SubjectID:  subject,
		ClientID:   clientID,
		CreatedAt:  now.UTC(),
		Expiration: &exp,
		Data:       string(data),
	})
	if err != nil {
		return "", fmt.Errorf("token: store refresh token: %w", err)
	}
	return handle, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func grantLabel(grantType string) string {
	switch grantType {
	case GrantPassword, GrantRefreshToken:
		return grantType
	default:
		return "unsupported"
	}
}
