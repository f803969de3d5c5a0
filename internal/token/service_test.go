package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/keyring"
	"godwit.dev/identity/internal/signing"
)

const (
	roClientID     = "ro.client"
	roClientSecret = "8F2A3B6C-5D4E-4F70-9A1B-2C3D4E5F6A7B"
)

type fixture struct {
	svc    *Service
	cred   *signing.Credential
	grants *grants.MemoryStore
	users  *identity.MemoryStore
	user   *identity.User
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	users := identity.NewMemoryStore()
	hash, err := identity.HashPassword("Pass123$")
	require.NoError(t, err)
	user := &identity.User{UserName: "bob", Email: "BobSmith@email.com", PasswordHash: hash}
	require.NoError(t, users.Users(ctx).Create(ctx, user))
	require.NoError(t, users.Roles(ctx).Create(ctx, &identity.Role{Name: "user"}))
	require.NoError(t, users.Roles(ctx).AddUser(ctx, user.ID, "user"))
	require.NoError(t, users.Claims(ctx).Add(ctx, user.ID, []identity.Claim{
		{Type: "name", Value: "Bob Smith"},
	}))

	config := configstore.NewMemoryStore()
	clients, err := configstore.ClientEntities(configstore.Clients())
	require.NoError(t, err)
	require.NoError(t, config.Clients(ctx).Add(ctx, clients))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "token"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	cred := signing.NewCredential(&keyring.Certificate{Leaf: leaf, PrivateKey: key})

	f := &fixture{cred: cred, grants: grants.NewMemoryStore(), users: users, user: user, now: time.Now()}
	f.svc = NewService("https://id.godwit.test/",
		configstore.NewClientManager(config, nil),
		users,
		claims.NewFactory(claims.NewEngine(users)),
		cred,
		f.grants,
		WithClock(func() time.Time { return f.now }),
		WithAccessTTL(10*time.Minute),
	)
	return f
}

func passwordRequest(scope string) Request {
	return Request{
		GrantType:    GrantPassword,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		Username:     "bob",
		Password:     "Pass123$",
		Scope:        scope,
	}
}

func requireRFCError(t *testing.T, err error, code string) {
	t.Helper()
	var rfc *fosite.RFC6749Error
	require.True(t, errors.As(err, &rfc), "expected RFC6749 error, got %v", err)
	assert.Equal(t, code, rfc.ErrorField)
}

func TestPasswordGrantIssuesAccessToken(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Issue(context.Background(), passwordRequest("hasura"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 600, resp.ExpiresIn)
	assert.Equal(t, "hasura", resp.Scope)
	assert.Empty(t, resp.IDToken)
	assert.Empty(t, resp.RefreshToken)

	access := jwt.MapClaims{}
	require.NoError(t, f.cred.Verify(resp.AccessToken, access))
	assert.Equal(t, f.user.ID, access["sub"])
	assert.Equal(t, "https://id.godwit.test", access["iss"])
	assert.Equal(t, roClientID, access["client_id"])
	assert.Equal(t, "Bob Smith", access["name"])
	assert.Equal(t, "user", access["role"])

	hasura, ok := access[claims.HasuraClaimType].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, f.user.ID, hasura["x-hasura-user-id"])
	assert.Equal(t, "user", hasura["x-hasura-default-role"])
}

func TestAccessTokenCarriesEveryRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.Roles(ctx).Create(ctx, &identity.Role{Name: "admin"}))
	require.NoError(t, f.users.Roles(ctx).AddUser(ctx, f.user.ID, "admin"))

	resp, err := f.svc.Issue(ctx, passwordRequest("hasura"))
	require.NoError(t, err)

	access := jwt.MapClaims{}
	require.NoError(t, f.cred.Verify(resp.AccessToken, access))
	assert.Equal(t, []any{"user", "admin"}, access["role"])
}

func TestPasswordGrantIssuesIDTokenForOpenID(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Issue(context.Background(), passwordRequest("openid profile"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)

	id := jwt.MapClaims{}
	require.NoError(t, f.cred.Verify(resp.IDToken, id))
	assert.Equal(t, f.user.ID, id["sub"])
	assert.Equal(t, "Bob Smith", id["name"])
	aud, err := id.GetAudience()
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{roClientID}, aud)
}

func TestPasswordGrantRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := passwordRequest("")
	req.Password = "nope"
	_, err := f.svc.Issue(ctx, req)
	requireRFCError(t, err, "invalid_grant")

	req = passwordRequest("")
	req.Username = "mallory"
	_, err = f.svc.Issue(ctx, req)
	requireRFCError(t, err, "invalid_grant")

	req = passwordRequest("")
	req.ClientSecret = "wrong"
	_, err = f.svc.Issue(ctx, req)
	requireRFCError(t, err, "invalid_client")

	req = passwordRequest("")
	req.ClientID = "missing"
	_, err = f.svc.Issue(ctx, req)
	requireRFCError(t, err, "invalid_client")
}

func TestPasswordGrantRejectsUnknownScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), passwordRequest("godwit.api"))
	requireRFCError(t, err, "invalid_scope")
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), Request{GrantType: "client_credentials", ClientID: roClientID})
	requireRFCError(t, err, "unsupported_grant_type")
}

func TestClientNotAllowedGrantType(t *testing.T) {
	f := newFixture(t)
	req := passwordRequest("")
	req.ClientID = "m2m.client"
	req.ClientSecret = "511536EF-F270-4058-80CA-1C89C192F69A"
	_, err := f.svc.Issue(context.Background(), req)
	requireRFCError(t, err, "unauthorized_client")
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, passwordRequest("openid hasura offline_access"))
	require.NoError(t, err)
	require.NotEmpty(t, first.RefreshToken)

	stored, err := f.grants.Get(ctx, grants.HashKey(first.RefreshToken, grants.TypeRefreshToken))
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, stored.SubjectID)
	assert.Equal(t, roClientID, stored.ClientID)

	f.now = f.now.Add(time.Minute)
	second, err := f.svc.Issue(ctx, Request{
		GrantType:    GrantRefreshToken,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		RefreshToken: first.RefreshToken,
		Scope:        "hasura offline_access",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "hasura offline_access", second.Scope)
	assert.Empty(t, second.IDToken)

	// Replaying the consumed token revokes the whole family.
	_, err = f.svc.Issue(ctx, Request{
		GrantType:    GrantRefreshToken,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		RefreshToken: first.RefreshToken,
	})
	requireRFCError(t, err, "invalid_grant")

	_, err = f.grants.Get(ctx, grants.HashKey(second.RefreshToken, grants.TypeRefreshToken))
	assert.ErrorIs(t, err, grants.ErrNotFound)
}

func TestRefreshTokenScopeCannotWiden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Issue(ctx, passwordRequest("hasura offline_access"))
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, Request{
		GrantType:    GrantRefreshToken,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		RefreshToken: first.RefreshToken,
		Scope:        "hasura profile",
	})
	requireRFCError(t, err, "invalid_scope")
}

func TestRefreshTokenExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Issue(ctx, passwordRequest("offline_access"))
	require.NoError(t, err)

	f.now = f.now.Add(defaultRefreshTTL + time.Second)
	_, err = f.svc.Issue(ctx, Request{
		GrantType:    GrantRefreshToken,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		RefreshToken: first.RefreshToken,
	})
	requireRFCError(t, err, "invalid_grant")
}

func TestRefreshTokenMalformed(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), Request{
		GrantType:    GrantRefreshToken,
		ClientID:     roClientID,
		ClientSecret: roClientSecret,
		RefreshToken: "garbage",
	})
	requireRFCError(t, err, "invalid_grant")
}
