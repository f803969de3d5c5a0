package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/external"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/keyring"
	"godwit.dev/identity/internal/seed"
	"godwit.dev/identity/internal/signing"
	"godwit.dev/identity/internal/token"
)

const (
	testIssuer     = "http://id.godwit.test"
	roClientID     = "ro.client"
	roClientSecret = "8F2A3B6C-5D4E-4F70-9A1B-2C3D4E5F6A7B"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

// prefixProtector marks sealed payloads so tests can tell them apart.
type prefixProtector struct{}

func (prefixProtector) Protect(plaintext []byte) ([]byte, error) {
	return append([]byte("sealed:"), plaintext...), nil
}

func (prefixProtector) Unprotect(protected []byte) ([]byte, error) {
	if !bytes.HasPrefix(protected, []byte("sealed:")) {
		return nil, errors.New("not sealed")
	}
	return bytes.TrimPrefix(protected, []byte("sealed:")), nil
}

type stubGoogle struct {
	identity *external.ExternalIdentity
	nonce    string
}

func (g *stubGoogle) AuthCodeURL(state, nonce string) string {
	g.nonce = nonce
	return "https://accounts.example.test/auth?state=" + url.QueryEscape(state)
}

func (g *stubGoogle) Exchange(ctx context.Context, code, nonce string) (*external.ExternalIdentity, error) {
	if code != "good-code" || nonce != g.nonce {
		return nil, errors.New("exchange rejected")
	}
	return g.identity, nil
}

type env struct {
	api      *API
	srv      *httptest.Server
	cred     *signing.Credential
	identity *identity.MemoryStore
	google   *stubGoogle
}

func testCredential(t *testing.T) *signing.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(5),
		Subject:      pkix.Name{CommonName: "httpapi"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return signing.NewCredential(&keyring.Certificate{Leaf: leaf, PrivateKey: key})
}

func newEnv(t *testing.T, mutate func(*Deps)) *env {
	t.Helper()
	ctx := context.Background()
	ids := identity.NewMemoryStore()
	cfg := configstore.NewMemoryStore()
	ops := grants.NewMemoryStore()
	require.NoError(t, seed.NewSeeder(ids, cfg, ops).Seed(ctx))

	cred := testCredential(t)
	factory := claims.NewFactory(claims.NewEngine(ids))
	google := &stubGoogle{identity: &external.ExternalIdentity{
		Provider: external.GoogleProvider,
		Subject:  "g-42",
		Email:    "dana@example.com",
		Name:     "Dana Scully",
	}}
	deps := Deps{
		Identity:      ids,
		Configuration: cfg,
		Operational:   ops,
		Cache:         stubPinger{},
		Tokens: token.NewService(testIssuer, configstore.NewClientManager(cfg, grants.NewAssertionRegistry(ops)),
			ids, factory, cred, ops),
		Credential:  cred,
		Principals:  factory,
		Cookies:     prefixProtector{},
		Google:      google,
		Provisioner: external.NewProvisioner(ids, nil),
		IssuerURI:   testIssuer,
		Development: true,
	}
	if mutate != nil {
		mutate(&deps)
	}
	api := New(deps)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &env{api: api, srv: srv, cred: cred, identity: ids, google: google}
}

func (e *env) client() *http.Client {
	c := e.srv.Client()
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

func (e *env) requestToken(t *testing.T, form url.Values, basic bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/connect/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basic {
		req.SetBasicAuth(roClientID, roClientSecret)
	}
	resp, err := e.client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) accessToken(t *testing.T, user string) string {
	t.Helper()
	resp := e.requestToken(t, url.Values{
		"grant_type": {"password"},
		"username":   {user},
		"password":   {"Pass123$"},
		"scope":      {"openid profile roles hasura"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body token.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.AccessToken
}

func (e *env) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthHealthy(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/hc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Len(t, body["entries"], 4)
}

func TestHealthReportsUnreachableCache(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Cache = stubPinger{err: errors.New("connection refused")} })
	resp := e.get(t, "/hc", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "unhealthy", body["status"])
	entries := body["entries"].(map[string]any)
	assert.Equal(t, "unhealthy", entries["cache"])
	assert.Equal(t, "healthy", entries["identity"])
}

func TestDiscoveryDocument(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/.well-known/openid-configuration", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, testIssuer, body["issuer"])
	assert.Equal(t, testIssuer+"/.well-known/openid-configuration/jwks", body["jwks_uri"])
	assert.Subset(t, body["scopes_supported"], []any{"openid", "profile", "hasura", "offline_access"})
}

func TestJWKS(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/.well-known/openid-configuration/jwks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	keys := body["keys"].([]any)
	require.Len(t, keys, 1)
	assert.Equal(t, e.cred.KeyID(), keys[0].(map[string]any)["kid"])
}

func TestTokenPasswordGrant(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.requestToken(t, url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"Pass123$"},
		"scope":      {"openid hasura offline_access"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body token.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.IDToken)
	assert.NotEmpty(t, body.RefreshToken)

	access := jwt.MapClaims{}
	require.NoError(t, e.cred.Verify(body.AccessToken, access))
	assert.Equal(t, "Alice Smith", access["name"])
}

func TestTokenRequestsAreAudited(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := newEnv(t, func(d *Deps) { d.Logger = zap.New(core) })

	e.requestToken(t, url.Values{"grant_type": {"password"}, "username": {"bob"}, "password": {"Pass123$"}}, true)
	e.requestToken(t, url.Values{"grant_type": {"password"}, "username": {"bob"}, "password": {"bad"}}, true)

	events := logs.FilterMessage("audit").All()
	require.Len(t, events, 2)
	assert.Equal(t, "token.issued", events[0].ContextMap()["event"])
	rejected := events[1].ContextMap()
	assert.Equal(t, "token.rejected", rejected["event"])
	assert.Equal(t, "invalid_grant", rejected["error"])
	assert.Equal(t, roClientID, rejected["client_id"])
}

func TestTokenClientSecretPost(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.requestToken(t, url.Values{
		"grant_type":    {"password"},
		"client_id":     {roClientID},
		"client_secret": {roClientSecret},
		"username":      {"bob"},
		"password":      {"Pass123$"},
	}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenInvalidClient(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.requestToken(t, url.Values{
		"grant_type":    {"password"},
		"client_id":     {roClientID},
		"client_secret": {"wrong"},
		"username":      {"bob"},
		"password":      {"Pass123$"},
	}, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "invalid_client", decode(t, resp)["error"])
}

func TestTokenInvalidGrant(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.requestToken(t, url.Values{
		"grant_type": {"password"},
		"username":   {"bob"},
		"password":   {"nope"},
	}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decode(t, resp)["error"])
}

func TestTokenMissingGrantType(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.requestToken(t, url.Values{}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode(t, resp)["error"])
}

func TestTokenRejectsGet(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/connect/token", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestUserInfo(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.accessToken(t, "bob")

	resp := e.get(t, "/connect/userinfo", http.Header{"Authorization": {"Bearer " + tok}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "Bob Smith", body["name"])
	assert.Equal(t, "somewhere", body["location"])
	assert.NotEmpty(t, body["sub"])
}

func TestUserInfoRequiresBearer(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/connect/userinfo", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.get(t, "/connect/userinfo", http.Header{"Authorization": {"Bearer not-a-jwt"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestAdminClientsRequiresAdminRole(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.get(t, "/admin/clients", http.Header{"Authorization": {"Bearer " + e.accessToken(t, "bob")}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.get(t, "/admin/clients", http.Header{"Authorization": {"Bearer " + e.accessToken(t, "hamza")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	clients := body["clients"].([]any)
	assert.Len(t, clients, len(configstore.Clients()))
	assert.NotContains(t, clients[0].(map[string]any), "secret_hash")
}

func TestGoogleSignInFlow(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	resp := e.get(t, "/external/google/login?returnUrl=/diagnostics", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	var pending *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == externalCookie {
			pending = c
		}
	}
	require.NotNil(t, pending)
	assert.True(t, pending.HttpOnly)

	resp = e.get(t, "/external/google/callback?code=good-code&state="+url.QueryEscape(state),
		http.Header{"Cookie": {pending.Name + "=" + pending.Value}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/diagnostics", resp.Header.Get("Location"))

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)

	user, err := e.identity.Users(ctx).FindByLogin(ctx, external.GoogleProvider, "g-42")
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", user.UserName)

	resp = e.get(t, "/diagnostics", http.Header{"Cookie": {session.Name + "=" + session.Value}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, claims.AuthenticationScheme, body["authentication_scheme"])
	assert.Equal(t, "Dana Scully", body["name"])
	assert.Equal(t, []any{"user"}, body["roles"])
}

func TestGoogleCallbackRejectsStateMismatch(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/external/google/login", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	cookie := resp.Cookies()[0]

	resp = e.get(t, "/external/google/callback?code=good-code&state=forged",
		http.Header{"Cookie": {cookie.Name + "=" + cookie.Value}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGoogleCallbackWithoutCookie(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/external/google/callback?code=good-code&state=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiagnosticsRequiresSession(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.get(t, "/diagnostics", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDiagnosticsDisabledOutsideDevelopment(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Development = false })
	resp := e.get(t, "/diagnostics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLocalReturnURL(t *testing.T) {
	assert.Equal(t, "/home", localReturnURL("/home"))
	assert.Empty(t, localReturnURL("https://evil.example"))
	assert.Empty(t, localReturnURL("//evil.example"))
	assert.Empty(t, localReturnURL(""))
}
