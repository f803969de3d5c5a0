package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"godwit.dev/identity/internal/audit"
	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/external"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/obs"
	"godwit.dev/identity/internal/token"
)

const maxBodyBytes = 1 << 20

// Pinger reports reachability of a backing store or cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Credential publishes and verifies the service signing key.
type Credential interface {
	JWKS() jose.JSONWebKeySet
	Verify(token string, claims jwt.Claims, opts ...jwt.ParserOption) error
}

// Protector seals cookie payloads.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(protected []byte) ([]byte, error)
}

// ExternalLogin is an upstream OpenID Connect provider.
type ExternalLogin interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (*external.ExternalIdentity, error)
}

// Provisioner maps an external identity to a local user.
type Provisioner interface {
	Provision(ctx context.Context, ext *external.ExternalIdentity) (*identity.User, error)
}

// Deps are the collaborators served over HTTP. Nil optional fields disable
// the corresponding routes.
type Deps struct {
	Identity      identity.Database
	Configuration configstore.Database
	Operational   Pinger
	Cache         Pinger

	Tokens     token.Issuer
	Credential Credential
	Principals token.PrincipalFactory
	Cookies    Protector

	Google      ExternalLogin
	Provisioner Provisioner

	IssuerURI   string
	Development bool
	Logger      *zap.Logger
}

// API is the HTTP surface of the identity service.
type API struct {
	mux    *http.ServeMux
	deps   Deps
	logger *zap.Logger
	audit  *audit.Logger
	now    func() time.Time
	once   sync.Once

	rateBurst  int
	ratePerSec int
}

func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		logger:     deps.Logger,
		now:        time.Now,
		rateBurst:  20,
		ratePerSec: 10,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.audit = audit.New(a.logger)
	a.deps.IssuerURI = strings.TrimRight(deps.IssuerURI, "/")
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("/hc", a.Health)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/.well-known/openid-configuration", a.Discovery)
	a.mux.HandleFunc("/.well-known/openid-configuration/jwks", a.JWKS)
	a.mux.Handle("/connect/token", RateLimit(http.HandlerFunc(a.handleToken), a.rateBurst, a.ratePerSec))
	a.mux.Handle("/connect/userinfo", a.withBearer(http.HandlerFunc(a.handleUserInfo)))
	a.mux.Handle("/admin/clients", a.withBearer(RequireRole(RoleAdmin)(http.HandlerFunc(a.handleClients))))

	if a.deps.Google != nil && a.deps.Provisioner != nil && a.deps.Cookies != nil {
		a.mux.HandleFunc("/external/google/login", a.handleGoogleLogin)
		a.mux.HandleFunc("/external/google/callback", a.handleGoogleCallback)
	}
	if a.deps.Development {
		a.mux.HandleFunc("/diagnostics", a.handleDiagnostics)
	}

	// anything unrouted is a 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// Handler returns the routed mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	a.once.Do(a.routes)
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(a.corsAllowed)(h)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	h = RequestID(h)
	// metrics wrap everything
	return obs.Instrument(h)
}

// Health aggregates reachability of the three stores and the cache.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]Pinger{
		"identity":      a.deps.Identity,
		"configuration": a.deps.Configuration,
		"operational":   a.deps.Operational,
		"cache":         a.deps.Cache,
	}
	entries := make(map[string]string, len(checks))
	healthy := true
	for name, p := range checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			healthy = false
			entries[name] = "unhealthy"
			a.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			continue
		}
		entries[name] = "healthy"
	}
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"entries": entries,
	})
}

// corsAllowed accepts origins registered by any enabled client.
func (a *API) corsAllowed(ctx context.Context, origin string) bool {
	if a.deps.Configuration == nil {
		return false
	}
	list, err := a.deps.Configuration.Clients(ctx).List(ctx)
	if err != nil {
		a.logger.Warn("list clients for cors failed", zap.Error(err))
		return false
	}
	for _, c := range list {
		if !c.Enabled {
			continue
		}
		for _, o := range c.AllowedCorsOrigins {
			if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
				return true
			}
		}
	}
	return false
}

// Discovery serves the OpenID Connect provider metadata.
func (a *API) Discovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	base := a.deps.IssuerURI
	doc := map[string]any{
		"issuer":                                base,
		"jwks_uri":                              base + "/.well-known/openid-configuration/jwks",
		"token_endpoint":                        base + "/connect/token",
		"userinfo_endpoint":                     base + "/connect/userinfo",
		"grant_types_supported":                 []string{token.GrantPassword, token.GrantRefreshToken},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"claims_supported": []string{
			claims.SubjectClaimType, claims.NameClaimType, claims.RoleClaimType, claims.HasuraClaimType,
			"given_name", "family_name", "email", "website",
		},
	}
	if a.deps.Configuration != nil {
		if scopes, err := a.scopesSupported(r.Context()); err == nil {
			doc["scopes_supported"] = scopes
		} else {
			a.logger.Warn("list scopes failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) scopesSupported(ctx context.Context) ([]string, error) {
	resources, err := a.deps.Configuration.IdentityResources(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	apiScopes, err := a.deps.Configuration.ApiScopes(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resources)+len(apiScopes)+1)
	for _, res := range resources {
		if res.Enabled && res.ShowInDiscovery {
			out = append(out, res.Name)
		}
	}
	for _, sc := range apiScopes {
		if sc.Enabled {
			out = append(out, sc.Name)
		}
	}
	return append(out, configstore.ScopeOfflineAccess), nil
}

func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Credential == nil {
		writeError(w, r, http.StatusNotFound, "signing key not configured")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, a.deps.Credential.JWKS())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
