package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"godwit.dev/identity/internal/audit"
	"godwit.dev/identity/internal/claims"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	RoleAdmin = "admin"
)

type accessClaimsKey struct{}

// withBearer admits requests carrying an access token signed by this service.
func (a *API) withBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Credential == nil {
			writeError(w, r, http.StatusServiceUnavailable, "token validation unavailable")
			return
		}
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		access := jwt.MapClaims{}
		opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
		if a.deps.IssuerURI != "" {
			opts = append(opts, jwt.WithIssuer(a.deps.IssuerURI))
		}
		if err := a.deps.Credential.Verify(raw, access, opts...); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), accessClaimsKey{}, access)
		if sub, err := access.GetSubject(); err == nil {
			ctx = audit.WithSubject(ctx, sub)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(accessClaimsKey{}).(jwt.MapClaims)
	return c, ok
}

// RequireRole rejects bearers whose access token lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := accessClaimsFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !hasRole(access, role) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasRole(access jwt.MapClaims, role string) bool {
	switch v := access[claims.RoleClaimType].(type) {
	case string:
		return v == role
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == role {
				return true
			}
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
