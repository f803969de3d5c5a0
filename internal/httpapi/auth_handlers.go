package httpapi

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/ory/fosite"
	"go.uber.org/zap"

	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/token"
)

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance unavailable")
		return
	}
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, r, fosite.ErrInvalidRequest.WithHint("malformed form body"))
		return
	}

	req := token.Request{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		var err error
		if req.ClientID, err = url.QueryUnescape(id); err != nil {
			a.writeOAuthError(w, r, fosite.ErrInvalidClient.WithHint("malformed client credentials"))
			return
		}
		if req.ClientSecret, err = url.QueryUnescape(secret); err != nil {
			a.writeOAuthError(w, r, fosite.ErrInvalidClient.WithHint("malformed client credentials"))
			return
		}
	}
	if req.GrantType == "" {
		a.writeOAuthError(w, r, fosite.ErrInvalidRequest.WithHint("grant_type is required"))
		return
	}

	resp, err := a.deps.Tokens.Issue(r.Context(), req)
	if err != nil {
		_ = a.audit.LogEvent(r.Context(), "token.rejected",
			zap.String("client_id", req.ClientID),
			zap.String("grant_type", req.GrantType),
			zap.String("error", oauthErrorCode(err)))
		a.writeOAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), "token.issued",
		zap.String("client_id", req.ClientID),
		zap.String("grant_type", req.GrantType),
		zap.String("scope", resp.Scope))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func oauthErrorCode(err error) string {
	var rfc *fosite.RFC6749Error
	if errors.As(err, &rfc) {
		return rfc.ErrorField
	}
	return fosite.ErrServerError.ErrorField
}

func (a *API) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var rfc *fosite.RFC6749Error
	if !errors.As(err, &rfc) {
		a.logger.Error("token request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		rfc = fosite.ErrServerError
	}
	if rfc.CodeField == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, rfc.CodeField, oauthError{
		Error:       rfc.ErrorField,
		Description: rfc.GetDescription(),
	})
}

// handleUserInfo returns the current claims of the bearer's subject.
func (a *API) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	access, _ := accessClaimsFromContext(r.Context())
	sub, err := access.GetSubject()
	if err != nil || sub == "" {
		writeError(w, r, http.StatusUnauthorized, "token has no subject")
		return
	}
	principal, err := a.principalFor(r, sub)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "unknown subject")
			return
		}
		a.logger.Error("userinfo failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "userinfo unavailable")
		return
	}
	body := principal.Session().Claims.Extra
	body[claims.SubjectClaimType] = principal.Subject
	writeJSON(w, http.StatusOK, body)
}

func (a *API) principalFor(r *http.Request, userID string) (*claims.Principal, error) {
	if a.deps.Identity == nil || a.deps.Principals == nil {
		return nil, errors.New("identity store not configured")
	}
	user, err := a.deps.Identity.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	return a.deps.Principals.CreatePrincipal(r.Context(), user)
}
