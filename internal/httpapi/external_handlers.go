package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"godwit.dev/identity/internal/audit"
	"godwit.dev/identity/internal/ids"
)

const (
	externalCookie = "godwit.external"
	sessionCookie  = "godwit.session"

	cookieKindExternal = "external"
	cookieKindSession  = "session"

	externalCookieTTL = 10 * time.Minute
)

var errNoSession = errors.New("no session")

type cookiePayload struct {
	Kind      string `json:"kind"`
	State     string `json:"state,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	ReturnURL string `json:"return_url,omitempty"`
	Subject   string `json:"sub,omitempty"`
	AuthTime  int64  `json:"auth_time,omitempty"`
}

func (a *API) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	state, err := ids.Secret(24)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "state generation failed")
		return
	}
	nonce, err := ids.Secret(24)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "nonce generation failed")
		return
	}
	err = a.setCookie(w, externalCookie, "/external", externalCookieTTL, cookiePayload{
		Kind:      cookieKindExternal,
		State:     state,
		Nonce:     nonce,
		ReturnURL: localReturnURL(r.URL.Query().Get("returnUrl")),
	})
	if err != nil {
		a.logger.Error("protect external cookie failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "login unavailable")
		return
	}
	http.Redirect(w, r, a.deps.Google.AuthCodeURL(state, nonce), http.StatusFound)
}

func (a *API) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	pending, err := a.readCookie(r, externalCookie, cookieKindExternal)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "login session expired")
		return
	}
	a.clearCookie(w, externalCookie, "/external")

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusBadRequest, "external provider error: "+e)
		return
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(pending.State)) != 1 {
		writeError(w, r, http.StatusBadRequest, "state mismatch")
		return
	}
	ext, err := a.deps.Google.Exchange(r.Context(), q.Get("code"), pending.Nonce)
	if err != nil {
		a.logger.Warn("external exchange failed", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "external authentication failed")
		return
	}
	user, err := a.deps.Provisioner.Provision(r.Context(), ext)
	if err != nil {
		a.logger.Error("provision external user failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "user provisioning failed")
		return
	}
	err = a.setCookie(w, sessionCookie, "/", 0, cookiePayload{
		Kind:     cookieKindSession,
		Subject:  user.ID,
		AuthTime: a.now().Unix(),
	})
	if err != nil {
		a.logger.Error("protect session cookie failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "sign-in failed")
		return
	}
	_ = a.audit.LogEvent(audit.WithSubject(r.Context(), user.ID), "external.signin",
		zap.String("provider", ext.Provider))
	target := pending.ReturnURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleDiagnostics lists the claims of the signed-in user.
func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	session, err := a.readCookie(r, sessionCookie, cookieKindSession)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "not signed in")
		return
	}
	principal, err := a.principalFor(r, session.Subject)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "session user not found")
		return
	}
	type claimView struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	out := make([]claimView, 0, len(principal.Claims))
	for _, c := range principal.Claims {
		out = append(out, claimView{Type: c.Type, Value: c.Value})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authentication_scheme": principal.AuthenticationScheme,
		"name":                  principal.Name(),
		"roles":                 principal.Roles(),
		"auth_time":             time.Unix(session.AuthTime, 0).UTC().Format(time.RFC3339),
		"claims":                out,
	})
}

func (a *API) setCookie(w http.ResponseWriter, name, path string, ttl time.Duration, payload cookiePayload) error {
	if a.deps.Cookies == nil {
		return errors.New("cookie protection not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sealed, err := a.deps.Cookies.Protect(raw)
	if err != nil {
		return err
	}
	c := &http.Cookie{
		Name:     name,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     path,
		HttpOnly: true,
		Secure:   strings.HasPrefix(a.deps.IssuerURI, "https://"),
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
	}
	http.SetCookie(w, c)
	return nil
}

func (a *API) readCookie(r *http.Request, name, kind string) (*cookiePayload, error) {
	if a.deps.Cookies == nil {
		return nil, errNoSession
	}
	c, err := r.Cookie(name)
	if err != nil {
		return nil, errNoSession
	}
	sealed, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, errNoSession
	}
	raw, err := a.deps.Cookies.Unprotect(sealed)
	if err != nil {
		return nil, err
	}
	var p cookiePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Kind != kind {
		return nil, errNoSession
	}
	return &p, nil
}

func (a *API) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: path, MaxAge: -1, HttpOnly: true})
}

// localReturnURL accepts only same-origin absolute paths.
func localReturnURL(raw string) string {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return ""
	}
	return raw
}
