package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

type clientView struct {
	ClientID            string   `json:"client_id"`
	ClientName          string   `json:"client_name"`
	Public              bool     `json:"public"`
	GrantTypes          []string `json:"grant_types"`
	RedirectURIs        []string `json:"redirect_uris"`
	AllowedScopes       []string `json:"allowed_scopes"`
	AllowedCorsOrigins  []string `json:"allowed_cors_origins"`
	RequirePKCE         bool     `json:"require_pkce"`
	AllowOfflineAccess  bool     `json:"allow_offline_access"`
	AccessTokenLifetime int64    `json:"access_token_lifetime"`
	Enabled             bool     `json:"enabled"`
}

// handleClients lists registered clients for administrators. Secrets are never returned.
func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Configuration == nil {
		writeError(w, r, http.StatusServiceUnavailable, "configuration store unavailable")
		return
	}
	list, err := a.deps.Configuration.Clients(r.Context()).List(r.Context())
	if err != nil {
		a.logger.Error("list clients failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "list clients failed")
		return
	}
	out := make([]clientView, 0, len(list))
	for _, c := range list {
		out = append(out, clientView{
			ClientID:            c.ClientID,
			ClientName:          c.ClientName,
			Public:              c.Public,
			GrantTypes:          c.GrantTypes,
			RedirectURIs:        c.RedirectURIs,
			AllowedScopes:       c.AllowedScopes,
			AllowedCorsOrigins:  c.AllowedCorsOrigins,
			RequirePKCE:         c.RequirePKCE,
			AllowOfflineAccess:  c.AllowOfflineAccess,
			AccessTokenLifetime: int64(c.AccessTokenLifetime.Seconds()),
			Enabled:             c.Enabled,
		})
	}
	_ = a.audit.LogEvent(r.Context(), "admin.clients.listed", zap.Int("count", len(out)))
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}
