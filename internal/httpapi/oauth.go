package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/store"
)

const defaultTokenScope = auth.ScopeUnderwriteCreate + " " + auth.ScopeUnderwriteRead

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// IssueToken implements the client_credentials grant. Other grant types are
// rejected.
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not valid JSON")
		return
	}
	if req.GrantType != "client_credentials" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
		return
	}

	tenant, err := s.Store.TenantByClientCredentials(r.Context(), req.ClientID, auth.HashSecret(req.ClientSecret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "credential lookup failed")
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = defaultTokenScope
	}
	token, err := s.Auth.IssueAccessToken(tenant, strings.Fields(scope), s.Config.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.Config.TokenTTL.Seconds()),
		Scope:       scope,
	})
}
