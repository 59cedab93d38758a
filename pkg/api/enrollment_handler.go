package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hutchhq/hutch/pkg/enrollment"
)

type createTokenRequest struct {
	OrgID           string `json:"org_id"`
	Label           string `json:"label,omitempty"`
	ValidityMinutes int    `json:"validity_minutes,omitempty"`
}

type createTokenResponse struct {
	TokenID        string    `json:"token_id"`
	PlaintextToken string    `json:"plaintext_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "org_id is required")
		return
	}

	actor := actorFromRequest(r)
	token, plaintext, err := s.enrollment.CreateToken(r.Context(), actor, req.OrgID, req.Label, time.Duration(req.ValidityMinutes)*time.Minute)
	if err != nil {
		s.logger.Error().Err(err).Msg("token creation failed")
		writeDomainError(w, err)
		return
	}

	// The plaintext appears here exactly once and is unrecoverable after
	// this response.
	writeJSON(w, http.StatusCreated, createTokenResponse{
		TokenID:        token.ID,
		PlaintextToken: plaintext,
		ExpiresAt:      token.ExpiresAt,
	})
}

type consumeTokenRequest struct {
	Token        string `json:"token"`
	NodeName     string `json:"node_name,omitempty"`
	Platform     string `json:"platform"`
	PublicKeyPEM string `json:"public_key_pem"`
}

type consumeTokenResponse struct {
	NodeID           string    `json:"node_id"`
	Certificate      string    `json:"certificate"`
	CertificateChain string    `json:"certificate_chain,omitempty"`
	Thumbprint       string    `json:"thumbprint"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
}

func (s *Server) handleConsumeToken(w http.ResponseWriter, r *http.Request) {
	var req consumeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Token == "" || req.PublicKeyPEM == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and public_key_pem are required")
		return
	}

	actor := actorFromRequest(r)
	result, err := s.enrollment.ConsumeToken(r.Context(), actor, req.Token, &enrollment.Request{
		NodeName:     req.NodeName,
		Platform:     req.Platform,
		PublicKeyPEM: []byte(req.PublicKeyPEM),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, consumeTokenResponse{
		NodeID:           result.Node.ID,
		Certificate:      string(result.Certificate.CertPEM),
		CertificateChain: string(result.CACertPEM),
		Thumbprint:       result.Certificate.Thumbprint,
		NotBefore:        result.Certificate.NotBefore,
		NotAfter:         result.Certificate.NotAfter,
	})
}

type tokenView struct {
	TokenID    string     `json:"token_id"`
	OrgID      string     `json:"org_id"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	Revoked    bool       `json:"revoked"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		orgID = actorFromRequest(r).OrgID
	}
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "organization scope is required")
		return
	}

	tokens, err := s.enrollment.ListTokens(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, token := range tokens {
		views = append(views, tokenView{
			TokenID:    token.ID,
			OrgID:      token.OrgID,
			Label:      token.Label,
			CreatedAt:  token.CreatedAt,
			ExpiresAt:  token.ExpiresAt,
			ConsumedAt: token.ConsumedAt,
			ConsumedBy: token.ConsumedBy,
			Revoked:    token.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("id")
	actor := actorFromRequest(r)
	orgID := actor.OrgID
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "organization scope is required")
		return
	}

	changed, err := s.enrollment.RevokeToken(r.Context(), actor, orgID, tokenID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": changed})
}
