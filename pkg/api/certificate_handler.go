package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// thumbprintHeader carries the identity the transport layer derived from
// the client certificate. The renewal request is authenticated by this,
// never by request body fields.
const thumbprintHeader = "X-Client-Thumbprint"

type renewCertificateRequest struct {
	PublicKeyPEM string `json:"public_key_pem"`
}

type renewCertificateResponse struct {
	Certificate string    `json:"certificate"`
	Thumbprint  string    `json:"thumbprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
}

func (s *Server) handleRenewCertificate(w http.ResponseWriter, r *http.Request) {
	thumbprint := r.Header.Get(thumbprintHeader)
	if thumbprint == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "client certificate identity missing")
		return
	}

	var req renewCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.PublicKeyPEM == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "public_key_pem is required")
		return
	}

	actor := actorFromRequest(r)
	cert, err := s.ca.RenewCertificate(r.Context(), actor, thumbprint, []byte(req.PublicKeyPEM))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, renewCertificateResponse{
		Certificate: string(cert.CertPEM),
		Thumbprint:  cert.Thumbprint,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	})
}

type authenticateResponse struct {
	NodeID     string    `json:"node_id"`
	Thumbprint string    `json:"thumbprint"`
	NotAfter   time.Time `json:"not_after"`
}

// handleAuthenticateCertificate is the gateway's per-request hook: it
// validates the thumbprint the transport layer derived from the client
// certificate against revocation state and the validity window.
func (s *Server) handleAuthenticateCertificate(w http.ResponseWriter, r *http.Request) {
	thumbprint := r.Header.Get(thumbprintHeader)
	if thumbprint == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "client certificate identity missing")
		return
	}

	actor := actorFromRequest(r)
	cert, err := s.ca.Authenticate(r.Context(), actor, thumbprint)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authenticateResponse{
		NodeID:     cert.NodeID,
		Thumbprint: cert.Thumbprint,
		NotAfter:   cert.NotAfter,
	})
}

type revokeCertificateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	thumbprint := r.PathValue("thumbprint")

	var req revokeCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	actor := actorFromRequest(r)
	if err := s.ca.RevokeCertificate(r.Context(), actor, thumbprint, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
