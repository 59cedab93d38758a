package api

import (
	"net/http"
	"time"
)

type certificateView struct {
	Thumbprint   string     `json:"thumbprint"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	IssuedAt     time.Time  `json:"issued_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// handleListNodeCertificates returns the node's certificate history,
// newest first. The PEM material is not included; agents hold their own
// copies and operators only need issuance and revocation state.
func (s *Server) handleListNodeCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.ca.ListNodeCertificates(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]certificateView, 0, len(certs))
	for _, cert := range certs {
		views = append(views, certificateView{
			Thumbprint:   cert.Thumbprint,
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
			IssuedAt:     cert.IssuedAt,
			RevokedAt:    cert.RevokedAt,
			RevokeReason: cert.RevokeReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": views})
}
