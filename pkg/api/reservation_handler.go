package api

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/hutchhq/hutch/pkg/capacity"
	"github.com/hutchhq/hutch/pkg/types"
)

type reserveRequest struct {
	NodeID        string `json:"node_id"`
	MemoryMB      int64  `json:"memory_mb"`
	DiskMB        int64  `json:"disk_mb"`
	CPUMillicores int64  `json:"cpu_millicores,omitempty"`
	RequestedBy   string `json:"requested_by"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

type reserveResponse struct {
	ReservationToken string    `json:"reservation_token"`
	ExpiresAt        time.Time `json:"expires_at"`
}

const mib = 1 << 20

// maxReserveMB keeps the MiB-to-bytes conversion below from wrapping
// int64. Anything larger could never fit a real node anyway.
const maxReserveMB = math.MaxInt64 / mib

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.NodeID == "" || req.MemoryMB <= 0 || req.DiskMB < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "node_id and positive memory_mb are required")
		return
	}
	if req.MemoryMB > maxReserveMB || req.DiskMB > maxReserveMB {
		writeError(w, http.StatusBadRequest, "invalid_request", "memory_mb or disk_mb out of range")
		return
	}

	actor := actorFromRequest(r)
	res, err := s.engine.Reserve(r.Context(), actor, &capacity.ReserveRequest{
		NodeID:        req.NodeID,
		MemoryBytes:   req.MemoryMB * mib,
		DiskBytes:     req.DiskMB * mib,
		CPUMillicores: req.CPUMillicores,
		RequestedBy:   req.RequestedBy,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		ReservationToken: res.Token,
		ExpiresAt:        res.ExpiresAt,
	})
}

type reservationView struct {
	Token         string                 `json:"token"`
	NodeID        string                 `json:"node_id"`
	MemoryBytes   int64                  `json:"memory_bytes"`
	DiskBytes     int64                  `json:"disk_bytes"`
	CPUMillicores int64                  `json:"cpu_millicores"`
	RequestedBy   string                 `json:"requested_by"`
	State         types.ReservationState `json:"state"`
	WorkloadID    string                 `json:"workload_id,omitempty"`
	ReleaseReason string                 `json:"release_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

func viewOf(res *types.CapacityReservation) reservationView {
	return reservationView{
		Token:         res.Token,
		NodeID:        res.NodeID,
		MemoryBytes:   res.MemoryBytes,
		DiskBytes:     res.DiskBytes,
		CPUMillicores: res.CPUMillicores,
		RequestedBy:   res.RequestedBy,
		State:         res.State,
		WorkloadID:    res.WorkloadID,
		ReleaseReason: res.ReleaseReason,
		CreatedAt:     res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
	}
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

type claimRequest struct {
	WorkloadID string `json:"workload_id"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.WorkloadID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "workload_id is required")
		return
	}

	actor := actorFromRequest(r)
	res, err := s.engine.Claim(r.Context(), actor, r.PathValue("token"), req.WorkloadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	reason := r.URL.Query().Get("reason")
	if err := s.engine.Release(r.Context(), actor, r.PathValue("token"), reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleGetCapacity(w http.ResponseWriter, r *http.Request) {
	available, err := s.engine.GetAvailableCapacity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, available)
}
