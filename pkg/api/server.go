package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/capacity"
	"github.com/hutchhq/hutch/pkg/enrollment"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/security"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// maxRequestBodyBytes limits request body size to 1 MiB
const maxRequestBodyBytes = 1 << 20

// Server exposes the trust and capacity engine over HTTP. Wire-level
// concerns (TLS termination, rate limiting, operator authentication)
// belong to the gateway in front of it; the server trusts the identity
// headers that layer injects.
type Server struct {
	enrollment *enrollment.Service
	ca         *security.CertAuthority
	engine     *capacity.Engine
	sink       *audit.Sink
	broker     *audit.Broker

	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server
func NewServer(enroll *enrollment.Service, ca *security.CertAuthority, engine *capacity.Engine, sink *audit.Sink, broker *audit.Broker) *Server {
	s := &Server{
		enrollment: enroll,
		ca:         ca,
		engine:     engine,
		sink:       sink,
		broker:     broker,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}
	s.registerRoutes()
	return s
}

// registerRoutes wires all API v1 routes into the server mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	// Enrollment
	s.mux.HandleFunc("POST /api/v1/enrollment/tokens", s.handleCreateToken)
	s.mux.HandleFunc("GET /api/v1/enrollment/tokens", s.handleListTokens)
	s.mux.HandleFunc("POST /api/v1/enrollment/consume", s.handleConsumeToken)
	s.mux.HandleFunc("DELETE /api/v1/enrollment/tokens/{id}", s.handleRevokeToken)

	// Certificates
	s.mux.HandleFunc("POST /api/v1/certificates/renew", s.handleRenewCertificate)
	s.mux.HandleFunc("POST /api/v1/certificates/authenticate", s.handleAuthenticateCertificate)
	s.mux.HandleFunc("POST /api/v1/certificates/{thumbprint}/revoke", s.handleRevokeCertificate)

	// Nodes
	s.mux.HandleFunc("GET /api/v1/nodes/{id}/certificates", s.handleListNodeCertificates)

	// Reservations
	s.mux.HandleFunc("POST /api/v1/reservations", s.handleReserve)
	s.mux.HandleFunc("GET /api/v1/reservations/{token}", s.handleGetReservation)
	s.mux.HandleFunc("POST /api/v1/reservations/{token}/claim", s.handleClaim)
	s.mux.HandleFunc("DELETE /api/v1/reservations/{token}", s.handleRelease)
	s.mux.HandleFunc("GET /api/v1/nodes/{id}/capacity", s.handleGetCapacity)

	// Audit
	s.mux.HandleFunc("GET /api/v1/audit", s.handleQueryAudit)
	s.mux.HandleFunc("GET /api/v1/audit/stream", s.handleAuditStream)
}

// Start starts serving on addr and blocks until the listener fails or
// Stop is called
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.applyMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// applyMiddleware wraps the handler with the standard chain.
// Order (outermost to innermost): recovery -> requestID -> logging -> bodyLimit.
func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	h = requestBodyLimit(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

type contextKey int

const requestIDKey contextKey = 1

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// actorFromRequest builds the explicit actor context every audited
// operation takes. Identity headers are injected by the gateway after it
// authenticates the caller; unauthenticated enrollment traffic arrives
// without them and is recorded as an anonymous agent.
func actorFromRequest(r *http.Request) types.ActorContext {
	actor := types.ActorContext{
		ID:            r.Header.Get("X-Actor-Id"),
		Type:          types.ActorType(r.Header.Get("X-Actor-Type")),
		OrgID:         r.Header.Get("X-Org-Id"),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		SourceAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		actor.SourceAddr = host
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
		actor.Type = types.ActorAgent
	}
	if actor.Type == "" {
		actor.Type = types.ActorUser
	}
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		actor.RequestID = id
	}
	return actor
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error envelope
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeDomainError maps domain sentinel errors to wire codes
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enrollment.ErrInvalidToken):
		writeError(w, http.StatusForbidden, "invalid_token", "token is invalid")
	case errors.Is(err, enrollment.ErrInvalidPlatform):
		writeError(w, http.StatusBadRequest, "invalid_platform", "platform is not supported")
	case errors.Is(err, security.ErrCertificateNotFound),
		errors.Is(err, security.ErrCertificateRevoked),
		errors.Is(err, security.ErrCertificateExpired):
		writeError(w, http.StatusForbidden, "certificate_invalid", "certificate is not acceptable")
	case errors.Is(err, security.ErrInvalidPublicKey):
		writeError(w, http.StatusBadRequest, "invalid_public_key", "public key material could not be parsed")
	case errors.Is(err, capacity.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "invalid_request", "reservation quantities must be positive")
	case errors.Is(err, capacity.ErrNodeUnavailable):
		writeError(w, http.StatusConflict, "node_unavailable", "node is not eligible for reservations")
	case errors.Is(err, capacity.ErrCapacityDataMissing):
		writeError(w, http.StatusConflict, "capacity_data_missing", "node has no capacity configuration")
	case errors.Is(err, capacity.ErrInsufficientMemory):
		writeError(w, http.StatusConflict, "insufficient_memory", "requested memory exceeds available capacity")
	case errors.Is(err, capacity.ErrInsufficientDisk):
		writeError(w, http.StatusConflict, "insufficient_disk", "requested disk exceeds available capacity")
	case errors.Is(err, capacity.ErrInsufficientSlots):
		writeError(w, http.StatusConflict, "insufficient_slots", "node has no workload slots left")
	case errors.Is(err, capacity.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", "no reservation matches the token")
	case errors.Is(err, capacity.ErrReservationExpired):
		writeError(w, http.StatusConflict, "reservation_expired", "reservation deadline has passed")
	case errors.Is(err, capacity.ErrReservationClaimed):
		writeError(w, http.StatusConflict, "reservation_claimed", "reservation was already claimed")
	case errors.Is(err, capacity.ErrReservationReleased):
		writeError(w, http.StatusConflict, "reservation_released", "reservation was released")
	case errors.Is(err, capacity.ErrReservationAlreadyReleased):
		writeError(w, http.StatusConflict, "reservation_already_released", "reservation was already released")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
