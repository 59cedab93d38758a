package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

type auditPageResponse struct {
	Items []*types.AuditEntry `json:"items"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int                 `json:"total"`
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &storage.AuditFilter{
		OrgID:         q.Get("org_id"),
		ActorID:       q.Get("actor_id"),
		Action:        q.Get("action"),
		ResourceType:  q.Get("resource_type"),
		ResourceID:    q.Get("resource_id"),
		Outcome:       types.AuditOutcome(q.Get("outcome")),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		t, err := parseQueryTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC 3339 or YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseQueryTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC 3339 or YYYY-MM-DD")
			return
		}
		filter.To = t
	}

	page, err := s.sink.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "audit query failed")
		return
	}
	if page.Items == nil {
		page.Items = []*types.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditPageResponse{
		Items: page.Items,
		Page:  page.Page,
		Limit: page.Limit,
		Total: page.Total,
	})
}

// parseQueryTime accepts RFC 3339 timestamps and bare dates. A bare date
// parses as midnight, which the audit sink treats as day-inclusive for
// end dates.
func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// handleAuditStream sends recorded audit entries as newline-delimited
// JSON until the client disconnects
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case entry, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(entry); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
