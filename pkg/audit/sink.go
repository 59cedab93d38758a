package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// Page size bounds for Query, applied regardless of what the caller asks for
	minPageSize     = 1
	maxPageSize     = 100
	defaultPageSize = 50
)

// store is the slice of storage.Store the sink needs
type store interface {
	AppendAudit(entry *types.AuditEntry) error
	QueryAudit(filter *storage.AuditFilter) ([]*types.AuditEntry, int, error)
}

// Page is the envelope returned by Query
type Page struct {
	Items []*types.AuditEntry
	Page  int
	Limit int
	Total int
}

// Sink durably appends audit entries and mirrors every one of them into
// the structured log stream for external security monitoring.
type Sink struct {
	store  store
	broker *Broker
	logger zerolog.Logger
}

// NewSink creates a new audit sink. The broker is optional; when present
// each recorded entry is also published to in-process subscribers.
func NewSink(st store, broker *Broker) *Sink {
	return &Sink{
		store:  st,
		broker: broker,
		logger: log.WithComponent("audit"),
	}
}

// NewEntry builds an entry with the actor fields filled in. The caller
// sets outcome, detail, and resource name before recording.
func NewEntry(actor types.ActorContext, action, resourceType, resourceID string) *types.AuditEntry {
	return &types.AuditEntry{
		ActorID:       actor.ID,
		ActorType:     actor.Type,
		OrgID:         actor.OrgID,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		CorrelationID: actor.CorrelationID,
		RequestID:     actor.RequestID,
		SourceAddr:    actor.SourceAddr,
		UserAgent:     actor.UserAgent,
	}
}

// Record appends the entry durably and emits it to the log stream. The
// log emission happens unconditionally, before the durable write, so the
// trail can be reconstructed from logs even when the store is degraded.
// A durable-write failure is returned to the caller.
func (s *Sink) Record(ctx context.Context, entry *types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = types.OutcomeSuccess
	}

	s.emit(entry)
	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Outcome)).Inc()

	if s.broker != nil {
		s.broker.Publish(entry)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.AppendAudit(entry); err != nil {
		return fmt.Errorf("failed to persist audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// emit writes the entry to the structured log stream
func (s *Sink) emit(entry *types.AuditEntry) {
	ev := s.logger.Info()
	if entry.Outcome != types.OutcomeSuccess {
		ev = s.logger.Warn()
	}
	ev = ev.
		Str("audit_id", entry.ID).
		Str("action", entry.Action).
		Str("actor_id", entry.ActorID).
		Str("actor_type", string(entry.ActorType)).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Str("outcome", string(entry.Outcome))
	if entry.OrgID != "" {
		ev = ev.Str("org_id", entry.OrgID)
	}
	if entry.FailureReason != "" {
		ev = ev.Str("failure_reason", entry.FailureReason)
	}
	if entry.CorrelationID != "" {
		ev = ev.Str("correlation_id", entry.CorrelationID)
	}
	ev.Msg("audit")
}

// Query returns a filtered page of audit entries, newest first. The page
// size is clamped to [1,100]. An end date falling exactly on midnight is
// treated as inclusive of that entire day.
func (s *Sink) Query(ctx context.Context, filter *storage.AuditFilter) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := *filter
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit == 0:
		f.Limit = defaultPageSize
	case f.Limit < minPageSize:
		f.Limit = minPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	if !f.To.IsZero() && isMidnight(f.To) {
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}

	items, total, err := s.store.QueryAudit(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return &Page{
		Items: items,
		Page:  f.Page,
		Limit: f.Limit,
		Total: total,
	}, nil
}

func isMidnight(t time.Time) bool {
	h, m, sec := t.Clock()
	return h == 0 && m == 0 && sec == 0 && t.Nanosecond() == 0
}
