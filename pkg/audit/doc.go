/*
Package audit is the security audit trail for Hutch.

Every trust-sensitive operation in the enrollment, certificate, and
capacity subsystems records exactly one AuditEntry through Sink.Record,
whether the operation succeeded, failed, or was denied. Entries are
immutable once recorded.

Record does three independent things:

  - emits the entry into the structured zerolog stream (always, even
    when the durable write fails, so operators can reconstruct the
    trail from logs)
  - publishes the entry to the in-process Broker for live consumers
  - appends the entry to durable storage, surfacing any write failure
    to the caller

Query serves the operator-facing audit API: filters by organization,
actor, action (with "prefix.*" wildcards), resource, outcome,
correlation ID, and date range, always newest-first, with the page size
clamped to at most 100.
*/
package audit
