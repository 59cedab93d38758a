/*
Package types defines the core data structures used throughout Hutch.

This package contains the domain model for the node trust and capacity
engine: nodes and their capacity configuration, single-use enrollment
tokens, node certificates, capacity reservations, and the audit record
shape shared by every component.

All types are designed to be:
  - Serializable (JSON, for BoltDB rows and API payloads)
  - Immutable where possible (terminal states are never rewritten)
  - Self-documenting (constants for enums, validation helpers)

Ownership is strict: the registry owns Node, the enrollment service owns
EnrollmentToken, the certificate authority owns NodeCertificate, the
capacity engine owns CapacityReservation, and the audit sink owns
AuditEntry. Components never reach into another component's rows.
*/
package types
