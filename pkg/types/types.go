package types

import (
	"time"
)

// Node represents a worker machine enrolled (or enrolling) with the control plane
type Node struct {
	ID             string
	OrgID          string
	Name           string
	Status         NodeStatus
	Platform       string
	CertThumbprint string // Thumbprint of the node's current certificate
	Capacity       *CapacityConfig
	EnrolledAt     time.Time
	UpdatedAt      time.Time
	Version        int64 // Bumped on every write, for compare-and-swap updates
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusEnrolling      NodeStatus = "enrolling"
	NodeStatusOnline         NodeStatus = "online"
	NodeStatusOffline        NodeStatus = "offline"
	NodeStatusMaintenance    NodeStatus = "maintenance"
	NodeStatusDecommissioned NodeStatus = "decommissioned"
	NodeStatusUnknown        NodeStatus = "unknown"
)

// CapacityConfig is the configured resource ceiling for a node
type CapacityConfig struct {
	MaxMemoryBytes int64
	MaxDiskBytes   int64
	MaxSlots       int
}

// EnrollmentToken is the persisted record of a single-use enrollment credential.
// The plaintext token is never stored; only its SHA-256 hash.
type EnrollmentToken struct {
	ID         string
	OrgID      string
	TokenHash  string // hex-encoded SHA-256 of the plaintext
	Label      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time // nil until consumed; never cleared once set
	ConsumedBy string     // node ID that consumed the token
	Revoked    bool
	Version    int64
}

// Usable reports whether the token can still be consumed at the given instant
func (t *EnrollmentToken) Usable(now time.Time) bool {
	return !t.Revoked && t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// NodeCertificate is the persisted record of a certificate issued to a node
type NodeCertificate struct {
	NodeID       string
	Thumbprint   string // hex-encoded SHA-256 of the certificate DER
	CertPEM      []byte
	NotBefore    time.Time
	NotAfter     time.Time
	IssuedAt     time.Time
	RevokedAt    *time.Time
	RevokeReason string
	Version      int64
}

// Active reports whether the certificate is unrevoked and inside its validity window
func (c *NodeCertificate) Active(now time.Time) bool {
	return c.RevokedAt == nil && now.After(c.NotBefore) && now.Before(c.NotAfter)
}

// ReservationState represents the lifecycle state of a capacity reservation
type ReservationState string

const (
	ReservationActive   ReservationState = "active"
	ReservationClaimed  ReservationState = "claimed"
	ReservationReleased ReservationState = "released"
	ReservationExpired  ReservationState = "expired"
)

// Terminal reports whether the state admits no further transitions
func (s ReservationState) Terminal() bool {
	return s == ReservationClaimed || s == ReservationReleased || s == ReservationExpired
}

// CapacityReservation is a time-bounded hold on a slice of a node's resources
type CapacityReservation struct {
	Token         string // unique reservation handle
	NodeID        string
	MemoryBytes   int64
	DiskBytes     int64
	CPUMillicores int64
	RequestedBy   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	State         ReservationState
	WorkloadID    string // set only when claimed
	ReleaseReason string // set only when released
	Version       int64
}

// CountsAgainstCapacity reports whether the reservation still holds capacity
// at the given instant. An Active reservation whose deadline has passed is
// logically expired even before the sweep marks it.
func (r *CapacityReservation) CountsAgainstCapacity(now time.Time) bool {
	switch r.State {
	case ReservationClaimed:
		return true
	case ReservationActive:
		return now.Before(r.ExpiresAt)
	default:
		return false
	}
}

// AvailableCapacity is the read-only projection of what remains on a node
type AvailableCapacity struct {
	NodeID               string
	MaxMemoryBytes       int64
	MaxDiskBytes         int64
	MaxSlots             int
	ReservedMemoryBytes  int64
	ReservedDiskBytes    int64
	ReservedSlots        int
	AvailableMemoryBytes int64
	AvailableDiskBytes   int64
	AvailableSlots       int
}

// ActorType classifies who performed an audited operation
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorAgent   ActorType = "agent"
	ActorService ActorType = "service"
	ActorSystem  ActorType = "system"
)

// ActorContext identifies the caller of an audited operation. It is passed
// explicitly rather than read from ambient request state.
type ActorContext struct {
	ID            string
	Type          ActorType
	OrgID         string
	CorrelationID string
	RequestID     string
	SourceAddr    string
	UserAgent     string
}

// SystemActor returns the actor recorded for background activity such as
// the expiry sweep
func SystemActor(component string) ActorContext {
	return ActorContext{ID: component, Type: ActorSystem}
}

// AuditOutcome represents the result of an audited operation
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeDenied  AuditOutcome = "denied"
)

// AuditEntry is an immutable record of a trust-sensitive operation
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       string
	ActorType     ActorType
	Action        string
	ResourceType  string
	ResourceID    string
	ResourceName  string
	OrgID         string
	Outcome       AuditOutcome
	FailureReason string
	Detail        map[string]string
	CorrelationID string
	RequestID     string
	SourceAddr    string
	UserAgent     string
}
