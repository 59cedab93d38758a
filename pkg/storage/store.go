package storage

import (
	"errors"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

var (
	// ErrNotFound is wrapped by lookups whose target row does not exist
	ErrNotFound = errors.New("not found")

	// ErrTokenNotUsable is returned by ConsumeToken when the token is
	// absent, expired, revoked, or already consumed. The cases are
	// deliberately indistinguishable.
	ErrTokenNotUsable = errors.New("token not usable")

	// ErrVersionConflict is returned by compare-and-swap updates when the
	// presented row version is stale
	ErrVersionConflict = errors.New("version conflict")
)

// AuditFilter selects audit entries for QueryAudit. Zero values mean
// "no constraint". Action supports a trailing-star prefix wildcard,
// e.g. "enrollment.*".
type AuditFilter struct {
	OrgID         string
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    string
	Outcome       types.AuditOutcome
	CorrelationID string
	From          time.Time
	To            time.Time
	Page          int
	Limit         int
}

// Store defines the interface for durable control-plane state.
// Implemented by BoltStore. Every method that mutates a single row does
// its read-modify-write inside one storage transaction.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error

	// Enrollment tokens
	CreateToken(token *types.EnrollmentToken) error
	GetTokenByID(id string) (*types.EnrollmentToken, error)
	ListTokensByOrg(orgID string) ([]*types.EnrollmentToken, error)
	// ConsumeToken atomically verifies usability and marks the token
	// consumed by nodeID. Exactly one of N concurrent calls with the same
	// hash succeeds; the rest get ErrTokenNotUsable.
	ConsumeToken(tokenHash, nodeID string, now time.Time) (*types.EnrollmentToken, error)
	// RevokeToken marks a token revoked. The returned bool reports whether
	// this call changed anything.
	RevokeToken(orgID, tokenID string) (bool, error)

	// Certificates
	CreateCertificate(cert *types.NodeCertificate) error
	GetCertificate(thumbprint string) (*types.NodeCertificate, error)
	ListCertificates() ([]*types.NodeCertificate, error)
	ListCertificatesByNode(nodeID string) ([]*types.NodeCertificate, error)
	RevokeCertificate(thumbprint, reason string, now time.Time) (*types.NodeCertificate, error)
	ListRevokedThumbprints() ([]string, error)
	DeleteCertificate(thumbprint string) error

	// Certificate authority key material
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Capacity reservations
	CreateReservation(res *types.CapacityReservation) error
	GetReservation(token string) (*types.CapacityReservation, error)
	ListReservationsByNode(nodeID string) ([]*types.CapacityReservation, error)
	ListActiveReservations() ([]*types.CapacityReservation, error)
	// TransitionReservation loads the reservation, applies fn, and writes
	// the result in one transaction. If fn returns an error nothing is
	// written and the error is returned unchanged.
	TransitionReservation(token string, fn func(*types.CapacityReservation) error) (*types.CapacityReservation, error)

	// Audit
	AppendAudit(entry *types.AuditEntry) error
	// QueryAudit returns the requested page newest-first plus the total
	// number of matching entries.
	QueryAudit(filter *AuditFilter) ([]*types.AuditEntry, int, error)

	// Utility
	Close() error
}
