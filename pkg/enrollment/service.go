package enrollment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

var (
	// ErrInvalidToken covers expired, consumed, revoked, and unknown
	// tokens. Callers cannot distinguish these cases, by design, to
	// prevent token enumeration.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidPlatform means the declared platform is not in the
	// supported set
	ErrInvalidPlatform = errors.New("invalid platform")
)

const (
	// DefaultTokenValidity is used when the caller does not specify one
	DefaultTokenValidity = 60 * time.Minute

	// MaxTokenValidity bounds caller-supplied validity windows
	MaxTokenValidity = 7 * 24 * time.Hour

	tokenBytes = 32
)

// supportedPlatforms is the set of platforms a node may enroll as
var supportedPlatforms = map[string]bool{
	"linux/amd64":   true,
	"linux/arm64":   true,
	"darwin/arm64":  true,
	"windows/amd64": true,
}

// Issuer is the slice of the certificate authority the enrollment
// service needs for first-time issuance
type Issuer interface {
	IssueCertificate(ctx context.Context, actor types.ActorContext, nodeID string, publicKeyPEM []byte) (*types.NodeCertificate, error)
	RootCertPEM() []byte
}

// Registrar is the slice of the node registry the enrollment service
// writes through when a node completes enrollment
type Registrar interface {
	Register(ctx context.Context, node *types.Node) error
	SetStatus(ctx context.Context, nodeID string, status types.NodeStatus) error
	SetCertThumbprint(ctx context.Context, nodeID, thumbprint string) error
}

// Request carries what an enrolling machine presents alongside its token
type Request struct {
	NodeName     string
	Platform     string
	PublicKeyPEM []byte
}

// Result is returned to a successfully enrolled node
type Result struct {
	Node        *types.Node
	Certificate *types.NodeCertificate
	CACertPEM   []byte
}

// Service manages the single-use enrollment token lifecycle and drives
// first-time certificate issuance
type Service struct {
	store     storage.Store
	issuer    Issuer
	registrar Registrar
	sink      *audit.Sink
}

// NewService creates a new enrollment token service
func NewService(store storage.Store, issuer Issuer, registrar Registrar, sink *audit.Sink) *Service {
	return &Service{
		store:     store,
		issuer:    issuer,
		registrar: registrar,
		sink:      sink,
	}
}

// HashToken computes the one-way hash under which a plaintext token is
// stored and looked up
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CreateToken generates a random enrollment token, persists only its
// hash, and returns the plaintext exactly once. A non-positive validity
// falls back to the default; oversized windows are clamped to the
// maximum.
func (s *Service) CreateToken(ctx context.Context, actor types.ActorContext, orgID, label string, validity time.Duration) (*types.EnrollmentToken, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	if validity > MaxTokenValidity {
		validity = MaxTokenValidity
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate random token: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	now := time.Now().UTC()
	token := &types.EnrollmentToken{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		TokenHash: HashToken(plaintext),
		Label:     label,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}

	if err := s.store.CreateToken(token); err != nil {
		return nil, "", fmt.Errorf("failed to persist token: %w", err)
	}

	entry := audit.NewEntry(actor, audit.ActionTokenCreated, audit.ResourceToken, token.ID)
	entry.OrgID = orgID
	entry.ResourceName = label
	entry.Detail = map[string]string{
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	}
	if err := s.sink.Record(ctx, entry); err != nil {
		return nil, "", err
	}

	metrics.TokensCreatedTotal.Inc()
	return token, plaintext, nil
}

// ConsumeToken validates the declared platform, then atomically marks
// the matching token consumed and issues the node's first certificate.
// Consumption is terminal: if issuance fails afterwards the token is not
// refunded, so a failed enrollment can never be replayed.
func (s *Service) ConsumeToken(ctx context.Context, actor types.ActorContext, plaintext string, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !supportedPlatforms[req.Platform] {
		s.auditFailure(ctx, actor, "", types.OutcomeFailure, ErrInvalidPlatform.Error(), req)
		metrics.EnrollmentFailuresTotal.WithLabelValues("invalid_platform").Inc()
		return nil, ErrInvalidPlatform
	}

	nodeID := uuid.New().String()
	token, err := s.store.ConsumeToken(HashToken(plaintext), nodeID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotUsable) {
			s.auditFailure(ctx, actor, "", types.OutcomeDenied, "invalid_token", req)
			metrics.EnrollmentFailuresTotal.WithLabelValues("invalid_token").Inc()
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	node := &types.Node{
		ID:       nodeID,
		OrgID:    token.OrgID,
		Name:     req.NodeName,
		Platform: req.Platform,
		Status:   types.NodeStatusEnrolling,
	}
	if err := s.registrar.Register(ctx, node); err != nil {
		s.auditFailure(ctx, actor, token.ID, types.OutcomeFailure, err.Error(), req)
		metrics.EnrollmentFailuresTotal.WithLabelValues("registration").Inc()
		return nil, fmt.Errorf("failed to register node: %w", err)
	}

	cert, err := s.issuer.IssueCertificate(ctx, actor, nodeID, req.PublicKeyPEM)
	if err != nil {
		// The token stays consumed. Enrollment fails closed rather than
		// allowing token reuse.
		s.auditFailure(ctx, actor, token.ID, types.OutcomeFailure, err.Error(), req)
		metrics.EnrollmentFailuresTotal.WithLabelValues("issuance").Inc()
		return nil, fmt.Errorf("certificate issuance failed: %w", err)
	}

	if err := s.registrar.SetCertThumbprint(ctx, nodeID, cert.Thumbprint); err != nil {
		return nil, fmt.Errorf("failed to bind certificate to node: %w", err)
	}
	if err := s.registrar.SetStatus(ctx, nodeID, types.NodeStatusOnline); err != nil {
		return nil, fmt.Errorf("failed to mark node online: %w", err)
	}
	node.CertThumbprint = cert.Thumbprint
	node.Status = types.NodeStatusOnline

	entry := audit.NewEntry(actor, audit.ActionEnrolled, audit.ResourceNode, nodeID)
	entry.OrgID = token.OrgID
	entry.ResourceName = req.NodeName
	entry.Detail = map[string]string{
		"token_id":   token.ID,
		"platform":   req.Platform,
		"thumbprint": cert.Thumbprint,
	}
	if err := s.sink.Record(ctx, entry); err != nil {
		return nil, err
	}

	metrics.TokensConsumedTotal.Inc()
	return &Result{
		Node:        node,
		Certificate: cert,
		CACertPEM:   s.issuer.RootCertPEM(),
	}, nil
}

// RevokeToken marks a still-unused token revoked. Revoking twice is not
// an error; the second call reports no change.
func (s *Service) RevokeToken(ctx context.Context, actor types.ActorContext, orgID, tokenID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	changed, err := s.store.RevokeToken(orgID, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrInvalidToken
		}
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}

	entry := audit.NewEntry(actor, audit.ActionTokenRevoked, audit.ResourceToken, tokenID)
	entry.OrgID = orgID
	entry.Detail = map[string]string{"changed": strconv.FormatBool(changed)}
	if err := s.sink.Record(ctx, entry); err != nil {
		return changed, err
	}

	return changed, nil
}

// ListTokens returns the organization's tokens, consumed and revoked
// ones included. Plaintext is never recoverable from the records.
func (s *Service) ListTokens(ctx context.Context, orgID string) ([]*types.EnrollmentToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokensByOrg(orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

func (s *Service) auditFailure(ctx context.Context, actor types.ActorContext, tokenID string, outcome types.AuditOutcome, reason string, req *Request) {
	entry := audit.NewEntry(actor, audit.ActionEnrollFailed, audit.ResourceToken, tokenID)
	entry.Outcome = outcome
	entry.FailureReason = reason
	entry.Detail = map[string]string{
		"platform":  req.Platform,
		"node_name": req.NodeName,
	}
	if err := s.sink.Record(ctx, entry); err != nil {
		log.Errorf("failed to record audit entry", err)
	}
}
