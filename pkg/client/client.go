package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client is a typed HTTP client for the Hutch control-plane API,
// intended for CLI tooling and agents. Identity headers are injected on
// every request; enrollment calls work without them.
type Client struct {
	baseURL string
	http    *http.Client

	actorID   string
	actorType types.ActorType
	orgID     string
}

// Option configures a Client
type Option func(*Client)

// WithActor sets the identity headers sent on every request
func WithActor(actorID string, actorType types.ActorType, orgID string) Option {
	return func(c *Client) {
		c.actorID = actorID
		c.actorType = actorType
		c.orgID = orgID
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a client for the API at baseURL, e.g. "http://127.0.0.1:8420"
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is the decoded error envelope from a non-2xx response
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-Id", c.actorID)
		req.Header.Set("X-Actor-Type", string(c.actorType))
	}
	if c.orgID != "" {
		req.Header.Set("X-Org-Id", c.orgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decErr := json.NewDecoder(resp.Body).Decode(apiErr); decErr != nil {
			apiErr.Code = "unknown_error"
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreatedToken is the one-time response to token creation. The plaintext
// is not recoverable afterwards.
type CreatedToken struct {
	TokenID        string    `json:"token_id"`
	PlaintextToken string    `json:"plaintext_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CreateToken mints a single-use enrollment token for the organization
func (c *Client) CreateToken(ctx context.Context, orgID, label string, validity time.Duration) (*CreatedToken, error) {
	var out CreatedToken
	err := c.do(ctx, http.MethodPost, "/api/v1/enrollment/tokens", map[string]any{
		"org_id":           orgID,
		"label":            label,
		"validity_minutes": int(validity / time.Minute),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Enrollment is the credential bundle a successfully enrolled node receives
type Enrollment struct {
	NodeID           string    `json:"node_id"`
	Certificate      string    `json:"certificate"`
	CertificateChain string    `json:"certificate_chain"`
	Thumbprint       string    `json:"thumbprint"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
}

// Enroll redeems an enrollment token for the node's first certificate
func (c *Client) Enroll(ctx context.Context, token, nodeName, platform string, publicKeyPEM []byte) (*Enrollment, error) {
	var out Enrollment
	err := c.do(ctx, http.MethodPost, "/api/v1/enrollment/consume", map[string]any{
		"token":          token,
		"node_name":      nodeName,
		"platform":       platform,
		"public_key_pem": string(publicKeyPEM),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeToken invalidates a still-unused token. It reports whether the
// call changed anything; revoking twice is not an error.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	var out struct {
		Revoked bool `json:"revoked"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/enrollment/tokens/"+url.PathEscape(tokenID), nil, &out)
	if err != nil {
		return false, err
	}
	return out.Revoked, nil
}

// TokenRecord is an enrollment token as the listing endpoint reports it.
// The plaintext is never part of a record.
type TokenRecord struct {
	TokenID    string     `json:"token_id"`
	OrgID      string     `json:"org_id"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// ListTokens returns the organization's enrollment tokens, consumed and
// revoked ones included. An empty orgID scopes to the client's actor.
func (c *Client) ListTokens(ctx context.Context, orgID string) ([]*TokenRecord, error) {
	path := "/api/v1/enrollment/tokens"
	if orgID != "" {
		path += "?org_id=" + url.QueryEscape(orgID)
	}
	var out struct {
		Tokens []*TokenRecord `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// RenewedCertificate is the response to a certificate renewal
type RenewedCertificate struct {
	Certificate string    `json:"certificate"`
	Thumbprint  string    `json:"thumbprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
}

// RenewCertificate rotates the node certificate identified by
// currentThumbprint onto a fresh keypair. The thumbprint travels in the
// identity header the gateway would normally derive from the TLS session.
func (c *Client) RenewCertificate(ctx context.Context, currentThumbprint string, newPublicKeyPEM []byte) (*RenewedCertificate, error) {
	data, err := json.Marshal(map[string]string{"public_key_pem": string(newPublicKeyPEM)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/certificates/renew", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Thumbprint", currentThumbprint)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decErr := json.NewDecoder(resp.Body).Decode(apiErr); decErr != nil {
			apiErr.Code = "unknown_error"
		}
		return nil, apiErr
	}
	var out RenewedCertificate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCertificate adds the thumbprint to the revocation set
func (c *Client) RevokeCertificate(ctx context.Context, thumbprint, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/certificates/"+url.PathEscape(thumbprint)+"/revoke",
		map[string]string{"reason": reason}, nil)
}

// Identity is the node identity a verified certificate resolves to
type Identity struct {
	NodeID     string    `json:"node_id"`
	Thumbprint string    `json:"thumbprint"`
	NotAfter   time.Time `json:"not_after"`
}

// AuthenticateCertificate checks a certificate thumbprint against
// revocation state and the validity window. Gateways call this on every
// authenticated agent request.
func (c *Client) AuthenticateCertificate(ctx context.Context, thumbprint string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/certificates/authenticate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Client-Thumbprint", thumbprint)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decErr := json.NewDecoder(resp.Body).Decode(apiErr); decErr != nil {
			apiErr.Code = "unknown_error"
		}
		return nil, apiErr
	}
	var out Identity
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CertificateRecord is one entry in a node's certificate history
type CertificateRecord struct {
	Thumbprint   string     `json:"thumbprint"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	IssuedAt     time.Time  `json:"issued_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// ListNodeCertificates returns the node's certificate history, newest first
func (c *Client) ListNodeCertificates(ctx context.Context, nodeID string) ([]*CertificateRecord, error) {
	var out struct {
		Certificates []*CertificateRecord `json:"certificates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(nodeID)+"/certificates", nil, &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

// ReserveRequest describes the capacity slice to hold on a node
type ReserveRequest struct {
	NodeID        string
	MemoryMB      int64
	DiskMB        int64
	CPUMillicores int64
	RequestedBy   string
	TTL           time.Duration
}

// Reservation is the handle returned by Reserve
type Reservation struct {
	ReservationToken string    `json:"reservation_token"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Reserve places a time-bounded hold on a node's capacity
func (c *Client) Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/v1/reservations", map[string]any{
		"node_id":        req.NodeID,
		"memory_mb":      req.MemoryMB,
		"disk_mb":        req.DiskMB,
		"cpu_millicores": req.CPUMillicores,
		"requested_by":   req.RequestedBy,
		"ttl_seconds":    int(req.TTL / time.Second),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReservationDetail is the full reservation record
type ReservationDetail struct {
	Token         string                 `json:"token"`
	NodeID        string                 `json:"node_id"`
	MemoryBytes   int64                  `json:"memory_bytes"`
	DiskBytes     int64                  `json:"disk_bytes"`
	CPUMillicores int64                  `json:"cpu_millicores"`
	RequestedBy   string                 `json:"requested_by"`
	State         types.ReservationState `json:"state"`
	WorkloadID    string                 `json:"workload_id"`
	ReleaseReason string                 `json:"release_reason"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

// GetReservation returns the reservation for a token
func (c *Client) GetReservation(ctx context.Context, token string) (*ReservationDetail, error) {
	var out ReservationDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/reservations/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim converts a reservation into a committed workload placement
func (c *Client) Claim(ctx context.Context, token, workloadID string) (*ReservationDetail, error) {
	var out ReservationDetail
	err := c.do(ctx, http.MethodPost, "/api/v1/reservations/"+url.PathEscape(token)+"/claim",
		map[string]string{"workload_id": workloadID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Release frees a reservation's capacity
func (c *Client) Release(ctx context.Context, token, reason string) error {
	path := "/api/v1/reservations/" + url.PathEscape(token)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetCapacity returns the node's capacity projection
func (c *Client) GetCapacity(ctx context.Context, nodeID string) (*types.AvailableCapacity, error) {
	var out types.AvailableCapacity
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(nodeID)+"/capacity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditQuery selects audit entries. Zero values mean no constraint.
type AuditQuery struct {
	OrgID         string
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    string
	Outcome       string
	CorrelationID string
	From          time.Time
	To            time.Time
	Page          int
	Limit         int
}

// AuditPage is one page of audit results, newest first
type AuditPage struct {
	Items []*types.AuditEntry `json:"items"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int                 `json:"total"`
}

// QueryAudit returns a filtered page of the audit trail
func (c *Client) QueryAudit(ctx context.Context, q *AuditQuery) (*AuditPage, error) {
	params := url.Values{}
	set := func(key, val string) {
		if val != "" {
			params.Set(key, val)
		}
	}
	set("org_id", q.OrgID)
	set("actor_id", q.ActorID)
	set("action", q.Action)
	set("resource_type", q.ResourceType)
	set("resource_id", q.ResourceID)
	set("outcome", q.Outcome)
	set("correlation_id", q.CorrelationID)
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(time.RFC3339))
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/api/v1/audit"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out AuditPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
