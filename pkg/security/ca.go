package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

var (
	// ErrCertificateNotFound means no certificate matches the presented thumbprint
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateRevoked means the presented thumbprint is in the revocation set
	ErrCertificateRevoked = errors.New("certificate revoked")

	// ErrCertificateExpired means the certificate is outside its validity window
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrInvalidPublicKey means the caller-supplied public key material could not be parsed
	ErrInvalidPublicKey = errors.New("invalid public key material")
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Node certificate validity: 90 days, fixed
	nodeCertValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeySize = 4096

	// How long an expired, unrevoked certificate lingers before cleanup
	expiredCertRetention = 24 * time.Hour

	// DefaultRevocationRefreshInterval is how often the in-memory
	// revocation set is reloaded from storage
	DefaultRevocationRefreshInterval = 30 * time.Second
)

// caData is the serialized CA material kept in storage. The key is
// encrypted with the cluster encryption key.
type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

// CertAuthority issues, renews, and revokes node certificates, and
// answers the hot-path IsRevoked check from an in-memory revocation set.
type CertAuthority struct {
	store storage.Store
	sink  *audit.Sink

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	revoked map[string]struct{}
	mu      sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCertAuthority creates a new certificate authority adapter
func NewCertAuthority(store storage.Store, sink *audit.Sink) *CertAuthority {
	return &CertAuthority{
		store:   store,
		sink:    sink,
		revoked: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Initialize generates a new root CA certificate and signing key
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Hutch Control Plane"},
			CommonName:   "Hutch Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey

	return nil
}

// LoadFromStore loads the CA from storage
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("failed to get CA from storage: %w", err)
	}

	var stored caData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal CA data: %w", err)
	}

	decryptedKey, err := Decrypt(stored.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(stored.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey

	return nil
}

// SaveToStore saves the CA to storage with the signing key encrypted
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to encrypt root key: %w", err)
	}

	data, err := json.Marshal(caData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("failed to save CA to storage: %w", err)
	}

	return nil
}

// EnsureInitialized loads the CA from storage, generating and persisting
// a fresh one on first start.
func (ca *CertAuthority) EnsureInitialized() error {
	err := ca.LoadFromStore()
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := ca.Initialize(); err != nil {
		return err
	}
	return ca.SaveToStore()
}

// IsInitialized returns true if the CA is initialized
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return ca.rootCert != nil && ca.rootKey != nil
}

// RootCertPEM returns the root CA certificate, PEM-encoded, for
// distribution to enrolling nodes.
func (ca *CertAuthority) RootCertPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
}

// Thumbprint computes the stable fingerprint of a certificate in DER form
func Thumbprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// IssueCertificate issues a 90-day certificate for the node's public key,
// with the node identifier embedded as the subject common name. The
// caller supplies the public key material; the CA never holds node
// private keys.
func (ca *CertAuthority) IssueCertificate(ctx context.Context, actor types.ActorContext, nodeID string, publicKeyPEM []byte) (*types.NodeCertificate, error) {
	cert, err := ca.issue(nodeID, publicKeyPEM)

	entry := audit.NewEntry(actor, audit.ActionCertIssued, audit.ResourceCertificate, "")
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.FailureReason = err.Error()
		entry.ResourceID = nodeID
		if recErr := ca.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		return nil, err
	}

	entry.ResourceID = cert.Thumbprint
	entry.ResourceName = nodeID
	entry.Detail = map[string]string{
		"node_id":   nodeID,
		"not_after": cert.NotAfter.Format(time.RFC3339),
	}
	if recErr := ca.sink.Record(ctx, entry); recErr != nil {
		return nil, recErr
	}

	metrics.CertificatesIssuedTotal.Inc()
	return cert, nil
}

// RenewCertificate verifies that the presented thumbprint belongs to an
// active certificate and issues a fresh 90-day certificate for the same
// node. The old certificate stays valid until its own expiry or an
// explicit revocation, so an agent that fails over mid-rotation is not
// locked out.
func (ca *CertAuthority) RenewCertificate(ctx context.Context, actor types.ActorContext, currentThumbprint string, newPublicKeyPEM []byte) (*types.NodeCertificate, error) {
	entry := audit.NewEntry(actor, audit.ActionCertRenewed, audit.ResourceCertificate, currentThumbprint)

	current, err := ca.verifyActive(currentThumbprint)
	if err != nil {
		entry.Outcome = types.OutcomeDenied
		entry.FailureReason = err.Error()
		if recErr := ca.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		return nil, err
	}

	cert, err := ca.issue(current.NodeID, newPublicKeyPEM)
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.FailureReason = err.Error()
		if recErr := ca.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		return nil, err
	}

	entry.ResourceID = cert.Thumbprint
	entry.ResourceName = current.NodeID
	entry.Detail = map[string]string{
		"node_id":             current.NodeID,
		"previous_thumbprint": currentThumbprint,
		"not_after":           cert.NotAfter.Format(time.RFC3339),
	}
	if recErr := ca.sink.Record(ctx, entry); recErr != nil {
		return nil, recErr
	}

	metrics.CertificatesRenewedTotal.Inc()
	return cert, nil
}

// issue signs a certificate for nodeID over the supplied public key and
// persists the record.
func (ca *CertAuthority) issue(nodeID string, publicKeyPEM []byte) (*types.NodeCertificate, error) {
	ca.mu.RLock()
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()

	if rootCert == nil || rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Hutch Control Plane"},
			CommonName:   fmt.Sprintf("node-%s", nodeID),
		},
		NotBefore:   now,
		NotAfter:    now.Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, publicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create node certificate: %w", err)
	}

	cert := &types.NodeCertificate{
		NodeID:     nodeID,
		Thumbprint: Thumbprint(certDER),
		CertPEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		NotBefore:  template.NotBefore,
		NotAfter:   template.NotAfter,
		IssuedAt:   now,
	}

	if err := ca.store.CreateCertificate(cert); err != nil {
		return nil, fmt.Errorf("failed to persist certificate: %w", err)
	}

	return cert, nil
}

// RevokeCertificate adds the thumbprint to the revocation set. The
// in-memory set is updated immediately so this process rejects the
// thumbprint before the next refresh.
func (ca *CertAuthority) RevokeCertificate(ctx context.Context, actor types.ActorContext, thumbprint, reason string) error {
	entry := audit.NewEntry(actor, audit.ActionCertRevoked, audit.ResourceCertificate, thumbprint)
	entry.Detail = map[string]string{"reason": reason}

	cert, err := ca.store.RevokeCertificate(thumbprint, reason, time.Now().UTC())
	if err != nil {
		entry.Outcome = types.OutcomeFailure
		entry.FailureReason = err.Error()
		if recErr := ca.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCertificateNotFound
		}
		return err
	}

	ca.mu.Lock()
	ca.revoked[thumbprint] = struct{}{}
	size := len(ca.revoked)
	ca.mu.Unlock()
	metrics.RevocationSetSize.Set(float64(size))

	entry.ResourceName = cert.NodeID
	if recErr := ca.sink.Record(ctx, entry); recErr != nil {
		return recErr
	}

	metrics.CertificatesRevokedTotal.Inc()
	return nil
}

// IsRevoked is the hot-path revocation check. It consults only the
// in-memory set; revocations land here immediately when made through
// this process and within one refresh interval otherwise.
func (ca *CertAuthority) IsRevoked(thumbprint string) bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	_, revoked := ca.revoked[thumbprint]
	return revoked
}

// ListNodeCertificates returns every certificate record held for the
// node, newest first, revoked and expired ones included.
func (ca *CertAuthority) ListNodeCertificates(ctx context.Context, nodeID string) ([]*types.NodeCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certs, err := ca.store.ListCertificatesByNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	sort.Slice(certs, func(i, j int) bool {
		return certs[i].IssuedAt.After(certs[j].IssuedAt)
	})
	return certs, nil
}

// Authenticate checks a presented thumbprint on an authenticated request
// path: revocation first (fast path), then existence and validity
// window. Denials are audited with outcome Denied.
func (ca *CertAuthority) Authenticate(ctx context.Context, actor types.ActorContext, thumbprint string) (*types.NodeCertificate, error) {
	deny := func(reason error) error {
		entry := audit.NewEntry(actor, audit.ActionCertRejected, audit.ResourceCertificate, thumbprint)
		entry.Outcome = types.OutcomeDenied
		entry.FailureReason = reason.Error()
		if recErr := ca.sink.Record(ctx, entry); recErr != nil {
			log.Errorf("failed to record audit entry", recErr)
		}
		return reason
	}

	if ca.IsRevoked(thumbprint) {
		return nil, deny(ErrCertificateRevoked)
	}

	cert, err := ca.store.GetCertificate(thumbprint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, deny(ErrCertificateNotFound)
		}
		return nil, err
	}
	// The durable record is authoritative even if the cache is stale.
	if cert.RevokedAt != nil {
		return nil, deny(ErrCertificateRevoked)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, deny(ErrCertificateExpired)
	}

	return cert, nil
}

// RefreshRevocationSet reloads the in-memory revocation set from durable
// storage. Called on a fixed interval by the refresh loop.
func (ca *CertAuthority) RefreshRevocationSet() error {
	thumbprints, err := ca.store.ListRevokedThumbprints()
	if err != nil {
		return fmt.Errorf("failed to list revoked thumbprints: %w", err)
	}

	revoked := make(map[string]struct{}, len(thumbprints))
	for _, tp := range thumbprints {
		revoked[tp] = struct{}{}
	}

	ca.mu.Lock()
	ca.revoked = revoked
	ca.mu.Unlock()

	metrics.RevocationSetSize.Set(float64(len(revoked)))
	return nil
}

// StartRevocationRefresh runs the refresh loop until Stop is called. It
// also prunes unrevoked certificates that expired more than the
// retention period ago; revoked records are kept forever so revocation
// stays sticky across refreshes.
func (ca *CertAuthority) StartRevocationRefresh(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRevocationRefreshInterval
	}
	go ca.refreshLoop(interval)
}

// Stop stops the refresh loop
func (ca *CertAuthority) Stop() {
	ca.stopOnce.Do(func() {
		close(ca.stopCh)
	})
}

func (ca *CertAuthority) refreshLoop(interval time.Duration) {
	logger := log.WithComponent("ca")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ca.RefreshRevocationSet(); err != nil {
				logger.Error().Err(err).Msg("revocation set refresh failed")
			}
			if err := ca.pruneExpired(); err != nil {
				logger.Error().Err(err).Msg("expired certificate cleanup failed")
			}
		case <-ca.stopCh:
			return
		}
	}
}

func (ca *CertAuthority) pruneExpired() error {
	certs, err := ca.store.ListCertificates()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-expiredCertRetention)
	for _, cert := range certs {
		if cert.RevokedAt == nil && cert.NotAfter.Before(cutoff) {
			if err := ca.store.DeleteCertificate(cert.Thumbprint); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyActive returns the certificate for thumbprint if it is unrevoked
// and within its validity window.
func (ca *CertAuthority) verifyActive(thumbprint string) (*types.NodeCertificate, error) {
	if ca.IsRevoked(thumbprint) {
		return nil, ErrCertificateRevoked
	}
	cert, err := ca.store.GetCertificate(thumbprint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, err
	}
	if cert.RevokedAt != nil {
		return nil, ErrCertificateRevoked
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, ErrCertificateExpired
	}
	return cert, nil
}
