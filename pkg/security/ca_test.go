package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

func newTestCA(t *testing.T) (*CertAuthority, *storage.BoltStore) {
	t.Helper()

	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store, audit.NewSink(store, nil))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	return ca, store
}

// nodeKeyPEM generates a fresh node keypair and returns the PKIX public
// key in PEM form, the shape enrolling agents submit.
func nodeKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate node key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func testActor() types.ActorContext {
	return types.ActorContext{ID: "admin", Type: types.ActorUser, OrgID: "org-1"}
}

func TestEnsureInitializedPersistsAcrossRestart(t *testing.T) {
	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	sink := audit.NewSink(store, nil)

	first := NewCertAuthority(store, sink)
	if err := first.EnsureInitialized(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	if !first.IsInitialized() {
		t.Fatal("CA should be initialized")
	}

	// A second instance over the same store loads the same root
	second := NewCertAuthority(store, sink)
	if err := second.EnsureInitialized(); err != nil {
		t.Fatalf("Failed to load CA: %v", err)
	}
	if !bytes.Equal(first.RootCertPEM(), second.RootCertPEM()) {
		t.Error("Reloaded CA should have the same root certificate")
	}
}

func TestIssueCertificate(t *testing.T) {
	ca, store := newTestCA(t)

	cert, err := ca.IssueCertificate(context.Background(), testActor(), "node-1", nodeKeyPEM(t))
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if cert.NodeID != "node-1" {
		t.Errorf("Unexpected node ID: %s", cert.NodeID)
	}

	// 90-day validity window
	wantExpiry := time.Now().Add(nodeCertValidity)
	if cert.NotAfter.Before(wantExpiry.Add(-time.Hour)) || cert.NotAfter.After(wantExpiry.Add(time.Hour)) {
		t.Errorf("Unexpected expiry: %v", cert.NotAfter)
	}

	// The certificate chains to the root and carries the node identity
	block, _ := pem.Decode(cert.CertPEM)
	if block == nil {
		t.Fatal("Certificate PEM did not decode")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse issued certificate: %v", err)
	}
	if parsed.Subject.CommonName != "node-node-1" {
		t.Errorf("Unexpected common name: %s", parsed.Subject.CommonName)
	}
	if Thumbprint(block.Bytes) != cert.Thumbprint {
		t.Error("Thumbprint does not match certificate DER")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.RootCertPEM()) {
		t.Fatal("Failed to add root to pool")
	}
	if _, err := parsed.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("Issued certificate should verify against the root: %v", err)
	}

	// The record is durable
	stored, err := store.GetCertificate(cert.Thumbprint)
	if err != nil {
		t.Fatalf("Failed to load stored certificate: %v", err)
	}
	if stored.NodeID != "node-1" {
		t.Errorf("Stored record has wrong node: %s", stored.NodeID)
	}
}

func TestIssueCertificateInvalidKey(t *testing.T) {
	ca, _ := newTestCA(t)

	if _, err := ca.IssueCertificate(context.Background(), testActor(), "node-1", []byte("not a key")); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("Expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestRenewCertificateOverlap(t *testing.T) {
	ca, store := newTestCA(t)

	old, err := ca.IssueCertificate(context.Background(), testActor(), "node-1", nodeKeyPEM(t))
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	renewed, err := ca.RenewCertificate(context.Background(), testActor(), old.Thumbprint, nodeKeyPEM(t))
	if err != nil {
		t.Fatalf("Failed to renew certificate: %v", err)
	}
	if renewed.NodeID != "node-1" {
		t.Errorf("Renewal should keep the node identity, got %s", renewed.NodeID)
	}
	if renewed.Thumbprint == old.Thumbprint {
		t.Error("Renewal should produce a new thumbprint")
	}

	// The old certificate stays valid through the overlap window
	stored, err := store.GetCertificate(old.Thumbprint)
	if err != nil {
		t.Fatalf("Failed to load old certificate: %v", err)
	}
	if stored.RevokedAt != nil {
		t.Error("Renewal must not revoke the old certificate")
	}
	if _, err := ca.Authenticate(context.Background(), testActor(), old.Thumbprint); err != nil {
		t.Errorf("Old certificate should still authenticate: %v", err)
	}

	// Renewal against an unknown thumbprint is refused
	if _, err := ca.RenewCertificate(context.Background(), testActor(), "no-such-thumbprint", nodeKeyPEM(t)); !errors.Is(err, ErrCertificateNotFound) {
		t.Errorf("Expected ErrCertificateNotFound, got %v", err)
	}

	// Renewal against a revoked thumbprint is refused
	if err := ca.RevokeCertificate(context.Background(), testActor(), old.Thumbprint, "rotation complete"); err != nil {
		t.Fatalf("Failed to revoke certificate: %v", err)
	}
	if _, err := ca.RenewCertificate(context.Background(), testActor(), old.Thumbprint, nodeKeyPEM(t)); !errors.Is(err, ErrCertificateRevoked) {
		t.Errorf("Expected ErrCertificateRevoked, got %v", err)
	}
}

func TestRevocationIsSticky(t *testing.T) {
	ca, store := newTestCA(t)

	cert, err := ca.IssueCertificate(context.Background(), testActor(), "node-1", nodeKeyPEM(t))
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if ca.IsRevoked(cert.Thumbprint) {
		t.Fatal("Fresh certificate should not be revoked")
	}

	if err := ca.RevokeCertificate(context.Background(), testActor(), cert.Thumbprint, "compromised"); err != nil {
		t.Fatalf("Failed to revoke certificate: %v", err)
	}

	// Revocation is visible immediately, before any refresh
	if !ca.IsRevoked(cert.Thumbprint) {
		t.Error("Revocation should take effect immediately")
	}

	// And survives a full reload from storage
	if err := ca.RefreshRevocationSet(); err != nil {
		t.Fatalf("Failed to refresh revocation set: %v", err)
	}
	if !ca.IsRevoked(cert.Thumbprint) {
		t.Error("Revocation should survive a refresh")
	}

	// Revoking an unknown thumbprint is refused
	if err := ca.RevokeCertificate(context.Background(), testActor(), "no-such-thumbprint", "x"); !errors.Is(err, ErrCertificateNotFound) {
		t.Errorf("Expected ErrCertificateNotFound, got %v", err)
	}

	// The revocation is in the audit trail
	entries, _, err := store.QueryAudit(&storage.AuditFilter{Action: audit.ActionCertRevoked, Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to query audit: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ResourceID == cert.Thumbprint && e.Outcome == types.OutcomeSuccess {
			found = true
		}
	}
	if !found {
		t.Error("Revocation should be audited")
	}
}

func TestAuthenticate(t *testing.T) {
	ca, store := newTestCA(t)

	cert, err := ca.IssueCertificate(context.Background(), testActor(), "node-1", nodeKeyPEM(t))
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	got, err := ca.Authenticate(context.Background(), testActor(), cert.Thumbprint)
	if err != nil {
		t.Fatalf("Valid certificate should authenticate: %v", err)
	}
	if got.NodeID != "node-1" {
		t.Errorf("Unexpected node: %s", got.NodeID)
	}

	// Unknown thumbprint is denied and audited
	if _, err := ca.Authenticate(context.Background(), testActor(), "bogus"); !errors.Is(err, ErrCertificateNotFound) {
		t.Errorf("Expected ErrCertificateNotFound, got %v", err)
	}
	entries, _, err := store.QueryAudit(&storage.AuditFilter{Action: audit.ActionCertRejected, Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to query audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != types.OutcomeDenied {
		t.Errorf("Denial should be audited with outcome denied: %+v", entries)
	}

	// Revoked certificate is denied
	if err := ca.RevokeCertificate(context.Background(), testActor(), cert.Thumbprint, "compromised"); err != nil {
		t.Fatalf("Failed to revoke certificate: %v", err)
	}
	if _, err := ca.Authenticate(context.Background(), testActor(), cert.Thumbprint); !errors.Is(err, ErrCertificateRevoked) {
		t.Errorf("Expected ErrCertificateRevoked, got %v", err)
	}
}

func TestListNodeCertificatesNewestFirst(t *testing.T) {
	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ca := NewCertAuthority(store, audit.NewSink(store, nil))

	now := time.Now().UTC()
	for i, tp := range []string{"tp-old", "tp-mid", "tp-new"} {
		cert := &types.NodeCertificate{
			NodeID:     "node-1",
			Thumbprint: tp,
			CertPEM:    []byte("dummy"),
			NotBefore:  now.Add(time.Duration(i-72) * time.Hour),
			NotAfter:   now.Add(90 * 24 * time.Hour),
			IssuedAt:   now.Add(time.Duration(i-72) * time.Hour),
		}
		if err := store.CreateCertificate(cert); err != nil {
			t.Fatalf("Failed to create certificate: %v", err)
		}
	}
	if err := store.CreateCertificate(&types.NodeCertificate{
		NodeID: "node-2", Thumbprint: "tp-other", CertPEM: []byte("dummy"),
		NotBefore: now, NotAfter: now.Add(time.Hour), IssuedAt: now,
	}); err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	certs, err := ca.ListNodeCertificates(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("Failed to list certificates: %v", err)
	}
	if len(certs) != 3 {
		t.Fatalf("Expected 3 certificates, got %d", len(certs))
	}
	want := []string{"tp-new", "tp-mid", "tp-old"}
	for i, tp := range want {
		if certs[i].Thumbprint != tp {
			t.Errorf("Position %d: expected %s, got %s", i, tp, certs[i].Thumbprint)
		}
	}

	certs, err = ca.ListNodeCertificates(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Failed to list certificates: %v", err)
	}
	if len(certs) != 0 {
		t.Errorf("Unknown node should have no certificates, got %d", len(certs))
	}
}
