package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// stubIssuer stands in for the certificate authority
type stubIssuer struct {
	mu     sync.Mutex
	issued int
	fail   error
}

func (i *stubIssuer) IssueCertificate(_ context.Context, _ types.ActorContext, nodeID string, _ []byte) (*types.NodeCertificate, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail != nil {
		return nil, i.fail
	}
	i.issued++
	now := time.Now().UTC()
	return &types.NodeCertificate{
		NodeID:     nodeID,
		Thumbprint: fmt.Sprintf("tp-%s", nodeID),
		CertPEM:    []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"),
		NotBefore:  now,
		NotAfter:   now.Add(90 * 24 * time.Hour),
		IssuedAt:   now,
	}, nil
}

func (i *stubIssuer) RootCertPEM() []byte {
	return []byte("-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n")
}

func newTestService(t *testing.T, issuer Issuer) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := audit.NewSink(store, nil)
	reg := registry.NewStoreRegistry(store)
	return NewService(store, issuer, reg, sink), store
}

func testActor() types.ActorContext {
	return types.ActorContext{ID: "admin", Type: types.ActorUser, OrgID: "org-1"}
}

func testRequest() *Request {
	return &Request{
		NodeName:     "worker-a",
		Platform:     "linux/amd64",
		PublicKeyPEM: []byte("-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----\n"),
	}
}

func TestCreateTokenStoresOnlyHash(t *testing.T) {
	svc, store := newTestService(t, &stubIssuer{})

	token, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "rack-7", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	stored, err := store.GetTokenByID(token.ID)
	require.NoError(t, err)
	assert.Equal(t, HashToken(plaintext), stored.TokenHash)
	assert.NotContains(t, stored.TokenHash, plaintext)
	assert.Equal(t, "rack-7", stored.Label)
	assert.Nil(t, stored.ConsumedAt)
}

func TestCreateTokenClampsValidity(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})
	now := time.Now()

	// Zero validity falls back to the default
	token, _, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(DefaultTokenValidity), token.ExpiresAt, 5*time.Second)

	// Oversized windows are clamped to the maximum
	token, _, err = svc.CreateToken(context.Background(), testActor(), "org-1", "", 30*24*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(MaxTokenValidity), token.ExpiresAt, 5*time.Second)
}

func TestConsumeTokenEnrollsNode(t *testing.T) {
	issuer := &stubIssuer{}
	svc, store := newTestService(t, issuer)

	token, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	agent := types.ActorContext{ID: "anonymous", Type: types.ActorAgent}
	result, err := svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	require.NoError(t, err)

	assert.Equal(t, types.NodeStatusOnline, result.Node.Status)
	assert.Equal(t, "org-1", result.Node.OrgID)
	assert.Equal(t, result.Certificate.Thumbprint, result.Node.CertThumbprint)
	assert.NotEmpty(t, result.CACertPEM)
	assert.Equal(t, 1, issuer.issued)

	// The durable node row matches what was returned
	node, err := store.GetNode(result.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, result.Certificate.Thumbprint, node.CertThumbprint)

	// The token is marked consumed by the new node
	stored, err := store.GetTokenByID(token.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ConsumedAt)
	assert.Equal(t, result.Node.ID, stored.ConsumedBy)

	// The enrollment shows up in the audit trail
	entries, _, err := store.QueryAudit(&storage.AuditFilter{Action: audit.ActionEnrolled, Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.Node.ID, entries[0].ResourceID)
}

func TestConsumeTokenReuseRejected(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})

	_, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	agent := types.ActorContext{ID: "anonymous", Type: types.ActorAgent}
	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	require.NoError(t, err)

	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConsumeTokenUnknownAndExpired(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})
	agent := types.ActorContext{ID: "anonymous", Type: types.ActorAgent}

	// Unknown plaintext
	_, err := svc.ConsumeToken(context.Background(), agent, "never-issued", testRequest())
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired token gets the same error as an unknown one
	_, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConsumeTokenInvalidPlatform(t *testing.T) {
	svc, store := newTestService(t, &stubIssuer{})

	token, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	req := testRequest()
	req.Platform = "plan9/sparc"
	agent := types.ActorContext{ID: "anonymous", Type: types.ActorAgent}
	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, req)
	assert.ErrorIs(t, err, ErrInvalidPlatform)

	// The platform check happens before consumption, so the token survives
	stored, err := store.GetTokenByID(token.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ConsumedAt)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})

	_, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	const racers = 10
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := types.ActorContext{ID: fmt.Sprintf("agent-%d", n), Type: types.ActorAgent}
			_, err := svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidToken):
			rejections++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, rejections)
}

func TestIssuanceFailureIsTerminal(t *testing.T) {
	issuer := &stubIssuer{fail: errors.New("ca unavailable")}
	svc, store := newTestService(t, issuer)

	token, plaintext, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	agent := types.ActorContext{ID: "anonymous", Type: types.ActorAgent}
	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)

	// The token is not refunded: the failed enrollment cannot be replayed
	stored, err := store.GetTokenByID(token.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ConsumedAt)

	issuer.fail = nil
	_, err = svc.ConsumeToken(context.Background(), agent, plaintext, testRequest())
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The failure is in the audit trail
	entries, _, err := store.QueryAudit(&storage.AuditFilter{Action: audit.ActionEnrollFailed, Page: 1, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, types.OutcomeFailure, entries[0].Outcome)
}

func TestRevokeToken(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})

	token, _, err := svc.CreateToken(context.Background(), testActor(), "org-1", "", time.Hour)
	require.NoError(t, err)

	changed, err := svc.RevokeToken(context.Background(), testActor(), "org-1", token.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.RevokeToken(context.Background(), testActor(), "org-1", token.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.RevokeToken(context.Background(), testActor(), "org-1", "no-such-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestListTokensScopedToOrg(t *testing.T) {
	svc, _ := newTestService(t, &stubIssuer{})

	first, _, err := svc.CreateToken(context.Background(), testActor(), "org-1", "rack-1", time.Hour)
	require.NoError(t, err)
	_, _, err = svc.CreateToken(context.Background(), testActor(), "org-1", "rack-2", time.Hour)
	require.NoError(t, err)
	_, _, err = svc.CreateToken(context.Background(), testActor(), "org-2", "other", time.Hour)
	require.NoError(t, err)

	tokens, err := svc.ListTokens(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, token := range tokens {
		assert.Equal(t, "org-1", token.OrgID)
	}

	// Revoked tokens stay visible
	_, err = svc.RevokeToken(context.Background(), testActor(), "org-1", first.ID)
	require.NoError(t, err)
	tokens, err = svc.ListTokens(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	tokens, err = svc.ListTokens(context.Background(), "org-3")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("some-token")
	b := HashToken("some-token")
	c := HashToken("other-token")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
