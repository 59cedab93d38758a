package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/capacity"
	"github.com/hutchhq/hutch/pkg/enrollment"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/security"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// stubIssuer avoids real key generation on the enrollment path
type stubIssuer struct{}

func (stubIssuer) IssueCertificate(_ context.Context, _ types.ActorContext, nodeID string, _ []byte) (*types.NodeCertificate, error) {
	now := time.Now().UTC()
	return &types.NodeCertificate{
		NodeID:     nodeID,
		Thumbprint: "tp-" + nodeID,
		CertPEM:    []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"),
		NotBefore:  now,
		NotAfter:   now.Add(90 * 24 * time.Hour),
		IssuedAt:   now,
	}, nil
}

func (stubIssuer) RootCertPEM() []byte {
	return []byte("-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n")
}

type testEnv struct {
	server *httptest.Server
	store  storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := audit.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sink := audit.NewSink(store, broker)
	ca := security.NewCertAuthority(store, sink)
	reg := registry.NewStoreRegistry(store)
	enrollSvc := enrollment.NewService(store, stubIssuer{}, reg, sink)
	engine := capacity.NewEngine(store, reg, sink)

	s := NewServer(enrollSvc, ca, engine, sink, broker)
	srv := httptest.NewServer(s.applyMiddleware(s.mux))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: store}
}

func (env *testEnv) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	return env.do(t, http.MethodPost, path, body, headers)
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func adminHeaders() map[string]string {
	return map[string]string{
		"X-Actor-Id":   "admin",
		"X-Actor-Type": "user",
		"X-Org-Id":     "org-1",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestEnrollmentOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/enrollment/tokens", map[string]any{
		"org_id": "org-1", "label": "rack-7", "validity_minutes": 30,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext, _ := body["plaintext_token"].(string)
	require.NotEmpty(t, plaintext)

	consume := map[string]any{
		"token":          plaintext,
		"node_name":      "worker-a",
		"platform":       "linux/amd64",
		"public_key_pem": "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----\n",
	}
	resp, body = env.post(t, "/api/v1/enrollment/consume", consume, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["node_id"])
	assert.NotEmpty(t, body["certificate"])
	assert.NotEmpty(t, body["thumbprint"])

	// The token is single-use
	resp, body = env.post(t, "/api/v1/enrollment/consume", consume, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["error"])
}

func TestEnrollmentValidationOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	// Missing org
	resp, body := env.post(t, "/api/v1/enrollment/tokens", map[string]any{}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])

	// Unsupported platform
	resp, cbody := env.post(t, "/api/v1/enrollment/tokens", map[string]any{"org_id": "org-1"}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = env.post(t, "/api/v1/enrollment/consume", map[string]any{
		"token":          cbody["plaintext_token"],
		"platform":       "plan9/sparc",
		"public_key_pem": "x",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_platform", body["error"])
}

func TestReservationFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateNode(&types.Node{
		ID: "node-1", OrgID: "org-1", Status: types.NodeStatusOnline,
		Capacity: &types.CapacityConfig{
			MaxMemoryBytes: 4096 * mib, MaxDiskBytes: 100 * 1024 * mib, MaxSlots: 10,
		},
	}))

	resp, body := env.post(t, "/api/v1/reservations", map[string]any{
		"node_id": "node-1", "memory_mb": 1024, "disk_mb": 2048, "requested_by": "deploy-1",
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := body["reservation_token"].(string)
	require.NotEmpty(t, token)

	// Read it back
	resp, body = env.do(t, http.MethodGet, "/api/v1/reservations/"+token, nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])

	// Capacity projection reflects the hold
	resp, body = env.do(t, http.MethodGet, "/api/v1/nodes/node-1/capacity", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1024*mib), body["ReservedMemoryBytes"])

	// Claim, then a repeat claim conflicts
	resp, body = env.post(t, "/api/v1/reservations/"+token+"/claim", map[string]any{"workload_id": "wl-1"}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claimed", body["state"])
	resp, body = env.post(t, "/api/v1/reservations/"+token+"/claim", map[string]any{"workload_id": "wl-2"}, adminHeaders())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "reservation_claimed", body["error"])

	// Release, then a repeat release conflicts
	resp, _ = env.do(t, http.MethodDelete, "/api/v1/reservations/"+token+"?reason=done", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodDelete, "/api/v1/reservations/"+token, nil, adminHeaders())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "reservation_already_released", body["error"])
}

func TestReserveRejectionCodes(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateNode(&types.Node{
		ID: "node-1", OrgID: "org-1", Status: types.NodeStatusOnline,
		Capacity: &types.CapacityConfig{MaxMemoryBytes: 1024 * mib, MaxDiskBytes: 1024 * mib},
	}))

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown node",
			body:     map[string]any{"node_id": "ghost", "memory_mb": 1, "requested_by": "d"},
			wantCode: http.StatusConflict,
			wantErr:  "node_unavailable",
		},
		{
			name:     "memory exceeded",
			body:     map[string]any{"node_id": "node-1", "memory_mb": 2048, "requested_by": "d"},
			wantCode: http.StatusConflict,
			wantErr:  "insufficient_memory",
		},
		{
			name:     "disk exceeded",
			body:     map[string]any{"node_id": "node-1", "memory_mb": 512, "disk_mb": 2048, "requested_by": "d"},
			wantCode: http.StatusConflict,
			wantErr:  "insufficient_disk",
		},
		{
			name:     "missing fields",
			body:     map[string]any{"node_id": "node-1"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			// large enough that memory_mb * MiB would wrap int64 negative
			name:     "memory_mb past conversion bound",
			body:     map[string]any{"node_id": "node-1", "memory_mb": int64(1e15), "requested_by": "d"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "disk_mb past conversion bound",
			body:     map[string]any{"node_id": "node-1", "memory_mb": 512, "disk_mb": int64(1e15), "requested_by": "d"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, "/api/v1/reservations", tt.body, adminHeaders())
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestRenewRequiresClientIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/certificates/renew", map[string]any{
		"public_key_pem": "x",
	}, adminHeaders())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestAuthenticateCertificateOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateCertificate(&types.NodeCertificate{
		NodeID:     "node-1",
		Thumbprint: "tp-valid",
		CertPEM:    []byte("dummy"),
		NotBefore:  now.Add(-time.Hour),
		NotAfter:   now.Add(time.Hour),
		IssuedAt:   now.Add(-time.Hour),
	}))

	resp, body := env.post(t, "/api/v1/certificates/authenticate", nil,
		map[string]string{"X-Client-Thumbprint": "tp-valid"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-1", body["node_id"])
	assert.Equal(t, "tp-valid", body["thumbprint"])

	// No identity header, no decision
	resp, body = env.post(t, "/api/v1/certificates/authenticate", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["error"])

	resp, body = env.post(t, "/api/v1/certificates/authenticate", nil,
		map[string]string{"X-Client-Thumbprint": "tp-ghost"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "certificate_invalid", body["error"])
}

func TestListTokensOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	for _, label := range []string{"rack-1", "rack-2"} {
		resp, _ := env.post(t, "/api/v1/enrollment/tokens", map[string]any{
			"org_id": "org-1", "label": label,
		}, adminHeaders())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/enrollment/tokens", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens, ok := body["tokens"].([]any)
	require.True(t, ok)
	assert.Len(t, tokens, 2)
	for _, raw := range tokens {
		record := raw.(map[string]any)
		assert.NotEmpty(t, record["token_id"])
		assert.Equal(t, "org-1", record["org_id"])
		// Only the creation response ever carries the plaintext
		assert.NotContains(t, record, "plaintext_token")
		assert.NotContains(t, record, "token_hash")
	}

	// No org scope from header or query
	resp, body = env.do(t, http.MethodGet, "/api/v1/enrollment/tokens", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestNodeCertificateHistoryOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateCertificate(&types.NodeCertificate{
		NodeID: "node-1", Thumbprint: "tp-old", CertPEM: []byte("dummy"),
		NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(time.Hour),
		IssuedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, env.store.CreateCertificate(&types.NodeCertificate{
		NodeID: "node-1", Thumbprint: "tp-new", CertPEM: []byte("dummy"),
		NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour),
		IssuedAt: now.Add(-time.Hour),
	}))

	resp, body := env.do(t, http.MethodGet, "/api/v1/nodes/node-1/certificates", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	certs, ok := body["certificates"].([]any)
	require.True(t, ok)
	require.Len(t, certs, 2)
	assert.Equal(t, "tp-new", certs[0].(map[string]any)["thumbprint"])
	assert.Equal(t, "tp-old", certs[1].(map[string]any)["thumbprint"])
	assert.NotContains(t, certs[0].(map[string]any), "certificate")
}

func TestAuditQueryOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	// Generate a few audited operations
	for i := 0; i < 3; i++ {
		resp, _ := env.post(t, "/api/v1/enrollment/tokens", map[string]any{
			"org_id": "org-1", "label": fmt.Sprintf("batch-%d", i),
		}, adminHeaders())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/audit?action=enrollment.*&limit=2", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(2), body["limit"])
	items, _ := body["items"].([]any)
	assert.Len(t, items, 2)

	// Malformed time bounds are rejected
	resp, body = env.do(t, http.MethodGet, "/api/v1/audit?from=yesterday", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestAuditStreamOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/v1/audit/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the subscription a moment to land, then trigger an entry
	time.Sleep(100 * time.Millisecond)
	createResp, _ := env.post(t, "/api/v1/enrollment/tokens", map[string]any{"org_id": "org-1"}, adminHeaders())
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	var entry types.AuditEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, audit.ActionTokenCreated, entry.Action)
	assert.Equal(t, "admin", entry.ActorID)
}
