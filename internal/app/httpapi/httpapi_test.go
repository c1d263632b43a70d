package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

const testMasterKey = "0404040404040404040404040404040404040404040404040404040404040404"

type fakeQueue struct{ events []nostrevent.Event }

func (q *fakeQueue) Enqueue(events ...nostrevent.Event) { q.events = append(q.events, events...) }

type fakeSettler struct{ preimage string }

func (s *fakeSettler) Settle(ctx context.Context, encKey signer.EncryptedKey, walletURI string, payableMsats int64, providerBolt11, providerAddress string) (string, bool, error) {
	return s.preimage, false, nil
}

type testServer struct {
	mux    http.Handler
	agents *memory.AgentStore
	jobs   *memory.JobStore
	svcs   *memory.ServiceRegistrationStore
	queue  *fakeQueue
	signer *signer.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := signer.New(testMasterKey)
	require.NoError(t, err)

	agents := memory.NewAgentStore()
	jobs := memory.NewJobStore()
	svcs := memory.NewServiceRegistrationStore()
	trustStore := memory.NewTrustStore()
	workflows := memory.NewWorkflowStore()
	swarms := memory.NewSwarmStore()
	queue := &fakeQueue{}
	settler := &fakeSettler{preimage: "preimage-xyz"}

	engine := jobengine.New(s, queue, settler, jobs, agents, svcs, trustStore, workflows, swarms, nil)

	deps := Deps{
		Agents: agents, Jobs: jobs, Services: svcs, Trust: trustStore,
		Signer: s, Engine: engine, Queue: queue, Settler: settler,
		Relays: []string{"wss://relay.example"},
	}
	h := newHandler(deps, newAuditLog(10, nil))
	router := h.routes()
	handler := wrapWithAuth(router, agents, nil, nil)

	return &testServer{mux: handler, agents: agents, jobs: jobs, svcs: svcs, queue: queue, signer: s}
}

// createAgent registers an agent directly against the store (bypassing
// the HTTP registration endpoint) and returns its bearer API key.
func (ts *testServer) createAgent(t *testing.T, username string) (agent.Agent, string) {
	t.Helper()
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	enc, err := ts.signer.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)
	apiKey := username + "-key"
	a := agent.Agent{
		ID: username + "-id", Username: username, Pubkey: kp.PubkeyHex,
		EncryptedPrivateKey: enc.CiphertextB64, PrivateKeyIV: enc.IVB64,
		APIKeyHash: HashAPIKey(apiKey), Role: agent.RoleUser,
	}
	require.NoError(t, ts.agents.Create(context.Background(), a))
	return a, apiKey
}

func (ts *testServer) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func TestRegisterProvisionsAgent(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.UserID)
	require.NotEmpty(t, resp.APIKey)
	require.Equal(t, "alice", resp.Username)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMeReturnsProfile(t *testing.T) {
	ts := newTestServer(t)
	a, key := ts.createAgent(t, "bob")
	rec := ts.do(t, http.MethodGet, "/api/me", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp profileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, a.ID, resp.UserID)
	require.Equal(t, "bob", resp.Username)
}

func TestPostDVMRequestFansOutAndEnqueues(t *testing.T) {
	ts := newTestServer(t)
	_, customerKey := ts.createAgent(t, "customer")
	provider, _ := ts.createAgent(t, "provider")
	require.NoError(t, ts.svcs.Upsert(context.Background(), service.Registration{
		UserID: provider.ID, Pubkey: provider.Pubkey, Kinds: []int{5100},
	}))

	rec := ts.do(t, http.MethodPost, "/api/dvm/request", customerKey, postRequestBody{
		Kind: 5100, Input: "translate this", BidSats: 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "open", resp.Status)
	require.NotEmpty(t, resp.EventID)
	require.Len(t, ts.queue.events, 1)

	providerJobs, err := ts.jobs.ListByUser(context.Background(), provider.ID, job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, providerJobs, 1)
	require.Equal(t, job.StatusOpen, providerJobs[0].Status)
}

func TestPostJobAcceptTransitionsProviderRow(t *testing.T) {
	ts := newTestServer(t)
	_, customerKey := ts.createAgent(t, "customer2")
	provider, providerKey := ts.createAgent(t, "provider2")
	require.NoError(t, ts.svcs.Upsert(context.Background(), service.Registration{
		UserID: provider.ID, Pubkey: provider.Pubkey, Kinds: []int{5100},
	}))

	rec := ts.do(t, http.MethodPost, "/api/dvm/request", customerKey, postRequestBody{Kind: 5100, Input: "x"})
	require.Equal(t, http.StatusCreated, rec.Code)

	providerJobs, err := ts.jobs.ListByUser(context.Background(), provider.ID, job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, providerJobs, 1)
	jobID := providerJobs[0].ID

	rec = ts.do(t, http.MethodPost, "/api/dvm/jobs/"+jobID+"/accept", providerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	pj, err := ts.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, pj.Status)
}

func TestPostJobAcceptRejectsNonOwner(t *testing.T) {
	ts := newTestServer(t)
	_, customerKey := ts.createAgent(t, "customer3")
	provider, _ := ts.createAgent(t, "provider3")
	_, otherKey := ts.createAgent(t, "intruder")
	require.NoError(t, ts.svcs.Upsert(context.Background(), service.Registration{
		UserID: provider.ID, Pubkey: provider.Pubkey, Kinds: []int{5100},
	}))

	ts.do(t, http.MethodPost, "/api/dvm/request", customerKey, postRequestBody{Kind: 5100, Input: "x"})
	providerJobs, _ := ts.jobs.ListByUser(context.Background(), provider.ID, job.RoleProvider)
	require.Len(t, providerJobs, 1)

	rec := ts.do(t, http.MethodPost, "/api/dvm/jobs/"+providerJobs[0].ID+"/accept", otherKey, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetDVMMarketExcludesOwnRequests(t *testing.T) {
	ts := newTestServer(t)
	customer, customerKey := ts.createAgent(t, "customer4")
	other, otherKey := ts.createAgent(t, "other4")

	ts.do(t, http.MethodPost, "/api/dvm/request", customerKey, postRequestBody{Kind: 5200, Input: "mine"})

	rec := ts.do(t, http.MethodGet, "/api/dvm/market", otherKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs []marketEntry `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, customer.Pubkey, resp.Jobs[0].CustomerPubkey)

	rec = ts.do(t, http.MethodGet, "/api/dvm/market", customerKey, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 0, "customer must not see its own request in the market")
	_ = other
}

func TestPostDVMServicesRegistersAndAnnounces(t *testing.T) {
	ts := newTestServer(t)
	provider, key := ts.createAgent(t, "svcprovider")

	rec := ts.do(t, http.MethodPost, "/api/dvm/services", key, serviceRegisterBody{
		Kinds: []int{5100, 5101}, Description: "translation", LightningAddress: "svc@getalby.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp serviceRegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []int{5100, 5101}, resp.Kinds)
	require.NotEmpty(t, resp.EventID)
	require.Len(t, ts.queue.events, 2, "one handler-info event per served kind")

	reg, err := ts.svcs.Get(context.Background(), provider.Pubkey)
	require.NoError(t, err)
	require.Equal(t, "svc@getalby.com", reg.LightningAddress)
}

func TestPostDVMTrustDeclaresAndRevokes(t *testing.T) {
	ts := newTestServer(t)
	_, trusterKey := ts.createAgent(t, "truster")
	target, _ := ts.createAgent(t, "target")

	rec := ts.do(t, http.MethodPost, "/api/dvm/trust", trusterKey, trustBody{TargetPubkey: target.Pubkey})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.queue.events, 1)

	rec = ts.do(t, http.MethodDelete, "/api/dvm/trust/"+target.Pubkey, trusterKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetNIP05ResolvesRegisteredUsername(t *testing.T) {
	ts := newTestServer(t)
	a, _ := ts.createAgent(t, "carol")

	rec := ts.do(t, http.MethodGet, "/.well-known/nostr.json?name=carol", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp nip05Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, a.Pubkey, resp.Names["carol"])
}

func TestPostHeartbeatUpdatesLastSeen(t *testing.T) {
	ts := newTestServer(t)
	a, key := ts.createAgent(t, "heartbeating")
	require.False(t, a.Online)

	rec := ts.do(t, http.MethodPost, "/api/heartbeat", key, heartbeatBody{Status: "online", Capacity: 3})
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := ts.agents.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, updated.Online)
	require.False(t, updated.LastSeenAt.IsZero())
}
