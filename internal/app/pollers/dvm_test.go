package pollers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

const dvmTestMasterKey = "0404040404040404040404040404040404040404040404040404040404040404"

type fakeQueue struct{ events []nostrevent.Event }

func (q *fakeQueue) Enqueue(events ...nostrevent.Event) { q.events = append(q.events, events...) }

type fakeSettler struct{}

func (fakeSettler) Settle(ctx context.Context, encKey signer.EncryptedKey, walletURI string, payableMsats int64, providerBolt11, providerAddress string) (string, bool, error) {
	return "preimage", false, nil
}

func newDVMTestDeps(t *testing.T) (Deps, *memory.JobStore, signer.EncryptedKey, signer.KeyPair) {
	t.Helper()
	s, err := signer.New(dvmTestMasterKey)
	require.NoError(t, err)
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	jobs := memory.NewJobStore()
	agents := memory.NewAgentStore()
	services := memory.NewServiceRegistrationStore()
	trust := memory.NewTrustStore()
	workflows := memory.NewWorkflowStore()
	swarms := memory.NewSwarmStore()

	engine := jobengine.New(s, &fakeQueue{}, fakeSettler{}, jobs, agents, services, trust, workflows, swarms, nil)
	return Deps{Engine: engine, Jobs: jobs, Agents: agents, Services: services, Trust: trust, Workflows: workflows}, jobs, enc, kp
}

func TestReconcileResultEvent_MarksProviderJobCompleted(t *testing.T) {
	d, jobs, _, kp := newDVMTestDeps(t)
	ctx := context.Background()

	require.NoError(t, jobs.Create(ctx, job.Job{
		ID: "pj-1", Role: job.RoleProvider, Status: job.StatusProcessing,
		Kind: 5100, RequestEventID: "req-1", ProviderPubkey: kp.PubkeyHex,
	}))

	resultEvt := nostrevent.Event{
		ID: "result-1", Pubkey: kp.PubkeyHex, Kind: 6100, Content: "translated text",
		Tags: []nostrevent.Tag{{"e", "req-1"}, {"amount", "1000"}},
	}

	ok := d.reconcileResultEvent(ctx, resultEvt)
	require.True(t, ok)

	got, err := jobs.Get(ctx, "pj-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status, "the provider row itself completes on result reconciliation")
	require.Equal(t, "translated text", got.Output)
	require.Equal(t, "result-1", got.ResultEventID)
}

func TestReconcileResultEvent_FeedbackAppliesStatusWithoutResult(t *testing.T) {
	d, jobs, _, kp := newDVMTestDeps(t)
	ctx := context.Background()

	require.NoError(t, jobs.Create(ctx, job.Job{
		ID: "pj-2", Role: job.RoleProvider, Status: job.StatusOpen,
		Kind: 5100, RequestEventID: "req-2", ProviderPubkey: kp.PubkeyHex,
	}))

	feedbackEvt := nostrevent.Event{
		ID: "fb-1", Pubkey: kp.PubkeyHex, Kind: nostrevent.KindDVMFeedback, Content: "working on it",
		Tags: []nostrevent.Tag{{"e", "req-2"}, {"status", "processing"}},
	}

	ok := d.reconcileResultEvent(ctx, feedbackEvt)
	require.True(t, ok)

	got, err := jobs.Get(ctx, "pj-2")
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
	require.Empty(t, got.Output, "a feedback event must not populate the result output")
}

func TestReconcileResultEvent_IgnoresEventsWithNoMatchingProviderJob(t *testing.T) {
	d, _, _, kp := newDVMTestDeps(t)
	ctx := context.Background()

	resultEvt := nostrevent.Event{
		ID: "result-orphan", Pubkey: kp.PubkeyHex, Kind: 6100, Content: "nobody asked",
		Tags: []nostrevent.Tag{{"e", "no-such-request"}},
	}

	require.False(t, d.reconcileResultEvent(ctx, resultEvt))
}

func TestProviderPubkeys_ListsAllRegisteredServices(t *testing.T) {
	d, _, _, _ := newDVMTestDeps(t)
	ctx := context.Background()

	require.NoError(t, d.Services.Upsert(ctx, service.Registration{UserID: "u1", Pubkey: "pk-a", Kinds: []int{5100}}))
	require.NoError(t, d.Services.Upsert(ctx, service.Registration{UserID: "u2", Pubkey: "pk-b", Kinds: []int{5200}}))

	pubkeys, err := providerPubkeys(ctx, d.Services)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pk-a", "pk-b"}, pubkeys)
}
