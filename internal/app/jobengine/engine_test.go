package jobengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

const engineTestMasterKey = "0303030303030303030303030303030303030303030303030303030303030303"

type fakeQueue struct{ events []nostrevent.Event }

func (q *fakeQueue) Enqueue(events ...nostrevent.Event) { q.events = append(q.events, events...) }

type fakeSettler struct {
	preimage string
	err      error
}

func (s *fakeSettler) Settle(ctx context.Context, encKey signer.EncryptedKey, walletURI string, payableMsats int64, providerBolt11, providerAddress string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	return s.preimage, false, nil
}

type testRig struct {
	engine   *Engine
	queue    *fakeQueue
	settler  *fakeSettler
	services *memory.ServiceRegistrationStore
	jobs     *memory.JobStore
	trust    *memory.TrustStore
	enc      signer.EncryptedKey
}

func newRig(t *testing.T) testRig {
	t.Helper()
	s, err := signer.New(engineTestMasterKey)
	require.NoError(t, err)
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	queue := &fakeQueue{}
	settler := &fakeSettler{preimage: "preimage-abc"}
	jobs := memory.NewJobStore()
	agents := memory.NewAgentStore()
	services := memory.NewServiceRegistrationStore()
	trust := memory.NewTrustStore()
	workflows := memory.NewWorkflowStore()
	swarms := memory.NewSwarmStore()

	engine := New(s, queue, settler, jobs, agents, services, trust, workflows, swarms, nil)
	return testRig{engine: engine, queue: queue, settler: settler, services: services, jobs: jobs, trust: trust, enc: enc}
}

func TestPostRequestFansOutToEligibleProviders(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	require.NoError(t, rig.services.Upsert(ctx, service.Registration{
		UserID: "provider-1", Pubkey: "provider-pk-1", Kinds: []int{5100},
	}))
	require.NoError(t, rig.services.Upsert(ctx, service.Registration{
		UserID: "provider-2", Pubkey: "provider-pk-2", Kinds: []int{5999}, // wrong kind
	}))

	cj, err := rig.engine.PostRequest(ctx, PostRequestInput{
		CustomerUserID: "customer-1", CustomerPubkey: "cust-pk", CustomerEncKey: rig.enc,
		Kind: 5100, Input: "translate", BidSats: 100,
	})
	require.NoError(t, err)
	require.Equal(t, job.StatusOpen, cj.Status)
	require.Len(t, rig.queue.events, 1)

	providerJobs, err := rig.jobs.ListByUser(ctx, "provider-1", job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, providerJobs, 1)

	none, err := rig.jobs.ListByUser(ctx, "provider-2", job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, none, 0, "provider-2 does not serve kind 5100")
}

func TestPostRequestRejectsUnknownTargetedProvider(t *testing.T) {
	rig := newRig(t)
	_, err := rig.engine.PostRequest(context.Background(), PostRequestInput{
		CustomerUserID: "customer-1", CustomerPubkey: "cust-pk", CustomerEncKey: rig.enc,
		Kind: 5100, Input: "x", Provider: "unregistered-pubkey",
	})
	require.Error(t, err)
}

func TestFlaggedProviderExcludedFromFanOut(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.NoError(t, rig.services.Upsert(ctx, service.Registration{UserID: "p1", Pubkey: "flagged-pk", Kinds: []int{5100}}))
	for _, reporter := range []string{"r1", "r2", "r3"} {
		require.NoError(t, rig.trust.FileReport(ctx, trust.Report{
			EventID: reporter + "-report", ReporterPubkey: reporter, TargetPubkey: "flagged-pk", ReportType: "spam",
		}))
	}

	_, err := rig.engine.PostRequest(ctx, PostRequestInput{
		CustomerUserID: "cust", CustomerPubkey: "cust-pk", CustomerEncKey: rig.enc,
		Kind: 5100, Input: "x", BidSats: 10,
	})
	require.NoError(t, err)

	providerJobs, err := rig.jobs.ListByUser(ctx, "p1", job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, providerJobs, 0, "provider with >=3 distinct reporters must be excluded")
}

func TestSubmitResultUpdatesLocalCustomerRow(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.NoError(t, rig.services.Upsert(ctx, service.Registration{UserID: "provider-1", Pubkey: "provider-pk-1", Kinds: []int{5100}}))

	cj, err := rig.engine.PostRequest(ctx, PostRequestInput{
		CustomerUserID: "customer-1", CustomerPubkey: "cust-pk", CustomerEncKey: rig.enc,
		Kind: 5100, Input: "translate", BidSats: 100,
	})
	require.NoError(t, err)

	providerJobs, err := rig.jobs.ListByUser(ctx, "provider-1", job.RoleProvider)
	require.NoError(t, err)
	require.Len(t, providerJobs, 1)
	pj := providerJobs[0]

	_, err = rig.engine.SubmitResult(ctx, SubmitResultInput{
		ProviderJobID: pj.ID, ProviderEncKey: rig.enc, Content: "你好",
	})
	require.NoError(t, err)

	updated, err := rig.jobs.Get(ctx, cj.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusResultAvailable, updated.Status)
	require.Equal(t, "你好", updated.Output)
	require.Equal(t, "provider-pk-1", updated.ProviderPubkey)
}

func TestCompleteIsIdempotent(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	now := cjFixture()
	now.Status = job.StatusResultAvailable
	now.BidMsats = 100000
	require.NoError(t, rig.jobs.Create(ctx, now))

	first, err := rig.engine.Complete(ctx, CompleteInput{CustomerJobID: now.ID, CustomerEncKey: rig.enc})
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, first.Status)
	require.Equal(t, "preimage-abc", first.PaymentHash)

	second, err := rig.engine.Complete(ctx, CompleteInput{CustomerJobID: now.ID, CustomerEncKey: rig.enc})
	require.NoError(t, err)
	require.Equal(t, first.PaymentHash, second.PaymentHash, "second complete call must return the first outcome")
}

func TestCompleteLeavesJobInResultAvailableOnPaymentFailure(t *testing.T) {
	rig := newRig(t)
	rig.settler.err = errSettlementFailed
	ctx := context.Background()

	jb := cjFixture()
	jb.Status = job.StatusResultAvailable
	jb.BidMsats = 100000
	require.NoError(t, rig.jobs.Create(ctx, jb))

	_, err := rig.engine.Complete(ctx, CompleteInput{CustomerJobID: jb.ID, CustomerEncKey: rig.enc})
	require.Error(t, err)

	stored, err := rig.jobs.Get(ctx, jb.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusResultAvailable, stored.Status)
}

func TestCancelEnqueuesDeletionAndMarksCancelled(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	jb := cjFixture()
	require.NoError(t, rig.jobs.Create(ctx, jb))

	err := rig.engine.Cancel(ctx, jb.ID, rig.enc)
	require.NoError(t, err)

	stored, err := rig.jobs.Get(ctx, jb.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, stored.Status)
	require.Len(t, rig.queue.events, 1)
	require.Equal(t, nostrevent.KindDeletion, rig.queue.events[0].Kind)
}

func cjFixture() job.Job {
	return job.Job{
		ID: "job-fixture", UserID: "customer-1", Role: job.RoleCustomer, Kind: 5100,
		Status: job.StatusOpen, CustomerPubkey: "cust-pk", RequestEventID: "req-1",
	}
}

var errSettlementFailed = fakeErr("settlement failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
