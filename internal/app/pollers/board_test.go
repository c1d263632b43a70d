package pollers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

const boardTestMasterKey = "0505050505050505050505050505050505050505050505050505050505050505"

func newBoardTestDeps(t *testing.T) (*BoardDeps, *fakeQueue, *memory.AgentStore, agent.Agent) {
	t.Helper()
	s, err := signer.New(boardTestMasterKey)
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
	queue := &fakeQueue{}

	engine := jobengine.New(s, queue, fakeSettler{}, jobs, agents, services, trust, workflows, swarms, nil)

	board := agent.Agent{
		ID: "board-1", Pubkey: kp.PubkeyHex, Role: agent.RoleBoard,
		EncryptedPrivateKey: enc.CiphertextB64, PrivateKeyIV: enc.IVB64,
	}
	require.NoError(t, agents.Create(context.Background(), board))

	deps := &BoardDeps{
		Engine: engine, Jobs: jobs, Agents: agents, Signer: s, Queue: queue,
		BoardUserID: "board-1", MaxBidSats: 500,
		Intents: []BoardIntent{{Keyword: "translate", Kind: 5100}, {Keyword: "summarize", Kind: 5200}},
	}
	return deps, queue, agents, board
}

func TestMatchIntent_FirstKeywordWinsCaseInsensitive(t *testing.T) {
	intents := []BoardIntent{{Keyword: "translate", Kind: 5100}, {Keyword: "summarize", Kind: 5200}}

	kind, ok := matchIntent(intents, "Please TRANSLATE this to French")
	require.True(t, ok)
	require.Equal(t, 5100, kind)

	_, ok = matchIntent(intents, "what time is it")
	require.False(t, ok)
}

func TestReconcileInboxEvent_PostsRequestForMatchedIntent(t *testing.T) {
	d, _, _, board := newBoardTestDeps(t)
	ctx := context.Background()

	evt := nostrevent.Event{
		ID: "dm-1", Pubkey: "customer-pk", Kind: nostrevent.KindDirectMessage,
		Content: "translate hello world", CreatedAt: time.Now().Unix(),
	}

	ok := d.reconcileInboxEvent(ctx, board, evt)
	require.True(t, ok)

	rows, err := d.Jobs.ListByUser(ctx, board.ID, job.RoleCustomer)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 5100, rows[0].Kind)
	require.Equal(t, int64(500000), rows[0].BidMsats)
}

func TestReconcileInboxEvent_DedupesSameAuthorAndContentWithinWindow(t *testing.T) {
	d, _, _, board := newBoardTestDeps(t)
	ctx := context.Background()

	evt := nostrevent.Event{
		ID: "dm-2", Pubkey: "customer-pk", Kind: nostrevent.KindDirectMessage,
		Content: "translate hello again", CreatedAt: time.Now().Unix(),
	}

	require.True(t, d.reconcileInboxEvent(ctx, board, evt))
	require.False(t, d.reconcileInboxEvent(ctx, board, evt), "an identical (author, input) pair within the dedup window must be skipped")

	rows, err := d.Jobs.ListByUser(ctx, board.ID, job.RoleCustomer)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReconcileInboxEvent_IgnoresUnmatchedContent(t *testing.T) {
	d, _, _, board := newBoardTestDeps(t)
	ctx := context.Background()

	evt := nostrevent.Event{ID: "dm-3", Pubkey: "customer-pk", Kind: nostrevent.KindNote, Content: "just saying hi"}
	require.False(t, d.reconcileInboxEvent(ctx, board, evt))
}

func TestSettleAndNotify_EnqueuesResultNoteOnZeroBid(t *testing.T) {
	d, queue, _, board := newBoardTestDeps(t)
	ctx := context.Background()

	j := job.Job{
		ID: "cj-1", UserID: board.ID, Role: job.RoleCustomer, Status: job.StatusResultAvailable,
		CustomerPubkey: board.Pubkey, RequestEventID: "req-1", Output: "done", BidMsats: 0,
	}
	require.NoError(t, d.Jobs.Create(ctx, j))

	ok := d.settleAndNotify(ctx, board, j)
	require.True(t, ok)
	require.Len(t, queue.events, 1)
	require.Equal(t, "done", queue.events[0].Content)

	got, err := d.Jobs.Get(ctx, "cj-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
}
