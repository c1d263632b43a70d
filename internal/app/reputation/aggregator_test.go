package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	repdomain "github.com/meshrelay/dvmcore/internal/app/domain/reputation"
	"github.com/meshrelay/dvmcore/internal/app/domain/report"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

func TestGetComputesAndCachesOnMiss(t *testing.T) {
	ctx := context.Background()
	cache := kv.NewMemoryStore()
	agents := memory.NewAgentStore()
	trustStore := memory.NewTrustStore()
	reports := memory.NewReportStore()
	services := memory.NewServiceRegistrationStore()

	require.NoError(t, agents.Create(ctx, agent.Agent{ID: "a1", Pubkey: "pk1"}))
	require.NoError(t, trustStore.Declare(ctx, trust.Declaration{TrusterUserID: "u1", TargetPubkey: "pk1", Assertion: "trust"}))
	require.NoError(t, reports.Record(ctx, report.Review{TargetPubkey: "pk1", Rating: 4.8}))
	require.NoError(t, services.Upsert(ctx, service.Registration{Pubkey: "pk1", JobsCompleted: 10, TotalEarnedMsats: 5_000_000}))

	agg := New(cache, agents, trustStore, reports, services, 30*time.Second, nil)

	rep, err := agg.Get(ctx, "pk1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.Wot.TrustedBy)
	require.Equal(t, int64(10), rep.Platform.JobsCompleted)

	cached, ok, err := cache.Get(ctx, cacheKeyPrefix+"pk1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, cached)
}

func TestComputeKeepsZapIncomeSeparateFromJobEarnings(t *testing.T) {
	ctx := context.Background()
	cache := kv.NewMemoryStore()
	agents := memory.NewAgentStore()
	trustStore := memory.NewTrustStore()
	reports := memory.NewReportStore()
	services := memory.NewServiceRegistrationStore()

	require.NoError(t, agents.Create(ctx, agent.Agent{ID: "a1", Pubkey: "pk1"}))
	require.NoError(t, services.Upsert(ctx, service.Registration{
		Pubkey:               "pk1",
		JobsCompleted:        10,
		TotalEarnedMsats:     5_000_000,
		TotalZapReceivedSats: 777,
	}))

	agg := New(cache, agents, trustStore, reports, services, 30*time.Second, nil)

	rep, err := agg.Get(ctx, "pk1")
	require.NoError(t, err)

	// Zaps facet and the score's zap term must come from TotalZapReceivedSats,
	// never from TotalEarnedMsats (job-completion settlement).
	require.Equal(t, int64(777), rep.Zaps.TotalReceivedSats)
	require.Equal(t, int64(5000), rep.Platform.TotalEarnedSats)
	require.Equal(t, repdomain.Score(rep.Wot.TrustedBy, 777, 10, rep.Reviews.AvgRating), rep.Score)
}

func TestRefreshAllPopulatesCacheForEveryAgent(t *testing.T) {
	ctx := context.Background()
	cache := kv.NewMemoryStore()
	agents := memory.NewAgentStore()
	require.NoError(t, agents.Create(ctx, agent.Agent{ID: "a1", Pubkey: "pk1"}))
	require.NoError(t, agents.Create(ctx, agent.Agent{ID: "a2", Pubkey: "pk2"}))

	agg := New(cache, agents, memory.NewTrustStore(), memory.NewReportStore(), memory.NewServiceRegistrationStore(), 30*time.Second, nil)
	agg.refreshAll(ctx)

	for _, pk := range []string{"pk1", "pk2"} {
		_, ok, err := cache.Get(ctx, cacheKeyPrefix+pk)
		require.NoError(t, err)
		require.True(t, ok, "expected %s to be cached", pk)
	}
}
