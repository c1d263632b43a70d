package pollers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/social"
	memstore "github.com/meshrelay/dvmcore/internal/app/storage/memory"
)

func heartbeatEvent(t *testing.T, pubkey string, createdAt int64) nostrevent.Event {
	t.Helper()
	return nostrevent.Event{
		ID: "hb-" + pubkey, Pubkey: pubkey, Kind: nostrevent.KindHeartbeat, CreatedAt: createdAt,
		Tags: []nostrevent.Tag{{"d", "heartbeat"}, {"status", "online"}},
	}
}

func TestHeartbeats_RefreshesLastSeenAndMarksStaleOffline(t *testing.T) {
	agents := memstore.NewAgentStore()
	fresh := agent.Agent{ID: "u1", Pubkey: "pk1", Role: agent.RoleUser, Online: false}
	stale := agent.Agent{ID: "u2", Pubkey: "pk2", Role: agent.RoleUser, Online: true, LastSeenAt: time.Now().Add(-2 * agent.OfflineThreshold)}
	require.NoError(t, agents.Create(context.Background(), fresh))
	require.NoError(t, agents.Create(context.Background(), stale))

	evt := heartbeatEvent(t, "pk1", time.Now().Unix())
	ok := SocialDeps{Agents: agents}.reconcileHeartbeat(context.Background(), evt)
	require.True(t, ok)

	require.NoError(t, markStaleAgentsOffline(context.Background(), agents))

	got1, err := agents.GetByPubkey(context.Background(), "pk1")
	require.NoError(t, err)
	require.True(t, got1.Online)
	require.False(t, got1.LastSeenAt.IsZero())

	got2, err := agents.GetByPubkey(context.Background(), "pk2")
	require.NoError(t, err)
	require.False(t, got2.Online, "agent whose last heartbeat predates the offline threshold must be marked offline")
}

func TestContactSync_ReplacesFollowSetFromPTags(t *testing.T) {
	agents := memstore.NewAgentStore()
	social := memstore.NewSocialStore()
	require.NoError(t, agents.Create(context.Background(), agent.Agent{ID: "u1", Pubkey: "pk1"}))

	evt := nostrevent.Event{
		ID: "cl1", Pubkey: "pk1", Kind: nostrevent.KindContactList,
		Tags: []nostrevent.Tag{
			{"p", "followed-a", "", "Alice"},
			{"p", "followed-b"},
		},
	}

	userID, ok := map[string]string{"pk1": "u1"}["pk1"]
	require.True(t, ok)
	follows := contactListFollows(userID, evt)
	require.Len(t, follows, 2)
	require.Equal(t, "Alice", follows[0].DisplayName)
	require.Equal(t, "", follows[1].DisplayName)

	require.NoError(t, social.ReplaceFollows(context.Background(), "u1", follows))
	sets, err := social.FollowSets(context.Background())
	require.NoError(t, err)
	require.Len(t, sets["u1"], 2)
}

func TestReactions_InsertsOnceAndIgnoresDuplicateEventID(t *testing.T) {
	agents := memstore.NewAgentStore()
	socialStore := memstore.NewSocialStore()
	require.NoError(t, agents.Create(context.Background(), agent.Agent{ID: "owner", Pubkey: "owner-pk"}))

	topic := social.Note{EventID: "topic-1", AuthorPubkey: "owner-pk", Content: "first post"}
	require.NoError(t, socialStore.UpsertNote(context.Background(), topic))

	d := SocialDeps{Agents: agents, Social: socialStore}

	likeEvt := nostrevent.Event{ID: "like-1", Pubkey: "liker-pk", Kind: nostrevent.KindReaction,
		Tags: []nostrevent.Tag{{"e", "topic-1"}}, Content: "+"}
	require.True(t, d.reconcileReaction(context.Background(), likeEvt))

	// A second, identical reaction event id must not double-insert.
	require.False(t, d.reconcileReaction(context.Background(), likeEvt))
}
