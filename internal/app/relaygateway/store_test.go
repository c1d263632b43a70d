package relaygateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

func TestStoreReplaceableCollapsesToLatest(t *testing.T) {
	s := NewStore()
	older := nostrevent.Event{ID: "a", Pubkey: "pk1", Kind: nostrevent.KindMetadata, CreatedAt: 100}
	newer := nostrevent.Event{ID: "b", Pubkey: "pk1", Kind: nostrevent.KindMetadata, CreatedAt: 200}

	s.Insert(older)
	s.Insert(newer)

	out := s.Query([]Filter{{Authors: []string{"pk1"}}})
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].ID)
}

func TestStoreReplaceableIgnoresOlderArrivingLate(t *testing.T) {
	s := NewStore()
	newer := nostrevent.Event{ID: "b", Pubkey: "pk1", Kind: nostrevent.KindMetadata, CreatedAt: 200}
	older := nostrevent.Event{ID: "a", Pubkey: "pk1", Kind: nostrevent.KindMetadata, CreatedAt: 100}

	s.Insert(newer)
	s.Insert(older)

	out := s.Query([]Filter{{Authors: []string{"pk1"}}})
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].ID)
}

func TestStoreParameterizedReplaceableKeyedByDTag(t *testing.T) {
	s := NewStore()
	first := nostrevent.Event{
		ID: "a", Pubkey: "pk1", Kind: nostrevent.KindHeartbeat, CreatedAt: 100,
		Tags: []nostrevent.Tag{{"d", "worker-1"}},
	}
	second := nostrevent.Event{
		ID: "b", Pubkey: "pk1", Kind: nostrevent.KindHeartbeat, CreatedAt: 200,
		Tags: []nostrevent.Tag{{"d", "worker-2"}},
	}
	s.Insert(first)
	s.Insert(second)

	out := s.Query([]Filter{{Authors: []string{"pk1"}, Kinds: []int{nostrevent.KindHeartbeat}}})
	require.Len(t, out, 2, "distinct d-tags are independent replaceable slots")
}

func TestStoreDeletionRemovesOnlyOwnEvents(t *testing.T) {
	s := NewStore()
	note := nostrevent.Event{ID: "note-1", Pubkey: "pk1", Kind: nostrevent.KindNote, CreatedAt: 100}
	otherNote := nostrevent.Event{ID: "note-2", Pubkey: "pk2", Kind: nostrevent.KindNote, CreatedAt: 100}
	s.Insert(note)
	s.Insert(otherNote)

	deletion := nostrevent.Event{
		ID: "del-1", Pubkey: "pk1", Kind: nostrevent.KindDeletion, CreatedAt: 150,
		Tags: []nostrevent.Tag{{"e", "note-1"}, {"e", "note-2"}},
	}
	s.Insert(deletion)

	out := s.Query([]Filter{{IDs: []string{"note-1", "note-2"}}})
	require.Len(t, out, 1, "deletion only removes events authored by the same pubkey")
	require.Equal(t, "note-2", out[0].ID)
}

func TestStorePruneKeepsReplaceableRegardlessOfAge(t *testing.T) {
	s := NewStore()
	old := nostrevent.Event{
		ID: "meta-1", Pubkey: "pk1", Kind: nostrevent.KindMetadata,
		CreatedAt: time.Now().Add(-365 * 24 * time.Hour).Unix(),
	}
	oldNote := nostrevent.Event{
		ID: "note-1", Pubkey: "pk1", Kind: nostrevent.KindNote,
		CreatedAt: time.Now().Add(-365 * 24 * time.Hour).Unix(),
	}
	s.Insert(old)
	s.Insert(oldNote)

	removed := s.Prune(30 * 24 * time.Hour)
	require.Equal(t, 1, removed)

	out := s.Query([]Filter{{Authors: []string{"pk1"}}})
	require.Len(t, out, 1)
	require.Equal(t, "meta-1", out[0].ID)
}

func TestFilterMatchesOnTagSelector(t *testing.T) {
	evt := nostrevent.Event{
		ID: "e1", Pubkey: "pk1", Kind: nostrevent.KindDVMFeedback, CreatedAt: 100,
		Tags: []nostrevent.Tag{{"e", "job-1"}, {"p", "customer-1"}},
	}

	matching := Filter{Tags: map[string][]string{"#e": {"job-1"}}}
	require.True(t, matching.Matches(evt))

	nonMatching := Filter{Tags: map[string][]string{"#e": {"job-2"}}}
	require.False(t, nonMatching.Matches(evt))
}

func TestFilterMatchesOnSinceUntil(t *testing.T) {
	evt := nostrevent.Event{ID: "e1", CreatedAt: 500}
	require.True(t, Filter{Since: 100, Until: 1000}.Matches(evt))
	require.False(t, Filter{Since: 600}.Matches(evt))
	require.False(t, Filter{Until: 100}.Matches(evt))
}
