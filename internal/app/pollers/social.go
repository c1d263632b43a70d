package pollers

import (
	"context"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/social"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// SocialDeps bundles the dependencies the social-layer and presence
// pollers need. It is separate from Deps (the DVM-centric bundle) since
// these pollers never touch a job row.
type SocialDeps struct {
	Agents storage.AgentStore
	Social storage.SocialStore

	CommunityIDs []string

	Relays  []string
	Querier *RelayQuerier
	WM      *kv.WatermarkStore
	Log     *logger.Logger
}

func (d SocialDeps) log(name string) *logger.Logger {
	if d.Log == nil {
		return logger.NewDefault("poller." + name)
	}
	return d.Log
}

// selfPubkeys returns every locally-registered agent's pubkey.
func selfPubkeys(ctx context.Context, agents storage.AgentStore) ([]string, error) {
	rows, err := agents.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, a := range rows {
		out[i] = a.Pubkey
	}
	return out, nil
}

// NewHeartbeatsPoller ingests kind-30333 heartbeats, refreshing the
// author's LastSeenAt, then sweeps every known agent and marks those
// stale per agent.OfflineThreshold as offline. The sweep runs every tick
// regardless of whether new heartbeats arrived, since staleness is a
// function of wall-clock time rather than new events.
func NewHeartbeatsPoller(d SocialDeps) *Poller {
	name := "heartbeats"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: []int{nostrevent.KindHeartbeat}, Since: since})
		processed := 0
		for _, evt := range events {
			if d.reconcileHeartbeat(ctx, evt) {
				processed++
			}
		}
		if err := markStaleAgentsOffline(ctx, d.Agents); err != nil {
			return maxCreatedAt(events, since), processed, err
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d SocialDeps) reconcileHeartbeat(ctx context.Context, evt nostrevent.Event) bool {
	ag, err := d.Agents.GetByPubkey(ctx, evt.Pubkey)
	if err != nil {
		return false
	}
	seenAt := time.Unix(evt.CreatedAt, 0)
	if !seenAt.After(ag.LastSeenAt) {
		return false
	}
	ag.LastSeenAt = seenAt
	ag.Online = true
	return d.Agents.Update(ctx, ag) == nil
}

func markStaleAgentsOffline(ctx context.Context, agents storage.AgentStore) error {
	rows, err := agents.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, ag := range rows {
		if ag.Role == agent.RoleBoard {
			continue
		}
		if ag.Online && ag.StaleSince(now) {
			ag.Online = false
			_ = agents.Update(ctx, ag)
		}
	}
	return nil
}

// NewFollowedUsersPoller imports notes authored by any pubkey any local
// user follows.
func NewFollowedUsersPoller(d SocialDeps) *Poller {
	name := "followed-users"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		sets, err := d.Social.FollowSets(ctx)
		if err != nil {
			return since, 0, err
		}
		authors := uniquePubkeys(sets)
		if len(authors) == 0 {
			return since, 0, nil
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: []int{nostrevent.KindNote}, Authors: authors, Since: since})
		processed := 0
		for _, evt := range events {
			if importNote(ctx, d.Social, evt, "") {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func uniquePubkeys(sets map[string][]social.Follow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, follows := range sets {
		for _, f := range follows {
			if !seen[f.FollowedPubkey] {
				seen[f.FollowedPubkey] = true
				out = append(out, f.FollowedPubkey)
			}
		}
	}
	return out
}

// NewOwnPostsPoller imports notes authored by local agents themselves
// but posted from elsewhere (e.g. another client under the same key),
// so the local note cache stays complete.
func NewOwnPostsPoller(d SocialDeps) *Poller {
	name := "own-posts"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		authors, err := selfPubkeys(ctx, d.Agents)
		if err != nil || len(authors) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: []int{nostrevent.KindNote}, Authors: authors, Since: since})
		processed := 0
		for _, evt := range events {
			if importNote(ctx, d.Social, evt, "") {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// NewCommunityPoller imports notes and community posts (kind 1111)
// tagged against one of the configured community identifiers.
func NewCommunityPoller(d SocialDeps) *Poller {
	name := "community"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		if len(d.CommunityIDs) == 0 {
			return since, 0, nil
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindNote, nostrevent.KindCommunityPost},
			Tags:  map[string][]string{"#a": d.CommunityIDs}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			communityID := evt.FirstTag("a")
			if importNote(ctx, d.Social, evt, communityID) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func importNote(ctx context.Context, store storage.SocialStore, evt nostrevent.Event, communityID string) bool {
	exists, err := store.HasNote(ctx, evt.ID)
	if err != nil || exists {
		return false
	}
	n := social.Note{
		EventID: evt.ID, AuthorPubkey: evt.Pubkey, Content: evt.Content,
		RootID: evt.FirstTag("e"), CommunityID: communityID, CreatedAt: time.Unix(evt.CreatedAt, 0),
	}
	return store.UpsertNote(ctx, n) == nil
}

// NewContactSyncPoller replaces a local user's cached follow set whenever
// their own kind-3 contact list changes, reading the NIP-02 petname from
// each "p" tag's optional third element.
func NewContactSyncPoller(d SocialDeps) *Poller {
	name := "contact-sync"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		agents, err := d.Agents.List(ctx)
		if err != nil {
			return since, 0, err
		}
		byPubkey := make(map[string]string, len(agents))
		authors := make([]string, 0, len(agents))
		for _, a := range agents {
			byPubkey[a.Pubkey] = a.ID
			authors = append(authors, a.Pubkey)
		}
		if len(authors) == 0 {
			return since, 0, nil
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: []int{nostrevent.KindContactList}, Authors: authors, Since: since})
		processed := 0
		for _, evt := range events {
			userID, ok := byPubkey[evt.Pubkey]
			if !ok {
				continue
			}
			follows := contactListFollows(userID, evt)
			if err := d.Social.ReplaceFollows(ctx, userID, follows); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func contactListFollows(userID string, evt nostrevent.Event) []social.Follow {
	var out []social.Follow
	for _, t := range evt.Tags {
		if t.Key() != "p" || len(t) < 2 {
			continue
		}
		f := social.Follow{UserID: userID, FollowedPubkey: t[1]}
		if len(t) >= 4 {
			f.DisplayName = t[3]
		}
		out = append(out, f)
	}
	return out
}

// NewReactionsPoller ingests kind-7 reactions against known notes,
// classifying the target as a topic or a comment, and notifying the
// target's author.
func NewReactionsPoller(d SocialDeps) *Poller {
	name := "reactions"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		topicIDs, err := d.Social.NoteIDs(ctx)
		if err != nil || len(topicIDs) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindReaction}, Tags: map[string][]string{"#e": topicIDs}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			if d.reconcileReaction(ctx, evt) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d SocialDeps) reconcileReaction(ctx context.Context, evt nostrevent.Event) bool {
	target := evt.FirstTag("e")
	if target == "" {
		return false
	}
	targetNote, err := d.Social.GetNote(ctx, target)
	if err != nil {
		return false
	}
	kind := social.ReactionTopicLike
	if targetNote.RootID != "" {
		kind = social.ReactionCommentLike
	}
	r := social.Reaction{
		EventID: evt.ID, TargetEventID: target, AuthorPubkey: evt.Pubkey,
		Kind: kind, Content: evt.Content, CreatedAt: time.Unix(evt.CreatedAt, 0),
	}
	inserted, err := d.Social.InsertReaction(ctx, r)
	if err != nil || !inserted {
		return false
	}
	d.notifyNoteAuthor(ctx, targetNote, evt, kind)
	return true
}

// NewRepliesPoller ingests kind-1 replies (a note carrying an "e" tag
// pointing at a known note), recording the reply as a comment note and
// notifying the parent's author.
func NewRepliesPoller(d SocialDeps) *Poller {
	name := "replies"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		topicIDs, err := d.Social.NoteIDs(ctx)
		if err != nil || len(topicIDs) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindNote}, Tags: map[string][]string{"#e": topicIDs}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			if d.reconcileReply(ctx, evt) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d SocialDeps) reconcileReply(ctx context.Context, evt nostrevent.Event) bool {
	root := evt.FirstTag("e")
	if root == "" {
		return false
	}
	parent, err := d.Social.GetNote(ctx, root)
	if err != nil {
		return false
	}
	if exists, err := d.Social.HasNote(ctx, evt.ID); err != nil || exists {
		return false
	}
	reply := social.Note{
		EventID: evt.ID, AuthorPubkey: evt.Pubkey, Content: evt.Content,
		RootID: root, CommunityID: parent.CommunityID, CreatedAt: time.Unix(evt.CreatedAt, 0),
	}
	if err := d.Social.UpsertNote(ctx, reply); err != nil {
		return false
	}
	inserted, err := d.Social.InsertReaction(ctx, social.Reaction{
		EventID: evt.ID, TargetEventID: root, AuthorPubkey: evt.Pubkey,
		Kind: social.ReactionComment, Content: evt.Content, CreatedAt: reply.CreatedAt,
	})
	if err != nil || !inserted {
		return true
	}
	d.notifyNoteAuthor(ctx, parent, evt, social.ReactionComment)
	return true
}

// notifyNoteAuthor queues a notification for the local user owning
// targetNote, if any; notes authored by a pubkey with no local agent row
// (an imported, externally-authored note) have no owner to notify.
func (d SocialDeps) notifyNoteAuthor(ctx context.Context, targetNote social.Note, source nostrevent.Event, kind social.ReactionKind) {
	owner, err := d.Agents.GetByPubkey(ctx, targetNote.AuthorPubkey)
	if err != nil {
		return
	}
	_ = d.Social.Notify(ctx, social.Notification{
		ID: source.ID, OwnerUserID: owner.ID, SourceEventID: source.ID,
		Kind: kind, CreatedAt: time.Unix(source.CreatedAt, 0),
	})
}
