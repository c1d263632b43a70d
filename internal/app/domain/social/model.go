// Package social holds the lightweight note/follow/reaction/notification
// types ingested by the social-layer pollers (followed-users, own-posts,
// community, contact-sync, reactions, replies). These sit alongside the
// DVM job-market domain rather than inside it: a note is not a job.
package social

import "time"

// Note is a kind-1 text note, either authored locally or imported from a
// followed pubkey.
type Note struct {
	EventID     string
	AuthorPubkey string
	Content     string
	RootID      string // non-empty for replies/comments
	CommunityID string // non-empty when imported via the community poller
	CreatedAt   time.Time
}

// Follow is one entry in a local user's cached contact list.
type Follow struct {
	UserID         string
	FollowedPubkey string
	DisplayName    string
}

// ReactionKind distinguishes what a reaction/reply targets.
type ReactionKind string

const (
	ReactionTopicLike   ReactionKind = "topic_like"
	ReactionCommentLike ReactionKind = "comment_like"
	ReactionComment     ReactionKind = "comment"
)

// Reaction is a kind-7 reaction or kind-1 reply referencing a known topic
// event, recorded once per source event id.
type Reaction struct {
	EventID       string
	TargetEventID string
	AuthorPubkey  string
	Kind          ReactionKind
	Content       string
	CreatedAt     time.Time
}

// Notification is queued for a topic/job owner when something referencing
// their content arrives.
type Notification struct {
	ID            string
	OwnerUserID   string
	SourceEventID string
	Kind          ReactionKind
	CreatedAt     time.Time
}
