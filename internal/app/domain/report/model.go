// Package report defines the review row ingested from relay-published
// review events (kind 31117), separate from trust.Report (moderation
// complaints, kind 1984).
package report

import "time"

// Review is one rating left against a completed job.
type Review struct {
	JobID         string
	ReviewerPubkey string
	TargetPubkey  string
	Rating        float64
	Role          string
	Kind          int
	EventID       string
	CreatedAt     time.Time
}
