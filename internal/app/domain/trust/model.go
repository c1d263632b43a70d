// Package trust defines trust declarations and reports, and the derived
// "flagged" predicate used by admission.
package trust

import "time"

// Declaration is a unique (truster_user_id, target_pubkey) pair.
type Declaration struct {
	TrusterUserID string
	TargetPubkey  string
	Assertion     string
	CreatedAt     time.Time
}

// Report is identified by its source event id.
type Report struct {
	EventID        string
	ReporterPubkey string
	TargetPubkey   string
	ReportType     string
	TargetEventID  string
	CreatedAt      time.Time
}

// FlagThreshold is the number of distinct reporters required to flag a
// target pubkey.
const FlagThreshold = 3
