// Package service defines the provider service-registration row (not to be
// confused with internal/app/system.Service, the process lifecycle
// interface).
package service

import "time"

// Registration is one row per provider agent.
type Registration struct {
	ID                    string
	UserID                string
	Pubkey                string
	Kinds                 []int
	Description           string
	MinPriceMsats         int64
	MaxPriceMsats         int64
	MinZapSats            int64
	DirectRequestEnabled  bool
	LightningAddress      string
	LastHandlerEventID    string
	JobsCompleted         int64
	JobsRejected          int64
	TotalEarnedMsats      int64
	TotalZapReceivedSats  int64
	AvgResponseMs         int64
	LastJobAt             time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ServesKind reports whether this registration serves kind.
func (r Registration) ServesKind(kind int) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// CompletionRate returns jobs_completed / (jobs_completed + jobs_rejected),
// or 0 when no jobs have been attempted.
func (r Registration) CompletionRate() float64 {
	total := r.JobsCompleted + r.JobsRejected
	if total == 0 {
		return 0
	}
	return float64(r.JobsCompleted) / float64(total)
}
