// Package reputation defines the composite score and its constituent
// facets.
package reputation

import (
	"math"
	"time"
)

// WotFacet captures web-of-trust counts.
type WotFacet struct {
	TrustedBy             int64
	TrustedByYourFollows  int64
}

// ZapsFacet captures cumulative zap income.
type ZapsFacet struct {
	TotalReceivedSats int64
}

// ReviewsFacet captures rating aggregates.
type ReviewsFacet struct {
	AvgRating   float64
	ReviewCount int64
}

// PlatformFacet captures job-completion statistics.
type PlatformFacet struct {
	JobsCompleted  int64
	JobsRejected   int64
	AvgResponseS   float64
	TotalEarnedSats int64
	LastJobAt      time.Time
}

// CompletionRate returns JobsCompleted / (JobsCompleted + JobsRejected),
// or 0 when no jobs have been attempted.
func (p PlatformFacet) CompletionRate() float64 {
	total := p.JobsCompleted + p.JobsRejected
	if total == 0 {
		return 0
	}
	return float64(p.JobsCompleted) / float64(total)
}

// Reputation is the full per-agent reputation object.
type Reputation struct {
	Pubkey   string
	Wot      WotFacet
	Zaps     ZapsFacet
	Reviews  ReviewsFacet
	Platform PlatformFacet
	Score    int64
	RefreshedAt time.Time
}

// Score computes the composite score:
//
//	score = trusted_by*100 + floor(log10(max(zap_sats,1))*10)
//	      + jobs_completed*5 + floor(avg_rating*20)
func Score(trustedBy, zapSats, jobsCompleted int64, avgRating float64) int64 {
	zapComponent := int64(0)
	z := zapSats
	if z < 1 {
		z = 1
	}
	zapComponent = int64(math.Floor(math.Log10(float64(z)) * 10))
	ratingComponent := int64(math.Floor(avgRating * 20))
	return trustedBy*100 + zapComponent + jobsCompleted*5 + ratingComponent
}
