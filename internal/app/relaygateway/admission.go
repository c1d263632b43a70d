// Package relaygateway implements the WebSocket relay server: admission
// pipeline, subscription matching, and replaceable-event collapsing.
// Grounded on the teacher's httpapi.Service wrapping pattern for the
// lifecycle shape, and on the automation Scheduler for the pruning loop.
package relaygateway

import (
	"fmt"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

// storableKinds is the whitelist of kinds the gateway will persist or
// broadcast; anything else is rejected outright.
var storableKinds = map[int]bool{
	nostrevent.KindMetadata:    true,
	nostrevent.KindContactList: true,
	nostrevent.KindDeletion:    true,
	nostrevent.KindZapReceipt:  true,
	nostrevent.KindEscrowResult: true,
	nostrevent.KindHeartbeat:   true,
	nostrevent.KindReview:      true,
}

func init() {
	for k := nostrevent.KindDVMRequestMin; k <= nostrevent.KindDVMFeedback; k++ {
		storableKinds[k] = true
	}
}

// AdmissionResult is the outcome of running an event through the pipeline.
type AdmissionResult struct {
	Accepted bool
	Reason   string // e.g. "blocked: kind not allowed"
}

func accept() AdmissionResult        { return AdmissionResult{Accepted: true} }
func reject(reason string) AdmissionResult { return AdmissionResult{Accepted: false, Reason: reason} }

// AgentLookup reports whether pubkey belongs to a locally registered
// agent, bypassing the PoW and zap gates.
type AgentLookup func(pubkey string) bool

// ZapSeen reports whether a zap-receipt of at least minSats referencing
// relayPubkey has been seen for author.
type ZapSeen func(author string, relayPubkey string, minSats int64) bool

// Config parameterizes the admission pipeline.
type Config struct {
	MinPowBits     int
	MinZapSats     int64
	RelayPubkey    string
	MaxFutureSkew  time.Duration
	IsLocalAgent   AgentLookup
	HasSeenZap     ZapSeen
}

// Admit runs evt through the admission pipeline described in §4.3.
func Admit(evt nostrevent.Event, cfg Config) AdmissionResult {
	if !storableKinds[evt.Kind] && !evt.IsEphemeral() && !evt.IsReplaceable() {
		return reject("blocked: kind not allowed")
	}

	if !signer.Verify(evt) {
		return reject("invalid: bad signature")
	}

	maxSkew := cfg.MaxFutureSkew
	if maxSkew <= 0 {
		maxSkew = 600 * time.Second
	}
	if evt.CreatedAt > time.Now().Add(maxSkew).Unix() {
		return reject("invalid: created_at too far in future")
	}

	isLocal := cfg.IsLocalAgent != nil && cfg.IsLocalAgent(evt.Pubkey)
	isDVMResultOrFeedback := evt.IsDVMResult() || evt.Kind == nostrevent.KindDVMFeedback
	isZapReceipt := evt.Kind == nostrevent.KindZapReceipt

	if isLocal || isDVMResultOrFeedback || isZapReceipt {
		return accept()
	}

	minBits := cfg.MinPowBits
	if !signer.MeetsDifficulty(evt.ID, minBits) {
		return reject(fmt.Sprintf("pow: required difficulty %d", minBits))
	}

	if evt.IsDVMRequest() {
		minZap := cfg.MinZapSats
		if minZap <= 0 {
			minZap = 1
		}
		seen := cfg.HasSeenZap != nil && cfg.HasSeenZap(evt.Pubkey, cfg.RelayPubkey, minZap)
		if !seen {
			return reject("blocked: zap-gate requires a prior zap receipt")
		}
	}

	return accept()
}
