// Package nostrevent defines the signed gossip-relay event record and the
// kind constants that partition events by purpose.
package nostrevent

// Kind constants per the Signer's convenience-helper table.
const (
	KindMetadata       = 0
	KindNote           = 1
	KindContactList    = 3
	KindDirectMessage  = 4
	KindDeletion       = 5
	KindCommunityPost  = 1111
	KindRepost         = 6
	KindReaction       = 7
	KindDVMRequestMin  = 5000
	KindDVMRequestMax  = 5999
	KindWorkflow       = 5117
	KindSwarm          = 5118
	KindDVMResultMin   = 6000
	KindDVMResultMax   = 6999
	KindDVMFeedback    = 7000
	KindZapRequest     = 9734
	KindZapReceipt     = 9735
	KindReport         = 1984
	KindEscrowResult   = 21117
	KindHandlerInfo    = 31990
	KindHeartbeat      = 30333
	KindReview         = 31117
	KindTrustAssertion = 30382
	KindWalletRPCRequest  = 23194
	KindWalletRPCResponse = 23195
)

// Tag is a single gossip-protocol tag: the first element names the tag,
// subsequent elements are its values.
type Tag []string

// Key returns the tag's name (first element), or "" if empty.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's first value (second element), or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is an immutable signed gossip-relay record.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// FirstTag returns the value of the first tag named key, or "" if none.
func (e Event) FirstTag(key string) string {
	for _, t := range e.Tags {
		if t.Key() == key {
			return t.Value()
		}
	}
	return ""
}

// AllTagValues returns every value (second element) of tags named key.
func (e Event) AllTagValues(key string) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Key() == key && len(t) >= 2 {
			out = append(out, t[1])
		}
	}
	return out
}

// IsDVMRequest reports whether Kind falls in the DVM request band.
func (e Event) IsDVMRequest() bool {
	return e.Kind >= KindDVMRequestMin && e.Kind <= KindDVMRequestMax
}

// IsDVMResult reports whether Kind falls in the DVM result band.
func (e Event) IsDVMResult() bool {
	return e.Kind >= KindDVMResultMin && e.Kind <= KindDVMResultMax
}

// IsEphemeral reports whether Kind falls in the 20000-29999 ephemeral
// band, which the relay gateway broadcasts but never persists.
func (e Event) IsEphemeral() bool {
	return e.Kind >= 20000 && e.Kind <= 29999
}

// IsReplaceable reports whether Kind is a replaceable (0, 3) or
// parameterized-replaceable (30000-39999) kind, collapsing to latest per
// natural key on storage.
func (e Event) IsReplaceable() bool {
	if e.Kind == KindMetadata || e.Kind == KindContactList {
		return true
	}
	return e.Kind >= 30000 && e.Kind <= 39999
}
