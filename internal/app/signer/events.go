package signer

import (
	"strconv"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

// Each helper below sets kind and tags per the Signer's convenience-helper
// table and delegates to Sign. Bad kind ranges are rejected by Sign's
// caller contract; these builders only ever emit events of their own
// fixed kind, so no range check is needed inside them.

// Note builds a kind-1 note, optionally replying to rootID / mentioning
// mentions.
func (s *Signer) Note(enc EncryptedKey, pubkey, content, rootID string, mentions []string) (nostrevent.Event, error) {
	var tags []nostrevent.Tag
	if rootID != "" {
		tags = append(tags, nostrevent.Tag{"e", rootID})
	}
	for _, p := range mentions {
		tags = append(tags, nostrevent.Tag{"p", p})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindNote, Tags: tags, Content: content})
}

// ContactList builds a kind-3 follow list.
func (s *Signer) ContactList(enc EncryptedKey, pubkey string, follows []string) (nostrevent.Event, error) {
	tags := make([]nostrevent.Tag, 0, len(follows))
	for _, p := range follows {
		tags = append(tags, nostrevent.Tag{"p", p})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindContactList, Tags: tags})
}

// Deletion builds a kind-5 deletion referencing eventIDs.
func (s *Signer) Deletion(enc EncryptedKey, pubkey string, eventIDs []string) (nostrevent.Event, error) {
	tags := make([]nostrevent.Tag, 0, len(eventIDs))
	for _, id := range eventIDs {
		tags = append(tags, nostrevent.Tag{"e", id})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindDeletion, Tags: tags})
}

// Repost builds a kind-6 repost of eventID, authored by authorPubkey.
func (s *Signer) Repost(enc EncryptedKey, pubkey, eventID, authorPubkey, content string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{{"e", eventID}, {"p", authorPubkey}}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindRepost, Tags: tags, Content: content})
}

// Reaction builds a kind-7 reaction to eventID, authored by authorPubkey.
// content is conventionally "+", "-", or an emoji.
func (s *Signer) Reaction(enc EncryptedKey, pubkey, eventID, authorPubkey, content string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{{"e", eventID}, {"p", authorPubkey}}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindReaction, Tags: tags, Content: content})
}

// DVMRequestOpts configures BuildDVMRequest.
type DVMRequestOpts struct {
	Kind     int
	Input    string
	Output   string
	BidSats  int64
	Params   map[string]string
	Provider string // optional target provider pubkey
}

// DVMRequest builds a DVM request event (kind 5000-5999).
func (s *Signer) DVMRequest(enc EncryptedKey, pubkey string, opts DVMRequestOpts) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{{"i", opts.Input, "text"}}
	if opts.Output != "" {
		tags = append(tags, nostrevent.Tag{"output", opts.Output})
	}
	if opts.BidSats > 0 {
		tags = append(tags, nostrevent.Tag{"bid", strconv.FormatInt(opts.BidSats*1000, 10)})
	}
	for k, v := range opts.Params {
		tags = append(tags, nostrevent.Tag{"param", k, v})
	}
	if opts.Provider != "" {
		tags = append(tags, nostrevent.Tag{"p", opts.Provider})
	}
	return s.Sign(enc, pubkey, Draft{Kind: opts.Kind, Tags: tags})
}

// DVMResultOpts configures BuildDVMResult.
type DVMResultOpts struct {
	RequestKind    int
	RequestEventID string
	CustomerPubkey string
	Content        string
	AmountSats     int64
	Bolt11         string
}

// DVMResult builds a DVM result event (request kind + 1000).
func (s *Signer) DVMResult(enc EncryptedKey, pubkey string, opts DVMResultOpts) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"e", opts.RequestEventID},
		{"p", opts.CustomerPubkey},
	}
	if opts.AmountSats > 0 {
		tags = append(tags, nostrevent.Tag{"amount", strconv.FormatInt(opts.AmountSats*1000, 10)})
	}
	if opts.Bolt11 != "" {
		tags = append(tags, nostrevent.Tag{"bolt11", opts.Bolt11})
	}
	return s.Sign(enc, pubkey, Draft{Kind: opts.RequestKind + 1000, Tags: tags, Content: opts.Content})
}

// DVMFeedback builds a kind-7000 feedback event.
func (s *Signer) DVMFeedback(enc EncryptedKey, pubkey, requestEventID, customerPubkey, status, content string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"status", status},
		{"e", requestEventID},
		{"p", customerPubkey},
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindDVMFeedback, Tags: tags, Content: content})
}

// ZapRequest builds a kind-9734 zap request.
func (s *Signer) ZapRequest(enc EncryptedKey, pubkey, target string, amountMsats int64, relays []string, eventID, lnurl string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"p", target},
		{"amount", strconv.FormatInt(amountMsats, 10)},
		append(nostrevent.Tag{"relays"}, relays...),
	}
	if eventID != "" {
		tags = append(tags, nostrevent.Tag{"e", eventID})
	}
	if lnurl != "" {
		tags = append(tags, nostrevent.Tag{"lnurl", lnurl})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindZapRequest, Tags: tags})
}

// Report builds a kind-1984 report.
func (s *Signer) Report(enc EncryptedKey, pubkey, target, reportType, eventID string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{{"p", target, reportType}}
	if eventID != "" {
		tags = append(tags, nostrevent.Tag{"e", eventID})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindReport, Tags: tags})
}

// EscrowResult builds a kind-21117 escrow-result event.
func (s *Signer) EscrowResult(enc EncryptedKey, pubkey, target, eventID, hash, preview string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"p", target},
		{"e", eventID},
		{"hash", hash},
	}
	if preview != "" {
		tags = append(tags, nostrevent.Tag{"preview", preview})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindEscrowResult, Tags: tags})
}

// HandlerInfo builds a kind-31990 service-registration event for a single
// kind (callers enqueue one per served kind).
func (s *Signer) HandlerInfo(enc EncryptedKey, pubkey string, dTag string, kind int, content string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"d", dTag},
		{"k", strconv.Itoa(kind)},
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindHandlerInfo, Tags: tags, Content: content})
}

// Heartbeat builds a kind-30333 heartbeat event.
func (s *Signer) Heartbeat(enc EncryptedKey, pubkey, dTag, status string, capacity int, kinds []int, price int64) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"d", dTag},
		{"status", status},
	}
	if capacity > 0 {
		tags = append(tags, nostrevent.Tag{"capacity", strconv.Itoa(capacity)})
	}
	if len(kinds) > 0 {
		kindTag := nostrevent.Tag{"kinds"}
		for _, k := range kinds {
			kindTag = append(kindTag, strconv.Itoa(k))
		}
		tags = append(tags, kindTag)
	}
	if price > 0 {
		tags = append(tags, nostrevent.Tag{"price", strconv.FormatInt(price, 10)})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindHeartbeat, Tags: tags})
}

// Review builds a kind-31117 review event.
func (s *Signer) Review(enc EncryptedKey, pubkey, jobEventID, target string, rating float64, role string, kind int) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"d", jobEventID},
		{"p", target},
		{"rating", strconv.FormatFloat(rating, 'f', 2, 64)},
		{"role", role},
		{"kind", strconv.Itoa(kind)},
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindReview, Tags: tags})
}

// TrustAssertion builds a kind-30382 trust assertion event.
func (s *Signer) TrustAssertion(enc EncryptedKey, pubkey, dTag, target, assertion string) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"d", dTag},
		{"p", target},
		{"assertion", assertion},
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindTrustAssertion, Tags: tags})
}

// WorkflowRequest builds a kind-5117 workflow envelope request.
func (s *Signer) WorkflowRequest(enc EncryptedKey, pubkey, input string, steps []string, bidSats int64) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{{"i", input, "text"}}
	for _, st := range steps {
		tags = append(tags, nostrevent.Tag{"step", st})
	}
	if bidSats > 0 {
		tags = append(tags, nostrevent.Tag{"bid", strconv.FormatInt(bidSats*1000, 10)})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindWorkflow, Tags: tags})
}

// SwarmRequest builds a kind-5118 swarm envelope request.
func (s *Signer) SwarmRequest(enc EncryptedKey, pubkey, input, swarmID, judge string, bidSats int64) (nostrevent.Event, error) {
	tags := []nostrevent.Tag{
		{"i", input, "text"},
		{"swarm", swarmID},
		{"judge", judge},
	}
	if bidSats > 0 {
		tags = append(tags, nostrevent.Tag{"bid", strconv.FormatInt(bidSats*1000, 10)})
	}
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindSwarm, Tags: tags})
}

// UserMetadata builds a kind-0 metadata event; content is caller-supplied
// compact JSON.
func (s *Signer) UserMetadata(enc EncryptedKey, pubkey, jsonContent string) (nostrevent.Event, error) {
	return s.Sign(enc, pubkey, Draft{Kind: nostrevent.KindMetadata, Content: jsonContent})
}
