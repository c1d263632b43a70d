package pollers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/eventqueue"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// queryTimeout bounds a single relay REQ/EOSE round trip.
const queryTimeout = 15 * time.Second

// RelayQuerier pulls stored events matching a filter from a relay,
// reading until EOSE. It reuses eventqueue's RelayDialer/RelayConn
// abstraction (the same WebSocket transport the outbound queue uses)
// rather than inventing a parallel one.
type RelayQuerier struct {
	dialer eventqueue.RelayDialer
	log    *logger.Logger
}

// NewRelayQuerier builds a querier over dialer (NewGorillaDialer in
// production, a fake in tests).
func NewRelayQuerier(dialer eventqueue.RelayDialer, log *logger.Logger) *RelayQuerier {
	if log == nil {
		log = logger.NewDefault("pollers.query")
	}
	return &RelayQuerier{dialer: dialer, log: log}
}

// Filter is the subset of REQ filter fields pollers issue.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string // "#e" -> values, "#p" -> values, "#a" -> values
	Since   int64
}

func (f Filter) toWire() map[string]any {
	wire := map[string]any{}
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		wire["authors"] = f.Authors
	}
	if f.Since > 0 {
		wire["since"] = f.Since
	}
	for k, v := range f.Tags {
		wire[k] = v
	}
	return wire
}

// Query opens relayURL, issues a REQ for filter, and collects every EVENT
// frame until EOSE (or queryTimeout elapses).
func (q *RelayQuerier) Query(ctx context.Context, relayURL string, filter Filter) ([]nostrevent.Event, error) {
	dialCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, err := q.dialer.Dial(dialCtx, relayURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	subID := "poll"
	if err := conn.WriteJSON([]any{"REQ", subID, filter.toWire()}); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(queryTimeout))

	var out []nostrevent.Event
	for {
		var raw []json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return out, err
		}
		if len(raw) == 0 {
			continue
		}
		var kind string
		_ = json.Unmarshal(raw[0], &kind)
		switch kind {
		case "EVENT":
			if len(raw) < 3 {
				continue
			}
			var evt nostrevent.Event
			if err := json.Unmarshal(raw[2], &evt); err == nil {
				out = append(out, evt)
			}
		case "EOSE", "CLOSED":
			return out, nil
		}
	}
}

// QueryAll fans Query out across relays and merges the result, deduping by
// event id, dropping events with an invalid signature or non-matching
// kind, and returning the survivors sorted oldest-first so reconcilers
// can process them in arrival order.
func (q *RelayQuerier) QueryAll(ctx context.Context, relays []string, filter Filter) []nostrevent.Event {
	seen := make(map[string]bool)
	var merged []nostrevent.Event
	for _, relay := range relays {
		events, err := q.Query(ctx, relay, filter)
		if err != nil {
			q.log.WithField("relay", relay).WithError(err).Debug("poller relay query failed")
			continue
		}
		for _, evt := range events {
			if seen[evt.ID] {
				continue
			}
			if !signer.Verify(evt) {
				q.log.WithField("event_id", evt.ID).Warn("poller dropped event with invalid signature")
				continue
			}
			if len(filter.Kinds) > 0 {
				wanted := false
				for _, k := range filter.Kinds {
					if k == evt.Kind {
						wanted = true
						break
					}
				}
				if !wanted {
					q.log.WithField("event_id", evt.ID).Warn("poller dropped event with non-matching kind")
					continue
				}
			}
			seen[evt.ID] = true
			merged = append(merged, evt)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt < merged[j].CreatedAt })
	return merged
}

// maxCreatedAt returns the greatest CreatedAt among events, or fallback if
// events is empty.
func maxCreatedAt(events []nostrevent.Event, fallback int64) int64 {
	max := fallback
	for _, e := range events {
		if e.CreatedAt > max {
			max = e.CreatedAt
		}
	}
	return max
}
