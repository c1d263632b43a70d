package relaygateway

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

// connection wraps a single client WebSocket and its live subscriptions.
type connection struct {
	ws *websocket.Conn
	gw *Gateway

	mu   sync.Mutex
	subs map[string][]Filter
}

func newConnection(ws *websocket.Conn, gw *Gateway) *connection {
	return &connection{ws: ws, gw: gw, subs: make(map[string][]Filter)}
}

func (c *connection) close() { _ = c.ws.Close() }

func (c *connection) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// run reads client frames until the connection closes. Each frame is one
// of ["EVENT", evt], ["REQ", subID, filter...], or ["CLOSE", subID].
func (c *connection) run(remoteAddr string) {
	defer c.close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(remoteAddr, raw)
	}
}

func (c *connection) handleFrame(remoteAddr string, raw []byte) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) == 0 {
		return
	}
	var kind string
	if err := json.Unmarshal(envelope[0], &kind); err != nil {
		return
	}

	switch kind {
	case "EVENT":
		c.handleEvent(remoteAddr, envelope)
	case "REQ":
		c.handleReq(envelope)
	case "CLOSE":
		c.handleClose(envelope)
	}
}

func (c *connection) handleEvent(remoteAddr string, envelope []json.RawMessage) {
	if len(envelope) < 2 {
		return
	}
	var evt nostrevent.Event
	if err := json.Unmarshal(envelope[1], &evt); err != nil {
		_ = c.writeJSON([]any{"NOTICE", "invalid: malformed event JSON"})
		return
	}

	if limiter := c.gw.limiterFor(remoteAddr); limiter != nil && !limiter.Allow() {
		_ = c.writeJSON(json.RawMessage(marshalOK(evt.ID, false, "rate-limited: slow down")))
		return
	}

	res := c.gw.Admit(evt)
	_ = c.writeJSON(json.RawMessage(marshalOK(evt.ID, res.Accepted, res.Reason)))
}

func (c *connection) handleReq(envelope []json.RawMessage) {
	if len(envelope) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(envelope[1], &subID); err != nil || subID == "" {
		return
	}

	rawFilters := envelope[2:]
	if len(rawFilters) > maxFiltersPerSub {
		_ = c.writeJSON([]any{"NOTICE", "blocked: too many filters in one subscription"})
		return
	}

	filters := make([]Filter, 0, len(rawFilters))
	for _, rf := range rawFilters {
		f, err := decodeFilter(rf)
		if err != nil {
			_ = c.writeJSON([]any{"NOTICE", "invalid: malformed filter"})
			return
		}
		filters = append(filters, f)
	}

	c.mu.Lock()
	if _, exists := c.subs[subID]; !exists && len(c.subs) >= maxSubscriptionsPerConn {
		c.mu.Unlock()
		_ = c.writeJSON([]any{"NOTICE", "blocked: too many subscriptions on this connection"})
		return
	}
	c.subs[subID] = filters
	c.mu.Unlock()

	for _, evt := range c.gw.store.Query(filters) {
		_ = c.writeJSON([]any{"EVENT", subID, evt})
	}
	_ = c.writeJSON([]any{"EOSE", subID})
}

func (c *connection) handleClose(envelope []json.RawMessage) {
	if len(envelope) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(envelope[1], &subID); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
	_ = c.writeJSON([]any{"CLOSED", subID, ""})
}

// deliverIfMatching pushes evt to every live subscription on c whose
// filters match it.
func (c *connection) deliverIfMatching(evt nostrevent.Event) {
	c.mu.Lock()
	matches := make([]string, 0, 1)
	for subID, filters := range c.subs {
		for _, f := range filters {
			if f.Matches(evt) {
				matches = append(matches, subID)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, subID := range matches {
		_ = c.writeJSON([]any{"EVENT", subID, evt})
	}
}

// wireFilter is the wire-format (JSON) shape of a REQ filter, decoded into
// a Filter.
type wireFilter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Extra   map[string][]string `json:"-"`
}

func decodeFilter(raw json.RawMessage) (Filter, error) {
	var wf wireFilter
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Filter{}, err
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Filter{}, err
	}

	tags := make(map[string][]string)
	for key, val := range generic {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(val, &values); err != nil {
			continue
		}
		tags[key] = values
	}

	return Filter{
		IDs:     wf.IDs,
		Authors: wf.Authors,
		Kinds:   wf.Kinds,
		Since:   wf.Since,
		Until:   wf.Until,
		Tags:    tags,
	}, nil
}
