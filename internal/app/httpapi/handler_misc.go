package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

type heartbeatBody struct {
	Status   string `json:"status"`
	Capacity int    `json:"capacity"`
}

// postHeartbeat signs and enqueues a kind-30333 heartbeat for the caller
// and bumps its last-seen timestamp so staleness polling (and the
// reputation aggregator's online predicate) sees it immediately.
func (h *handler) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body heartbeatBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := body.Status
	if status == "" {
		status = "online"
	}

	var kinds []int
	var price int64
	if reg, err := h.deps.Services.Get(r.Context(), a.Pubkey); err == nil {
		kinds = reg.Kinds
		price = reg.MinPriceMsats
	}

	evt, err := h.deps.Signer.Heartbeat(encKeyOf(a), a.Pubkey, a.Pubkey, status, body.Capacity, kinds, price)
	if err != nil {
		writeAppError(w, apperr.Internal("sign heartbeat", err))
		return
	}
	h.deps.Queue.Enqueue(evt)

	a.LastSeenAt = time.Now()
	a.Online = true
	if err := h.deps.Agents.Update(r.Context(), a); err != nil {
		writeAppError(w, apperr.Internal("persist last-seen", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "event_id": evt.ID})
}

type zapBody struct {
	TargetPubkey string `json:"target_pubkey"`
	AmountSats   int64  `json:"amount_sats"`
	Comment      string `json:"comment"`
	EventID      string `json:"event_id"`
}

type zapResponse struct {
	OK       bool   `json:"ok"`
	EventID  string `json:"event_id"`
	Preimage string `json:"preimage,omitempty"`
}

// postZap signs and enqueues a kind-9734 zap request against the
// resolved target and pays it out of the caller's connected wallet.
func (h *handler) postZap(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body zapBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target := strings.TrimSpace(body.TargetPubkey)
	if target == "" {
		writeAppError(w, apperr.Validation("target_pubkey is required"))
		return
	}
	if body.AmountSats <= 0 {
		writeAppError(w, apperr.Validation("amount_sats must be positive"))
		return
	}
	if !a.NWCEnabled() {
		writeAppError(w, apperr.Validation("no wallet connected: set nwc_connection_string on your profile"))
		return
	}

	address, err := h.resolveLightningAddress(r, target)
	if err != nil {
		writeAppError(w, err)
		return
	}

	evt, err := h.deps.Signer.ZapRequest(encKeyOf(a), a.Pubkey, target, body.AmountSats*1000, h.deps.Relays, body.EventID, "")
	if err != nil {
		writeAppError(w, apperr.Internal("sign zap request", err))
		return
	}
	h.deps.Queue.Enqueue(evt)

	walletURI, err := h.deps.Signer.DecryptSecret(signer.EncryptedKey{CiphertextB64: a.EncryptedNWCURI, IVB64: a.NWCURIIV})
	if err != nil {
		writeAppError(w, apperr.Internal("decrypt wallet connection", err))
		return
	}
	preimage, _, err := h.deps.Settler.Settle(r.Context(), encKeyOf(a), walletURI, body.AmountSats*1000, "", address)
	if err != nil {
		writeAppError(w, apperr.Gateway("zap payment failed", err))
		return
	}
	writeJSON(w, http.StatusOK, zapResponse{OK: true, EventID: evt.ID, Preimage: preimage})
}

type nip05Response struct {
	Names  map[string]string   `json:"names"`
	Relays map[string][]string `json:"relays,omitempty"`
}

// getNIP05 resolves ?name=X against locally registered usernames, the
// well-known NIP-05 identity verification endpoint.
func (h *handler) getNIP05(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeJSON(w, http.StatusOK, nip05Response{Names: map[string]string{}})
		return
	}
	a, err := h.deps.Agents.GetByUsername(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusOK, nip05Response{Names: map[string]string{}})
		return
	}
	resp := nip05Response{Names: map[string]string{name: a.Pubkey}}
	if len(h.deps.Relays) > 0 {
		resp.Relays = map[string][]string{a.Pubkey: h.deps.Relays}
	}
	writeJSON(w, http.StatusOK, resp)
}
