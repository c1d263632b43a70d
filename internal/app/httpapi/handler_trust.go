package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
)

type trustBody struct {
	TargetPubkey   string `json:"target_pubkey"`
	TargetNpub     string `json:"target_npub"`
	TargetUsername string `json:"target_username"`
}

// resolveTargetPubkey accepts a hex pubkey or a local username; bech32
// npub decoding has no grounding dependency in this stack and is
// rejected with a clear error rather than hand-rolled.
func (h *handler) resolveTargetPubkey(r *http.Request, body trustBody) (string, error) {
	if pk := strings.TrimSpace(body.TargetPubkey); pk != "" {
		return pk, nil
	}
	if body.TargetNpub != "" {
		return "", apperr.Validation("target_npub is not supported; use target_pubkey or target_username")
	}
	if uname := strings.TrimSpace(body.TargetUsername); uname != "" {
		target, err := h.deps.Agents.GetByUsername(r.Context(), uname)
		if err != nil {
			return "", notFoundOr(err, "target agent")
		}
		return target.Pubkey, nil
	}
	return "", apperr.Validation("one of target_pubkey or target_username is required")
}

// postDVMTrust declares a web-of-trust assertion from the caller to the
// resolved target, persisting it locally and announcing it as a kind
// 30382 event.
func (h *handler) postDVMTrust(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body trustBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := h.resolveTargetPubkey(r, body)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if target == a.Pubkey {
		writeAppError(w, apperr.Validation("cannot declare trust in yourself"))
		return
	}

	evt, err := h.deps.Signer.TrustAssertion(encKeyOf(a), a.Pubkey, target, target, "trust")
	if err != nil {
		writeAppError(w, apperr.Internal("sign trust assertion", err))
		return
	}
	decl := trust.Declaration{TrusterUserID: a.ID, TargetPubkey: target, Assertion: "trust", CreatedAt: time.Now()}
	if err := h.deps.Trust.Declare(r.Context(), decl); err != nil {
		writeAppError(w, apperr.Internal("persist trust declaration", err))
		return
	}
	h.deps.Queue.Enqueue(evt)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "event_id": evt.ID})
}

// deleteDVMTrust revokes a previously declared trust assertion.
func (h *handler) deleteDVMTrust(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	target := pathID(r, "pubkey")
	if err := h.deps.Trust.Revoke(r.Context(), a.ID, target); err != nil {
		writeAppError(w, apperr.Internal("revoke trust declaration", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}
