package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
)

// encKeyOf rebuilds the signer.EncryptedKey an agent's private key is
// stored under, the shape every signing call on its behalf needs.
func encKeyOf(a agent.Agent) signer.EncryptedKey {
	return signer.EncryptedKey{CiphertextB64: a.EncryptedPrivateKey, IVB64: a.PrivateKeyIV}
}

type postRequestBody struct {
	Kind      int               `json:"kind"`
	Input     string            `json:"input"`
	InputType string            `json:"input_type"`
	Output    string            `json:"output"`
	BidSats   int64             `json:"bid_sats"`
	Provider  string            `json:"provider"`
	Params    map[string]string `json:"params"`
}

type jobResponse struct {
	JobID          string `json:"job_id"`
	EventID        string `json:"event_id"`
	Status         string `json:"status"`
	Kind           int    `json:"kind,omitempty"`
	ProviderPubkey string `json:"provider_pubkey,omitempty"`
	Output         string `json:"output,omitempty"`
	Bolt11         string `json:"bolt11,omitempty"`
}

func jobResponseOf(j job.Job) jobResponse {
	return jobResponse{
		JobID: j.ID, EventID: j.EventID, Status: string(j.Status), Kind: j.Kind,
		ProviderPubkey: j.ProviderPubkey, Output: j.Output, Bolt11: j.Bolt11,
	}
}

// postDVMRequest posts a new customer job request, fanning out to every
// eligible registered provider unless a specific one is targeted.
func (h *handler) postDVMRequest(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body postRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	j, err := h.deps.Engine.PostRequest(r.Context(), jobengine.PostRequestInput{
		CustomerUserID: a.ID, CustomerPubkey: a.Pubkey, CustomerEncKey: encKeyOf(a),
		Kind: body.Kind, Input: body.Input, InputType: body.InputType, Output: body.Output,
		BidSats: body.BidSats, Params: body.Params, Provider: body.Provider,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponseOf(j))
}

type marketEntry struct {
	RequestEventID string `json:"request_event_id"`
	Kind           int    `json:"kind"`
	Input          string `json:"input"`
	BidSats        int64  `json:"bid_sats"`
	CustomerPubkey string `json:"customer_pubkey"`
	CreatedAt      string `json:"created_at"`
}

// getDVMMarket lists open customer requests available for a provider to
// discover and accept; it never surfaces the caller's own requests.
func (h *handler) getDVMMarket(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := parsePageParam(r.URL.Query().Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kindFilter := r.URL.Query().Get("kind")

	open, err := h.deps.Jobs.ListByStatus(r.Context(), job.StatusOpen)
	if err != nil {
		writeAppError(w, apperr.Internal("list open jobs", err))
		return
	}

	out := make([]marketEntry, 0, len(open))
	for _, j := range open {
		if j.Role != job.RoleCustomer || j.UserID == a.ID {
			continue
		}
		if kindFilter != "" && kindFilter != itoa(j.Kind) {
			continue
		}
		out = append(out, marketEntry{
			RequestEventID: j.RequestEventID, Kind: j.Kind, Input: j.Input,
			BidSats: j.BidMsats / 1000, CustomerPubkey: j.CustomerPubkey,
			CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": paginate(out, page, limit), "page": page, "limit": limit})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func paginate(entries []marketEntry, page, limit int) []marketEntry {
	start := (page - 1) * limit
	if start < 0 || start >= len(entries) {
		return []marketEntry{}
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}

// getDVMInbox lists the caller's own jobs, both as customer and as
// provider, optionally filtered by role and status.
func (h *handler) getDVMInbox(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	roleFilter := r.URL.Query().Get("role")

	var out []job.Job
	if roleFilter != "provider" {
		customer, err := h.deps.Jobs.ListByUser(r.Context(), a.ID, job.RoleCustomer)
		if err != nil {
			writeAppError(w, apperr.Internal("list customer jobs", err))
			return
		}
		out = append(out, customer...)
	}
	if roleFilter != "customer" {
		provider, err := h.deps.Jobs.ListByUser(r.Context(), a.ID, job.RoleProvider)
		if err != nil {
			writeAppError(w, apperr.Internal("list provider jobs", err))
			return
		}
		out = append(out, provider...)
	}

	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		filtered := out[:0]
		for _, j := range out {
			if string(j.Status) == statusFilter {
				filtered = append(filtered, j)
			}
		}
		out = filtered
	}

	resp := make([]jobResponse, 0, len(out))
	for _, j := range out {
		resp = append(resp, jobResponseOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

// postJobAccept transitions a fanned-out provider job from open to
// processing. It deliberately bypasses Engine.Accept, whose
// create-if-absent semantics serve the poller's direct-request path
// rather than an agent claiming a row that already exists.
func (h *handler) postJobAccept(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	id := pathID(r, "id")
	pj, err := h.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, notFoundOr(err, "job"))
		return
	}
	if pj.Role != job.RoleProvider || pj.UserID != a.ID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if pj.Status != job.StatusOpen {
		writeAppError(w, apperr.Conflict("accept is only valid from open"))
		return
	}
	pj.Status = job.StatusProcessing
	pj.UpdatedAt = time.Now()
	if err := h.deps.Jobs.Update(r.Context(), pj); err != nil {
		writeAppError(w, apperr.Internal("persist accepted job", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": pj.ID, "status": "accepted", "kind": pj.Kind})
}

type feedbackBody struct {
	Status  string `json:"status"`
	Content string `json:"content"`
}

func (h *handler) postJobFeedback(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body feedbackBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Status == "" {
		body.Status = "processing"
	}
	id := pathID(r, "id")

	if err := h.requireOwnedProviderJob(r, id, a); err != nil {
		writeAppError(w, err)
		return
	}

	evt, err := h.deps.Engine.SubmitFeedback(r.Context(), id, encKeyOf(a), body.Status, body.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "event_id": evt.ID})
}

type resultBody struct {
	Content    string `json:"content"`
	AmountSats int64  `json:"amount_sats"`
	Bolt11     string `json:"bolt11"`
}

func (h *handler) postJobResult(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body resultBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := pathID(r, "id")
	if err := h.requireOwnedProviderJob(r, id, a); err != nil {
		writeAppError(w, err)
		return
	}

	evt, err := h.deps.Engine.SubmitResult(r.Context(), jobengine.SubmitResultInput{
		ProviderJobID: id, ProviderEncKey: encKeyOf(a),
		Content: body.Content, AmountSats: body.AmountSats, Bolt11: body.Bolt11,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "event_id": evt.ID})
}

// requireOwnedProviderJob checks id names a provider job owned by a,
// returning an *apperr.AppError suitable for writeAppError otherwise.
func (h *handler) requireOwnedProviderJob(r *http.Request, id string, a agent.Agent) error {
	pj, err := h.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		return notFoundOr(err, "job")
	}
	if pj.Role != job.RoleProvider || pj.UserID != a.ID {
		return apperr.Permission("job does not belong to the caller")
	}
	return nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	return apperr.Internal("lookup "+what, err)
}

type completeResponse struct {
	OK       bool   `json:"ok"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	PaidSats int64  `json:"paid_sats,omitempty"`
	Preimage string `json:"preimage,omitempty"`
}

// postJobComplete pays out a result_available customer job via the
// caller's connected wallet and marks it completed.
func (h *handler) postJobComplete(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	id := pathID(r, "id")

	cj, err := h.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, notFoundOr(err, "job"))
		return
	}
	if cj.Role != job.RoleCustomer || cj.UserID != a.ID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if !a.NWCEnabled() {
		writeAppError(w, apperr.Validation("no wallet connected: set nwc_connection_string on your profile"))
		return
	}
	walletURI, err := h.deps.Signer.DecryptSecret(signer.EncryptedKey{CiphertextB64: a.EncryptedNWCURI, IVB64: a.NWCURIIV})
	if err != nil {
		writeAppError(w, apperr.Internal("decrypt wallet connection", err))
		return
	}

	providerAddress, err := h.resolveLightningAddress(r, cj.ProviderPubkey)
	if err != nil {
		writeAppError(w, err)
		return
	}

	paidSats := cj.Payable() / 1000

	completed, err := h.deps.Engine.Complete(r.Context(), jobengine.CompleteInput{
		CustomerJobID: id, CustomerEncKey: encKeyOf(a),
		CustomerWalletURI: walletURI, ProviderAddress: providerAddress,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{OK: true, JobID: completed.ID, Status: string(completed.Status), PaidSats: paidSats})
}

// resolveLightningAddress prefers the formal service registration (its
// address is validated at registration time) and falls back to the
// provider agent's own profile for an unregistered or board-flow agent.
func (h *handler) resolveLightningAddress(r *http.Request, providerPubkey string) (string, error) {
	if reg, err := h.deps.Services.Get(r.Context(), providerPubkey); err == nil && reg.LightningAddress != "" {
		return reg.LightningAddress, nil
	}
	pa, err := h.deps.Agents.GetByPubkey(r.Context(), providerPubkey)
	if err != nil {
		return "", apperr.Validation("provider has no payment address on file")
	}
	if pa.LightningAddress == "" {
		return "", apperr.Validation("provider has no payment address on file")
	}
	return pa.LightningAddress, nil
}

// postJobReject sends the current result back to the market, excluding
// the rejected provider, and re-fans-out to every other eligible one.
func (h *handler) postJobReject(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	id := pathID(r, "id")
	cj, err := h.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, notFoundOr(err, "job"))
		return
	}
	if cj.Role != job.RoleCustomer || cj.UserID != a.ID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	rj, err := h.deps.Engine.Reject(r.Context(), id, jobengine.PostRequestInput{
		CustomerUserID: a.ID, CustomerPubkey: a.Pubkey, CustomerEncKey: encKeyOf(a),
		Kind: cj.Kind, Input: cj.Input, InputType: cj.InputType, Output: cj.Output,
		BidSats: cj.BidMsats / 1000, Params: cj.Params,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "job_id": rj.ID, "status": string(rj.Status)})
}

func (h *handler) postJobCancel(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	id := pathID(r, "id")
	cj, err := h.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, notFoundOr(err, "job"))
		return
	}
	if cj.Role != job.RoleCustomer || cj.UserID != a.ID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if err := h.deps.Engine.Cancel(r.Context(), id, encKeyOf(a)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "status": "cancelled"})
}

type serviceRegisterBody struct {
	Kinds                []int   `json:"kinds"`
	Description          string  `json:"description"`
	MinPriceMsats        int64   `json:"min_price_msats"`
	MaxPriceMsats        int64   `json:"max_price_msats"`
	MinZapSats           int64   `json:"min_zap_sats"`
	DirectRequestEnabled bool    `json:"direct_request_enabled"`
	LightningAddress     string  `json:"lightning_address"`
}

type serviceRegisterResponse struct {
	ServiceID string `json:"service_id"`
	EventID   string `json:"event_id"`
	Kinds     []int  `json:"kinds"`
}

// postDVMServices upserts the caller's provider registration and (re-)
// announces it via a kind-31990 handler-info event per served kind.
func (h *handler) postDVMServices(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var body serviceRegisterBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Kinds) == 0 {
		writeError(w, http.StatusBadRequest, apperr.Validation("at least one kind is required"))
		return
	}
	lightningAddress := strings.TrimSpace(body.LightningAddress)
	if lightningAddress == "" {
		lightningAddress = a.LightningAddress
	}

	reg := service.Registration{
		ID: a.ID, UserID: a.ID, Pubkey: a.Pubkey, Kinds: body.Kinds,
		Description: body.Description, MinPriceMsats: body.MinPriceMsats, MaxPriceMsats: body.MaxPriceMsats,
		MinZapSats: body.MinZapSats, DirectRequestEnabled: body.DirectRequestEnabled,
		LightningAddress: lightningAddress,
	}

	saved, err := h.deps.Engine.RegisterService(r.Context(), reg, encKeyOf(a))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceRegisterResponse{ServiceID: saved.ID, EventID: saved.LastHandlerEventID, Kinds: saved.Kinds})
}
