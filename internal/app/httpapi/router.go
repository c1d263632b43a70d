package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meshrelay/dvmcore/internal/app/metrics"
)

// handler bundles the dependencies every endpoint needs.
type handler struct {
	deps  Deps
	audit *auditLog
}

func newHandler(deps Deps, audit *auditLog) *handler {
	return &handler{deps: deps, audit: audit}
}

// routes builds the gorilla/mux router naming every path in the external
// interface table; auth, audit, CORS and metrics wrap it from the outside
// in Service.
func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/register", h.register).Methods(http.MethodPost)
	r.HandleFunc("/api/me", h.getMe).Methods(http.MethodGet)
	r.HandleFunc("/api/me", h.putMe).Methods(http.MethodPut)

	r.HandleFunc("/api/dvm/request", h.postDVMRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/market", h.getDVMMarket).Methods(http.MethodGet)
	r.HandleFunc("/api/dvm/inbox", h.getDVMInbox).Methods(http.MethodGet)
	r.HandleFunc("/api/dvm/jobs/{id}/accept", h.postJobAccept).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/jobs/{id}/feedback", h.postJobFeedback).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/jobs/{id}/result", h.postJobResult).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/jobs/{id}/complete", h.postJobComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/jobs/{id}/reject", h.postJobReject).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/jobs/{id}/cancel", h.postJobCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/services", h.postDVMServices).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/trust", h.postDVMTrust).Methods(http.MethodPost)
	r.HandleFunc("/api/dvm/trust/{pubkey}", h.deleteDVMTrust).Methods(http.MethodDelete)

	r.HandleFunc("/api/heartbeat", h.postHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/zap", h.postZap).Methods(http.MethodPost)

	r.HandleFunc("/.well-known/nostr.json", h.getNIP05).Methods(http.MethodGet)

	r.HandleFunc("/admin/audit", h.getAdminAudit).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getAdminAudit(w http.ResponseWriter, r *http.Request) {
	if roleFromContext(r.Context()) != "admin" {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func pathID(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
