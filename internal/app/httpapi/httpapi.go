// Package httpapi exposes the customer/provider-facing REST surface over
// the job engine, storage, and signer layers: registration and profile
// management, DVM request lifecycle, trust declarations, heartbeats, zaps,
// and NIP-05-style name resolution. Grounded on the teacher's
// internal/app/httpapi service (auth/audit/CORS middleware chain,
// system.Service lifecycle) generalized from its account/oracle domain to
// this one.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/metrics"
	"github.com/meshrelay/dvmcore/internal/app/reputation"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/internal/app/system"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// Settler is the subset of payments.Settler the zap endpoint needs.
type Settler interface {
	Settle(ctx context.Context, customerEncKey signer.EncryptedKey, customerWalletURI string, payableMsats int64, providerBolt11, providerAddress string) (preimage string, feePaid bool, err error)
}

// Deps bundles every collaborator the handlers need. Construction is the
// caller's (cmd/meshrelayd's) responsibility; this package only wires
// them into routes and middleware.
type Deps struct {
	Agents     storage.AgentStore
	Jobs       storage.JobStore
	Services   storage.ServiceRegistrationStore
	Trust      storage.TrustStore
	Reports    storage.ReportStore

	Signer     *signer.Signer
	Engine     *jobengine.Engine
	Queue      jobengine.EventEnqueuer
	Reputation *reputation.Aggregator
	Settler    Settler
	RateLimit  kv.Store

	Relays       []string
	SystemPubkey string

	// JWTValidator optionally authenticates an admin-facing bearer token
	// that is not a plain agent API key (e.g. an operator's JWT).
	JWTValidator JWTValidator
}

// Config controls bind address and optional audit persistence.
type Config struct {
	Addr         string
	AuditLogPath string
}

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the fully wrapped handler (routes, auth, audit, CORS,
// metrics) and a not-yet-started Service.
func NewService(deps Deps, cfg Config, log *logger.Logger, db *sql.DB) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}

	var sink auditSink
	if cfg.AuditLogPath != "" {
		if s, err := newFileAuditSink(cfg.AuditLogPath); err == nil {
			sink = s
			log.Infof("audit log persisting to %s", cfg.AuditLogPath)
		} else {
			log.WithError(err).Warn("audit log file not configured")
		}
	} else if db != nil {
		sink = newPostgresAuditSink(db)
	}
	audit := newAuditLog(300, sink)

	h := newHandler(deps, audit)
	router := h.routes()

	// Order matters: auth should see real requests, CORS should
	// short-circuit preflight OPTIONS before auth, metrics wraps the
	// final handler.
	var handler http.Handler = router
	handler = wrapWithAuth(handler, deps.Agents, deps.JWTValidator, log)
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler("httpapi", handler)

	return &Service{addr: cfg.Addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "httpapi",
		Domain:       "ingress",
		Layer:        core.LayerIngress,
		Capabilities: []string{"rest", "auth", "audit"},
	}
}

// Start launches the HTTP server in the background; a bind failure other
// than a clean shutdown is logged rather than returned, matching the
// teacher's fire-and-forget ListenAndServe posture.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from any dashboard origin and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routeLabel extracts a low-cardinality route name from the matched
// gorilla/mux route, falling back to the raw path for unmatched requests.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
