package relaygateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/system"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

const (
	maxSubscriptionsPerConn = 20
	maxFiltersPerSub        = 10
)

var relayInfoDocument = []byte(`{"name":"meshrelay","description":"DVM coordination relay","supported_nips":[1,11,89,90],"software":"meshrelay/dvmcore","version":"0.1.0"}`)

// Gateway is the single process-wide relay instance.
type Gateway struct {
	log    *logger.Logger
	store  *Store
	admCfg Config
	addr   string

	connsMu sync.Mutex
	conns   map[*connection]struct{}

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	retention   time.Duration
	pruneCron   string
	cronID      cron.EntryID
	cronSched   *cron.Cron
	server      *http.Server
	upgrader    websocket.Upgrader
}

// NewGateway constructs a Gateway. pruneCron is a standard 5-field cron
// expression (default "0 3 * * *" — daily at 03:00) driving retention
// pruning, chosen over a raw ticker because operators reason about
// maintenance windows in cron terms.
func NewGateway(addr string, admCfg Config, retention time.Duration, pruneCron string, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewDefault("relaygateway")
	}
	if pruneCron == "" {
		pruneCron = "0 3 * * *"
	}
	return &Gateway{
		log:       log,
		store:     NewStore(),
		admCfg:    admCfg,
		addr:      addr,
		conns:     make(map[*connection]struct{}),
		limiters:  make(map[string]*rate.Limiter),
		retention: retention,
		pruneCron: pruneCron,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

var _ system.Service = (*Gateway)(nil)

func (g *Gateway) Name() string { return "relaygateway" }

func (g *Gateway) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "relaygateway",
		Domain:       "relay",
		Layer:        core.LayerIngress,
		Capabilities: []string{"admit", "subscribe", "broadcast", "prune"},
	}
}

// limiterFor returns (creating if needed) a per-remote-address limiter
// used to throttle admission attempts ahead of the PoW/zap gates.
func (g *Gateway) limiterFor(addr string) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	l, ok := g.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		g.limiters[addr] = l
	}
	return l
}

// Start serves HTTP/WebSocket traffic and schedules the pruning cron job.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleRoot)
	mux.HandleFunc("/info", g.handleInfo)

	g.server = &http.Server{Addr: g.addr, Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.log.WithError(err).Error("relay gateway http server error")
		}
	}()

	g.cronSched = cron.New()
	id, err := g.cronSched.AddFunc(g.pruneCron, func() {
		removed := g.store.Prune(g.retention)
		if removed > 0 {
			g.log.WithField("removed", removed).Info("relay retention pruning ran")
		}
	})
	if err != nil {
		g.log.WithError(err).Warn("invalid prune cron expression, pruning disabled")
	} else {
		g.cronID = id
		g.cronSched.Start()
	}

	g.log.Info("relay gateway started")
	return nil
}

// Stop shuts down the HTTP server, closes every connection, and stops the
// cron scheduler.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cronSched != nil {
		g.cronSched.Stop()
	}
	g.connsMu.Lock()
	for c := range g.conns {
		c.close()
	}
	g.connsMu.Unlock()
	if g.server != nil {
		return g.server.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Write(relayInfoDocument)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/nostr+json" {
		g.handleInfo(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		g.handleWebSocket(w, r)
		return
	}
	g.handleInfo(w, r)
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := newConnection(conn, g)
	g.connsMu.Lock()
	g.conns[c] = struct{}{}
	g.connsMu.Unlock()
	defer func() {
		g.connsMu.Lock()
		delete(g.conns, c)
		g.connsMu.Unlock()
	}()
	c.run(r.RemoteAddr)
}

// Broadcast pushes evt to every connection with a matching live
// subscription. Ephemeral events reach here without ever being inserted
// into the store.
func (g *Gateway) Broadcast(evt nostrevent.Event) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for c := range g.conns {
		c.deliverIfMatching(evt)
	}
}

// Admit runs evt through the admission pipeline and, on acceptance,
// persists/broadcasts it per its kind class.
func (g *Gateway) Admit(evt nostrevent.Event) AdmissionResult {
	res := Admit(evt, g.admCfg)
	if !res.Accepted {
		return res
	}
	if !evt.IsEphemeral() {
		g.store.Insert(evt)
	}
	g.Broadcast(evt)
	return res
}

// marshalOK builds an ["OK", id, accepted, message] frame.
func marshalOK(id string, accepted bool, message string) []byte {
	b, _ := json.Marshal([]any{"OK", id, accepted, message})
	return b
}
