// Command meshrelayd is the single-process entrypoint: it wires the relay
// gateway, the outbound event queue, every poller, the reputation
// aggregator, and the HTTP API into one system.Manager and runs them
// until an interrupt or terminate signal arrives; the payment settler is
// handed to the job engine and the HTTP API rather than registered. Grounded on the teacher's cmd/appserver/main.go flag-parsing,
// conditional-postgres-storage, and signal/shutdown shape, generalized
// from a single HTTP service to a manager of many long-running
// components.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/eventqueue"
	"github.com/meshrelay/dvmcore/internal/app/httpapi"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/payments"
	"github.com/meshrelay/dvmcore/internal/app/pollers"
	"github.com/meshrelay/dvmcore/internal/app/relaygateway"
	"github.com/meshrelay/dvmcore/internal/app/reputation"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/internal/app/storage/memory"
	"github.com/meshrelay/dvmcore/internal/app/storage/postgres"
	"github.com/meshrelay/dvmcore/internal/app/system"
	"github.com/meshrelay/dvmcore/internal/config"
	"github.com/meshrelay/dvmcore/internal/platform/database"
	"github.com/meshrelay/dvmcore/internal/platform/migrations"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// boardIntents maps free-text keywords the board-inbox poller recognizes
// to the DVM request kind they post. Operators needing a different
// vocabulary run with BOARD disabled and drive the job engine directly
// over HTTP instead.
var boardIntents = []pollers.BoardIntent{
	{Keyword: "translate", Kind: 5002},
	{Keyword: "summarize", Kind: 5001},
	{Keyword: "image", Kind: 5100},
}

func main() {
	httpAddr := flag.String("http-addr", "", "HTTP API listen address (defaults to config/env or :8080)")
	relayAddr := flag.String("relay-addr", "", "relay gateway WebSocket listen address (defaults to config/env)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; falls back to in-memory storage when empty)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	auditLogPath := flag.String("audit-log", "", "path to append-only audit log file (optional)")
	flag.Parse()

	cfg := config.Load()
	log := logger.NewDefault("meshrelayd")

	rootCtx := context.Background()

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = cfg.PostgresDSN
	}

	var db *sql.DB
	var jobs storage.JobStore
	var agents storage.AgentStore
	var services storage.ServiceRegistrationStore

	if dsnVal != "" {
		var err error
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.WithError(err).Fatal("connect to postgres")
		}
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
		}
		jobs = postgres.NewJobStore(db)
		agents = postgres.NewAgentStore(db)
		services = postgres.NewServiceRegistrationStore(db)
		log.Info("using postgres-backed job/agent/service storage")
	} else {
		jobs = memory.NewJobStore()
		agents = memory.NewAgentStore()
		services = memory.NewServiceRegistrationStore()
		log.Warn("no DSN configured: job/agent/service storage is in-memory and will not survive a restart")
	}
	if db != nil {
		defer db.Close()
	}

	// TrustStore, ReportStore, WorkflowStore, SwarmStore, ExternalDVMStore,
	// and SocialStore have no postgres implementation yet; they always run
	// in-memory regardless of dsnVal. See DESIGN.md's "known gap" entry.
	trustStore := memory.NewTrustStore()
	reportStore := memory.NewReportStore()
	workflowStore := memory.NewWorkflowStore()
	swarmStore := memory.NewSwarmStore()
	externalStore := memory.NewExternalDVMStore()
	socialStore := memory.NewSocialStore()

	s, err := signer.New(cfg.NostrMasterKeyHex)
	if err != nil {
		log.WithError(err).Fatal("initialise signer")
	}

	var kvStore kv.Store
	if cfg.RedisAddr != "" {
		kvStore = kv.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
		log.Info("using redis-backed kv store")
	} else {
		kvStore = kv.NewMemoryStore()
		log.Warn("no REDIS_ADDR configured: kv store is in-memory")
	}
	watermarks := kv.NewWatermarkStore(kvStore)

	dialer := eventqueue.NewGorillaDialer()
	queue := eventqueue.New(dialer, cfg.Relays, log)

	addressResolver := payments.NewHTTPAddressResolver()
	settler := payments.New(s, dialer, addressResolver, payments.Config{
		FeePercent: cfg.PlatformFeePercent,
		FeeAddress: cfg.PlatformLightningAddr,
	}, log)

	engine := jobengine.New(s, queue, settler, jobs, agents, services, trustStore, workflowStore, swarmStore, log)

	relayBindAddr := strings.TrimSpace(*relayAddr)
	if relayBindAddr == "" {
		relayBindAddr = cfg.RelayBindAddr
	}
	gateway := relaygateway.NewGateway(relayBindAddr, relaygateway.Config{
		MinPowBits:  cfg.MinPowBits,
		MinZapSats:  0,
		RelayPubkey: cfg.SystemNostrPubkey,
		IsLocalAgent: func(pubkey string) bool {
			_, err := agents.GetByPubkey(rootCtx, pubkey)
			return err == nil
		},
	}, time.Duration(cfg.RetentionDays)*24*time.Hour, "", log)

	aggregator := reputation.New(kvStore, agents, trustStore, reportStore, services, cfg.PollInterval, log)

	querier := pollers.NewRelayQuerier(dialer, log)
	dvmDeps := pollers.Deps{
		Engine: engine, Jobs: jobs, Agents: agents, Services: services,
		Trust: trustStore, Reports: reportStore, External: externalStore, Workflows: workflowStore,
		Relays: cfg.Relays, Querier: querier, WM: watermarks, Log: log,
	}
	socialDeps := pollers.SocialDeps{
		Agents: agents, Social: socialStore, CommunityIDs: cfg.CommunityIDs,
		Relays: cfg.Relays, Querier: querier, WM: watermarks, Log: log,
	}

	manager := system.NewManager()
	manager.Register(gateway)
	manager.Register(queue)
	manager.Register(aggregator)

	manager.Register(pollers.NewDVMRequestsPoller(dvmDeps))
	manager.Register(pollers.NewDVMResultsPoller(dvmDeps))
	manager.Register(pollers.NewExternalDVMPoller(dvmDeps))
	manager.Register(pollers.NewTrustPoller(dvmDeps))
	manager.Register(pollers.NewReportsPoller(dvmDeps))
	manager.Register(pollers.NewReviewsPoller(dvmDeps))
	manager.Register(pollers.NewProviderZapsPoller(dvmDeps))

	manager.Register(pollers.NewHeartbeatsPoller(socialDeps))
	manager.Register(pollers.NewFollowedUsersPoller(socialDeps))
	manager.Register(pollers.NewOwnPostsPoller(socialDeps))
	manager.Register(pollers.NewCommunityPoller(socialDeps))
	manager.Register(pollers.NewContactSyncPoller(socialDeps))
	manager.Register(pollers.NewReactionsPoller(socialDeps))
	manager.Register(pollers.NewRepliesPoller(socialDeps))

	if cfg.BoardUserID != "" {
		boardDeps := &pollers.BoardDeps{
			Engine: engine, Jobs: jobs, Agents: agents, Signer: s, Queue: queue,
			BoardUserID: cfg.BoardUserID, MaxBidSats: cfg.BoardMaxBidSats, Intents: boardIntents,
			Relays: cfg.Relays, Querier: querier, WM: watermarks, Log: log,
		}
		manager.Register(pollers.NewBoardInboxPoller(boardDeps))
		manager.Register(pollers.NewBoardResultsPoller(boardDeps))
	} else {
		log.Info("no BOARD_USER_ID configured: board-agent pollers are disabled")
	}

	listenAddr := strings.TrimSpace(*httpAddr)
	if listenAddr == "" {
		listenAddr = cfg.HTTPAddr
	}
	httpService := httpapi.NewService(httpapi.Deps{
		Agents: agents, Jobs: jobs, Services: services, Trust: trustStore, Reports: reportStore,
		Signer: s, Engine: engine, Queue: queue, Reputation: aggregator, Settler: settler, RateLimit: kvStore,
		Relays: cfg.Relays, SystemPubkey: cfg.SystemNostrPubkey,
	}, httpapi.Config{Addr: listenAddr, AuditLogPath: *auditLogPath}, log, db)
	manager.Register(httpService)

	if err := manager.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start services")
	}
	log.Infof("meshrelayd running: http=%s relay=%s", listenAddr, relayBindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithError(err).Fatal("shutdown")
	}
}
