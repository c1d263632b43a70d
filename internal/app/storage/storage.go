// Package storage declares the persistence interfaces every higher-level
// component (JobEngine, ReputationAggregator, PaymentSettler, Pollers)
// depends on. Concrete implementations live in storage/memory (tests,
// standalone mode) and storage/postgres (raw database/sql + lib/pq,
// grounded on the teacher's repository layer).
package storage

import (
	"context"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/report"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/social"
	"github.com/meshrelay/dvmcore/internal/app/domain/swarm"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
	"github.com/meshrelay/dvmcore/internal/app/domain/workflow"
)

// AgentStore persists registered identities.
type AgentStore interface {
	Create(ctx context.Context, a agent.Agent) error
	Get(ctx context.Context, id string) (agent.Agent, error)
	GetByPubkey(ctx context.Context, pubkey string) (agent.Agent, error)
	// GetByAPIKeyHash looks an agent up by the SHA-256 digest of its bearer
	// token, the lookup the HTTP auth layer performs on every request.
	GetByAPIKeyHash(ctx context.Context, hash string) (agent.Agent, error)
	// GetByUsername backs NIP-05 style name resolution.
	GetByUsername(ctx context.Context, username string) (agent.Agent, error)
	Update(ctx context.Context, a agent.Agent) error
	List(ctx context.Context) ([]agent.Agent, error)
}

// JobStore persists job rows and supports the lookups the customer and
// provider projections both need.
type JobStore interface {
	Create(ctx context.Context, j job.Job) error
	Get(ctx context.Context, id string) (job.Job, error)
	GetByRequestEventID(ctx context.Context, eventID string) (job.Job, error)
	// ListByRequestEventID returns every row (the single customer row plus
	// every fanned-out provider row) sharing eventID, needed by the
	// pollers to route an incoming result/feedback event to the correct
	// local row when more than one provider was fanned out.
	ListByRequestEventID(ctx context.Context, eventID string) ([]job.Job, error)
	Update(ctx context.Context, j job.Job) error
	ListByUser(ctx context.Context, userID string, role job.Role) ([]job.Job, error)
	ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error)
}

// ServiceRegistrationStore persists provider service registrations.
type ServiceRegistrationStore interface {
	Upsert(ctx context.Context, r service.Registration) error
	Get(ctx context.Context, pubkey string) (service.Registration, error)
	ListServing(ctx context.Context, kind int) ([]service.Registration, error)
	ListAll(ctx context.Context) ([]service.Registration, error)
	IncrementCompleted(ctx context.Context, pubkey string, earnedMsats int64, responseMs int64) error
	IncrementRejected(ctx context.Context, pubkey string) error
}

// TrustStore persists web-of-trust declarations and moderation reports.
type TrustStore interface {
	Declare(ctx context.Context, d trust.Declaration) error
	// Revoke removes a prior declaration; a revocation of a pair that was
	// never declared is not an error.
	Revoke(ctx context.Context, trusterUserID, targetPubkey string) error
	CountTrustersOf(ctx context.Context, targetPubkey string) (int64, error)
	FileReport(ctx context.Context, r trust.Report) error
	DistinctReportersOf(ctx context.Context, targetPubkey string) (int64, error)
}

// ReportStore persists ingested review events (kind 31117).
type ReportStore interface {
	Record(ctx context.Context, r report.Review) error
	AverageRatingFor(ctx context.Context, pubkey string) (avg float64, count int64, err error)
}

// WorkflowStore persists multi-step job chains.
type WorkflowStore interface {
	Create(ctx context.Context, w workflow.Workflow) error
	Get(ctx context.Context, id string) (workflow.Workflow, error)
	Update(ctx context.Context, w workflow.Workflow) error
	// ListActive returns every non-terminal workflow, scanned by the
	// dvm-results poller to find the envelope a completed step belongs to.
	ListActive(ctx context.Context) ([]workflow.Workflow, error)
}

// SwarmStore persists fan-out swarm requests and their submissions.
type SwarmStore interface {
	Create(ctx context.Context, s swarm.Swarm) error
	Get(ctx context.Context, id string) (swarm.Swarm, error)
	Update(ctx context.Context, s swarm.Swarm) error
}

// ExternalDVM is a provider discovered on the gossip network rather than
// registered locally; distinct from service.Registration, which is for
// providers this process runs.
type ExternalDVM struct {
	Pubkey       string
	Kinds        []int
	Description  string
	LastSeenAt   time.Time
}

// ExternalDVMStore persists providers discovered via kind-31990 events.
type ExternalDVMStore interface {
	Upsert(ctx context.Context, d ExternalDVM) error
	ListServing(ctx context.Context, kind int) ([]ExternalDVM, error)
}

// SocialStore persists the note/follow/reaction/notification rows ingested
// by the social-layer pollers.
type SocialStore interface {
	UpsertNote(ctx context.Context, n social.Note) error
	HasNote(ctx context.Context, eventID string) (bool, error)
	GetNote(ctx context.Context, eventID string) (social.Note, error)
	// NoteIDs returns every known note's event id, used by the
	// reactions/replies pollers to build an #e filter of topics worth
	// watching.
	NoteIDs(ctx context.Context) ([]string, error)
	ReplaceFollows(ctx context.Context, userID string, follows []social.Follow) error
	FollowSets(ctx context.Context) (map[string][]social.Follow, error)
	InsertReaction(ctx context.Context, r social.Reaction) (inserted bool, err error)
	Notify(ctx context.Context, n social.Notification) error
}

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "storage: not found" }
