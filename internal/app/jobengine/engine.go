// Package jobengine implements the DVM job state machine described by the
// customer/provider dual-role projections: posting requests, accepting
// and rejecting, submitting feedback and results, completing with
// payment, registering services, and the chained Workflow / fanned-out
// Swarm envelopes. Grounded on the teacher's transactional
// commit-then-enqueue pattern for state changes that must not silently
// diverge from the outbound event stream.
package jobengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/swarm"
	"github.com/meshrelay/dvmcore/internal/app/domain/workflow"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// EventEnqueuer is the subset of eventqueue.Queue the engine needs;
// declared locally so this package does not import eventqueue.
type EventEnqueuer interface {
	Enqueue(events ...nostrevent.Event)
}

// Settler is the subset of payments.Settler the engine needs for Complete.
type Settler interface {
	Settle(ctx context.Context, customerEncKey signer.EncryptedKey, customerWalletURI string, payableMsats int64, providerBolt11, providerAddress string) (preimage string, feePaid bool, err error)
}

// Engine implements the DVM job lifecycle.
type Engine struct {
	signer   *signer.Signer
	queue    EventEnqueuer
	settler  Settler
	log      *logger.Logger

	jobs     storage.JobStore
	agents   storage.AgentStore
	services storage.ServiceRegistrationStore
	trust    storage.TrustStore
	workflows storage.WorkflowStore
	swarms   storage.SwarmStore
}

// New builds an Engine.
func New(s *signer.Signer, queue EventEnqueuer, settler Settler, jobs storage.JobStore, agents storage.AgentStore, services storage.ServiceRegistrationStore, trust storage.TrustStore, workflows storage.WorkflowStore, swarms storage.SwarmStore, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("jobengine")
	}
	return &Engine{
		signer: s, queue: queue, settler: settler, log: log,
		jobs: jobs, agents: agents, services: services, trust: trust, workflows: workflows, swarms: swarms,
	}
}

func newID() string { return uuid.NewString() }

// PostRequestInput is the caller-supplied shape for PostRequest.
type PostRequestInput struct {
	CustomerUserID string
	CustomerPubkey string
	CustomerEncKey signer.EncryptedKey
	Kind           int
	Input          string
	InputType      string
	Output         string
	BidSats        int64
	Params         map[string]string
	Provider       string // optional target provider pubkey
}

// PostRequest builds and enqueues a DVM request, writes the customer job
// row, and either targets a single provider or fans out to every eligible
// registered service.
func (e *Engine) PostRequest(ctx context.Context, in PostRequestInput) (job.Job, error) {
	if in.Kind < nostrevent.KindDVMRequestMin || in.Kind > nostrevent.KindDVMRequestMax {
		return job.Job{}, apperr.Validation(fmt.Sprintf("kind %d is not in the DVM request band 5000-5999", in.Kind))
	}

	evt, err := e.signer.DVMRequest(in.CustomerEncKey, in.CustomerPubkey, signer.DVMRequestOpts{
		Kind: in.Kind, Input: in.Input, Output: in.Output, BidSats: in.BidSats, Params: in.Params, Provider: in.Provider,
	})
	if err != nil {
		return job.Job{}, apperr.Internal("sign dvm request", err)
	}

	now := time.Now()
	customerJob := job.Job{
		ID: newID(), UserID: in.CustomerUserID, Role: job.RoleCustomer, Kind: in.Kind,
		Status: job.StatusOpen, Input: in.Input, InputType: in.InputType, Output: in.Output,
		Params: in.Params, BidMsats: in.BidSats * 1000, CustomerPubkey: in.CustomerPubkey,
		RequestEventID: evt.ID, EventID: evt.ID, CreatedAt: now, UpdatedAt: now,
	}

	if in.Provider != "" {
		reg, err := e.services.Get(ctx, in.Provider)
		if err != nil {
			return job.Job{}, apperr.Validation("target provider is not a registered service")
		}
		if !reg.ServesKind(in.Kind) {
			return job.Job{}, apperr.Validation("target provider does not serve this kind")
		}
		if !reg.DirectRequestEnabled {
			return job.Job{}, apperr.Validation("target provider does not accept direct requests")
		}
		if reg.LightningAddress == "" {
			return job.Job{}, apperr.Validation("target provider has no payment address on file")
		}
	}

	if err := e.jobs.Create(ctx, customerJob); err != nil {
		return job.Job{}, apperr.Internal("persist customer job", err)
	}

	if in.Provider == "" {
		if err := e.fanOut(ctx, in, evt.ID, nil); err != nil {
			e.log.WithError(err).Warn("fan-out to eligible providers partially failed")
		}
	}

	e.queue.Enqueue(evt)
	return customerJob, nil
}

// fanOut inserts a provider job row for every active, eligible service
// serving in.Kind, excluding excludedProviders (used on re-fan-out after a
// reject).
func (e *Engine) fanOut(ctx context.Context, in PostRequestInput, requestEventID string, excludedProviders map[string]bool) error {
	registrations, err := e.services.ListServing(ctx, in.Kind)
	if err != nil {
		return err
	}

	minZap := parseMinZapSats(in.Params)
	now := time.Now()
	var lastErr error
	for _, reg := range registrations {
		if reg.UserID == in.CustomerUserID {
			continue
		}
		if excludedProviders[reg.Pubkey] {
			continue
		}
		if minZap > 0 && reg.MinZapSats > minZap {
			continue
		}
		flagged, err := e.isFlagged(ctx, reg.Pubkey)
		if err != nil {
			lastErr = err
			continue
		}
		if flagged {
			continue
		}
		providerJob := job.Job{
			ID: newID(), UserID: reg.UserID, Role: job.RoleProvider, Kind: in.Kind,
			Status: job.StatusOpen, Input: in.Input, InputType: in.InputType,
			Params: in.Params, BidMsats: in.BidSats * 1000,
			CustomerPubkey: in.CustomerPubkey, ProviderPubkey: reg.Pubkey,
			RequestEventID: requestEventID, CreatedAt: now, UpdatedAt: now,
		}
		if err := e.jobs.Create(ctx, providerJob); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e *Engine) isFlagged(ctx context.Context, pubkey string) (bool, error) {
	n, err := e.trust.DistinctReportersOf(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return n >= 3, nil
}

func parseMinZapSats(params map[string]string) int64 {
	raw, ok := params["min_zap_sats"]
	if !ok {
		return 0
	}
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// ReconcileIncomingRequest handles a DVM request event observed on the
// relay that this process did not itself post (the dvm-requests poller's
// job): for every locally-registered service serving evt's kind, other
// than the author's own and not already covered, apply the same
// flagged/min-zap gates as fanOut and create a provider row. Returns how
// many provider rows were created.
func (e *Engine) ReconcileIncomingRequest(ctx context.Context, evt nostrevent.Event, minZapSats int64, input string) (int, error) {
	registrations, err := e.services.ListServing(ctx, evt.Kind)
	if err != nil {
		return 0, err
	}
	existing, err := e.jobs.ListByRequestEventID(ctx, evt.ID)
	if err != nil {
		return 0, err
	}
	covered := make(map[string]bool, len(existing))
	for _, j := range existing {
		if j.Role == job.RoleProvider {
			covered[j.ProviderPubkey] = true
		}
	}

	now := time.Now()
	created := 0
	var lastErr error
	for _, reg := range registrations {
		if reg.Pubkey == evt.Pubkey || covered[reg.Pubkey] {
			continue
		}
		if minZapSats > 0 && reg.MinZapSats > minZapSats {
			continue
		}
		flagged, err := e.isFlagged(ctx, reg.Pubkey)
		if err != nil {
			lastErr = err
			continue
		}
		if flagged {
			continue
		}
		providerJob := job.Job{
			ID: newID(), UserID: reg.UserID, Role: job.RoleProvider, Kind: evt.Kind,
			Status: job.StatusOpen, Input: input,
			CustomerPubkey: evt.Pubkey, ProviderPubkey: reg.Pubkey,
			RequestEventID: evt.ID, EventID: evt.ID, CreatedAt: now, UpdatedAt: now,
		}
		if err := e.jobs.Create(ctx, providerJob); err != nil {
			lastErr = err
			continue
		}
		created++
	}
	return created, lastErr
}

// Accept creates a provider row for requestEventID/providerUserID if none
// is already active; a prior rejected row for this user does not block an
// explicit accept.
func (e *Engine) Accept(ctx context.Context, requestEventID, providerUserID, providerPubkey string, customerJob job.Job) (job.Job, error) {
	existing, err := e.jobs.ListByUser(ctx, providerUserID, job.RoleProvider)
	if err != nil {
		return job.Job{}, apperr.Internal("list provider jobs", err)
	}
	for _, j := range existing {
		if j.RequestEventID == requestEventID && !j.Status.Terminal() && j.Status != job.StatusRejected {
			return j, nil
		}
	}

	now := time.Now()
	providerJob := job.Job{
		ID: newID(), UserID: providerUserID, Role: job.RoleProvider, Kind: customerJob.Kind,
		Status: job.StatusProcessing, Input: customerJob.Input, InputType: customerJob.InputType,
		Params: customerJob.Params, BidMsats: customerJob.BidMsats,
		CustomerPubkey: customerJob.CustomerPubkey, ProviderPubkey: providerPubkey,
		RequestEventID: requestEventID, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.jobs.Create(ctx, providerJob); err != nil {
		return job.Job{}, apperr.Internal("persist accepted provider job", err)
	}
	return providerJob, nil
}

// SubmitFeedback builds and enqueues a kind-7000 feedback event, updating
// both the provider row and, if the customer job is known locally, the
// matching customer row.
func (e *Engine) SubmitFeedback(ctx context.Context, providerJobID string, providerEncKey signer.EncryptedKey, status, content string) (nostrevent.Event, error) {
	pj, err := e.jobs.Get(ctx, providerJobID)
	if err != nil {
		return nostrevent.Event{}, err
	}
	if pj.Role != job.RoleProvider {
		return nostrevent.Event{}, apperr.Validation("feedback may only be submitted on a provider job")
	}

	evt, err := e.signer.DVMFeedback(providerEncKey, pj.ProviderPubkey, pj.RequestEventID, pj.CustomerPubkey, status, content)
	if err != nil {
		return nostrevent.Event{}, apperr.Internal("sign feedback event", err)
	}

	if status == "error" {
		pj.Status = job.StatusError
	} else {
		pj.Status = job.StatusProcessing
	}
	pj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, pj); err != nil {
		return nostrevent.Event{}, apperr.Internal("update provider job", err)
	}

	if cj, cerr := e.jobs.GetByRequestEventID(ctx, pj.RequestEventID); cerr == nil && cj.Role == job.RoleCustomer {
		if status == "error" {
			cj.Status = job.StatusError
		} else if cj.Status == job.StatusOpen {
			cj.Status = job.StatusProcessing
		}
		cj.UpdatedAt = time.Now()
		_ = e.jobs.Update(ctx, cj)
	}

	e.queue.Enqueue(evt)
	return evt, nil
}

// SubmitResultInput configures SubmitResult.
type SubmitResultInput struct {
	ProviderJobID string
	ProviderEncKey signer.EncryptedKey
	Content       string
	AmountSats    int64
	Bolt11        string
}

// SubmitResult builds and enqueues the result event, marks the provider
// row completed, and — same-site optimization — updates the customer row
// immediately if it is known locally.
func (e *Engine) SubmitResult(ctx context.Context, in SubmitResultInput) (nostrevent.Event, error) {
	pj, err := e.jobs.Get(ctx, in.ProviderJobID)
	if err != nil {
		return nostrevent.Event{}, err
	}
	if pj.Role != job.RoleProvider {
		return nostrevent.Event{}, apperr.Validation("result may only be submitted on a provider job")
	}

	evt, err := e.signer.DVMResult(in.ProviderEncKey, pj.ProviderPubkey, signer.DVMResultOpts{
		RequestKind: pj.Kind, RequestEventID: pj.RequestEventID, CustomerPubkey: pj.CustomerPubkey,
		Content: in.Content, AmountSats: in.AmountSats, Bolt11: in.Bolt11,
	})
	if err != nil {
		return nostrevent.Event{}, apperr.Internal("sign dvm result", err)
	}

	pj.Status = job.StatusCompleted
	pj.Output = in.Content
	pj.ResultEventID = evt.ID
	if in.AmountSats > 0 {
		pj.PriceMsats = in.AmountSats * 1000
	}
	pj.Bolt11 = in.Bolt11
	pj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, pj); err != nil {
		return nostrevent.Event{}, apperr.Internal("update provider job", err)
	}

	if cj, cerr := e.jobs.GetByRequestEventID(ctx, pj.RequestEventID); cerr == nil && cj.Role == job.RoleCustomer {
		if cj.Status == job.StatusOpen || cj.Status == job.StatusProcessing {
			cj.Status = job.StatusResultAvailable
			cj.ProviderPubkey = pj.ProviderPubkey
			cj.Output = in.Content
			cj.Bolt11 = in.Bolt11
			if in.AmountSats > 0 {
				cj.PriceMsats = in.AmountSats * 1000
			}
			cj.ResultEventID = evt.ID
			cj.UpdatedAt = time.Now()
			_ = e.jobs.Update(ctx, cj)
		}
	}

	e.queue.Enqueue(evt)
	return evt, nil
}

// ReconcileFeedback applies a feedback event observed on the relay (built
// and signed by whichever agent holds providerJobID, possibly a remote
// process) to the local provider and customer rows. Unlike SubmitFeedback
// this never signs or enqueues a new event — the event already exists on
// the relay; the poller is only catching local state up to it.
func (e *Engine) ReconcileFeedback(ctx context.Context, providerJobID, status, content string) error {
	pj, err := e.jobs.Get(ctx, providerJobID)
	if err != nil {
		return err
	}
	if pj.Role != job.RoleProvider {
		return apperr.Validation("feedback may only reconcile onto a provider job")
	}
	if status == "error" {
		pj.Status = job.StatusError
	} else {
		pj.Status = job.StatusProcessing
	}
	pj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, pj); err != nil {
		return apperr.Internal("update provider job", err)
	}

	if cj, cerr := e.jobs.GetByRequestEventID(ctx, pj.RequestEventID); cerr == nil && cj.Role == job.RoleCustomer {
		if status == "error" {
			cj.Status = job.StatusError
		} else if cj.Status == job.StatusOpen {
			cj.Status = job.StatusProcessing
		}
		cj.UpdatedAt = time.Now()
		_ = e.jobs.Update(ctx, cj)
	}
	return nil
}

// ReconcileResultInput configures ReconcileResult.
type ReconcileResultInput struct {
	ProviderJobID string
	ResultEventID string
	Content       string
	AmountSats    int64
	Bolt11        string
}

// ReconcileResult applies a result event already observed on the relay to
// the local provider and customer rows, the ingestion counterpart to
// SubmitResult.
func (e *Engine) ReconcileResult(ctx context.Context, in ReconcileResultInput) error {
	pj, err := e.jobs.Get(ctx, in.ProviderJobID)
	if err != nil {
		return err
	}
	if pj.Role != job.RoleProvider {
		return apperr.Validation("result may only reconcile onto a provider job")
	}

	pj.Status = job.StatusCompleted
	pj.Output = in.Content
	pj.ResultEventID = in.ResultEventID
	if in.AmountSats > 0 {
		pj.PriceMsats = in.AmountSats * 1000
	}
	pj.Bolt11 = in.Bolt11
	pj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, pj); err != nil {
		return apperr.Internal("update provider job", err)
	}

	if cj, cerr := e.jobs.GetByRequestEventID(ctx, pj.RequestEventID); cerr == nil && cj.Role == job.RoleCustomer {
		if cj.Status == job.StatusOpen || cj.Status == job.StatusProcessing {
			cj.Status = job.StatusResultAvailable
			cj.ProviderPubkey = pj.ProviderPubkey
			cj.Output = in.Content
			cj.Bolt11 = in.Bolt11
			if in.AmountSats > 0 {
				cj.PriceMsats = in.AmountSats * 1000
			}
			cj.ResultEventID = in.ResultEventID
			cj.UpdatedAt = time.Now()
			_ = e.jobs.Update(ctx, cj)
		}
	}
	return nil
}

// Reject resets the customer row to open, marks the chosen provider row
// rejected, and re-fans-out excluding every provider that already holds a
// row for this request, previously rejected ones included.
func (e *Engine) Reject(ctx context.Context, customerJobID string, in PostRequestInput) (job.Job, error) {
	cj, err := e.jobs.Get(ctx, customerJobID)
	if err != nil {
		return job.Job{}, err
	}
	if cj.Role != job.RoleCustomer {
		return job.Job{}, apperr.Permission("reject is a customer-only operation")
	}
	if cj.Status != job.StatusResultAvailable {
		return job.Job{}, apperr.Conflict("reject is only valid from result_available")
	}

	rejectedProvider := cj.ProviderPubkey
	cj.Status = job.StatusOpen
	cj.ProviderPubkey = ""
	cj.Output = ""
	cj.Bolt11 = ""
	cj.ResultEventID = ""
	cj.PriceMsats = 0
	cj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, cj); err != nil {
		return job.Job{}, apperr.Internal("reset customer job", err)
	}

	excluded := map[string]bool{rejectedProvider: true}
	rows, err := e.jobs.ListByRequestEventID(ctx, cj.RequestEventID)
	if err == nil {
		for _, pj := range rows {
			if pj.Role != job.RoleProvider {
				continue
			}
			if pj.ProviderPubkey == rejectedProvider && pj.Status == job.StatusCompleted {
				pj.Status = job.StatusRejected
				pj.UpdatedAt = time.Now()
				_ = e.jobs.Update(ctx, pj)
			}
			excluded[pj.ProviderPubkey] = true
		}
	}

	if ferr := e.fanOut(ctx, in, cj.RequestEventID, excluded); ferr != nil {
		e.log.WithError(ferr).Warn("re-fan-out after reject partially failed")
	}
	return cj, nil
}

// Cancel marks the customer job cancelled and enqueues a deletion event
// for the original request.
func (e *Engine) Cancel(ctx context.Context, customerJobID string, customerEncKey signer.EncryptedKey) error {
	cj, err := e.jobs.Get(ctx, customerJobID)
	if err != nil {
		return err
	}
	if cj.Role != job.RoleCustomer {
		return apperr.Permission("cancel is a customer-only operation")
	}
	evt, err := e.signer.Deletion(customerEncKey, cj.CustomerPubkey, []string{cj.RequestEventID})
	if err != nil {
		return apperr.Internal("sign deletion event", err)
	}
	cj.Status = job.StatusCancelled
	cj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, cj); err != nil {
		return apperr.Internal("persist cancellation", err)
	}
	e.queue.Enqueue(evt)
	return nil
}

// CompleteInput configures Complete.
type CompleteInput struct {
	CustomerJobID     string
	CustomerEncKey    signer.EncryptedKey
	CustomerWalletURI string
	ProviderAddress   string
}

// Complete pays out a result_available job and marks it completed. At-
// most-once: a job already completed returns its existing outcome rather
// than re-paying.
func (e *Engine) Complete(ctx context.Context, in CompleteInput) (job.Job, error) {
	cj, err := e.jobs.Get(ctx, in.CustomerJobID)
	if err != nil {
		return job.Job{}, err
	}
	if cj.Role != job.RoleCustomer {
		return job.Job{}, apperr.Permission("complete is a customer-only operation")
	}
	if cj.Status == job.StatusCompleted {
		return cj, nil // idempotent: second complete call returns the first outcome
	}
	if cj.Status != job.StatusResultAvailable {
		return job.Job{}, apperr.Conflict("complete is only valid from result_available")
	}

	payable := cj.Payable()
	if payable > 0 {
		if e.settler == nil {
			return job.Job{}, apperr.Internal("payment settler not configured", nil)
		}
		preimage, _, err := e.settler.Settle(ctx, in.CustomerEncKey, in.CustomerWalletURI, payable, cj.Bolt11, in.ProviderAddress)
		if err != nil {
			return job.Job{}, err // job remains result_available; error surfaces per spec
		}
		cj.PaymentHash = preimage
	}

	cj.Status = job.StatusCompleted
	cj.UpdatedAt = time.Now()
	if err := e.jobs.Update(ctx, cj); err != nil {
		return job.Job{}, apperr.Internal("persist completion", err)
	}
	return cj, nil
}

// RegisterService writes the service row and enqueues one handler-info
// event per served kind.
func (e *Engine) RegisterService(ctx context.Context, reg service.Registration, encKey signer.EncryptedKey) (service.Registration, error) {
	if err := e.services.Upsert(ctx, reg); err != nil {
		return service.Registration{}, apperr.Internal("persist service registration", err)
	}
	for _, kind := range reg.Kinds {
		dTag := fmt.Sprintf("%s-%d", reg.Pubkey, kind)
		evt, err := e.signer.HandlerInfo(encKey, reg.Pubkey, dTag, kind, reg.Description)
		if err != nil {
			e.log.WithField("kind", kind).WithError(err).Warn("failed to sign handler-info event")
			continue
		}
		e.queue.Enqueue(evt)
		reg.LastHandlerEventID = evt.ID
	}
	if reg.LastHandlerEventID != "" {
		if err := e.services.Upsert(ctx, reg); err != nil {
			e.log.WithError(err).Warn("failed to persist last handler-info event id")
		}
	}
	return reg, nil
}

// CreateWorkflow writes the workflow row and posts the first step as a
// live DVM request.
func (e *Engine) CreateWorkflow(ctx context.Context, userID, customerPubkey string, customerEncKey signer.EncryptedKey, input string, kinds []int, totalBidSats int64) (workflow.Workflow, error) {
	if len(kinds) == 0 {
		return workflow.Workflow{}, apperr.Validation("workflow requires at least one step")
	}
	steps := make([]workflow.Step, len(kinds))
	for i, k := range kinds {
		steps[i] = workflow.Step{Index: i, Kind: k, Status: workflow.StepPending}
	}
	wf := workflow.Workflow{
		ID: newID(), UserID: userID, Status: workflow.StatusActive,
		TotalBid: totalBidSats * 1000, Steps: steps, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	wf.Steps[0].Input = input
	wf.Steps[0].Status = workflow.StepActive

	bidShare := wf.BidShare() / 1000
	stepJob, err := e.PostRequest(ctx, PostRequestInput{
		CustomerUserID: userID, CustomerPubkey: customerPubkey, CustomerEncKey: customerEncKey,
		Kind: wf.Steps[0].Kind, Input: input, BidSats: bidShare,
	})
	if err != nil {
		return workflow.Workflow{}, err
	}
	wf.Steps[0].JobID = stepJob.ID

	if err := e.workflows.Create(ctx, wf); err != nil {
		return workflow.Workflow{}, apperr.Internal("persist workflow", err)
	}
	return wf, nil
}

// AdvanceWorkflow marks the current step completed with output, and
// either creates the next step's DVM request (input = prior output) or,
// on the final step, marks the workflow completed.
func (e *Engine) AdvanceWorkflow(ctx context.Context, workflowID, customerPubkey string, customerEncKey signer.EncryptedKey, output string) (workflow.Workflow, error) {
	wf, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	cur := wf.CurrentStep()
	if cur == nil {
		return wf, nil
	}
	cur.Status = workflow.StepCompleted
	cur.Output = output

	next := wf.CurrentStep()
	if next == nil {
		wf.Status = workflow.StatusCompleted
		wf.UpdatedAt = time.Now()
		if err := e.workflows.Update(ctx, wf); err != nil {
			return workflow.Workflow{}, apperr.Internal("persist workflow completion", err)
		}
		return wf, nil
	}

	next.Input = output
	next.Status = workflow.StepActive
	bidShare := wf.BidShare() / 1000
	stepJob, err := e.PostRequest(ctx, PostRequestInput{
		CustomerUserID: wf.UserID, CustomerPubkey: customerPubkey, CustomerEncKey: customerEncKey,
		Kind: next.Kind, Input: output, BidSats: bidShare,
	})
	if err != nil {
		return workflow.Workflow{}, err
	}
	next.JobID = stepJob.ID

	wf.UpdatedAt = time.Now()
	if err := e.workflows.Update(ctx, wf); err != nil {
		return workflow.Workflow{}, apperr.Internal("persist workflow step advance", err)
	}
	return wf, nil
}

// CreateSwarm persists a swarm and publishes one swarm request tagged
// with the swarm id. n is not used: neither the request event nor the
// stored swarm records a slot count.
func (e *Engine) CreateSwarm(ctx context.Context, userID, customerPubkey string, customerEncKey signer.EncryptedKey, input string, judgeUserID string, n int) (swarm.Swarm, error) {
	sw := swarm.Swarm{
		ID: newID(), UserID: userID, Input: input, JudgeUserID: judgeUserID,
		Status: swarm.StatusOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := e.swarms.Create(ctx, sw); err != nil {
		return swarm.Swarm{}, apperr.Internal("persist swarm", err)
	}
	evt, err := e.signer.SwarmRequest(customerEncKey, customerPubkey, input, sw.ID, judgeUserID, 0)
	if err != nil {
		return swarm.Swarm{}, apperr.Internal("sign swarm request", err)
	}
	e.queue.Enqueue(evt)
	return sw, nil
}

// SubmitSwarmEntry records a provider's submission into an open swarm.
func (e *Engine) SubmitSwarmEntry(ctx context.Context, swarmID, providerPubkey, jobID, output string) (swarm.Swarm, error) {
	sw, err := e.swarms.Get(ctx, swarmID)
	if err != nil {
		return swarm.Swarm{}, err
	}
	if sw.Status != swarm.StatusOpen {
		return swarm.Swarm{}, apperr.Conflict("swarm is no longer accepting submissions")
	}
	sw.Submissions = append(sw.Submissions, swarm.Submission{
		ProviderPubkey: providerPubkey, JobID: jobID, Output: output, CreatedAt: time.Now(),
	})
	sw.UpdatedAt = time.Now()
	if err := e.swarms.Update(ctx, sw); err != nil {
		return swarm.Swarm{}, apperr.Internal("persist swarm submission", err)
	}
	return sw, nil
}

// SelectSwarmWinner marks one submission the winner, pays it via the
// settler, and marks the swarm completed.
func (e *Engine) SelectSwarmWinner(ctx context.Context, swarmID, providerPubkey string, customerEncKey signer.EncryptedKey, customerWalletURI string, payableMsats int64, providerAddress string) (swarm.Swarm, error) {
	sw, err := e.swarms.Get(ctx, swarmID)
	if err != nil {
		return swarm.Swarm{}, err
	}
	entry := sw.SubmissionByProvider(providerPubkey)
	if entry == nil {
		return swarm.Swarm{}, apperr.NotFound("no submission from this provider")
	}

	if payableMsats > 0 && e.settler != nil {
		if _, _, err := e.settler.Settle(ctx, customerEncKey, customerWalletURI, payableMsats, "", providerAddress); err != nil {
			return swarm.Swarm{}, err
		}
	}

	for i := range sw.Submissions {
		sw.Submissions[i].Winner = sw.Submissions[i].ProviderPubkey == providerPubkey
	}
	sw.Status = swarm.StatusCompleted
	sw.UpdatedAt = time.Now()
	if err := e.swarms.Update(ctx, sw); err != nil {
		return swarm.Swarm{}, apperr.Internal("persist swarm completion", err)
	}
	return sw, nil
}
