package pollers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/domain/report"
	"github.com/meshrelay/dvmcore/internal/app/domain/trust"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// Deps bundles every dependency the DVM-centric pollers need: the same
// storage interfaces JobEngine and ReputationAggregator use, plus the
// engine itself for the transitions a poller cannot apply directly
// without re-deriving JobEngine's state-machine rules.
type Deps struct {
	Engine   *jobengine.Engine
	Jobs     storage.JobStore
	Agents   storage.AgentStore
	Services storage.ServiceRegistrationStore
	Trust    storage.TrustStore
	Reports  storage.ReportStore
	External storage.ExternalDVMStore
	Workflows storage.WorkflowStore

	Relays  []string
	Querier *RelayQuerier
	WM      *kv.WatermarkStore
	Log     *logger.Logger
}

func (d Deps) log(name string) *logger.Logger {
	if d.Log == nil {
		return logger.NewDefault("poller." + name)
	}
	return d.Log
}

// NewDVMResultsPoller reconciles incoming feedback (kind 7000) and result
// (kinds 6000-6999) events into local job rows, and attempts to advance
// any workflow whose current step the completing job belongs to.
func NewDVMResultsPoller(d Deps) *Poller {
	name := "dvm-results"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		open, err := d.Jobs.ListByStatus(ctx, job.StatusOpen)
		if err != nil {
			return since, 0, err
		}
		processing, err := d.Jobs.ListByStatus(ctx, job.StatusProcessing)
		if err != nil {
			return since, 0, err
		}
		requestIDs := uniqueRequestIDs(append(open, processing...))
		if len(requestIDs) == 0 {
			return since, 0, nil
		}

		filter := Filter{
			Kinds: append(kindRange(nostrevent.KindDVMResultMin, nostrevent.KindDVMResultMax), nostrevent.KindDVMFeedback),
			Tags:  map[string][]string{"#e": requestIDs},
			Since: since,
		}
		events := d.Querier.QueryAll(ctx, d.Relays, filter)
		processed := 0
		for _, evt := range events {
			if d.reconcileResultEvent(ctx, evt) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d Deps) reconcileResultEvent(ctx context.Context, evt nostrevent.Event) bool {
	requestEventID := evt.FirstTag("e")
	if requestEventID == "" {
		return false
	}
	rows, err := d.Jobs.ListByRequestEventID(ctx, requestEventID)
	if err != nil {
		return false
	}
	var pj *job.Job
	for i := range rows {
		if rows[i].Role == job.RoleProvider && rows[i].ProviderPubkey == evt.Pubkey {
			pj = &rows[i]
			break
		}
	}
	if pj == nil {
		return false
	}

	if evt.Kind == nostrevent.KindDVMFeedback {
		status := evt.FirstTag("status")
		if err := d.Engine.ReconcileFeedback(ctx, pj.ID, status, evt.Content); err != nil {
			return false
		}
		return true
	}

	amountMsats := parseAmountTag(evt.FirstTag("amount"))
	if err := d.Engine.ReconcileResult(ctx, jobengine.ReconcileResultInput{
		ProviderJobID: pj.ID, ResultEventID: evt.ID, Content: evt.Content,
		AmountSats: amountMsats / 1000, Bolt11: evt.FirstTag("bolt11"),
	}); err != nil {
		return false
	}
	d.advanceWorkflowFor(ctx, pj.ID, evt.Content)
	return true
}

// advanceWorkflowFor scans active workflows for a step whose JobID
// matches the just-completed provider job, advancing it if found. Errors
// are swallowed: a job can legitimately belong to no workflow.
func (d Deps) advanceWorkflowFor(ctx context.Context, jobID, output string) {
	if d.Workflows == nil {
		return
	}
	active, err := d.Workflows.ListActive(ctx)
	if err != nil {
		return
	}
	for _, wf := range active {
		step := wf.CurrentStep()
		if step == nil || step.JobID != jobID {
			continue
		}
		owner, err := d.Agents.Get(ctx, wf.UserID)
		if err != nil {
			return
		}
		encKey := signer.EncryptedKey{CiphertextB64: owner.EncryptedPrivateKey, IVB64: owner.PrivateKeyIV}
		_, _ = d.Engine.AdvanceWorkflow(ctx, wf.ID, owner.Pubkey, encKey, output)
		return
	}
}

// NewDVMRequestsPoller watches for new DVM request events from the
// network (as opposed to locally-posted ones) and creates provider job
// rows for every locally-registered service that can serve the kind.
func NewDVMRequestsPoller(d Deps) *Poller {
	name := "dvm-requests"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		kinds := kindRange(nostrevent.KindDVMRequestMin, nostrevent.KindDVMRequestMax)
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: kinds, Since: since})
		processed := 0
		for _, evt := range events {
			if d.reconcileExternalRequest(ctx, evt) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d Deps) reconcileExternalRequest(ctx context.Context, evt nostrevent.Event) bool {
	minZap := parseParamTag(evt, "min_zap_sats")
	created, err := d.Engine.ReconcileIncomingRequest(ctx, evt, minZap, firstInputTag(evt))
	if err != nil && created == 0 {
		return false
	}
	return created > 0
}

// NewExternalDVMPoller ingests kind-31990 handler-info announcements,
// upserting by (pubkey, d-tag), latest write wins. Runs without a since
// bound on its first tick, per the specification.
func NewExternalDVMPoller(d Deps) *Poller {
	name := "external-dvm"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		if _, ok, err := d.WM.Get(ctx, name); err == nil && !ok {
			since = 0
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{Kinds: []int{nostrevent.KindHandlerInfo}, Since: since})
		processed := 0
		for _, evt := range events {
			kinds := parseKTags(evt)
			if len(kinds) == 0 {
				continue
			}
			if err := d.External.Upsert(ctx, storage.ExternalDVM{
				Pubkey: evt.Pubkey, Kinds: kinds, Description: evt.Content, LastSeenAt: time.Unix(evt.CreatedAt, 0),
			}); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// NewTrustPoller ingests kind-30382 trust assertions, recording a
// declaration when the truster pubkey belongs to a local agent.
func NewTrustPoller(d Deps) *Poller {
	name := "trust"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		pubkeys, err := providerPubkeys(ctx, d.Services)
		if err != nil || len(pubkeys) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindTrustAssertion}, Tags: map[string][]string{"#p": pubkeys}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			truster, err := d.Agents.GetByPubkey(ctx, evt.Pubkey)
			if err != nil {
				continue
			}
			target := evt.FirstTag("p")
			if target == "" {
				continue
			}
			if err := d.Trust.Declare(ctx, trust.Declaration{
				TrusterUserID: truster.ID, TargetPubkey: target,
				Assertion: evt.FirstTag("assertion"), CreatedAt: time.Unix(evt.CreatedAt, 0),
			}); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// NewReportsPoller ingests kind-1984 moderation reports, inserting once
// per source event id (FileReport is itself idempotent on EventID).
func NewReportsPoller(d Deps) *Poller {
	name := "reports"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		pubkeys, err := providerPubkeys(ctx, d.Services)
		if err != nil || len(pubkeys) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindReport}, Tags: map[string][]string{"#p": pubkeys}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			target := evt.FirstTag("p")
			if target == "" {
				continue
			}
			if err := d.Trust.FileReport(ctx, trust.Report{
				EventID: evt.ID, ReporterPubkey: evt.Pubkey, TargetPubkey: target,
				ReportType: reportTypeTag(evt), CreatedAt: time.Unix(evt.CreatedAt, 0),
			}); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// NewReviewsPoller ingests kind-31117 reviews, matching the d-tag (the
// reviewed job's event id) to a local job row and inserting once per
// (job_id, reviewer).
func NewReviewsPoller(d Deps) *Poller {
	name := "reviews"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		pubkeys, err := providerPubkeys(ctx, d.Services)
		if err != nil || len(pubkeys) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindReview}, Tags: map[string][]string{"#p": pubkeys}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			jobEventID := evt.FirstTag("d")
			target := evt.FirstTag("p")
			if jobEventID == "" || target == "" {
				continue
			}
			pj, err := d.Jobs.GetByRequestEventID(ctx, jobEventID)
			jobID := jobEventID
			if err == nil {
				jobID = pj.ID
			}
			rating, _ := strconv.ParseFloat(evt.FirstTag("rating"), 64)
			if err := d.Reports.Record(ctx, report.Review{
				JobID: jobID, ReviewerPubkey: evt.Pubkey, TargetPubkey: target,
				Rating: rating, Role: evt.FirstTag("role"), Kind: evt.Kind, EventID: evt.ID,
				CreatedAt: time.Unix(evt.CreatedAt, 0),
			}); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// NewProviderZapsPoller ingests kind-9735 zap receipts against registered
// providers, parsing the embedded zap-request from the "description" tag
// with gjson (ad hoc field extraction, no full unmarshal needed) and
// adding the amount to the provider's cumulative total.
func NewProviderZapsPoller(d Deps) *Poller {
	name := "provider-zaps"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		pubkeys, err := providerPubkeys(ctx, d.Services)
		if err != nil || len(pubkeys) == 0 {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindZapReceipt}, Tags: map[string][]string{"#p": pubkeys}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			target := evt.FirstTag("p")
			if target == "" {
				continue
			}
			sats := zapReceiptSats(evt)
			if sats <= 0 {
				continue
			}
			svc, err := d.Services.Get(ctx, target)
			if err != nil {
				continue
			}
			svc.TotalZapReceivedSats += sats
			if err := d.Services.Upsert(ctx, svc); err == nil {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

// zapReceiptSats extracts the paid amount from a zap receipt: preferring
// the "amount" tag on the receipt itself (msats), falling back to the
// "amount" field of the bech32-free JSON embedded in the "description"
// tag (the original zap request), per the zap specification's two
// equally-valid encodings.
func zapReceiptSats(evt nostrevent.Event) int64 {
	if amt := evt.FirstTag("amount"); amt != "" {
		return parseAmountTag(amt) / 1000
	}
	desc := evt.FirstTag("description")
	if desc == "" {
		return 0
	}
	amount := gjson.Get(desc, `tags.#(0=="amount").1`)
	if amount.Exists() {
		return amount.Int() / 1000
	}
	return 0
}

func parseAmountTag(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseParamTag(evt nostrevent.Event, key string) int64 {
	for _, t := range evt.Tags {
		if t.Key() == "param" && len(t) >= 3 && t[1] == key {
			n, _ := strconv.ParseInt(t[2], 10, 64)
			return n
		}
	}
	return 0
}

func reportTypeTag(evt nostrevent.Event) string {
	for _, t := range evt.Tags {
		if t.Key() == "p" && len(t) >= 3 {
			return t[2]
		}
	}
	return "other"
}

func parseKTags(evt nostrevent.Event) []int {
	var out []int
	for _, v := range evt.AllTagValues("k") {
		if n, err := strconv.Atoi(v); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func firstInputTag(evt nostrevent.Event) string {
	for _, t := range evt.Tags {
		if t.Key() == "i" && len(t) >= 2 {
			return t[1]
		}
	}
	return ""
}

func kindRange(min, max int) []int {
	out := make([]int, 0, max-min+1)
	for k := min; k <= max; k++ {
		out = append(out, k)
	}
	return out
}

func uniqueRequestIDs(jobs []job.Job) []string {
	seen := make(map[string]bool)
	var out []string
	for _, j := range jobs {
		if j.RequestEventID != "" && !seen[j.RequestEventID] {
			seen[j.RequestEventID] = true
			out = append(out, j.RequestEventID)
		}
	}
	return out
}

func providerPubkeys(ctx context.Context, services storage.ServiceRegistrationStore) ([]string, error) {
	rows, err := services.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Pubkey
	}
	return out, nil
}
