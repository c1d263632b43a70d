package pollers

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/jobengine"
	"github.com/meshrelay/dvmcore/internal/app/kv"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// BoardEventEnqueuer is the subset of eventqueue.Queue the board pollers
// need to publish the board agent's own notes; declared locally so this
// package does not import eventqueue for a single method.
type BoardEventEnqueuer interface {
	Enqueue(events ...nostrevent.Event)
}

// BoardIntent maps a keyword found in an inbox message to the DVM
// request kind it should become. Matching is substring, case-
// insensitive, first match wins, in slice order.
type BoardIntent struct {
	Keyword string
	Kind    int
}

// BoardDeps bundles the dependencies the board-inbox/board-results
// pollers need. The board agent is itself a row in AgentStore (Role ==
// agent.RoleBoard); these pollers act as that agent's customer-side
// client, using jobengine.Engine exactly as any other customer would
// rather than duplicating its state-machine or settlement logic.
type BoardDeps struct {
	Engine *jobengine.Engine
	Jobs   storage.JobStore
	Agents storage.AgentStore
	Signer *signer.Signer
	Queue  BoardEventEnqueuer

	BoardUserID string
	MaxBidSats  int64
	Intents     []BoardIntent

	Relays  []string
	Querier *RelayQuerier
	WM      *kv.WatermarkStore
	Log     *logger.Logger

	dedup sync.Map // "author\x00input" -> time.Time last seen
}

func (d *BoardDeps) log(name string) *logger.Logger {
	if d.Log == nil {
		return logger.NewDefault("poller." + name)
	}
	return d.Log
}

// dedupWindow is how long a repeated (author, input) pair is ignored, per
// the board-inbox reconciliation rule. Held in process memory only: a
// restart within the window can re-admit a duplicate, an accepted
// tradeoff since downstream fan-out is itself idempotent per request
// event id.
const dedupWindow = 5 * time.Minute

// boardAgentRow resolves the board's own agent row, preferring the
// configured BoardUserID and falling back to the first agent.RoleBoard
// row found.
func (d *BoardDeps) boardAgentRow(ctx context.Context) (agent.Agent, error) {
	if d.BoardUserID != "" {
		return d.Agents.Get(ctx, d.BoardUserID)
	}
	rows, err := d.Agents.List(ctx)
	if err != nil {
		return agent.Agent{}, err
	}
	for _, a := range rows {
		if a.Role == agent.RoleBoard {
			return a, nil
		}
	}
	return agent.Agent{}, storage.ErrNotFound
}

func (d *BoardDeps) boardEncKey(board agent.Agent) signer.EncryptedKey {
	return signer.EncryptedKey{CiphertextB64: board.EncryptedPrivateKey, IVB64: board.PrivateKeyIV}
}

func (d *BoardDeps) boardWalletURI(board agent.Agent) string {
	if board.EncryptedNWCURI == "" {
		return ""
	}
	uri, err := d.Signer.DecryptSecret(signer.EncryptedKey{CiphertextB64: board.EncryptedNWCURI, IVB64: board.NWCURIIV})
	if err != nil {
		return ""
	}
	return uri
}

// NewBoardInboxPoller watches DMs, mentions, and zap receipts addressed
// to the board agent, parses an intent out of free-text content, and
// posts a DVM request on the requester's behalf.
func NewBoardInboxPoller(d *BoardDeps) *Poller {
	name := "board-inbox"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		board, err := d.boardAgentRow(ctx)
		if err != nil {
			return since, 0, err
		}
		events := d.Querier.QueryAll(ctx, d.Relays, Filter{
			Kinds: []int{nostrevent.KindDirectMessage, nostrevent.KindNote, nostrevent.KindZapReceipt},
			Tags:  map[string][]string{"#p": {board.Pubkey}}, Since: since,
		})
		processed := 0
		for _, evt := range events {
			if d.reconcileInboxEvent(ctx, board, evt) {
				processed++
			}
		}
		return maxCreatedAt(events, since), processed, nil
	}, d.log(name))
}

func (d *BoardDeps) reconcileInboxEvent(ctx context.Context, board agent.Agent, evt nostrevent.Event) bool {
	input := strings.TrimSpace(evt.Content)
	if input == "" {
		return false
	}
	key := evt.Pubkey + "\x00" + input
	if last, ok := d.dedup.Load(key); ok {
		if time.Since(last.(time.Time)) < dedupWindow {
			return false
		}
	}
	d.dedup.Store(key, time.Now())

	kind, ok := matchIntent(d.Intents, input)
	if !ok {
		return false
	}
	bid := d.MaxBidSats
	if bid <= 0 {
		bid = 1000
	}
	_, err := d.Engine.PostRequest(ctx, jobengine.PostRequestInput{
		CustomerUserID: board.ID, CustomerPubkey: board.Pubkey, CustomerEncKey: d.boardEncKey(board),
		Kind: kind, Input: input, BidSats: bid,
	})
	return err == nil
}

var wordBoundary = regexp.MustCompile(`\s+`)

func matchIntent(intents []BoardIntent, content string) (int, bool) {
	lower := strings.ToLower(wordBoundary.ReplaceAllString(content, " "))
	for _, in := range intents {
		if strings.Contains(lower, strings.ToLower(in.Keyword)) {
			return in.Kind, true
		}
	}
	return 0, false
}

// NewBoardResultsPoller is not a relay poll: it scans local customer job
// rows owned by the board agent that reached result_available, relays
// the result back to the original requester as a threaded note, and pays
// the provider when a bid was attached.
func NewBoardResultsPoller(d *BoardDeps) *Poller {
	name := "board-results"
	return New(name, 0, 0, d.WM, func(ctx context.Context, since int64) (int64, int, error) {
		board, err := d.boardAgentRow(ctx)
		if err != nil {
			return since, 0, err
		}
		rows, err := d.Jobs.ListByUser(ctx, board.ID, job.RoleCustomer)
		if err != nil {
			return since, 0, err
		}
		processed := 0
		newest := since
		for _, j := range rows {
			if j.Status != job.StatusResultAvailable {
				continue
			}
			if d.settleAndNotify(ctx, board, j) {
				processed++
				if t := j.UpdatedAt.Unix(); t > newest {
					newest = t
				}
			}
		}
		return newest, processed, nil
	}, d.log(name))
}

// settleAndNotify completes the job (Engine.Complete pays the provider
// only when the job has a non-zero payable amount, otherwise it simply
// marks the row completed) and relays the result back to the requester
// as a threaded note.
func (d *BoardDeps) settleAndNotify(ctx context.Context, board agent.Agent, j job.Job) bool {
	providerAddr := ""
	if provider, err := d.Agents.GetByPubkey(ctx, j.ProviderPubkey); err == nil {
		providerAddr = provider.LightningAddress
	}
	if _, err := d.Engine.Complete(ctx, jobengine.CompleteInput{
		CustomerJobID: j.ID, CustomerEncKey: d.boardEncKey(board),
		CustomerWalletURI: d.boardWalletURI(board), ProviderAddress: providerAddr,
	}); err != nil {
		d.log("board-results").WithError(err).Warn("board result payout failed, result not yet delivered")
		return false
	}

	evt, err := d.Signer.Note(d.boardEncKey(board), board.Pubkey, j.Output, j.RequestEventID, []string{j.CustomerPubkey})
	if err != nil {
		return false
	}
	d.Queue.Enqueue(evt)
	return true
}
