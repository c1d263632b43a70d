// Package eventqueue delivers signed events to a set of gossip relays
// with at-least-once semantics. Its background consumer loop and backoff
// retry are grounded on the teacher's automation Scheduler
// (internal/app/services/automation/scheduler.go) and core.Retry
// (internal/app/core/service/retry.go); the WebSocket transport uses
// gorilla/websocket, already declared in the teacher's go.mod.
package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/system"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// RelayDialer opens a WebSocket connection to a relay URL. Extracted as an
// interface so tests can substitute an in-memory fake.
type RelayDialer interface {
	Dial(ctx context.Context, url string) (RelayConn, error)
}

// RelayConn is the minimal duplex connection the delivery algorithm needs.
type RelayConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type gorillaDialer struct{}

// NewGorillaDialer returns a RelayDialer backed by gorilla/websocket.
func NewGorillaDialer() RelayDialer { return gorillaDialer{} }

func (gorillaDialer) Dial(ctx context.Context, url string) (RelayConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct{ conn *websocket.Conn }

func (g *gorillaConn) WriteJSON(v any) error             { return g.conn.WriteJSON(v) }
func (g *gorillaConn) ReadJSON(v any) error               { return g.conn.ReadJSON(v) }
func (g *gorillaConn) SetReadDeadline(t time.Time) error  { return g.conn.SetReadDeadline(t) }
func (g *gorillaConn) Close() error                       { return g.conn.Close() }

var errNoRelayAccepted = errors.New("eventqueue: no relay accepted the event within its window")

// okFrame models the relay's ["OK", id, accepted, message] acknowledgement.
type okFrame struct {
	ID       string
	Accepted bool
	Message  string
}

func (f *okFrame) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 3 {
		return nil
	}
	_ = json.Unmarshal(raw[1], &f.ID)
	_ = json.Unmarshal(raw[2], &f.Accepted)
	if len(raw) >= 4 {
		_ = json.Unmarshal(raw[3], &f.Message)
	}
	return nil
}

// Queue is a durable FIFO of outbound events, drained by a single
// consumer goroutine that fans each event out to every configured relay.
type Queue struct {
	log         *logger.Logger
	dialer      RelayDialer
	relays      []string
	concurrency int
	perRelayTO  time.Duration
	retry       core.RetryPolicy

	mu      sync.Mutex
	pending []nostrevent.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify chan struct{}
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithConcurrency caps how many relay sends run in parallel per event.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.concurrency = n }
}

// WithPerRelayTimeout overrides the 10s default ack window.
func WithPerRelayTimeout(d time.Duration) Option {
	return func(q *Queue) { q.perRelayTO = d }
}

// WithRetryPolicy overrides the default exponential backoff.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// New creates a Queue targeting relays, using dialer for transport.
func New(dialer RelayDialer, relays []string, log *logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.NewDefault("eventqueue")
	}
	q := &Queue{
		log:         log,
		dialer:      dialer,
		relays:      relays,
		concurrency: 4,
		perRelayTO:  10 * time.Second,
		retry: core.RetryPolicy{
			Attempts:       5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
		},
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

var _ system.Service = (*Queue)(nil)

// Name identifies this service to the system manager.
func (q *Queue) Name() string { return "eventqueue" }

// Descriptor advertises this component's architectural placement.
func (q *Queue) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "eventqueue",
		Domain:       "relay",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"deliver", "retry"},
	}
}

// Enqueue appends events to the durable queue and returns once they are
// recorded; delivery happens asynchronously on the consumer goroutine.
func (q *Queue) Enqueue(events ...nostrevent.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, events...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				q.drainOnce(runCtx)
			case <-q.notify:
				q.drainOnce(runCtx)
			}
		}
	}()
	q.log.Info("event queue consumer started")
	return nil
}

// Stop cancels the consumer loop and waits for it to exit.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// drainOnce processes one FIFO batch: every event currently pending, in
// enqueue order, one at a time per the concurrency-cap-respecting
// delivery algorithm.
func (q *Queue) drainOnce(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, evt := range batch {
		evt := evt
		err := core.Retry(ctx, q.retry, func() error {
			return q.deliverOne(ctx, evt)
		})
		if err != nil {
			q.log.WithField("event_id", evt.ID).WithError(err).
				Warn("event delivery failed after retries, will redeliver on next enqueue batch")
			q.mu.Lock()
			q.pending = append(q.pending, evt)
			q.mu.Unlock()
		}
	}
}

// deliverOne fans evt.out to every relay, respecting the concurrency cap,
// and succeeds if at least one relay accepted within the per-relay
// window.
func (q *Queue) deliverOne(ctx context.Context, evt nostrevent.Event) error {
	limiter := core.NewLimiter(q.concurrency)
	results := make(chan bool, len(q.relays))
	var wg sync.WaitGroup
	for _, relay := range q.relays {
		relay := relay
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(ctx); err != nil {
				results <- false
				return
			}
			defer limiter.Release()
			results <- q.sendToRelay(ctx, relay, evt)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	accepted := false
	for ok := range results {
		if ok {
			accepted = true
		}
	}
	if !accepted {
		return errNoRelayAccepted
	}
	return nil
}

func (q *Queue) sendToRelay(ctx context.Context, relayURL string, evt nostrevent.Event) bool {
	dialCtx, cancel := context.WithTimeout(ctx, q.perRelayTO)
	defer cancel()

	conn, err := q.dialer.Dial(dialCtx, relayURL)
	if err != nil {
		q.log.WithField("relay", relayURL).WithError(err).Debug("relay dial failed")
		return false
	}
	defer conn.Close()

	if err := conn.WriteJSON([]any{"EVENT", evt}); err != nil {
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(q.perRelayTO))

	var frame okFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return false
	}
	return frame.Accepted
}
