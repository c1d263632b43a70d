package eventqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

// fakeConn answers every read with an OK frame whose accepted flag is
// f.accept; with fail set, WriteJSON returns an error.
type fakeConn struct {
	accept bool
	fail   bool
}

func (f *fakeConn) WriteJSON(v any) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeConn) ReadJSON(v any) error {
	frame, ok := v.(*okFrame)
	if !ok {
		return nil
	}
	frame.Accepted = f.accept
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) Close() error                    { return nil }

type fakeDialer struct {
	mu      sync.Mutex
	results map[string]bool // relay -> accept
	calls   int
}

func (d *fakeDialer) Dial(_ context.Context, url string) (RelayConn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return &fakeConn{accept: d.results[url]}, nil
}

func TestQueueDeliversWhenAtLeastOneRelayAccepts(t *testing.T) {
	dialer := &fakeDialer{results: map[string]bool{
		"wss://bad":  false,
		"wss://good": true,
	}}
	q := New(dialer, []string{"wss://bad", "wss://good"}, nil)

	evt := nostrevent.Event{ID: "abc", Kind: nostrevent.KindNote}
	err := q.deliverOne(context.Background(), evt)
	require.NoError(t, err)
}

func TestQueueFailsWhenNoRelayAccepts(t *testing.T) {
	dialer := &fakeDialer{results: map[string]bool{
		"wss://a": false,
		"wss://b": false,
	}}
	q := New(dialer, []string{"wss://a", "wss://b"}, nil)

	err := q.deliverOne(context.Background(), nostrevent.Event{ID: "x"})
	require.ErrorIs(t, err, errNoRelayAccepted)
}

func TestQueueRetriesOnFailureAndRedelivers(t *testing.T) {
	dialer := &fakeDialer{results: map[string]bool{"wss://only": false}}
	q := New(dialer, []string{"wss://only"}, nil, WithRetryPolicy(core.RetryPolicy{
		Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1,
	}))

	q.Enqueue(nostrevent.Event{ID: "retry-me"})
	q.drainOnce(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.pending, 1, "failed event must be requeued for a later batch")
}
