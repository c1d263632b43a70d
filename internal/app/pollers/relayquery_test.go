package pollers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/eventqueue"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

func randomMasterKeyHex(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range buf {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

func signedTestNote(t *testing.T, content string) nostrevent.Event {
	t.Helper()
	s, err := signer.New(randomMasterKeyHex(t))
	require.NoError(t, err)
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)
	evt, err := s.Note(enc, kp.PubkeyHex, content, "", nil)
	require.NoError(t, err)
	return evt
}

// scriptedConn replays a fixed sequence of REQ-response frames.
type scriptedConn struct {
	frames [][]any
	i      int
}

func (c *scriptedConn) WriteJSON(v any) error { return nil }

func (c *scriptedConn) ReadJSON(v any) error {
	if c.i >= len(c.frames) {
		return context.DeadlineExceeded
	}
	raw, err := json.Marshal(c.frames[c.i])
	c.i++
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *scriptedConn) SetReadDeadline(time.Time) error { return nil }
func (c *scriptedConn) Close() error                    { return nil }

type scriptedDialer struct {
	conns map[string]*scriptedConn
}

func (d *scriptedDialer) Dial(_ context.Context, url string) (eventqueue.RelayConn, error) {
	return d.conns[url], nil
}

func TestRelayQuerier_QueryCollectsUntilEOSE(t *testing.T) {
	evt := signedTestNote(t, "hello")
	evtJSON, err := json.Marshal(evt)
	require.NoError(t, err)

	conn := &scriptedConn{frames: [][]any{
		{"EVENT", "poll", json.RawMessage(evtJSON)},
		{"EOSE", "poll"},
	}}
	dialer := &scriptedDialer{conns: map[string]*scriptedConn{"wss://relay": conn}}

	q := NewRelayQuerier(dialer, nil)
	events, err := q.Query(context.Background(), "wss://relay", Filter{Kinds: []int{nostrevent.KindNote}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, evt.ID, events[0].ID)
}

func TestRelayQuerier_QueryAllDropsInvalidSignatures(t *testing.T) {
	valid := signedTestNote(t, "real")
	tampered := valid
	tampered.ID = "forged-id-0000000000000000000000000000000000000000000000000000"

	validJSON, _ := json.Marshal(valid)
	tamperedJSON, _ := json.Marshal(tampered)

	connA := &scriptedConn{frames: [][]any{
		{"EVENT", "poll", json.RawMessage(validJSON)},
		{"EOSE", "poll"},
	}}
	connB := &scriptedConn{frames: [][]any{
		{"EVENT", "poll", json.RawMessage(tamperedJSON)},
		{"EOSE", "poll"},
	}}
	dialer := &scriptedDialer{conns: map[string]*scriptedConn{
		"wss://a": connA,
		"wss://b": connB,
	}}

	q := NewRelayQuerier(dialer, nil)
	events := q.QueryAll(context.Background(), []string{"wss://a", "wss://b"}, Filter{})
	require.Len(t, events, 1, "the event with a signature that no longer matches its id must be dropped")
	require.Equal(t, valid.ID, events[0].ID)
}

func TestRelayQuerier_QueryAllDedupesAcrossRelays(t *testing.T) {
	evt := signedTestNote(t, "shared")
	evtJSON, _ := json.Marshal(evt)

	frames := [][]any{
		{"EVENT", "poll", json.RawMessage(evtJSON)},
		{"EOSE", "poll"},
	}
	dialer := &scriptedDialer{conns: map[string]*scriptedConn{
		"wss://a": {frames: frames},
		"wss://b": {frames: frames},
	}}

	q := NewRelayQuerier(dialer, nil)
	events := q.QueryAll(context.Background(), []string{"wss://a", "wss://b"}, Filter{})
	require.Len(t, events, 1)
}
