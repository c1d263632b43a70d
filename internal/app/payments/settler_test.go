package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

const settlerTestMasterKey = "0202020202020202020202020202020202020202020202020202020202020202"

// fakeWalletConn simulates a relay that, once it sees an EVENT frame,
// replies to the subsequent REQ with a single encrypted pay_invoice
// success response.
type fakeWalletConn struct {
	key       [32]byte
	requestID string
	lastEvent nostrevent.Event
	preimage  string
	reads     int
	fail      bool
}

func (c *fakeWalletConn) WriteJSON(v any) error {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	if kind, _ := arr[0].(string); kind == "EVENT" {
		if evt, ok := arr[1].(nostrevent.Event); ok {
			c.requestID = evt.ID
			c.lastEvent = evt
		}
	}
	return nil
}

func (c *fakeWalletConn) ReadJSON(v any) error {
	c.reads++
	if c.fail {
		return context.DeadlineExceeded
	}
	body, _ := json.Marshal(rpcResponse{ResultType: "pay_invoice", Result: mustMarshal(payInvoiceResult{Preimage: c.preimage})})
	framed, err := encryptCBC(c.key, body)
	if err != nil {
		return err
	}
	respEvt := nostrevent.Event{ID: "resp-1", Kind: nostrevent.KindWalletRPCResponse, Content: framed}
	raw, _ := json.Marshal([]any{"EVENT", "wrpc-sub", respEvt})
	return json.Unmarshal(raw, v)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (c *fakeWalletConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeWalletConn) Close() error                    { return nil }

type fakeWalletDialer struct {
	conn *fakeWalletConn
}

func (d *fakeWalletDialer) Dial(context.Context, string) (RelayConn, error) { return d.conn, nil }

func newTestSettler(t *testing.T, conn *fakeWalletConn) (settler *Settler, enc signer.EncryptedKey, uri, clientPub string) {
	t.Helper()
	s, err := signer.New(settlerTestMasterKey)
	require.NoError(t, err)
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	enc, err = s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	_, walletPub := genXOnlyKeypair(t)
	clientPriv, clientPub := genXOnlyKeypair(t)
	key, err := sharedSecret(clientPriv, walletPub)
	require.NoError(t, err)
	conn.key = key

	uri = "nostr+walletconnect://" + walletPub + "?relay=wss://wallet.example&secret=" + clientPriv

	settler = New(s, &fakeWalletDialer{conn: conn}, nil, Config{}, nil)
	return settler, enc, uri, clientPub
}

func TestPayLegSucceedsOnDirectBolt11(t *testing.T) {
	conn := &fakeWalletConn{preimage: hex.EncodeToString([]byte("preimage-bytes-32-long-padding!!"))[:64]}
	settler, _, uri, clientPub := newTestSettler(t, conn)

	res := settler.payLeg(context.Background(), Leg{WalletURI: uri, Bolt11: "lnbc1..."})
	require.NoError(t, res.Err)
	require.Equal(t, conn.preimage, res.Preimage)

	// The wallet-RPC request must be authored and signed by the
	// wallet-connect client keypair embedded in the URI, not by the
	// customer's platform identity key (enc, unused here).
	require.Equal(t, clientPub, conn.lastEvent.Pubkey)
	require.True(t, signer.Verify(conn.lastEvent))
}

func TestPayLegReturnsAmbiguousTransientErrorOnTimeout(t *testing.T) {
	conn := &fakeWalletConn{fail: true}
	settler, _, uri, _ := newTestSettler(t, conn)

	res := settler.payLeg(context.Background(), Leg{WalletURI: uri, Bolt11: "lnbc1..."})
	require.Error(t, res.Err)
}

func TestSettlePaysProviderWhenNoFeeConfigured(t *testing.T) {
	conn := &fakeWalletConn{preimage: "provider-preimage"}
	settler, enc, uri, _ := newTestSettler(t, conn)
	settler.feePercent = 0 // no fee configured in this scenario

	preimage, feePaid, err := settler.Settle(context.Background(), enc, uri, 10000, "lnbc-provider", "")
	require.NoError(t, err)
	require.False(t, feePaid)
	require.Equal(t, "provider-preimage", preimage)
}
