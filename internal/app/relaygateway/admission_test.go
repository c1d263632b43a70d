package relaygateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

const testMasterKeyHex = "0101010101010101010101010101010101010101010101010101010101010101"

type testIdentity struct {
	s      *signer.Signer
	pubkey string
	enc    signer.EncryptedKey
}

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	s, err := signer.New(testMasterKeyHex)
	require.NoError(t, err)

	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)

	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	return testIdentity{s: s, pubkey: kp.PubkeyHex, enc: enc}
}

func TestAdmitRejectsUnknownKind(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.Note(id.enc, id.pubkey, "hello", "", nil)
	require.NoError(t, err)
	evt.Kind = 9999 // not whitelisted, not ephemeral, not replaceable

	res := Admit(evt, Config{})
	require.False(t, res.Accepted)
	require.Contains(t, res.Reason, "kind not allowed")
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.Deletion(id.enc, id.pubkey, []string{"some-event-id"})
	require.NoError(t, err)
	evt.Content = "tampered"

	res := Admit(evt, Config{})
	require.False(t, res.Accepted)
	require.Contains(t, res.Reason, "bad signature")
}

func TestAdmitRejectsFutureTimestamp(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.Sign(id.enc, id.pubkey, signer.Draft{
		Kind: nostrevent.KindDeletion, Content: "hi", CreatedAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	res := Admit(evt, Config{MaxFutureSkew: time.Minute})
	require.False(t, res.Accepted)
	require.Contains(t, res.Reason, "too far in future")
}

func TestAdmitBypassesPowAndZapGateForLocalAgents(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.Deletion(id.enc, id.pubkey, []string{"some-event-id"})
	require.NoError(t, err)

	res := Admit(evt, Config{
		MinPowBits:   32,
		IsLocalAgent: func(string) bool { return true },
	})
	require.True(t, res.Accepted)
}

func TestAdmitEnforcesPowForNonLocalEvents(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.Deletion(id.enc, id.pubkey, []string{"some-event-id"})
	require.NoError(t, err)

	res := Admit(evt, Config{MinPowBits: 255, IsLocalAgent: func(string) bool { return false }})
	require.False(t, res.Accepted)
	require.Contains(t, res.Reason, "pow:")
}

func TestAdmitRequiresZapReceiptForDVMRequests(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.DVMRequest(id.enc, id.pubkey, signer.DVMRequestOpts{Kind: 5100, Input: "do work"})
	require.NoError(t, err)

	res := Admit(evt, Config{
		MinPowBits:   0,
		IsLocalAgent: func(string) bool { return false },
		HasSeenZap:   func(string, string, int64) bool { return false },
	})
	require.False(t, res.Accepted)
	require.Contains(t, res.Reason, "zap-gate")
}

func TestAdmitAcceptsDVMResultsWithoutPowOrZap(t *testing.T) {
	id := newTestIdentity(t)
	evt, err := id.s.DVMResult(id.enc, id.pubkey, signer.DVMResultOpts{
		RequestKind: 5100, RequestEventID: "req-id", CustomerPubkey: "customer", Content: "r",
	})
	require.NoError(t, err)

	res := Admit(evt, Config{MinPowBits: 255, IsLocalAgent: func(string) bool { return false }})
	require.True(t, res.Accepted)
}
