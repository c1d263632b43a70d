package signer

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

func randomMasterKey(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hexEncode(buf)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

func TestSignThenVerify(t *testing.T) {
	s, err := New(randomMasterKey(t))
	require.NoError(t, err)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	evt, err := s.Note(enc, kp.PubkeyHex, "hello relay", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, evt.ID)
	require.True(t, Verify(evt), "produced event must verify")
}

func TestSignatureRandomnessDoesNotAffectID(t *testing.T) {
	s, err := New(randomMasterKey(t))
	require.NoError(t, err)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	draft := Draft{Kind: nostrevent.KindNote, Content: "fixed content"}
	draft.CreatedAt = time.Unix(1700000000, 0)

	evt1, err := s.Sign(enc, kp.PubkeyHex, draft)
	require.NoError(t, err)
	evt2, err := s.Sign(enc, kp.PubkeyHex, draft)
	require.NoError(t, err)

	require.Equal(t, evt1.ID, evt2.ID, "id must be deterministic on inputs")
	require.True(t, Verify(evt1))
	require.True(t, Verify(evt2))
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	s, err := New(randomMasterKey(t))
	require.NoError(t, err)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	evt, err := s.Note(enc, kp.PubkeyHex, "original", "", nil)
	require.NoError(t, err)

	tampered := evt
	tampered.Content = "tampered"
	require.False(t, Verify(tampered), "id no longer matches canonical content")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := New(randomMasterKey(t))
	require.NoError(t, err)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	got, err := DecryptPrivateKey(s.masterKey, enc)
	require.NoError(t, err)
	require.Equal(t, kp.PrivateKeyHex, got)
}

func TestDecryptFailsWithWrongMasterKey(t *testing.T) {
	s, err := New(randomMasterKey(t))
	require.NoError(t, err)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	enc, err := s.EncryptPrivateKey(kp.PrivateKeyHex)
	require.NoError(t, err)

	other, err := New(randomMasterKey(t))
	require.NoError(t, err)

	_, err = DecryptPrivateKey(other.masterKey, enc)
	require.Error(t, err)
}

func TestCountLeadingZeroBits(t *testing.T) {
	require.Equal(t, 8, CountLeadingZeroBits("00abcdef"))
	require.Equal(t, 0, CountLeadingZeroBits("ffffffff"))
	require.Equal(t, 4, CountLeadingZeroBits("0fffffff"))
	require.Equal(t, 5, CountLeadingZeroBits("07ffffff"))
}

func TestHexCharsForBits(t *testing.T) {
	require.Equal(t, 5, HexCharsForBits(20))
	require.Equal(t, 5, HexCharsForBits(17))
	require.Equal(t, 6, HexCharsForBits(21))
}
