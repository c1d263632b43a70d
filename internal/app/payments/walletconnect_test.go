package payments

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func genXOnlyKeypair(t *testing.T) (privHex, pubHex string) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	compressed := priv.PubKey().SerializeCompressed()
	return hex.EncodeToString(priv.Serialize()), hex.EncodeToString(compressed[1:])
}

func TestParseWalletConnectURI(t *testing.T) {
	uri, err := ParseWalletConnectURI("nostr+walletconnect://abc123?relay=wss://relay.example&secret=deadbeef")
	require.NoError(t, err)
	require.Equal(t, "abc123", uri.WalletPubkeyHex)
	require.Equal(t, "wss://relay.example", uri.RelayURL)
	require.Equal(t, "deadbeef", uri.ClientPrivHex)
}

func TestParseWalletConnectURIRejectsMissingFields(t *testing.T) {
	_, err := ParseWalletConnectURI("nostr+walletconnect://abc123?relay=wss://relay.example")
	require.Error(t, err)
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	clientPriv, clientPub := genXOnlyKeypair(t)
	walletPriv, walletPub := genXOnlyKeypair(t)

	k1, err := sharedSecret(clientPriv, walletPub)
	require.NoError(t, err)
	k2, err := sharedSecret(walletPriv, clientPub)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "ECDH shared secret must agree from both sides")
}

func TestEncryptDecryptCBCRoundTrip(t *testing.T) {
	_, pub := genXOnlyKeypair(t)
	priv, _ := genXOnlyKeypair(t)
	key, err := sharedSecret(priv, pub)
	require.NoError(t, err)

	plain := []byte(`{"method":"pay_invoice","params":{"invoice":"lnbc1..."}}`)
	framed, err := encryptCBC(key, plain)
	require.NoError(t, err)

	got, err := decryptCBC(key, framed)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestDecryptCBCRejectsMalformedFrame(t *testing.T) {
	var key [32]byte
	_, err := decryptCBC(key, "not-a-valid-frame")
	require.Error(t, err)
}
