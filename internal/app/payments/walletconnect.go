// Package payments drives the PaymentSettler: resolving a completed job
// into one or two wallet-to-wallet transfers over the wallet-connect
// (NIP-47-like) relay protocol. ECDH key agreement and AES-CBC payload
// encryption are grounded on the Signer's secp256k1 usage
// (internal/app/signer/signer.go); key derivation from the raw ECDH point
// uses golang.org/x/crypto/hkdf rather than the raw shared point, since the
// teacher's go.mod already carries golang.org/x/crypto for similar
// key-derivation duties elsewhere in the pack.
package payments

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
)

// WalletConnectURI is the parsed form of
// "scheme://<wallet_pubkey>?relay=<url>&secret=<hex>".
type WalletConnectURI struct {
	WalletPubkeyHex string
	RelayURL        string
	ClientPrivHex   string
}

// ParseWalletConnectURI parses raw per the spec's wallet-connect URI shape.
func ParseWalletConnectURI(raw string) (WalletConnectURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return WalletConnectURI{}, apperr.Validation("malformed wallet-connect URI")
	}
	walletPubkey := u.Host
	if walletPubkey == "" {
		walletPubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if walletPubkey == "" {
		return WalletConnectURI{}, apperr.Validation("wallet-connect URI missing wallet pubkey")
	}
	relay := u.Query().Get("relay")
	secret := u.Query().Get("secret")
	if relay == "" || secret == "" {
		return WalletConnectURI{}, apperr.Validation("wallet-connect URI missing relay or secret")
	}
	return WalletConnectURI{WalletPubkeyHex: walletPubkey, RelayURL: relay, ClientPrivHex: secret}, nil
}

// sharedSecret derives a 32-byte AES key from the ECDH point between
// clientPriv and the wallet's x-only pubkey, via HKDF-SHA256. The wallet
// pubkey is x-only (32 bytes); the even-Y candidate is assumed, matching
// the Signer's own convention for x-only keys.
func sharedSecret(clientPrivHex, walletPubkeyHex string) ([32]byte, error) {
	var key [32]byte

	privBytes, err := hex.DecodeString(clientPrivHex)
	if err != nil || len(privBytes) != 32 {
		return key, apperr.Validation("malformed wallet-connect client secret")
	}
	priv := secp256k1.PrivKeyFromBytes(privBytes)
	defer priv.Zero()

	pubBytes, err := hex.DecodeString(walletPubkeyHex)
	if err != nil || len(pubBytes) != 32 {
		return key, apperr.Validation("malformed wallet pubkey")
	}
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], pubBytes)
	walletPub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return key, apperr.Gateway("ecdh: invalid wallet pubkey", err)
	}

	point := secp256k1.GenerateSharedSecret(priv, walletPub)

	h := hkdf.New(sha256.New, point, nil, []byte("meshrelay-wallet-connect"))
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return key, apperr.Internal("hkdf derive", err)
	}
	return key, nil
}

// encryptCBC encrypts plaintext under key with a fresh random 16-byte IV,
// returning base64-free "ciphertext?iv=<ivhex>" per NIP-04-style content
// framing (the fixed wallet-RPC wire convention named by the protocol
// this was modeled on).
func encryptCBC(key [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", apperr.Internal("aes cipher", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return "", apperr.Internal("read iv", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(ciphertext) + "?iv=" + hex.EncodeToString(iv), nil
}

func decryptCBC(key [32]byte, framed string) ([]byte, error) {
	parts := strings.SplitN(framed, "?iv=", 2)
	if len(parts) != 2 {
		return nil, apperr.Validation("malformed wallet-rpc ciphertext frame")
	}
	ciphertext, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, apperr.Validation("malformed wallet-rpc ciphertext hex")
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, apperr.Validation("malformed wallet-rpc iv hex")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Internal("aes cipher", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, apperr.Validation("wallet-rpc ciphertext not block-aligned")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("payments: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("payments: invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}
