// Package signer holds per-agent keypairs (private key encrypted at rest)
// and produces signed gossip-relay events. Schnorr signing and key
// generation are grounded on github.com/decred/dcrd/dcrec/secp256k1/v4,
// the one real secp256k1 implementation already present (indirectly) in
// the teacher's go.mod.
package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
)

// KeyPair is a freshly generated identity, with the private key still in
// plaintext (callers must encrypt it before persisting and must not retain
// the plaintext beyond that).
type KeyPair struct {
	PrivateKeyHex string
	PubkeyHex     string
}

// GenerateKeyPair creates a random secp256k1 keypair and derives the
// x-only (BIP340-style) public key the gossip protocol uses as identity.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, apperr.Internal("generate keypair", err)
	}
	return KeyPair{
		PrivateKeyHex: hex.EncodeToString(priv.Serialize()),
		PubkeyHex:     hex.EncodeToString(xOnlyPubkey(priv.PubKey())),
	}, nil
}

// xOnlyPubkey drops the compressed-form parity byte, leaving the 32-byte
// X coordinate the gossip protocol uses as an identity.
func xOnlyPubkey(pub *secp256k1.PublicKey) []byte {
	compressed := pub.SerializeCompressed()
	return compressed[1:]
}

// pubkeyFromXOnly reconstructs a full secp256k1 public key from its
// 32-byte X coordinate, assuming the even-Y candidate per BIP340
// convention.
func pubkeyFromXOnly(xOnly []byte) (*secp256k1.PublicKey, error) {
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], xOnly)
	return secp256k1.ParsePubKey(compressed)
}

// EncryptedKey is what is persisted in the agent table: ciphertext and IV,
// both base64.
type EncryptedKey struct {
	CiphertextB64 string
	IVB64         string
}

// EncryptPrivateKey encrypts privHex with masterKey (32 bytes) using
// AES-GCM with a fresh 96-bit IV.
func EncryptPrivateKey(masterKey [32]byte, privHex string) (EncryptedKey, error) {
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return EncryptedKey{}, apperr.Validation("malformed private key hex")
	}
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return EncryptedKey{}, apperr.Internal("aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedKey{}, apperr.Internal("gcm", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return EncryptedKey{}, apperr.Internal("read iv", err)
	}
	ciphertext := gcm.Seal(nil, iv, priv, nil)
	return EncryptedKey{
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		IVB64:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. A wrong master key
// surfaces as an *apperr.AppError with CodeInternal — an operational
// error, not a validation error, since the input shape was fine.
func DecryptPrivateKey(masterKey [32]byte, enc EncryptedKey) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.CiphertextB64)
	if err != nil {
		return "", apperr.Internal("malformed ciphertext", err)
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IVB64)
	if err != nil {
		return "", apperr.Internal("malformed iv", err)
	}
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return "", apperr.Internal("aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Internal("gcm", err)
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", apperr.Internal("decrypt private key: wrong master key or corrupt ciphertext", err)
	}
	return hex.EncodeToString(plain), nil
}

// EncryptSecret is EncryptPrivateKey generalized to an arbitrary secret
// string rather than hex-encoded key material (used for the wallet-
// connect URI an agent has on file).
func EncryptSecret(masterKey [32]byte, plaintext string) (EncryptedKey, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return EncryptedKey{}, apperr.Internal("aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedKey{}, apperr.Internal("gcm", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return EncryptedKey{}, apperr.Internal("read iv", err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return EncryptedKey{
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		IVB64:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(masterKey [32]byte, enc EncryptedKey) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.CiphertextB64)
	if err != nil {
		return "", apperr.Internal("malformed ciphertext", err)
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IVB64)
	if err != nil {
		return "", apperr.Internal("malformed iv", err)
	}
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return "", apperr.Internal("aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Internal("gcm", err)
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", apperr.Internal("decrypt secret: wrong master key or corrupt ciphertext", err)
	}
	return string(plain), nil
}

// Draft is the caller-supplied content of an event still awaiting id and
// signature.
type Draft struct {
	Kind      int
	Tags      []nostrevent.Tag
	Content   string
	CreatedAt time.Time
}

// Signer builds and signs events for a single master key domain. One
// Signer instance serves every agent; the per-agent secret is supplied at
// call time.
type Signer struct {
	masterKey [32]byte
}

// New builds a Signer from a 256-bit hex master key.
func New(masterKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, apperr.Internal("NOSTR_MASTER_KEY must be 64 hex chars (32 bytes)", err)
	}
	var mk [32]byte
	copy(mk[:], raw)
	return &Signer{masterKey: mk}, nil
}

// EncryptPrivateKey exposes the package-level helper bound to this
// Signer's master key.
func (s *Signer) EncryptPrivateKey(privHex string) (EncryptedKey, error) {
	return EncryptPrivateKey(s.masterKey, privHex)
}

// EncryptSecret exposes the package-level helper bound to this Signer's
// master key, for secrets other than a private key (e.g. a wallet-
// connect URI).
func (s *Signer) EncryptSecret(plaintext string) (EncryptedKey, error) {
	return EncryptSecret(s.masterKey, plaintext)
}

// DecryptSecret exposes the package-level helper bound to this Signer's
// master key.
func (s *Signer) DecryptSecret(enc EncryptedKey) (string, error) {
	return DecryptSecret(s.masterKey, enc)
}

// canonical builds the fixed 6-element serialization
// [0, pubkey, created_at, kind, tags, content] with no whitespace.
func canonical(pubkeyHex string, createdAt int64, kind int, tags []nostrevent.Tag, content string) ([]byte, error) {
	tagArr := make([][]string, len(tags))
	for i, t := range tags {
		tagArr[i] = []string(t)
	}
	arr := []any{0, pubkeyHex, createdAt, kind, tagArr, content}
	return json.Marshal(arr)
}

// signDraft canonicalizes and signs draft with priv, the shared core of
// Sign and SignWithRawKey.
func signDraft(priv *secp256k1.PrivateKey, pubkeyHex string, draft Draft) (nostrevent.Event, error) {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	createdAt := draft.CreatedAt.Unix()
	raw, err := canonical(pubkeyHex, createdAt, draft.Kind, draft.Tags, draft.Content)
	if err != nil {
		return nostrevent.Event{}, apperr.Internal("canonicalize event", err)
	}
	idSum := sha256.Sum256(raw)
	id := hex.EncodeToString(idSum[:])

	sig, err := schnorr.Sign(priv, idSum[:])
	if err != nil {
		return nostrevent.Event{}, apperr.Internal("schnorr sign", err)
	}

	return nostrevent.Event{
		ID:        id,
		Pubkey:    pubkeyHex,
		CreatedAt: createdAt,
		Kind:      draft.Kind,
		Tags:      draft.Tags,
		Content:   draft.Content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}

// Sign decrypts the agent's private key, canonicalizes and signs draft,
// and zeroes the plaintext key before returning. kind out of any known
// band is still accepted here — kind-range validation belongs to the
// caller (JobEngine et al.), which knows which bands are legal for which
// operation.
func (s *Signer) Sign(enc EncryptedKey, pubkeyHex string, draft Draft) (nostrevent.Event, error) {
	privHex, err := DecryptPrivateKey(s.masterKey, enc)
	if err != nil {
		return nostrevent.Event{}, err
	}
	privBytes, err := hex.DecodeString(privHex)
	defer zero(privBytes)
	if err != nil {
		return nostrevent.Event{}, apperr.Internal("malformed decrypted key", err)
	}
	priv := secp256k1.PrivKeyFromBytes(privBytes)
	defer priv.Zero()
	return signDraft(priv, pubkeyHex, draft)
}

// SignWithRawKey signs draft directly with privHex, deriving its x-only
// pubkey rather than decrypting an at-rest agent key. It exists for
// protocols where the signing secret is handed to us directly rather
// than held as a platform identity — e.g. the wallet-connect client
// keypair parsed out of a connection URI (NIP-47), which must sign its
// own wallet-RPC requests rather than borrow the caller's identity key.
func SignWithRawKey(privHex string, draft Draft) (nostrevent.Event, error) {
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		return nostrevent.Event{}, apperr.Validation("malformed raw private key hex")
	}
	defer zero(privBytes)
	priv := secp256k1.PrivKeyFromBytes(privBytes)
	defer priv.Zero()
	pubkeyHex := hex.EncodeToString(xOnlyPubkey(priv.PubKey()))
	return signDraft(priv, pubkeyHex, draft)
}

// Verify checks that evt.Sig is a valid Schnorr signature over evt.ID by
// evt.Pubkey, and that evt.ID matches the canonical serialization.
func Verify(evt nostrevent.Event) bool {
	raw, err := canonical(evt.Pubkey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content)
	if err != nil {
		return false
	}
	idSum := sha256.Sum256(raw)
	if hex.EncodeToString(idSum[:]) != evt.ID {
		return false
	}
	pubBytes, err := hex.DecodeString(evt.Pubkey)
	if err != nil || len(pubBytes) != 32 {
		return false
	}
	pub, err := pubkeyFromXOnly(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idSum[:], pub)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func validateKind(kind int) error {
	switch {
	case kind == nostrevent.KindMetadata, kind == nostrevent.KindNote,
		kind == nostrevent.KindContactList, kind == nostrevent.KindDeletion,
		kind == nostrevent.KindRepost, kind == nostrevent.KindReaction,
		kind == nostrevent.KindWorkflow, kind == nostrevent.KindSwarm,
		kind == nostrevent.KindDVMFeedback, kind == nostrevent.KindZapRequest,
		kind == nostrevent.KindZapReceipt, kind == nostrevent.KindReport,
		kind == nostrevent.KindEscrowResult, kind == nostrevent.KindHandlerInfo,
		kind == nostrevent.KindHeartbeat, kind == nostrevent.KindReview,
		kind == nostrevent.KindTrustAssertion:
		return nil
	case kind >= nostrevent.KindDVMRequestMin && kind <= nostrevent.KindDVMRequestMax:
		return nil
	case kind >= nostrevent.KindDVMResultMin && kind <= nostrevent.KindDVMResultMax:
		return nil
	default:
		return apperr.Validation(fmt.Sprintf("kind %d is not a recognized event class", kind))
	}
}
