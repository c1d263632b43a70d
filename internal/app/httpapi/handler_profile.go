package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/signer"
)

type registerRequest struct {
	Name string `json:"name"`
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

// register provisions a new agent identity: a fresh secp256k1 keypair
// (private key encrypted at rest) and a bearer API key, of which only the
// SHA-256 hash is ever persisted. The plaintext key is returned exactly
// once.
func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("name is required"))
		return
	}

	kp, err := signer.GenerateKeyPair()
	if err != nil {
		writeAppError(w, err)
		return
	}
	enc, err := h.deps.Signer.EncryptPrivateKey(kp.PrivateKeyHex)
	if err != nil {
		writeAppError(w, err)
		return
	}

	apiKey, err := randomAPIKey()
	if err != nil {
		writeAppError(w, apperr.Internal("generate api key", err))
		return
	}

	now := time.Now()
	a := agent.Agent{
		ID:                  uuid.NewString(),
		Username:            name,
		Pubkey:              kp.PubkeyHex,
		EncryptedPrivateKey: enc.CiphertextB64,
		PrivateKeyIV:        enc.IVB64,
		APIKeyHash:          HashAPIKey(apiKey),
		Role:                agent.RoleUser,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := h.deps.Agents.Create(r.Context(), a); err != nil {
		writeAppError(w, apperr.Internal("persist agent", err))
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: a.ID, Username: a.Username, APIKey: apiKey})
}

func randomAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

type profileResponse struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Handle           string `json:"handle"`
	NostrPubkey      string `json:"nostr_pubkey"`
	LightningAddress string `json:"lightning_address"`
	NWCEnabled       bool   `json:"nwc_enabled"`
}

func profileOf(a agent.Agent) profileResponse {
	return profileResponse{
		UserID: a.ID, Username: a.Username, Handle: a.Handle,
		NostrPubkey: a.Pubkey, LightningAddress: a.LightningAddress,
		NWCEnabled: a.NWCEnabled(),
	}
}

func (h *handler) getMe(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	writeJSON(w, http.StatusOK, profileOf(a))
}

type putMeRequest struct {
	Handle               *string `json:"handle"`
	LightningAddress     *string `json:"lightning_address"`
	NWCConnectionString  *string `json:"nwc_connection_string"`
}

func (h *handler) putMe(w http.ResponseWriter, r *http.Request) {
	a, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthorised)
		return
	}
	var req putMeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Handle != nil {
		a.Handle = strings.TrimSpace(*req.Handle)
	}
	if req.LightningAddress != nil {
		a.LightningAddress = strings.TrimSpace(*req.LightningAddress)
	}
	if req.NWCConnectionString != nil {
		uri := strings.TrimSpace(*req.NWCConnectionString)
		if uri == "" {
			a.EncryptedNWCURI, a.NWCURIIV = "", ""
		} else {
			enc, err := h.deps.Signer.EncryptSecret(uri)
			if err != nil {
				writeAppError(w, err)
				return
			}
			a.EncryptedNWCURI, a.NWCURIIV = enc.CiphertextB64, enc.IVB64
		}
	}
	a.UpdatedAt = time.Now()

	if err := h.deps.Agents.Update(r.Context(), a); err != nil {
		writeAppError(w, apperr.Internal("persist profile", err))
		return
	}
	writeJSON(w, http.StatusOK, profileOf(a))
}
