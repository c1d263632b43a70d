package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
	"github.com/meshrelay/dvmcore/internal/app/domain/nostrevent"
	"github.com/meshrelay/dvmcore/internal/app/signer"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// walletRPCTimeout is the fixed ack window for a wallet-connect exchange.
const walletRPCTimeout = 15 * time.Second

// RelayConn is the minimal duplex connection a wallet-RPC round trip
// needs; shared shape with eventqueue.RelayConn but kept as its own
// interface so this package has no import-time dependency on eventqueue.
type RelayConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// RelayDialer opens a RelayConn to a relay URL.
type RelayDialer interface {
	Dial(ctx context.Context, url string) (RelayConn, error)
}

// AddressResolver resolves a Lightning payment address (or other
// name-based payment-address protocol identifier) to a bolt-11 invoice
// for a given amount, via the well-known HTTP callback dance.
type AddressResolver interface {
	ResolveInvoice(ctx context.Context, address string, amountMsats int64) (bolt11 string, err error)
}

// rpcRequest/rpcResponse are the wallet-RPC JSON payloads, encrypted
// before transmission and decrypted after receipt.
type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcResponse struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// Settler drives one or two wallet-connect payments per completed job.
type Settler struct {
	signer   *signer.Signer
	dialer   RelayDialer
	address  AddressResolver
	log      *logger.Logger

	feePercent     float64
	feeAddress     string
	feeWalletURI   string // platform's own wallet-connect URI, encrypted key decrypted by caller
}

// Config parameterizes the Settler with the platform fee policy.
type Config struct {
	FeePercent float64
	FeeAddress string
}

// New builds a Settler.
func New(s *signer.Signer, dialer RelayDialer, address AddressResolver, cfg Config, log *logger.Logger) *Settler {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return &Settler{signer: s, dialer: dialer, address: address, log: log, feePercent: cfg.FeePercent, feeAddress: cfg.FeeAddress}
}

// Leg describes one wallet-RPC payment attempt: either pay a supplied
// bolt11 directly or resolve one from a payment address first.
type Leg struct {
	WalletURI   string // wallet-connect URI of the paying party
	Bolt11      string // if set, paid as-is
	Address     string // else resolved to an invoice for AmountMsats
	AmountMsats int64
}

// Result is the outcome of a single leg.
type Result struct {
	Preimage string
	Err      error
}

// payLeg runs one wallet-RPC pay_invoice round trip.
func (s *Settler) payLeg(ctx context.Context, leg Leg) Result {
	uri, err := ParseWalletConnectURI(leg.WalletURI)
	if err != nil {
		return Result{Err: err}
	}

	invoice := leg.Bolt11
	if invoice == "" {
		if leg.Address == "" {
			return Result{Err: apperr.Validation("payment leg has neither bolt11 nor address")}
		}
		invoice, err = s.address.ResolveInvoice(ctx, leg.Address, leg.AmountMsats)
		if err != nil {
			return Result{Err: apperr.Gateway("resolve payment address", err)}
		}
	}

	key, err := sharedSecret(uri.ClientPrivHex, uri.WalletPubkeyHex)
	if err != nil {
		return Result{Err: err}
	}

	reqBody, _ := json.Marshal(rpcRequest{Method: "pay_invoice", Params: map[string]any{"invoice": invoice}})
	cipherContent, err := encryptCBC(key, reqBody)
	if err != nil {
		return Result{Err: err}
	}

	draft := signer.Draft{Kind: nostrevent.KindWalletRPCRequest, Content: cipherContent, Tags: []nostrevent.Tag{{"p", uri.WalletPubkeyHex}}}
	evt, err := signer.SignWithRawKey(uri.ClientPrivHex, draft)
	if err != nil {
		return Result{Err: apperr.Internal("sign wallet-rpc request", err)}
	}

	resp, err := s.roundTrip(ctx, uri.RelayURL, evt, key)
	if err != nil {
		return Result{Err: err} // may be apperr.CodeTransient: ambiguous, caller must not auto-retry
	}
	if resp.Error != nil {
		return Result{Err: apperr.Gateway(fmt.Sprintf("wallet rpc error %s: %s", resp.Error.Code, resp.Error.Message), nil)}
	}
	var payResult payInvoiceResult
	if err := json.Unmarshal(resp.Result, &payResult); err != nil {
		return Result{Err: apperr.Internal("decode pay_invoice result", err)}
	}
	return Result{Preimage: payResult.Preimage}
}

// roundTrip sends evt to relayURL, subscribes for the paired response kind
// tagged #e:<evt.ID>, and waits up to walletRPCTimeout. A timeout returns
// an ambiguous error distinguishable via apperr.CodeTransient so the caller
// never auto-retries.
func (s *Settler) roundTrip(ctx context.Context, relayURL string, evt nostrevent.Event, key [32]byte) (rpcResponse, error) {
	dialCtx, cancel := context.WithTimeout(ctx, walletRPCTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, relayURL)
	if err != nil {
		return rpcResponse{}, apperr.Gateway("dial wallet relay", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON([]any{"EVENT", evt}); err != nil {
		return rpcResponse{}, apperr.Gateway("publish wallet-rpc request", err)
	}
	subID := "wrpc-" + evt.ID[:8]
	filter := map[string]any{"kinds": []int{nostrevent.KindWalletRPCResponse}, "#e": []string{evt.ID}}
	if err := conn.WriteJSON([]any{"REQ", subID, filter}); err != nil {
		return rpcResponse{}, apperr.Gateway("subscribe for wallet-rpc response", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(walletRPCTimeout))

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return rpcResponse{}, apperr.Transient("wallet-rpc timed out waiting for response: payment outcome is ambiguous", err)
		}
		if len(frame) < 3 {
			continue
		}
		var frameType string
		_ = json.Unmarshal(frame[0], &frameType)
		if frameType != "EVENT" {
			continue
		}
		var respEvt nostrevent.Event
		if err := json.Unmarshal(frame[2], &respEvt); err != nil {
			continue
		}
		plain, err := decryptCBC(key, respEvt.Content)
		if err != nil {
			return rpcResponse{}, apperr.Internal("decrypt wallet-rpc response", err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(plain, &resp); err != nil {
			return rpcResponse{}, apperr.Internal("decode wallet-rpc response", err)
		}
		return resp, nil
	}
}

// Settle runs the fee-then-provider procedure described in the settlement
// protocol: the platform fee leg, if configured, must succeed before the
// provider leg is attempted. customerEncKey is accepted for interface
// stability with callers that identify the customer by their platform
// identity, but is not used to sign wallet-RPC requests: each leg's
// request is signed by the wallet-connect client keypair parsed out of
// its own connection URI, per the wallet-connect protocol, never by the
// customer's platform identity key.
func (s *Settler) Settle(ctx context.Context, customerEncKey signer.EncryptedKey, customerWalletURI string, payableMsats int64, providerBolt11, providerAddress string) (preimage string, feePaid bool, err error) {
	remaining := payableMsats
	if s.feePercent > 0 && s.feeAddress != "" {
		feeMsats := int64(float64(payableMsats) * s.feePercent / 100)
		if feeMsats > 0 {
			feeResult := s.payLeg(ctx, Leg{WalletURI: customerWalletURI, Address: s.feeAddress, AmountMsats: feeMsats})
			if feeResult.Err != nil {
				return "", false, wrapPreservingCode("platform fee payment failed, provider leg not attempted", feeResult.Err)
			}
			feePaid = true
			remaining -= feeMsats
		}
	}

	providerResult := s.payLeg(ctx, Leg{
		WalletURI: customerWalletURI, Bolt11: providerBolt11, Address: providerAddress, AmountMsats: remaining,
	})
	if providerResult.Err != nil {
		return "", feePaid, wrapPreservingCode("provider payment failed after fee leg succeeded: customer was charged the fee, job not completed", providerResult.Err)
	}
	return providerResult.Preimage, feePaid, nil
}

// wrapPreservingCode adds context to err without discarding its apperr
// taxonomy code — in particular CodeTransient (ambiguous wallet timeout)
// must survive so JobEngine can tell "leave job in result_available,
// do not retry" apart from an ordinary gateway failure.
func wrapPreservingCode(msg string, err error) error {
	if ae, ok := apperr.As(err); ok {
		return apperr.Wrap(ae.Code, msg, err)
	}
	return apperr.Internal(msg, err)
}
