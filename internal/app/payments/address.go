package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meshrelay/dvmcore/internal/app/core/apperr"
)

// HTTPAddressResolver resolves a Lightning-address-style payment address
// (user@domain) to a bolt-11 invoice via the two-step well-known protocol:
// GET the well-known URL for the (min,max) sendable range and callback,
// then GET the callback with the target amount to receive the invoice.
type HTTPAddressResolver struct {
	client *http.Client
}

// NewHTTPAddressResolver builds a resolver with a bounded-timeout client.
func NewHTTPAddressResolver() *HTTPAddressResolver {
	return &HTTPAddressResolver{client: &http.Client{Timeout: 10 * time.Second}}
}

type addressMetadata struct {
	Callback   string `json:"callback"`
	MinSendable int64 `json:"minSendable"`
	MaxSendable int64 `json:"maxSendable"`
	Tag        string `json:"tag"`
}

type invoiceResponse struct {
	PR    string `json:"pr"`
	Error string `json:"reason"`
}

// ResolveInvoice implements AddressResolver.
func (r *HTTPAddressResolver) ResolveInvoice(ctx context.Context, address string, amountMsats int64) (string, error) {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 {
		return "", apperr.Validation(fmt.Sprintf("payment address %q is not a valid name@domain identifier", address))
	}
	wellKnown := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0])

	meta, err := r.fetchMetadata(ctx, wellKnown)
	if err != nil {
		return "", err
	}
	if amountMsats < meta.MinSendable || amountMsats > meta.MaxSendable {
		return "", apperr.Validation(fmt.Sprintf("amount %d msats outside payable range [%d, %d]", amountMsats, meta.MinSendable, meta.MaxSendable))
	}

	callbackURL, err := url.Parse(meta.Callback)
	if err != nil {
		return "", apperr.Gateway("malformed payment-address callback url", err)
	}
	q := callbackURL.Query()
	q.Set("amount", strconv.FormatInt(amountMsats, 10))
	callbackURL.RawQuery = q.Encode()

	inv, err := r.fetchInvoice(ctx, callbackURL.String())
	if err != nil {
		return "", err
	}
	return inv, nil
}

func (r *HTTPAddressResolver) fetchMetadata(ctx context.Context, wellKnown string) (addressMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return addressMetadata{}, apperr.Internal("build well-known request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return addressMetadata{}, apperr.Gateway("payment address well-known lookup failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return addressMetadata{}, apperr.Gateway(fmt.Sprintf("payment address well-known lookup returned %d", resp.StatusCode), nil)
	}
	var meta addressMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return addressMetadata{}, apperr.Gateway("malformed well-known response", err)
	}
	return meta, nil
}

func (r *HTTPAddressResolver) fetchInvoice(ctx context.Context, callbackURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL, nil)
	if err != nil {
		return "", apperr.Internal("build invoice callback request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperr.Gateway("payment address invoice callback failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apperr.Gateway(fmt.Sprintf("payment address invoice callback returned %d", resp.StatusCode), nil)
	}
	var inv invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return "", apperr.Gateway("malformed invoice callback response", err)
	}
	if inv.PR == "" {
		return "", apperr.Gateway("invoice callback returned no invoice: "+inv.Error, nil)
	}
	return inv.PR, nil
}
