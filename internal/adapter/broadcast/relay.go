// Package broadcast submits signed transactions and tracks their receipts.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"sherpa/internal/adapter"
)

// Relay talks to an HTTP transaction relayer that holds the delegated signing
// authority for session keys.
type Relay struct {
	host       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ adapter.Broadcaster = (*Relay)(nil)

func NewRelay(httpClient *http.Client, host, apiKey string, limiter *rate.Limiter) (*Relay, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, errors.New("broadcast: relay base url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Relay{host: host, apiKey: apiKey, httpClient: httpClient, limiter: limiter}, nil
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

type statusResponse struct {
	Status       string          `json:"status"`
	GasUsed      uint64          `json:"gas_used"`
	GasPriceGwei decimal.Decimal `json:"gas_price_gwei"`
	TokensOut    decimal.Decimal `json:"tokens_out"`
	GasCostUSD   decimal.Decimal `json:"gas_cost_usd"`
}

func (r *Relay) Submit(ctx context.Context, tx adapter.SignedTx) (adapter.Submission, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return adapter.Submission{}, &adapter.BroadcastError{Err: err}
	}
	raw, err := r.do(ctx, http.MethodPost, "/v1/transactions", body, tx.Digest)
	if err != nil {
		return adapter.Submission{}, classify(err)
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return adapter.Submission{}, &adapter.BroadcastError{Err: fmt.Errorf("decode submit response: %w", err)}
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return adapter.Submission{}, &adapter.BroadcastError{Err: errors.New("relayer returned empty tx hash")}
	}
	return adapter.Submission{TxHash: out.TxHash, SubmittedAt: time.Now().UTC()}, nil
}

func (r *Relay) Status(ctx context.Context, txHash string) (adapter.TxStatus, error) {
	if strings.TrimSpace(txHash) == "" {
		return adapter.TxStatus{}, errors.New("tx hash is required")
	}
	raw, err := r.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(txHash), nil, "")
	if err != nil {
		return adapter.TxStatus{}, err
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return adapter.TxStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	out := adapter.TxStatus{
		GasUsed:      resp.GasUsed,
		GasPriceGwei: resp.GasPriceGwei,
		TokensOut:    resp.TokensOut,
		GasCostUSD:   resp.GasCostUSD,
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "confirmed", "success", "mined":
		out.State = adapter.TxConfirmed
	case "reverted", "failed":
		out.State = adapter.TxReverted
	default:
		out.State = adapter.TxPending
	}
	return out, nil
}

func (r *Relay) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.host+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &adapter.HTTPError{Service: "relay", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// classify wraps transport failures and retryable statuses as transient.
func classify(err error) error {
	var he *adapter.HTTPError
	if errors.As(err, &he) {
		return &adapter.BroadcastError{Err: err, Transient: adapter.StatusTransient(he.StatusCode)}
	}
	if errors.Is(err, context.Canceled) {
		return &adapter.BroadcastError{Err: err}
	}
	return &adapter.BroadcastError{Err: err, Transient: true}
}
