// Package adapter declares the narrow interfaces the autopilot core uses to
// reach quotes, signing, broadcasting and notification channels.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type QuoteRequest struct {
	ChainID        string          `json:"chain_id"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	MaxSlippageBps int             `json:"max_slippage_bps,omitempty"`
}

type Quote struct {
	Provider       string          `json:"provider"`
	ExpectedOut    decimal.Decimal `json:"expected_out"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	PriceImpactBps int             `json:"price_impact_bps"`
	Route          []string        `json:"route"`
	LiquidityUSD   decimal.Decimal `json:"liquidity_usd"`
	GasCostUSD     decimal.Decimal `json:"gas_cost_usd"`
	Protocol       string          `json:"protocol"`
	Contract       string          `json:"contract"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// SlippagePct is the price impact expressed in percent.
func (q Quote) SlippagePct() decimal.Decimal {
	return decimal.NewFromInt(int64(q.PriceImpactBps)).Div(decimal.NewFromInt(100))
}

type QuoteProvider interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// TxRequest is an unsigned transaction built from a quote.
type TxRequest struct {
	ExecutionID   string          `json:"execution_id"`
	WalletAddress string          `json:"wallet_address"`
	SessionKeyID  string          `json:"session_key_id,omitempty"`
	ChainID       string          `json:"chain_id"`
	ActionType    string          `json:"action_type"`
	FromToken     string          `json:"from_token"`
	ToToken       string          `json:"to_token"`
	Contract      string          `json:"contract"`
	Protocol      string          `json:"protocol"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	ExpectedOut   decimal.Decimal `json:"expected_out"`
	MinOut        decimal.Decimal `json:"min_out"`
}

type SignedTx struct {
	TxRequest
	Signer string `json:"signer"`
	// Digest identifies the payload; relayers use it as an idempotency key.
	Digest    string `json:"digest"`
	Signature string `json:"signature,omitempty"`
}

type Signer interface {
	Sign(ctx context.Context, req TxRequest) (SignedTx, error)
}

type Submission struct {
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
)

type TxStatus struct {
	State        TxState         `json:"state"`
	GasUsed      uint64          `json:"gas_used"`
	GasPriceGwei decimal.Decimal `json:"gas_price_gwei"`
	TokensOut    decimal.Decimal `json:"tokens_out"`
	// GasCostUSD is the realized fee when the relayer reports it.
	GasCostUSD decimal.Decimal `json:"gas_cost_usd"`
}

type Broadcaster interface {
	Submit(ctx context.Context, tx SignedTx) (Submission, error)
	Status(ctx context.Context, txHash string) (TxStatus, error)
}

type Notification struct {
	Event         string    `json:"event"`
	Level         string    `json:"level"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	StrategyID    string    `json:"strategy_id,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	At            time.Time `json:"at"`
}

// Text renders the notification for chat channels.
func (n Notification) Text() string {
	if n.Title == "" {
		return n.Message
	}
	if n.Message == "" {
		return n.Title
	}
	return n.Title + "\n" + n.Message
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PortfolioProvider reports a wallet's position in token and its total value.
type PortfolioProvider interface {
	Position(ctx context.Context, wallet, token string) (positionUSD, portfolioUSD decimal.Decimal, err error)
}

// HTTPError is a non-2xx response from an upstream service.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Service, e.StatusCode, e.Body)
}

// BroadcastError marks whether a failed submission may be retried.
type BroadcastError struct {
	Err       error
	Transient bool
}

func (e *BroadcastError) Error() string {
	if e.Err == nil {
		return "broadcast failed"
	}
	return "broadcast failed: " + e.Err.Error()
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a BroadcastError worth retrying.
func IsTransient(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Transient
}

// StatusTransient classifies upstream HTTP statuses that are worth retrying.
func StatusTransient(code int) bool {
	return code == 408 || code == 425 || code == 429 || code >= 500
}
