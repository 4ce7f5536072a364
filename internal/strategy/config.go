package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"sherpa/internal/models"
)

var ErrInvalidConfig = errors.New("invalid strategy config")

// Config is the kind-specific payload of a strategy.
type Config interface {
	Kind() models.StrategyKind
	Validate() error
	Intent() Intent
}

// Intent is what a single execution of a strategy tries to do.
type Intent struct {
	ActionType     string          `json:"action_type"`
	ChainID        string          `json:"chain_id"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	Contract       string          `json:"contract,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	MaxSlippageBps int             `json:"max_slippage_bps,omitempty"`
	// MinOut is the minimum acceptable output; zero when unconstrained.
	MinOut decimal.Decimal `json:"min_out"`
}

type DCAConfig struct {
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	ChainID        string          `json:"chain_id"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
}

func (DCAConfig) Kind() models.StrategyKind { return models.KindDCA }

func (c DCAConfig) Validate() error {
	if err := validatePair(c.ChainID, c.FromToken, c.ToToken); err != nil {
		return err
	}
	if err := validateAmount(c.AmountUSD); err != nil {
		return err
	}
	return validateSlippage(c.MaxSlippageBps)
}

func (c DCAConfig) Intent() Intent {
	return Intent{
		ActionType:     models.ActionSwap,
		ChainID:        c.ChainID,
		FromToken:      c.FromToken,
		ToToken:        c.ToToken,
		AmountUSD:      c.AmountUSD,
		MaxSlippageBps: c.MaxSlippageBps,
	}
}

type RebalanceTarget struct {
	Token     string          `json:"token"`
	WeightPct decimal.Decimal `json:"weight_pct"`
}

type RebalanceConfig struct {
	ChainID      string            `json:"chain_id"`
	Targets      []RebalanceTarget `json:"targets"`
	QuoteToken   string            `json:"quote_token"`
	ThresholdPct decimal.Decimal   `json:"threshold_pct"`
	AmountUSD    decimal.Decimal   `json:"amount_usd"`
}

func (RebalanceConfig) Kind() models.StrategyKind { return models.KindRebalance }

func (c RebalanceConfig) Validate() error {
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("%w: chain_id required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.QuoteToken) == "" {
		return fmt.Errorf("%w: quote_token required", ErrInvalidConfig)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("%w: targets required", ErrInvalidConfig)
	}
	sum := decimal.Zero
	seen := map[string]struct{}{}
	for _, t := range c.Targets {
		tok := strings.ToLower(strings.TrimSpace(t.Token))
		if tok == "" {
			return fmt.Errorf("%w: target token required", ErrInvalidConfig)
		}
		if _, dup := seen[tok]; dup {
			return fmt.Errorf("%w: duplicate target %s", ErrInvalidConfig, t.Token)
		}
		seen[tok] = struct{}{}
		if !t.WeightPct.IsPositive() {
			return fmt.Errorf("%w: target weight must be positive", ErrInvalidConfig)
		}
		sum = sum.Add(t.WeightPct)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: target weights sum to %s, want 100", ErrInvalidConfig, sum.String())
	}
	if c.ThresholdPct.IsNegative() {
		return fmt.Errorf("%w: threshold_pct must not be negative", ErrInvalidConfig)
	}
	return validateAmount(c.AmountUSD)
}

// Intent buys the heaviest target with the quote token. Ties go to the
// lexically smallest token so the choice is stable.
func (c RebalanceConfig) Intent() Intent {
	targets := append([]RebalanceTarget(nil), c.Targets...)
	sort.SliceStable(targets, func(i, j int) bool {
		if !targets[i].WeightPct.Equal(targets[j].WeightPct) {
			return targets[i].WeightPct.GreaterThan(targets[j].WeightPct)
		}
		return targets[i].Token < targets[j].Token
	})
	to := ""
	if len(targets) > 0 {
		to = targets[0].Token
	}
	return Intent{
		ActionType: models.ActionSwap,
		ChainID:    c.ChainID,
		FromToken:  c.QuoteToken,
		ToToken:    to,
		AmountUSD:  c.AmountUSD,
	}
}

type LimitOrderConfig struct {
	FromToken     string          `json:"from_token"`
	ToToken       string          `json:"to_token"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	ChainID       string          `json:"chain_id"`
	LimitPriceUSD decimal.Decimal `json:"limit_price_usd"`
}

func (LimitOrderConfig) Kind() models.StrategyKind { return models.KindLimitOrder }

func (c LimitOrderConfig) Validate() error {
	if err := validatePair(c.ChainID, c.FromToken, c.ToToken); err != nil {
		return err
	}
	if err := validateAmount(c.AmountUSD); err != nil {
		return err
	}
	if !c.LimitPriceUSD.IsPositive() {
		return fmt.Errorf("%w: limit_price_usd must be positive", ErrInvalidConfig)
	}
	return nil
}

// Intent enforces the limit through the minimum output.
func (c LimitOrderConfig) Intent() Intent {
	minOut := decimal.Zero
	if c.LimitPriceUSD.IsPositive() {
		minOut = c.AmountUSD.DivRound(c.LimitPriceUSD, 18)
	}
	return Intent{
		ActionType: models.ActionSwap,
		ChainID:    c.ChainID,
		FromToken:  c.FromToken,
		ToToken:    c.ToToken,
		AmountUSD:  c.AmountUSD,
		MinOut:     minOut,
	}
}

type CustomConfig struct {
	ChainID    string          `json:"chain_id"`
	FromToken  string          `json:"from_token"`
	ToToken    string          `json:"to_token"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	Contract   string          `json:"contract"`
	Protocol   string          `json:"protocol"`
	ActionType string          `json:"action_type"`
}

func (CustomConfig) Kind() models.StrategyKind { return models.KindCustom }

func (c CustomConfig) Validate() error {
	if err := validatePair(c.ChainID, c.FromToken, c.ToToken); err != nil {
		return err
	}
	if err := validateAmount(c.AmountUSD); err != nil {
		return err
	}
	switch c.actionType() {
	case models.ActionSwap, models.ActionTransfer, models.ActionApprove, models.ActionBridge:
	default:
		return fmt.Errorf("%w: unknown action_type %q", ErrInvalidConfig, c.ActionType)
	}
	return nil
}

func (c CustomConfig) actionType() string {
	at := strings.ToLower(strings.TrimSpace(c.ActionType))
	if at == "" {
		return models.ActionSwap
	}
	return at
}

func (c CustomConfig) Intent() Intent {
	return Intent{
		ActionType: c.actionType(),
		ChainID:    c.ChainID,
		FromToken:  c.FromToken,
		ToToken:    c.ToToken,
		AmountUSD:  c.AmountUSD,
		Contract:   c.Contract,
		Protocol:   c.Protocol,
	}
}

// Decode parses and validates raw for kind.
func Decode(kind models.StrategyKind, raw []byte) (Config, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty config", ErrInvalidConfig)
	}
	var (
		cfg Config
		err error
	)
	switch kind {
	case models.KindDCA:
		var c DCAConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.KindRebalance:
		var c RebalanceConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.KindLimitOrder:
		var c LimitOrderConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.KindCustom:
		var c CustomConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IntentOf decodes the strategy's config and returns its intent.
func IntentOf(s *models.Strategy) (Intent, error) {
	if s == nil {
		return Intent{}, fmt.Errorf("%w: nil strategy", ErrInvalidConfig)
	}
	cfg, err := Decode(s.Kind, s.Config)
	if err != nil {
		return Intent{}, err
	}
	return cfg.Intent(), nil
}

func validatePair(chain, from, to string) error {
	if strings.TrimSpace(chain) == "" {
		return fmt.Errorf("%w: chain_id required", ErrInvalidConfig)
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return fmt.Errorf("%w: from_token and to_token required", ErrInvalidConfig)
	}
	if strings.EqualFold(strings.TrimSpace(from), strings.TrimSpace(to)) {
		return fmt.Errorf("%w: from_token equals to_token", ErrInvalidConfig)
	}
	return nil
}

func validateAmount(v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: amount_usd must be positive", ErrInvalidConfig)
	}
	return nil
}

func validateSlippage(bps int) error {
	if bps < 0 || bps > 10000 {
		return fmt.Errorf("%w: max_slippage_bps out of range", ErrInvalidConfig)
	}
	return nil
}
