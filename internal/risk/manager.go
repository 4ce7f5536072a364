package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sherpa/internal/adapter"
	"sherpa/internal/models"
	"sherpa/internal/repository"
)

// Rule codes produced by Check.
const (
	RuleTxLimit               = "risk_tx_limit"
	RuleDailyVolume           = "daily_volume_exceeded"
	RuleDailyLoss             = "daily_loss_exceeded"
	RuleSlippage              = "slippage_too_high"
	RuleGas                   = "gas_too_high"
	RuleLiquidity             = "insufficient_liquidity"
	RulePositionConcentration = "position_concentration"

	WarnSlippage = "slippage_warning"
	WarnGas      = "gas_warning"
)

var hundred = decimal.NewFromInt(100)

// Input is everything the per-wallet rules look at for one proposed action.
type Input struct {
	ValueUSD decimal.Decimal

	// Market data from the quote; nil when the quote did not report it.
	SlippagePct  *decimal.Decimal
	GasCostUSD   decimal.Decimal
	LiquidityUSD *decimal.Decimal

	Exposure Exposure
}

// Exposure is the wallet's activity today plus its optional portfolio view.
type Exposure struct {
	DailyVolumeUSD decimal.Decimal
	DailyLossUSD   decimal.Decimal
	// Nil when no portfolio provider is configured.
	PositionUSD  *decimal.Decimal
	PortfolioUSD *decimal.Decimal
}

type Result struct {
	Rule     string
	Message  string
	Warnings []string
}

func (r Result) Allowed() bool { return r.Rule == "" }

// Check applies policy to in. The first failing rule wins; warnings collect
// along the way. A nil or disabled policy allows everything.
func Check(policy *models.RiskPolicy, in Input) Result {
	var out Result
	if policy == nil || !policy.Enabled {
		return out
	}
	deny := func(rule, msg string) Result {
		out.Rule = rule
		out.Message = msg
		return out
	}
	if set(policy.MaxSingleTxUSD) && in.ValueUSD.GreaterThan(*policy.MaxSingleTxUSD) {
		return deny(RuleTxLimit, "value "+in.ValueUSD.StringFixed(2)+" exceeds wallet single-tx limit "+policy.MaxSingleTxUSD.StringFixed(2))
	}
	if set(policy.MaxDailyVolumeUSD) && in.Exposure.DailyVolumeUSD.Add(in.ValueUSD).GreaterThan(*policy.MaxDailyVolumeUSD) {
		return deny(RuleDailyVolume, "daily volume would reach "+in.Exposure.DailyVolumeUSD.Add(in.ValueUSD).StringFixed(2)+" of "+policy.MaxDailyVolumeUSD.StringFixed(2))
	}
	if set(policy.MaxDailyLossUSD) && in.Exposure.DailyLossUSD.GreaterThanOrEqual(*policy.MaxDailyLossUSD) {
		return deny(RuleDailyLoss, "daily loss "+in.Exposure.DailyLossUSD.StringFixed(2)+" reached limit "+policy.MaxDailyLossUSD.StringFixed(2))
	}
	if in.SlippagePct != nil {
		if set(policy.MaxSlippagePct) && in.SlippagePct.GreaterThan(*policy.MaxSlippagePct) {
			return deny(RuleSlippage, "slippage "+in.SlippagePct.StringFixed(2)+"% above "+policy.MaxSlippagePct.StringFixed(2)+"%")
		}
		if set(policy.WarnSlippagePct) && in.SlippagePct.GreaterThan(*policy.WarnSlippagePct) {
			out.Warnings = appendWarning(out.Warnings, WarnSlippage)
		}
	}
	if in.ValueUSD.IsPositive() && in.GasCostUSD.IsPositive() {
		gasPct := in.GasCostUSD.Div(in.ValueUSD).Mul(hundred)
		if set(policy.MaxGasPct) && gasPct.GreaterThan(*policy.MaxGasPct) {
			return deny(RuleGas, "gas is "+gasPct.StringFixed(2)+"% of value, limit "+policy.MaxGasPct.StringFixed(2)+"%")
		}
		if set(policy.WarnGasPct) && gasPct.GreaterThan(*policy.WarnGasPct) {
			out.Warnings = appendWarning(out.Warnings, WarnGas)
		}
	}
	if set(policy.MinLiquidityUSD) && in.LiquidityUSD != nil && in.LiquidityUSD.LessThan(*policy.MinLiquidityUSD) {
		return deny(RuleLiquidity, "pool liquidity "+in.LiquidityUSD.StringFixed(2)+" below "+policy.MinLiquidityUSD.StringFixed(2))
	}
	if set(policy.MaxPositionPct) && in.Exposure.PortfolioUSD != nil && in.Exposure.PortfolioUSD.IsPositive() {
		pos := decimal.Zero
		if in.Exposure.PositionUSD != nil {
			pos = *in.Exposure.PositionUSD
		}
		pct := pos.Add(in.ValueUSD).Div(in.Exposure.PortfolioUSD.Add(in.ValueUSD)).Mul(hundred)
		if pct.GreaterThan(*policy.MaxPositionPct) {
			return deny(RulePositionConcentration, "position would be "+pct.StringFixed(2)+"% of portfolio, limit "+policy.MaxPositionPct.StringFixed(2)+"%")
		}
	}
	return out
}

// set treats nil and non-positive limits as unset.
func set(v *decimal.Decimal) bool {
	return v != nil && v.IsPositive()
}

func appendWarning(items []string, warning string) []string {
	for _, it := range items {
		if it == warning {
			return items
		}
	}
	return append(items, warning)
}

// Manager loads exposures. Non-fresh reads are cached per wallet for a short
// window so planning-time checks stay cheap; reservation reads are always fresh.
type Manager struct {
	Repo      repository.Repository
	Portfolio adapter.PortfolioProvider
	Logger    *zap.Logger
	CacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cachedExposure
}

type cachedExposure struct {
	at  time.Time
	exp Exposure
}

func (m *Manager) Exposure(ctx context.Context, wallet, token string, now time.Time, fresh bool) (Exposure, error) {
	out := Exposure{DailyVolumeUSD: decimal.Zero, DailyLossUSD: decimal.Zero}
	if m == nil || m.Repo == nil {
		return out, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	wallet = strings.TrimSpace(wallet)
	key := wallet + "|" + strings.ToLower(strings.TrimSpace(token))
	ttl := m.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if !fresh {
		m.mu.Lock()
		if c, ok := m.cache[key]; ok && now.Sub(c.at) < ttl {
			m.mu.Unlock()
			return c.exp, nil
		}
		m.mu.Unlock()
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	act, err := m.Repo.SumWalletActivitySince(ctx, wallet, dayStart)
	if err != nil {
		return out, err
	}
	out.DailyVolumeUSD = act.VolumeUSD
	out.DailyLossUSD = act.LossUSD
	if m.Portfolio != nil && strings.TrimSpace(token) != "" {
		pos, total, err := m.Portfolio.Position(ctx, wallet, token)
		if err != nil {
			// Concentration is skipped rather than failing the whole check.
			if m.Logger != nil {
				m.Logger.Warn("risk: portfolio lookup failed", zap.String("wallet", wallet), zap.Error(err))
			}
		} else {
			out.PositionUSD = &pos
			out.PortfolioUSD = &total
		}
	}

	m.mu.Lock()
	if m.cache == nil {
		m.cache = map[string]cachedExposure{}
	}
	m.cache[key] = cachedExposure{at: now, exp: out}
	m.mu.Unlock()
	return out, nil
}
