// Package budget decides whether an autonomous action may spend, and
// debits session keys atomically when it may.
package budget

import (
	"time"

	"github.com/shopspring/decimal"

	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/risk"
)

type Verdict string

const (
	Allow           Verdict = "allow"
	Deny            Verdict = "deny"
	RequireApproval Verdict = "require_approval"
)

// Layers, in evaluation order.
const (
	LayerSystem     = "system"
	LayerSessionKey = "session_key"
	LayerRisk       = "risk"
	LayerApproval   = "approval"
)

// System policy rules.
const (
	RuleEmergencyStop      = "emergency_stop"
	RuleMaintenance        = "maintenance"
	RuleChainBlocked       = "chain_blocked"
	RuleChainNotAllowed    = "chain_not_allowed"
	RuleContractBlocked    = "contract_blocked"
	RuleTokenBlocked       = "token_blocked"
	RuleProtocolNotAllowed = "protocol_not_allowed"
	RuleSystemTxLimit      = "system_tx_limit"
)

// Session key rules.
const (
	RuleKeyMissing             = "session_key_missing"
	RuleKeyExpired             = "session_key_expired"
	RuleKeyRevoked             = "session_key_revoked"
	RuleKeyExhausted           = "session_key_exhausted"
	RuleActionNotPermitted     = "action_not_permitted"
	RuleChainNotAllowlisted    = "chain_not_allowlisted"
	RuleContractNotAllowlisted = "contract_not_allowlisted"
	RuleTokenNotAllowlisted    = "token_not_allowlisted"
	RulePerTxLimit             = "exceeds_per_tx_limit"
	RuleBudgetExceeded         = "budget_exceeded"
	RuleTxCountExceeded        = "tx_count_exceeded"
)

const RuleApprovalThreshold = "approval_threshold"

// Action is one proposed spend.
type Action struct {
	ExecutionID   string
	StrategyID    string
	WalletAddress string

	ActionType string
	ChainID    string
	FromToken  string
	ToToken    string
	Contract   string
	Protocol   string
	ValueUSD   decimal.Decimal

	SlippagePct  *decimal.Decimal
	GasCostUSD   decimal.Decimal
	LiquidityUSD *decimal.Decimal
	Exposure     risk.Exposure

	// AllowManualApproval lets a missing, expired or exhausted key fall back
	// to human approval instead of a denial.
	AllowManualApproval bool
	// Approved is set once a human approved this execution.
	Approved bool
}

type Decision struct {
	Verdict  Verdict  `json:"verdict"`
	Layer    string   `json:"layer,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// KeyWaived is true when an approved action proceeds without a usable key.
	KeyWaived bool `json:"key_waived,omitempty"`
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

func deny(layer, rule, msg string) Decision {
	return Decision{Verdict: Deny, Layer: layer, Rule: rule, Message: msg}
}

// Evaluate runs every layer in order and returns the first non-allow outcome.
// It has no side effects.
func Evaluate(a Action, key *models.SessionKey, riskPolicy *models.RiskPolicy, sys models.SystemPolicy, now time.Time) Decision {
	if d, ok := checkSystem(a, sys); !ok {
		return d
	}

	keyWaived := false
	if d, ok := checkKeyState(a, key, now); !ok {
		if d.Verdict == RequireApproval && a.Approved {
			keyWaived = true
		} else {
			return d
		}
	}
	if !keyWaived {
		if d, ok := checkKeyScope(a, key); !ok {
			return d
		}
	}

	res := risk.Check(riskPolicy, risk.Input{
		ValueUSD:     a.ValueUSD,
		SlippagePct:  a.SlippagePct,
		GasCostUSD:   a.GasCostUSD,
		LiquidityUSD: a.LiquidityUSD,
		Exposure:     a.Exposure,
	})
	if !res.Allowed() {
		d := deny(LayerRisk, res.Rule, res.Message)
		d.Warnings = res.Warnings
		return d
	}

	out := Decision{Verdict: Allow, Warnings: res.Warnings, KeyWaived: keyWaived}
	if keyWaived {
		out.Layer = LayerSessionKey
	}
	if !a.Approved && riskPolicy != nil && riskPolicy.Enabled && riskPolicy.RequireApprovalAboveUSD != nil &&
		riskPolicy.RequireApprovalAboveUSD.IsPositive() && a.ValueUSD.GreaterThanOrEqual(*riskPolicy.RequireApprovalAboveUSD) {
		out.Verdict = RequireApproval
		out.Layer = LayerApproval
		out.Rule = RuleApprovalThreshold
		out.Message = "value " + a.ValueUSD.StringFixed(2) + " reaches approval threshold " + riskPolicy.RequireApprovalAboveUSD.StringFixed(2)
	}
	return out
}

func checkSystem(a Action, sys models.SystemPolicy) (Decision, bool) {
	if sys.EmergencyStop {
		msg := "emergency stop active"
		if sys.EmergencyStopReason != "" {
			msg += ": " + sys.EmergencyStopReason
		}
		return deny(LayerSystem, RuleEmergencyStop, msg), false
	}
	if sys.InMaintenance {
		msg := "system in maintenance"
		if sys.MaintenanceMessage != "" {
			msg += ": " + sys.MaintenanceMessage
		}
		return deny(LayerSystem, RuleMaintenance, msg), false
	}
	if policy.Contains(sys.BlockedChains, a.ChainID) {
		return deny(LayerSystem, RuleChainBlocked, "chain "+a.ChainID+" is blocked"), false
	}
	if len(sys.AllowedChains) > 0 && !policy.Contains(sys.AllowedChains, a.ChainID) {
		return deny(LayerSystem, RuleChainNotAllowed, "chain "+a.ChainID+" is not allowed"), false
	}
	if a.Contract != "" && policy.Contains(sys.BlockedContracts, a.Contract) {
		return deny(LayerSystem, RuleContractBlocked, "contract "+a.Contract+" is blocked"), false
	}
	for _, tok := range []string{a.FromToken, a.ToToken} {
		if tok != "" && policy.Contains(sys.BlockedTokens, tok) {
			return deny(LayerSystem, RuleTokenBlocked, "token "+tok+" is blocked"), false
		}
	}
	if sys.ProtocolAllowlistEnabled && !policy.Contains(sys.AllowedProtocols, a.Protocol) {
		return deny(LayerSystem, RuleProtocolNotAllowed, "protocol "+a.Protocol+" is not allowed"), false
	}
	if sys.MaxSingleTxUSD != nil && sys.MaxSingleTxUSD.IsPositive() && a.ValueUSD.GreaterThan(*sys.MaxSingleTxUSD) {
		return deny(LayerSystem, RuleSystemTxLimit, "value "+a.ValueUSD.StringFixed(2)+" exceeds system limit "+sys.MaxSingleTxUSD.StringFixed(2)), false
	}
	return Decision{}, true
}

// checkKeyState covers the key's lifecycle. Missing, expired and exhausted
// keys fall back to approval when the strategy allows it; revoked never does.
func checkKeyState(a Action, key *models.SessionKey, now time.Time) (Decision, bool) {
	fallback := func(rule, msg string) (Decision, bool) {
		if a.AllowManualApproval {
			return Decision{Verdict: RequireApproval, Layer: LayerSessionKey, Rule: rule, Message: msg}, false
		}
		return deny(LayerSessionKey, rule, msg), false
	}
	if key == nil || (a.WalletAddress != "" && key.WalletAddress != a.WalletAddress) {
		return fallback(RuleKeyMissing, "no session key authorizes this wallet")
	}
	switch key.Status {
	case models.SessionKeyRevoked:
		msg := "session key revoked"
		if key.RevokeReason != "" {
			msg += ": " + key.RevokeReason
		}
		return deny(LayerSessionKey, RuleKeyRevoked, msg), false
	case models.SessionKeyExpired:
		return fallback(RuleKeyExpired, "session key expired")
	case models.SessionKeyExhausted:
		return fallback(RuleKeyExhausted, "session key budget exhausted")
	}
	if !now.Before(key.ExpiresAt) {
		return fallback(RuleKeyExpired, "session key expired")
	}
	if !key.RemainingUSD().IsPositive() || (key.MaxTransactions != nil && key.TransactionCount >= *key.MaxTransactions) {
		return fallback(RuleKeyExhausted, "session key budget exhausted")
	}
	return Decision{}, true
}

func checkKeyScope(a Action, key *models.SessionKey) (Decision, bool) {
	if !key.Permits(a.ActionType) {
		return deny(LayerSessionKey, RuleActionNotPermitted, "action "+a.ActionType+" not permitted by session key"), false
	}
	if len(key.ChainAllowlist) > 0 && !policy.Contains(key.ChainAllowlist, a.ChainID) {
		return deny(LayerSessionKey, RuleChainNotAllowlisted, "chain "+a.ChainID+" not in session key allowlist"), false
	}
	if len(key.ContractAllowlist) > 0 && !policy.Contains(key.ContractAllowlist, a.Contract) {
		return deny(LayerSessionKey, RuleContractNotAllowlisted, "contract "+a.Contract+" not in session key allowlist"), false
	}
	if len(key.TokenAllowlist) > 0 {
		for _, tok := range []string{a.FromToken, a.ToToken} {
			if tok != "" && !policy.Contains(key.TokenAllowlist, tok) {
				return deny(LayerSessionKey, RuleTokenNotAllowlisted, "token "+tok+" not in session key allowlist"), false
			}
		}
	}
	if key.MaxValuePerTxUSD.IsPositive() && a.ValueUSD.GreaterThan(key.MaxValuePerTxUSD) {
		return deny(LayerSessionKey, RulePerTxLimit, "value "+a.ValueUSD.StringFixed(2)+" exceeds per-tx limit "+key.MaxValuePerTxUSD.StringFixed(2)), false
	}
	if key.TotalValueUsedUSD.Add(a.ValueUSD).GreaterThan(key.MaxTotalValueUSD) {
		return deny(LayerSessionKey, RuleBudgetExceeded, "exceeds session budget: remaining "+key.RemainingUSD().StringFixed(2)), false
	}
	if key.MaxTransactions != nil && key.TransactionCount+1 > *key.MaxTransactions {
		return deny(LayerSessionKey, RuleTxCountExceeded, "session key transaction count exhausted"), false
	}
	return Decision{}, true
}
