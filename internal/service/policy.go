package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sherpa/internal/adapter"
	"sherpa/internal/adapter/notify"
	"sherpa/internal/audit"
	"sherpa/internal/events"
	"sherpa/internal/models"
	"sherpa/internal/repository"
)

// PolicyStatus is the policy view of the system and, when a wallet is given,
// of that wallet's delegations.
type PolicyStatus struct {
	// Halted is true while no autonomous execution may spend.
	Halted bool   `json:"halted"`
	Banner string `json:"banner,omitempty"`

	System           models.SystemPolicy `json:"system"`
	Risk             *models.RiskPolicy  `json:"risk,omitempty"`
	SessionKeys      []SessionKeyStatus  `json:"session_keys,omitempty"`
	PendingApprovals int                 `json:"pending_approvals"`
	NeedsReview      int                 `json:"needs_review"`
}

type SessionKeyStatus struct {
	ID                    string                  `json:"id"`
	Status                models.SessionKeyStatus `json:"status"`
	Usable                bool                    `json:"usable"`
	RemainingUSD          decimal.Decimal         `json:"remaining_usd" swaggertype:"string"`
	TransactionsRemaining *int                    `json:"transactions_remaining,omitempty"`
	ExpiresAt             time.Time               `json:"expires_at"`
}

// GetPolicyStatus reports the system banner plus, for wallet, its risk policy,
// its session keys and how many executions wait on a human.
func (s *AutopilotService) GetPolicyStatus(ctx context.Context, wallet string) (PolicyStatus, error) {
	var out PolicyStatus
	sys, err := s.Policies.System(ctx)
	if err != nil {
		return out, err
	}
	out.System = sys
	switch {
	case sys.EmergencyStop:
		out.Halted = true
		out.Banner = "Emergency stop active"
		if sys.EmergencyStopReason != "" {
			out.Banner += ": " + sys.EmergencyStopReason
		}
	case sys.InMaintenance:
		out.Halted = true
		out.Banner = "Maintenance"
		if sys.MaintenanceMessage != "" {
			out.Banner += ": " + sys.MaintenanceMessage
		}
	}

	wallet = strings.TrimSpace(wallet)
	if wallet == "" || s.Repo == nil {
		return out, nil
	}
	if out.Risk, err = s.Policies.Risk(ctx, wallet); err != nil {
		return out, err
	}
	keys, err := s.Repo.ListSessionKeys(ctx, repository.ListSessionKeysParams{WalletAddress: &wallet, Limit: 100})
	if err != nil {
		return out, err
	}
	now := s.clock()
	for i := range keys {
		k := &keys[i]
		ks := SessionKeyStatus{
			ID:           k.ID,
			Status:       k.Status,
			Usable:       k.Usable(now),
			RemainingUSD: k.RemainingUSD(),
			ExpiresAt:    k.ExpiresAt,
		}
		if k.Status == models.SessionKeyActive && !now.Before(k.ExpiresAt) {
			ks.Status = models.SessionKeyExpired
		}
		if k.MaxTransactions != nil {
			left := *k.MaxTransactions - k.TransactionCount
			if left < 0 {
				left = 0
			}
			ks.TransactionsRemaining = &left
		}
		out.SessionKeys = append(out.SessionKeys, ks)
	}
	awaiting := models.StateAwaitingApproval
	pending, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{WalletAddress: &wallet, State: &awaiting, Limit: 500})
	if err != nil {
		return out, err
	}
	out.PendingApprovals = len(pending)
	review := true
	flagged, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{WalletAddress: &wallet, NeedsReview: &review, Limit: 500})
	if err != nil {
		return out, err
	}
	out.NeedsReview = len(flagged)
	return out, nil
}

// SystemPolicyUpdate changes only the fields that are set. The emergency
// stop has its own operation.
type SystemPolicyUpdate struct {
	InMaintenance            *bool            `json:"in_maintenance,omitempty"`
	MaintenanceMessage       *string          `json:"maintenance_message,omitempty"`
	BlockedChains            *[]string        `json:"blocked_chains,omitempty"`
	AllowedChains            *[]string        `json:"allowed_chains,omitempty"`
	BlockedContracts         *[]string        `json:"blocked_contracts,omitempty"`
	BlockedTokens            *[]string        `json:"blocked_tokens,omitempty"`
	ProtocolAllowlistEnabled *bool            `json:"protocol_allowlist_enabled,omitempty"`
	AllowedProtocols         *[]string        `json:"allowed_protocols,omitempty"`
	MaxSingleTxUSD           *decimal.Decimal `json:"max_single_tx_usd,omitempty" swaggertype:"string"`
}

func (s *AutopilotService) UpdateSystemPolicy(ctx context.Context, in SystemPolicyUpdate, actor string) (models.SystemPolicy, error) {
	if in.MaxSingleTxUSD != nil && in.MaxSingleTxUSD.IsNegative() {
		return models.SystemPolicy{}, invalid("max_single_tx_usd must not be negative")
	}
	before, err := s.Policies.System(ctx)
	if err != nil {
		return models.SystemPolicy{}, err
	}
	next, err := s.Policies.UpdateSystem(ctx, actorOr(actor), func(p *models.SystemPolicy) {
		if in.InMaintenance != nil {
			p.InMaintenance = *in.InMaintenance
		}
		if in.MaintenanceMessage != nil {
			p.MaintenanceMessage = strings.TrimSpace(*in.MaintenanceMessage)
		}
		setList((*[]string)(&p.BlockedChains), in.BlockedChains)
		setList((*[]string)(&p.AllowedChains), in.AllowedChains)
		setList((*[]string)(&p.BlockedContracts), in.BlockedContracts)
		setList((*[]string)(&p.BlockedTokens), in.BlockedTokens)
		setList((*[]string)(&p.AllowedProtocols), in.AllowedProtocols)
		if in.ProtocolAllowlistEnabled != nil {
			p.ProtocolAllowlistEnabled = *in.ProtocolAllowlistEnabled
		}
		if in.MaxSingleTxUSD != nil {
			if in.MaxSingleTxUSD.IsZero() {
				p.MaxSingleTxUSD = nil
			} else {
				v := *in.MaxSingleTxUSD
				p.MaxSingleTxUSD = &v
			}
		}
	})
	if err != nil {
		return models.SystemPolicy{}, err
	}
	s.Audit.Record(ctx, audit.Entry(models.AuditPolicy, "system", "", "update_system", "updated", "", actorOr(actor),
		map[string]any{"maintenance": next.InMaintenance, "was_maintenance": before.InMaintenance}))
	s.Events.Emit(ctx, events.Event{Type: events.TypePolicy, Trigger: "update_system", Actor: actorOr(actor)})
	return next, nil
}

func setList(dst *[]string, src *[]string) {
	if src == nil {
		return
	}
	*dst = append([]string(nil), (*src)...)
}

// SetEmergencyStop toggles the kill switch. Every gating decision made after
// this returns sees the new value in this process.
func (s *AutopilotService) SetEmergencyStop(ctx context.Context, on bool, reason, actor string) (models.SystemPolicy, error) {
	reason = strings.TrimSpace(reason)
	if on && reason == "" {
		return models.SystemPolicy{}, invalid("reason required to stop")
	}
	before, err := s.Policies.System(ctx)
	if err != nil {
		return models.SystemPolicy{}, err
	}
	next, err := s.Policies.SetEmergencyStop(ctx, on, reason, actorOr(actor))
	if err != nil {
		return models.SystemPolicy{}, err
	}
	outcome := "off"
	if on {
		outcome = "on"
	}
	s.Audit.Record(ctx, audit.Entry(models.AuditPolicy, "system", "", "emergency_stop", outcome, "", actorOr(actor),
		map[string]any{"reason": reason}))
	s.Events.Emit(ctx, events.Event{Type: events.TypePolicy, Trigger: "emergency_stop_" + outcome, Actor: actorOr(actor)})
	if before.EmergencyStop != on {
		n := adapter.Notification{
			Event:   notify.EventEmergencyStop,
			Level:   "info",
			Title:   "Emergency stop lifted",
			Message: "Autonomous executions resumed by " + actorOr(actor),
		}
		if on {
			n.Level = "error"
			n.Title = "Emergency stop engaged"
			n.Message = reason + " (" + actorOr(actor) + ")"
		}
		s.notify(ctx, n)
	}
	return next, nil
}

// RiskPolicyInput mirrors models.RiskPolicy without storage fields. Nil or
// zero limits are unset.
type RiskPolicyInput struct {
	MaxPositionPct          *decimal.Decimal `json:"max_position_pct,omitempty" swaggertype:"string"`
	MaxDailyVolumeUSD       *decimal.Decimal `json:"max_daily_volume_usd,omitempty" swaggertype:"string"`
	MaxDailyLossUSD         *decimal.Decimal `json:"max_daily_loss_usd,omitempty" swaggertype:"string"`
	MaxSingleTxUSD          *decimal.Decimal `json:"max_single_tx_usd,omitempty" swaggertype:"string"`
	RequireApprovalAboveUSD *decimal.Decimal `json:"require_approval_above_usd,omitempty" swaggertype:"string"`
	WarnSlippagePct         *decimal.Decimal `json:"warn_slippage_pct,omitempty" swaggertype:"string"`
	MaxSlippagePct          *decimal.Decimal `json:"max_slippage_pct,omitempty" swaggertype:"string"`
	WarnGasPct              *decimal.Decimal `json:"warn_gas_pct,omitempty" swaggertype:"string"`
	MaxGasPct               *decimal.Decimal `json:"max_gas_pct,omitempty" swaggertype:"string"`
	MinLiquidityUSD         *decimal.Decimal `json:"min_liquidity_usd,omitempty" swaggertype:"string"`
	Enabled                 *bool            `json:"enabled,omitempty"`
}

var hundred = decimal.NewFromInt(100)

func (s *AutopilotService) UpsertRiskPolicy(ctx context.Context, wallet string, in RiskPolicyInput, actor string) (*models.RiskPolicy, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, invalid("wallet required")
	}
	item := &models.RiskPolicy{WalletAddress: wallet, Enabled: true}
	if in.Enabled != nil {
		item.Enabled = *in.Enabled
	}
	fields := []struct {
		name string
		src  *decimal.Decimal
		dst  **decimal.Decimal
		pct  bool
	}{
		{"max_position_pct", in.MaxPositionPct, &item.MaxPositionPct, true},
		{"max_daily_volume_usd", in.MaxDailyVolumeUSD, &item.MaxDailyVolumeUSD, false},
		{"max_daily_loss_usd", in.MaxDailyLossUSD, &item.MaxDailyLossUSD, false},
		{"max_single_tx_usd", in.MaxSingleTxUSD, &item.MaxSingleTxUSD, false},
		{"require_approval_above_usd", in.RequireApprovalAboveUSD, &item.RequireApprovalAboveUSD, false},
		{"warn_slippage_pct", in.WarnSlippagePct, &item.WarnSlippagePct, true},
		{"max_slippage_pct", in.MaxSlippagePct, &item.MaxSlippagePct, true},
		{"warn_gas_pct", in.WarnGasPct, &item.WarnGasPct, true},
		{"max_gas_pct", in.MaxGasPct, &item.MaxGasPct, true},
		{"min_liquidity_usd", in.MinLiquidityUSD, &item.MinLiquidityUSD, false},
	}
	for _, f := range fields {
		if f.src == nil || f.src.IsZero() {
			continue
		}
		if f.src.IsNegative() {
			return nil, invalid("%s must not be negative", f.name)
		}
		if f.pct && f.src.GreaterThan(hundred) {
			return nil, invalid("%s must be at most 100", f.name)
		}
		v := *f.src
		*f.dst = &v
	}
	if item.WarnSlippagePct != nil && item.MaxSlippagePct != nil && item.WarnSlippagePct.GreaterThan(*item.MaxSlippagePct) {
		return nil, invalid("warn_slippage_pct exceeds max_slippage_pct")
	}
	if item.WarnGasPct != nil && item.MaxGasPct != nil && item.WarnGasPct.GreaterThan(*item.MaxGasPct) {
		return nil, invalid("warn_gas_pct exceeds max_gas_pct")
	}
	if err := s.Policies.UpsertRisk(ctx, item); err != nil {
		return nil, err
	}
	s.Audit.Record(ctx, audit.Entry(models.AuditPolicy, wallet, wallet, "upsert_risk", "updated", "", actorOr(actor),
		map[string]any{"enabled": item.Enabled}))
	s.Events.Emit(ctx, events.Event{Type: events.TypePolicy, WalletAddress: wallet, Trigger: "upsert_risk", Actor: actorOr(actor)})
	return item, nil
}

// GetRiskPolicy returns ErrNotFound when the wallet has no policy.
func (s *AutopilotService) GetRiskPolicy(ctx context.Context, wallet string) (*models.RiskPolicy, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, invalid("wallet required")
	}
	item, err := s.Policies.Risk(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}
