package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type SessionKeyStatus string

const (
	SessionKeyActive    SessionKeyStatus = "active"
	SessionKeyExpired   SessionKeyStatus = "expired"
	SessionKeyRevoked   SessionKeyStatus = "revoked"
	SessionKeyExhausted SessionKeyStatus = "exhausted"
)

// Action types a session key may permit.
const (
	ActionSwap     = "swap"
	ActionTransfer = "transfer"
	ActionApprove  = "approve"
	ActionBridge   = "bridge"
)

// SessionKey is a scoped, time-bounded delegation of spending authority.
type SessionKey struct {
	ID            string  `gorm:"type:varchar(36);primaryKey"`
	WalletAddress string  `gorm:"type:varchar(64);not null;index"`
	AgentID       *string `gorm:"type:varchar(120)"`

	Permissions datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`

	MaxValuePerTxUSD  decimal.Decimal `gorm:"column:max_value_per_tx_usd;type:numeric(30,10);not null"`
	MaxTotalValueUSD  decimal.Decimal `gorm:"column:max_total_value_usd;type:numeric(30,10);not null"`
	MaxTransactions   *int
	TotalValueUsedUSD decimal.Decimal `gorm:"column:total_value_used_usd;type:numeric(30,10);not null;default:0"`
	TransactionCount  int             `gorm:"not null;default:0"`

	ChainAllowlist    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	ContractAllowlist datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	TokenAllowlist    datatypes.JSONSlice[string] `gorm:"type:jsonb"`

	Status       SessionKeyStatus `gorm:"type:varchar(16);not null;default:'active';index"`
	ExpiresAt    time.Time        `gorm:"type:timestamptz;not null;index"`
	RevokedAt    *time.Time       `gorm:"type:timestamptz"`
	RevokeReason string           `gorm:"type:text"`

	// UsageLog is a bounded ring buffer, newest last.
	UsageLog datatypes.JSONSlice[SessionKeyUsage] `gorm:"type:jsonb"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (SessionKey) TableName() string {
	return "session_keys"
}

// SessionKeyUsage records one debit against a session key.
type SessionKeyUsage struct {
	ExecutionID string          `json:"execution_id"`
	ActionType  string          `json:"action_type"`
	ChainID     string          `json:"chain_id"`
	Token       string          `json:"token,omitempty"`
	ValueUSD    decimal.Decimal `json:"value_usd"`
	Outcome     string          `json:"outcome"`
	At          time.Time       `json:"at"`
}

// Usage outcomes.
const (
	UsageReserved  = "reserved"
	UsageConfirmed = "confirmed"
	UsageFailed    = "failed"
	UsageReleased  = "released"
)

// Usable reports whether the key can authorize anything at now.
func (k *SessionKey) Usable(now time.Time) bool {
	if k == nil {
		return false
	}
	return k.Status == SessionKeyActive && now.Before(k.ExpiresAt)
}

// Permits reports whether actionType is in the permission set.
func (k *SessionKey) Permits(actionType string) bool {
	if k == nil {
		return false
	}
	for _, p := range k.Permissions {
		if strings.EqualFold(strings.TrimSpace(p), actionType) {
			return true
		}
	}
	return false
}

// RemainingUSD is the unspent part of the total budget, never negative.
func (k *SessionKey) RemainingUSD() decimal.Decimal {
	if k == nil {
		return decimal.Zero
	}
	rem := k.MaxTotalValueUSD.Sub(k.TotalValueUsedUSD)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
