package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskPolicy holds per-wallet limits independent of any delegation.
// Nil limits are unset.
type RiskPolicy struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	WalletAddress string `gorm:"type:varchar(64);not null;uniqueIndex"`

	MaxPositionPct          *decimal.Decimal `gorm:"type:numeric(10,4)"`
	MaxDailyVolumeUSD       *decimal.Decimal `gorm:"column:max_daily_volume_usd;type:numeric(30,10)"`
	MaxDailyLossUSD         *decimal.Decimal `gorm:"column:max_daily_loss_usd;type:numeric(30,10)"`
	MaxSingleTxUSD          *decimal.Decimal `gorm:"column:max_single_tx_usd;type:numeric(30,10)"`
	RequireApprovalAboveUSD *decimal.Decimal `gorm:"column:require_approval_above_usd;type:numeric(30,10)"`
	WarnSlippagePct         *decimal.Decimal `gorm:"type:numeric(10,4)"`
	MaxSlippagePct          *decimal.Decimal `gorm:"type:numeric(10,4)"`
	WarnGasPct              *decimal.Decimal `gorm:"type:numeric(10,4)"`
	MaxGasPct               *decimal.Decimal `gorm:"type:numeric(10,4)"`
	MinLiquidityUSD         *decimal.Decimal `gorm:"column:min_liquidity_usd;type:numeric(30,10)"`

	Enabled bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (RiskPolicy) TableName() string {
	return "risk_policies"
}
