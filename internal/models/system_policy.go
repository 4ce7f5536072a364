package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SystemPolicyID is the primary key of the singleton row.
const SystemPolicyID uint64 = 1

// SystemPolicy is the process-wide kill switch and allowlist record.
type SystemPolicy struct {
	ID uint64 `gorm:"primaryKey"`

	EmergencyStop       bool   `gorm:"not null;default:false"`
	EmergencyStopReason string `gorm:"type:text"`
	InMaintenance       bool   `gorm:"not null;default:false"`
	MaintenanceMessage  string `gorm:"type:text"`

	BlockedChains    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	AllowedChains    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	BlockedContracts datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	BlockedTokens    datatypes.JSONSlice[string] `gorm:"type:jsonb"`

	ProtocolAllowlistEnabled bool                        `gorm:"not null;default:false"`
	AllowedProtocols         datatypes.JSONSlice[string] `gorm:"type:jsonb"`

	MaxSingleTxUSD *decimal.Decimal `gorm:"column:max_single_tx_usd;type:numeric(30,10)"`

	UpdatedBy string    `gorm:"type:varchar(120)"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (SystemPolicy) TableName() string {
	return "system_policies"
}

// DefaultSystemPolicy is used until an operator stores one.
func DefaultSystemPolicy() SystemPolicy {
	return SystemPolicy{ID: SystemPolicyID}
}
