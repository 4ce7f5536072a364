package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type StrategyStatus string

const (
	StrategyDraft          StrategyStatus = "draft"
	StrategyPendingSession StrategyStatus = "pending_session"
	StrategyActive         StrategyStatus = "active"
	StrategyPaused         StrategyStatus = "paused"
	StrategyCompleted      StrategyStatus = "completed"
	StrategyFailed         StrategyStatus = "failed"
	StrategyExpired        StrategyStatus = "expired"
)

// Terminal reports whether no further status change is allowed.
func (s StrategyStatus) Terminal() bool {
	return s == StrategyCompleted || s == StrategyFailed || s == StrategyExpired
}

var strategyStatusEdges = map[StrategyStatus][]StrategyStatus{
	StrategyDraft:          {StrategyPendingSession, StrategyActive, StrategyFailed},
	StrategyPendingSession: {StrategyActive, StrategyExpired, StrategyFailed},
	StrategyActive:         {StrategyPaused, StrategyCompleted, StrategyFailed, StrategyExpired},
	StrategyPaused:         {StrategyActive, StrategyCompleted, StrategyFailed, StrategyExpired},
}

// CanTransition reports whether status may move from s to next.
func (s StrategyStatus) CanTransition(next StrategyStatus) bool {
	for _, to := range strategyStatusEdges[s] {
		if to == next {
			return true
		}
	}
	return false
}

type StrategyKind string

const (
	KindDCA        StrategyKind = "dca"
	KindRebalance  StrategyKind = "rebalance"
	KindLimitOrder StrategyKind = "limit_order"
	KindCustom     StrategyKind = "custom"
)

type Frequency string

const (
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

// Strategy is a wallet owner's recurring trading intent.
type Strategy struct {
	ID            string       `gorm:"type:varchar(36);primaryKey"`
	WalletAddress string       `gorm:"type:varchar(64);not null;index"`
	Name          string       `gorm:"type:varchar(120);not null"`
	Kind          StrategyKind `gorm:"type:varchar(20);not null;index"`

	// Config holds the kind-specific payload; decode with strategy.Decode.
	Config datatypes.JSON `gorm:"type:jsonb;not null"`

	Status       StrategyStatus `gorm:"type:varchar(20);not null;default:'draft';index"`
	StatusReason string         `gorm:"type:text"`

	Frequency           Frequency  `gorm:"type:varchar(16);not null"`
	CronExpression      string     `gorm:"type:varchar(120)"`
	ExecutionHourUTC    int        `gorm:"not null;default:0"`
	ExecutionDayOfWeek  *int
	ExecutionDayOfMonth *int
	NextExecutionAt     *time.Time `gorm:"type:timestamptz;index"`
	LastExecutionAt     *time.Time `gorm:"type:timestamptz"`

	MaxTotalSpendUSD *decimal.Decimal `gorm:"column:max_total_spend_usd;type:numeric(30,10)"`
	MaxExecutions    *int
	EndDate          *time.Time       `gorm:"type:timestamptz"`

	TotalExecutions      int             `gorm:"not null;default:0"`
	SuccessfulExecutions int             `gorm:"not null;default:0"`
	FailedExecutions     int             `gorm:"not null;default:0"`
	SkippedExecutions    int             `gorm:"not null;default:0"`
	ConsecutiveFailures  int             `gorm:"not null;default:0"`
	TotalAmountSpentUSD  decimal.Decimal `gorm:"column:total_amount_spent_usd;type:numeric(30,10);not null;default:0"`
	TotalTokensAcquired  decimal.Decimal `gorm:"type:numeric(40,18);not null;default:0"`

	SessionKeyID        *string `gorm:"type:varchar(36);index"`
	AllowManualApproval bool    `gorm:"not null;default:false"`

	ArchivedAt *time.Time `gorm:"type:timestamptz;index"`
	Version    int64      `gorm:"not null;default:0"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}
