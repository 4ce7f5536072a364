package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ExecutionState string

const (
	StateIdle             ExecutionState = "idle"
	StateAnalyzing        ExecutionState = "analyzing"
	StatePlanning         ExecutionState = "planning"
	StateAwaitingApproval ExecutionState = "awaiting_approval"
	StateExecuting        ExecutionState = "executing"
	StateMonitoring       ExecutionState = "monitoring"
	StateCompleted        ExecutionState = "completed"
	StateFailed           ExecutionState = "failed"
	StateCancelled        ExecutionState = "cancelled"
	StatePaused           ExecutionState = "paused"
)

// Terminal states are immutable once reached.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Execution is one attempt to carry out a strategy's action.
type Execution struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	StrategyID    string `gorm:"type:varchar(36);not null;index"`
	WalletAddress string `gorm:"type:varchar(64);not null;index"`
	Trigger       string `gorm:"type:varchar(16);not null"`

	State            ExecutionState `gorm:"type:varchar(24);not null;index"`
	PausedFrom       ExecutionState `gorm:"type:varchar(24)"`
	StateEnteredAt   time.Time      `gorm:"type:timestamptz;not null;index"`
	CurrentStepIndex int            `gorm:"not null;default:0"`

	Steps   []ExecutionStep   `gorm:"foreignKey:ExecutionID;constraint:OnDelete:RESTRICT"`
	History []StateTransition `gorm:"foreignKey:ExecutionID;constraint:OnDelete:RESTRICT"`

	RequiresApproval bool       `gorm:"not null;default:false"`
	ApprovalReason   string     `gorm:"type:varchar(64)"`
	ApprovedBy       string     `gorm:"type:varchar(120)"`
	ApprovedAt       *time.Time `gorm:"type:timestamptz"`

	ErrorMessage string `gorm:"type:text"`
	ErrorCode    string `gorm:"type:varchar(40);index"`
	Recoverable  bool   `gorm:"not null;default:false"`
	NeedsReview  bool   `gorm:"not null;default:false;index"`

	AmountUSD     decimal.Decimal `gorm:"column:amount_usd;type:numeric(30,10);not null;default:0"`
	QuoteSnapshot datatypes.JSON  `gorm:"type:jsonb"`
	Warnings      datatypes.JSON  `gorm:"type:jsonb"`
	TokensOut     decimal.Decimal `gorm:"type:numeric(40,18);not null;default:0"`
	GasUsed       uint64          `gorm:"not null;default:0"`
	GasPriceGwei  decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	LossUSD       decimal.Decimal `gorm:"column:loss_usd;type:numeric(30,10);not null;default:0"`

	SessionKeyID   *string `gorm:"type:varchar(36);index"`
	BudgetReserved bool    `gorm:"not null;default:false"`
	BudgetReleased bool    `gorm:"not null;default:false"`
	// VolumeCommitted counts AmountUSD toward the wallet's daily volume,
	// with or without a session key debit. Cleared when nothing reached the chain.
	VolumeCommitted bool `gorm:"not null;default:false"`

	TxHash       string     `gorm:"type:varchar(128);index"`
	ScheduledFor time.Time  `gorm:"type:timestamptz;not null"`
	CompletedAt  *time.Time `gorm:"type:timestamptz"`
	ArchivedAt   *time.Time `gorm:"type:timestamptz"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Execution) TableName() string {
	return "executions"
}

// CurrentStep returns the step at CurrentStepIndex, or nil once all steps ran.
func (e *Execution) CurrentStep() *ExecutionStep {
	if e == nil || e.CurrentStepIndex < 0 || e.CurrentStepIndex >= len(e.Steps) {
		return nil
	}
	return &e.Steps[e.CurrentStepIndex]
}

// LastSeq is the sequence number of the newest history entry.
func (e *Execution) LastSeq() int {
	if e == nil || len(e.History) == 0 {
		return 0
	}
	return e.History[len(e.History)-1].Seq
}
