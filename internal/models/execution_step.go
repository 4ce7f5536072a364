package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StepFetchQuote         = "fetch_quote"
	StepEvaluatePolicy     = "evaluate_policy"
	StepSubmitTransaction  = "submit_transaction"
	StepConfirmTransaction = "confirm_transaction"
)

const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// ExecutionStep is one atomic unit of work inside an execution.
type ExecutionStep struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ExecutionID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_execution_steps_seq"`
	Sequence    int    `gorm:"not null;uniqueIndex:idx_execution_steps_seq"`

	Description string `gorm:"type:varchar(200)"`
	ActionType  string `gorm:"type:varchar(40);not null"`
	Status      string `gorm:"type:varchar(16);not null;default:'pending'"`

	StartedAt   *time.Time `gorm:"type:timestamptz"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`

	Input        datatypes.JSON `gorm:"type:jsonb"`
	Output       datatypes.JSON `gorm:"type:jsonb"`
	TxHash       string         `gorm:"type:varchar(128)"`
	RetryCount   int            `gorm:"not null;default:0"`
	ErrorMessage string         `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (ExecutionStep) TableName() string {
	return "execution_steps"
}
