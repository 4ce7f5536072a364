package models

import "time"

// StateTransition is an append-only history entry of an execution.
type StateTransition struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ExecutionID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_execution_transitions_seq"`
	Seq         int    `gorm:"not null;uniqueIndex:idx_execution_transitions_seq"`

	FromState    ExecutionState `gorm:"type:varchar(24)"`
	ToState      ExecutionState `gorm:"type:varchar(24);not null"`
	Trigger      string         `gorm:"type:varchar(32);not null"`
	Actor        string         `gorm:"type:varchar(120)"`
	ErrorMessage string         `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;not null;index"`
}

func (StateTransition) TableName() string {
	return "execution_transitions"
}
