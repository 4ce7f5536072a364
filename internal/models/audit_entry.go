package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditDecision   = "decision"
	AuditTransition = "transition"
	AuditPolicy     = "policy"
	AuditSessionKey = "session_key"
	AuditStrategy   = "strategy"
)

// AuditEntry stores every gating decision and state change for replay and disputes.
type AuditEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Kind          string `gorm:"type:varchar(20);not null;index"`
	EntityID      string `gorm:"type:varchar(64);not null;index"`
	WalletAddress string `gorm:"type:varchar(64);index"`
	Action        string `gorm:"type:varchar(60);not null"`
	Outcome       string `gorm:"type:varchar(40)"`
	Rule          string `gorm:"type:varchar(60)"`
	Actor         string `gorm:"type:varchar(120)"`

	Details datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (AuditEntry) TableName() string {
	return "audit_entries"
}
