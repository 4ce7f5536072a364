package db

import (
	"sherpa/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.SystemPolicy{},
		&models.RiskPolicy{},
		&models.SessionKey{},
		&models.Strategy{},
		&models.Execution{},
		&models.ExecutionStep{},
		&models.StateTransition{},
		&models.AuditEntry{},
	); err != nil {
		return err
	}
	// At most one live execution per strategy, even across replicas.
	if err := db.Gorm.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_executions_live_strategy
		ON executions (strategy_id) WHERE state NOT IN ('completed', 'failed', 'cancelled')`).Error; err != nil {
		return err
	}
	return nil
}
