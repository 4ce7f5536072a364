// Package audit builds audit entries and mirrors them to the PaaS log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"sherpa/internal/models"
	"sherpa/internal/paas"
	"sherpa/internal/repository"
)

// Entry builds an audit entry. details may be nil.
func Entry(kind, entityID, wallet, action, outcome, rule, actor string, details map[string]any) models.AuditEntry {
	e := models.AuditEntry{
		Kind:          kind,
		EntityID:      entityID,
		WalletAddress: wallet,
		Action:        action,
		Outcome:       outcome,
		Rule:          rule,
		Actor:         actor,
		CreatedAt:     time.Now().UTC(),
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			e.Details = datatypes.JSON(b)
		}
	}
	return e
}

// Recorder persists standalone entries and mirrors committed ones to PaaS.
type Recorder struct {
	Repo   repository.Repository
	PaaS   *paas.Client
	Logger *zap.Logger
}

// Record inserts entries outside of any changeset.
func (r *Recorder) Record(ctx context.Context, entries ...models.AuditEntry) {
	if r == nil {
		return
	}
	for i := range entries {
		if r.Repo != nil {
			if err := r.Repo.InsertAuditEntry(ctx, &entries[i]); err != nil && r.Logger != nil {
				r.Logger.Warn("audit insert failed",
					zap.String("kind", entries[i].Kind),
					zap.String("entity_id", entries[i].EntityID),
					zap.Error(err),
				)
			}
		}
	}
	r.Mirror(entries...)
}

// Mirror forwards entries that were already persisted as part of a changeset.
func (r *Recorder) Mirror(entries ...models.AuditEntry) {
	if r == nil || r.PaaS == nil {
		return
	}
	for _, e := range entries {
		details := map[string]any{
			"kind":      e.Kind,
			"entity_id": e.EntityID,
			"wallet":    e.WalletAddress,
			"outcome":   e.Outcome,
		}
		if e.Rule != "" {
			details["rule"] = e.Rule
		}
		if e.Actor != "" {
			details["actor"] = e.Actor
		}
		level := "info"
		if e.Outcome == "deny" || e.Outcome == string(models.StateFailed) {
			level = "warn"
		}
		r.PaaS.LogBestEffort("autopilot_"+e.Action, level, details)
	}
}
