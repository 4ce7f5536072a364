package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"sherpa/internal/adapter"
	"sherpa/internal/adapter/notify"
	"sherpa/internal/audit"
	"sherpa/internal/events"
	"sherpa/internal/execution"
	"sherpa/internal/models"
	"sherpa/internal/repository"
	"sherpa/internal/scheduler"
	"sherpa/internal/strategy"
)

type CreateStrategyInput struct {
	WalletAddress string              `json:"wallet_address"`
	Name          string              `json:"name"`
	Kind          models.StrategyKind `json:"kind"`
	Config        json.RawMessage     `json:"config" swaggertype:"object"`

	Frequency           models.Frequency `json:"frequency"`
	CronExpression      string           `json:"cron_expression,omitempty"`
	ExecutionHourUTC    int              `json:"execution_hour_utc"`
	ExecutionDayOfWeek  *int             `json:"execution_day_of_week,omitempty"`
	ExecutionDayOfMonth *int             `json:"execution_day_of_month,omitempty"`

	MaxTotalSpendUSD *decimal.Decimal `json:"max_total_spend_usd,omitempty" swaggertype:"string"`
	MaxExecutions    *int             `json:"max_executions,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`

	SessionKeyID        *string `json:"session_key_id,omitempty"`
	AllowManualApproval bool    `json:"allow_manual_approval"`
}

// CreateStrategy validates and stores a strategy. Without a session key it
// starts as draft; with a usable key it is activated right away, and with a
// key that can't authorize yet it waits in pending_session.
func (s *AutopilotService) CreateStrategy(ctx context.Context, in CreateStrategyInput, actor string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(in.WalletAddress)
	if wallet == "" {
		return nil, invalid("wallet_address required")
	}
	cfg, err := strategy.Decode(in.Kind, in.Config)
	if err != nil {
		return nil, invalid("%v", err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = string(in.Kind)
	}
	now := s.clock()
	st := &models.Strategy{
		ID:                  uuid.NewString(),
		WalletAddress:       wallet,
		Name:                name,
		Kind:                in.Kind,
		Config:              datatypes.JSON(in.Config),
		Status:              models.StrategyDraft,
		Frequency:           in.Frequency,
		CronExpression:      strings.TrimSpace(in.CronExpression),
		ExecutionHourUTC:    in.ExecutionHourUTC,
		ExecutionDayOfWeek:  in.ExecutionDayOfWeek,
		ExecutionDayOfMonth: in.ExecutionDayOfMonth,
		MaxTotalSpendUSD:    in.MaxTotalSpendUSD,
		MaxExecutions:       in.MaxExecutions,
		EndDate:             in.EndDate,
		AllowManualApproval: in.AllowManualApproval,
		TotalAmountSpentUSD: decimal.Zero,
		TotalTokensAcquired: decimal.Zero,
	}
	if err := scheduler.ValidateSchedule(st); err != nil {
		return nil, invalid("%v", err)
	}
	if st.MaxTotalSpendUSD != nil && !st.MaxTotalSpendUSD.IsPositive() {
		return nil, invalid("max_total_spend_usd must be positive")
	}
	if st.MaxExecutions != nil && *st.MaxExecutions <= 0 {
		return nil, invalid("max_executions must be positive")
	}
	if st.EndDate != nil {
		end := st.EndDate.UTC()
		if !end.After(now) {
			return nil, invalid("end_date must be in the future")
		}
		st.EndDate = &end
	}

	if in.SessionKeyID != nil && strings.TrimSpace(*in.SessionKeyID) != "" {
		key, err := s.bindableKey(ctx, wallet, strings.TrimSpace(*in.SessionKeyID), cfg.Intent())
		if err != nil {
			return nil, err
		}
		st.SessionKeyID = &key.ID
		st.Status = models.StrategyPendingSession
		if key.Usable(now) {
			if err := s.schedule(st, now); err != nil {
				return nil, err
			}
			st.Status = models.StrategyActive
		}
	}

	if err := s.Repo.CreateStrategy(ctx, st); err != nil {
		return nil, err
	}
	entry := audit.Entry(models.AuditStrategy, st.ID, st.WalletAddress, "create", string(st.Status), "", actorOr(actor),
		map[string]any{"kind": st.Kind, "frequency": st.Frequency})
	s.Audit.Record(ctx, entry)
	s.Events.Emit(ctx, events.Event{Type: events.TypeStrategyStatus, StrategyID: st.ID, WalletAddress: st.WalletAddress, To: string(st.Status), Actor: actorOr(actor)})
	if s.Logger != nil {
		s.Logger.Info("strategy created", zap.String("strategy_id", st.ID), zap.String("kind", string(st.Kind)), zap.String("status", string(st.Status)))
	}
	return st, nil
}

// bindableKey loads a key that belongs to wallet and permits the strategy's action.
func (s *AutopilotService) bindableKey(ctx context.Context, wallet, keyID string, intent strategy.Intent) (*models.SessionKey, error) {
	key, err := s.Repo.GetSessionKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, invalid("session key %s not found", keyID)
	}
	if key.WalletAddress != wallet {
		return nil, invalid("session key %s belongs to another wallet", keyID)
	}
	if key.Status == models.SessionKeyRevoked || key.Status == models.SessionKeyExhausted {
		return nil, invalid("session key %s is %s", keyID, key.Status)
	}
	if !key.Permits(intent.ActionType) {
		return nil, invalid("session key %s does not permit %s", keyID, intent.ActionType)
	}
	return key, nil
}

// schedule sets the first fire time, failing when no run can happen.
func (s *AutopilotService) schedule(st *models.Strategy, now time.Time) error {
	if hit, reason := scheduler.GuardReached(st, now); hit {
		return invalid("stop guard already met: %s", reason)
	}
	next, err := scheduler.NextExecution(st, now)
	if err != nil {
		return invalid("%v", err)
	}
	if scheduler.PastEnd(st, next) {
		return invalid("no run before end_date")
	}
	st.NextExecutionAt = &next
	return nil
}

// ActivateStrategy binds sessionKeyID (or the key already bound) and starts
// the schedule. A strategy that allows manual approval may run without a key.
func (s *AutopilotService) ActivateStrategy(ctx context.Context, id, sessionKeyID, actor string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.updateStrategy(ctx, id, actor, "activate", func(st *models.Strategy, now time.Time) error {
		if st.Status != models.StrategyDraft && st.Status != models.StrategyPendingSession {
			return errConflictf("strategy is %s", st.Status)
		}
		intent, err := strategy.IntentOf(st)
		if err != nil {
			return invalid("%v", err)
		}
		keyID := strings.TrimSpace(sessionKeyID)
		if keyID == "" && st.SessionKeyID != nil {
			keyID = *st.SessionKeyID
		}
		switch {
		case keyID != "":
			key, err := s.bindableKey(ctx, st.WalletAddress, keyID, intent)
			if err != nil {
				return err
			}
			if !key.Usable(now) && !st.AllowManualApproval {
				return invalid("session key %s is not usable", keyID)
			}
			st.SessionKeyID = &key.ID
		case !st.AllowManualApproval:
			return invalid("session_key_id required")
		}
		if err := s.schedule(st, now); err != nil {
			return err
		}
		st.Status = models.StrategyActive
		st.StatusReason = ""
		return nil
	})
}

// PauseStrategy stops scheduling. Executions already running finish.
func (s *AutopilotService) PauseStrategy(ctx context.Context, id, actor string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.updateStrategy(ctx, id, actor, "pause", func(st *models.Strategy, now time.Time) error {
		if st.Status != models.StrategyActive {
			return errConflictf("strategy is %s", st.Status)
		}
		st.Status = models.StrategyPaused
		st.StatusReason = "paused by " + actorOr(actor)
		st.NextExecutionAt = nil
		return nil
	})
}

// ResumeStrategy reactivates a paused strategy from now on; missed slots are
// not replayed. A strategy whose stop guard was met meanwhile completes.
func (s *AutopilotService) ResumeStrategy(ctx context.Context, id, actor string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.updateStrategy(ctx, id, actor, "resume", func(st *models.Strategy, now time.Time) error {
		if st.Status != models.StrategyPaused {
			return errConflictf("strategy is %s", st.Status)
		}
		if hit, reason := scheduler.GuardReached(st, now); hit {
			st.Status = models.StrategyCompleted
			st.StatusReason = reason
			st.NextExecutionAt = nil
			return nil
		}
		next, err := scheduler.NextExecution(st, now)
		if err != nil {
			return invalid("%v", err)
		}
		if scheduler.PastEnd(st, next) {
			st.Status = models.StrategyCompleted
			st.StatusReason = scheduler.ReasonEndDate
			st.NextExecutionAt = nil
			return nil
		}
		st.Status = models.StrategyActive
		st.StatusReason = ""
		st.NextExecutionAt = &next
		return nil
	})
}

// ArchiveStrategy hides a strategy and its executions from default listings.
// Running strategies complete first; executions that have not reached the
// chain are cancelled, and an execution already on chain blocks archiving.
func (s *AutopilotService) ArchiveStrategy(ctx context.Context, id, actor string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	execs, err := s.strategyExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	// Refuse before cancelling anything, so a blocked archive leaves every
	// execution as it was.
	for i := range execs {
		if execs[i].State.Terminal() {
			continue
		}
		if s.Machine == nil || !execution.CanCancel(&execs[i]) {
			return nil, errConflictf("execution %s is %s", execs[i].ID, execs[i].State)
		}
	}
	for i := range execs {
		if execs[i].State.Terminal() {
			continue
		}
		out, err := s.Machine.Cancel(ctx, execs[i].ID, actor, "strategy archived")
		if err != nil {
			return nil, errConflictf("execution %s is %s", execs[i].ID, execs[i].State)
		}
		execs[i] = *out
	}

	st, err := s.updateStrategy(ctx, id, actor, "archive", func(st *models.Strategy, now time.Time) error {
		if st.ArchivedAt != nil {
			return errUnchanged
		}
		if st.Status == models.StrategyActive || st.Status == models.StrategyPaused {
			st.Status = models.StrategyCompleted
			st.StatusReason = "archived"
		}
		st.NextExecutionAt = nil
		at := now
		st.ArchivedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range execs {
		if execs[i].ArchivedAt != nil {
			continue
		}
		if err := s.archiveExecution(ctx, execs[i].ID, *st.ArchivedAt); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *AutopilotService) strategyExecutions(ctx context.Context, strategyID string) ([]models.Execution, error) {
	var out []models.Execution
	for offset := 0; ; offset += 500 {
		page, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{StrategyID: &strategyID, Limit: 500, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < 500 {
			return out, nil
		}
	}
}

func (s *AutopilotService) archiveExecution(ctx context.Context, id string, at time.Time) error {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		e, err := s.Repo.GetExecution(ctx, id)
		if err != nil || e == nil || e.ArchivedAt != nil {
			return err
		}
		expected := e.Version
		e.ArchivedAt = &at
		err = s.Repo.Apply(ctx, repository.Changeset{Execution: &repository.ExecutionWrite{Execution: e, ExpectedVersion: expected}})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return err
	}
	return errConflictf("execution %s kept changing", id)
}

// errUnchanged makes updateStrategy return the current row without writing.
var errUnchanged = errors.New("unchanged")

// updateStrategy reloads, mutates and writes a strategy with its audit entry
// in one changeset, retrying on version conflicts.
func (s *AutopilotService) updateStrategy(ctx context.Context, id, actor, action string, mutate func(st *models.Strategy, now time.Time) error) (*models.Strategy, error) {
	id = strings.TrimSpace(id)
	for attempt := 0; attempt < writeAttempts; attempt++ {
		st, err := s.Repo.GetStrategy(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("%w: strategy %s", ErrNotFound, id)
		}
		if st.ArchivedAt != nil && action != "archive" {
			return nil, errConflictf("strategy is archived")
		}
		prev := st.Status
		expected := st.Version
		now := s.clock()
		if err := mutate(st, now); err != nil {
			if errors.Is(err, errUnchanged) {
				return st, nil
			}
			return nil, err
		}
		if st.Status != prev && !prev.CanTransition(st.Status) {
			return nil, errConflictf("strategy cannot move from %s to %s", prev, st.Status)
		}
		entry := audit.Entry(models.AuditStrategy, st.ID, st.WalletAddress, action, string(st.Status), st.StatusReason, actorOr(actor),
			map[string]any{"from": string(prev)})
		err = s.Repo.Apply(ctx, repository.Changeset{
			Strategy: &repository.StrategyWrite{Strategy: st, ExpectedVersion: expected},
			Audit:    []models.AuditEntry{entry},
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Audit.Mirror(entry)
		s.strategyChanged(ctx, st, prev, actor)
		return st, nil
	}
	return nil, errConflictf("strategy %s kept changing", id)
}

func (s *AutopilotService) strategyChanged(ctx context.Context, st *models.Strategy, prev models.StrategyStatus, actor string) {
	if st.Status == prev {
		return
	}
	s.Events.Emit(ctx, events.Event{
		Type:          events.TypeStrategyStatus,
		StrategyID:    st.ID,
		WalletAddress: st.WalletAddress,
		From:          string(prev),
		To:            string(st.Status),
		Trigger:       st.StatusReason,
		Actor:         actorOr(actor),
	})
	if s.Logger != nil {
		s.Logger.Info("strategy status changed",
			zap.String("strategy_id", st.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(st.Status)),
			zap.String("reason", st.StatusReason),
		)
	}
	var event, title, level string
	switch st.Status {
	case models.StrategyCompleted:
		event, title, level = notify.EventStrategyCompleted, "Strategy completed", "info"
	case models.StrategyExpired:
		event, title, level = notify.EventStrategyExpired, "Strategy expired", "warn"
	case models.StrategyFailed:
		event, title, level = notify.EventStrategyFailed, "Strategy failed", "error"
	default:
		return
	}
	s.notify(ctx, adapter.Notification{
		Event:         event,
		Level:         level,
		Title:         title,
		Message:       st.Name + ": " + st.StatusReason,
		WalletAddress: st.WalletAddress,
		StrategyID:    st.ID,
	})
}

func (s *AutopilotService) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	st, err := s.Repo.GetStrategy(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: strategy %s", ErrNotFound, id)
	}
	return st, nil
}

func (s *AutopilotService) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if params.Status != nil && !knownStrategyStatus(*params.Status) {
		return nil, invalid("unknown status %q", *params.Status)
	}
	params.Limit = limitOr(params.Limit, 50, 500)
	return s.Repo.ListStrategies(ctx, params)
}

func knownStrategyStatus(st models.StrategyStatus) bool {
	switch st {
	case models.StrategyDraft, models.StrategyPendingSession, models.StrategyActive, models.StrategyPaused,
		models.StrategyCompleted, models.StrategyFailed, models.StrategyExpired:
		return true
	}
	return false
}
