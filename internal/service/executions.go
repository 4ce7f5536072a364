package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/lock"
	"sherpa/internal/models"
	"sherpa/internal/repository"
)

const strategyLeaseTTL = 30 * time.Second

// ExecuteNow starts a manual execution outside the schedule. Paused
// strategies may still be run by hand; one execution per strategy at a time.
func (s *AutopilotService) ExecuteNow(ctx context.Context, strategyID, actor string) (*models.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.Machine == nil {
		return nil, fmt.Errorf("execution machine not configured")
	}
	st, err := s.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if st.ArchivedAt != nil {
		return nil, errConflictf("strategy is archived")
	}
	if st.Status != models.StrategyActive && st.Status != models.StrategyPaused {
		return nil, errConflictf("strategy is %s", st.Status)
	}
	release, err := s.leaseStrategy(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	busy, err := s.Repo.HasActiveExecution(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, errConflictf("strategy %s already has an execution in progress", st.ID)
	}
	e, err := s.Machine.Create(ctx, st, models.TriggerManual, s.clock(), actorOr(actor))
	if errors.Is(err, repository.ErrLiveExecution) {
		return nil, errConflictf("strategy %s already has an execution in progress", st.ID)
	}
	if err != nil {
		return nil, err
	}
	s.Machine.Dispatch(e.ID)
	if s.Logger != nil {
		s.Logger.Info("manual execution started", zap.String("strategy_id", st.ID), zap.String("execution_id", e.ID), zap.String("actor", actorOr(actor)))
	}
	return e, nil
}

// ApproveExecution is idempotent: approving twice returns the execution as
// the first approval left it.
func (s *AutopilotService) ApproveExecution(ctx context.Context, id, approver string) (*models.Execution, error) {
	if err := s.machineReady(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(approver) == "" {
		return nil, invalid("approver required")
	}
	e, err := s.Machine.Approve(ctx, strings.TrimSpace(id), approver)
	return e, machineErr(err)
}

func (s *AutopilotService) SkipExecution(ctx context.Context, id, actor, reason string) (*models.Execution, error) {
	if err := s.machineReady(); err != nil {
		return nil, err
	}
	e, err := s.Machine.Skip(ctx, strings.TrimSpace(id), actor, strings.TrimSpace(reason))
	return e, machineErr(err)
}

func (s *AutopilotService) CancelExecution(ctx context.Context, id, actor, reason string) (*models.Execution, error) {
	if err := s.machineReady(); err != nil {
		return nil, err
	}
	e, err := s.Machine.Cancel(ctx, strings.TrimSpace(id), actor, strings.TrimSpace(reason))
	return e, machineErr(err)
}

func (s *AutopilotService) PauseExecution(ctx context.Context, id, actor string) (*models.Execution, error) {
	if err := s.machineReady(); err != nil {
		return nil, err
	}
	e, err := s.Machine.Pause(ctx, strings.TrimSpace(id), actor)
	return e, machineErr(err)
}

func (s *AutopilotService) ResumeExecution(ctx context.Context, id, actor string) (*models.Execution, error) {
	if err := s.machineReady(); err != nil {
		return nil, err
	}
	e, err := s.Machine.Resume(ctx, strings.TrimSpace(id), actor)
	return e, machineErr(err)
}

// leaseStrategy holds the lease the scheduler takes before firing, so a manual
// run and a scheduled one never start together.
func (s *AutopilotService) leaseStrategy(ctx context.Context, strategyID string) (func(), error) {
	if s.Locker == nil {
		return func() {}, nil
	}
	key := lock.StrategyKey(strategyID)
	token, ok, err := s.Locker.Acquire(ctx, key, strategyLeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire strategy lease: %w", err)
	}
	if !ok {
		return nil, errConflictf("strategy %s is being started", strategyID)
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Locker.Release(rctx, key, token); err != nil && !errors.Is(err, lock.ErrNotHeld) && s.Logger != nil {
			s.Logger.Warn("release strategy lease failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *AutopilotService) machineReady() error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.Machine == nil {
		return fmt.Errorf("execution machine not configured")
	}
	return nil
}

// GetExecution returns the execution with its steps and history.
func (s *AutopilotService) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	e, err := s.Repo.GetExecution(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *AutopilotService) ListExecutions(ctx context.Context, params repository.ListExecutionsParams) ([]models.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if params.State != nil && *params.State != "" && !knownExecutionState(*params.State) {
		return nil, invalid("unknown state %q", *params.State)
	}
	params.Limit = limitOr(params.Limit, 50, 500)
	return s.Repo.ListExecutions(ctx, params)
}

func knownExecutionState(st models.ExecutionState) bool {
	switch st {
	case models.StateIdle, models.StateAnalyzing, models.StatePlanning, models.StateAwaitingApproval,
		models.StateExecuting, models.StateMonitoring, models.StateCompleted, models.StateFailed,
		models.StateCancelled, models.StatePaused:
		return true
	}
	return false
}

func (s *AutopilotService) ListAudit(ctx context.Context, params repository.ListAuditParams) ([]models.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	params.Limit = limitOr(params.Limit, 100, 1000)
	return s.Repo.ListAuditEntries(ctx, params)
}
