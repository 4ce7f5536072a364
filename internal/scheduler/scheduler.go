// Package scheduler decides when strategies fire and starts their executions.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/adapter"
	"sherpa/internal/audit"
	"sherpa/internal/config"
	"sherpa/internal/lock"
	"sherpa/internal/models"
	"sherpa/internal/paas"
	"sherpa/internal/repository"
)

// Starter creates and enqueues the execution for one due slot.
type Starter interface {
	StartScheduled(ctx context.Context, s *models.Strategy, scheduledFor time.Time) (*models.Execution, error)
}

// Scheduler never writes NextExecutionAt for a due strategy; the execution's
// terminal transition does. The per-strategy lock plus the in-flight check
// keep replicas from firing the same slot twice.
type Scheduler struct {
	Repo     repository.Repository
	Locker   lock.Locker
	Starter  Starter
	Notifier adapter.Notifier
	Audit    *audit.Recorder
	Logger   *zap.Logger
	Config   config.SchedulerConfig
}

func (s *Scheduler) batchSize() int {
	if s.Config.BatchSize <= 0 {
		return 200
	}
	return s.Config.BatchSize
}

func (s *Scheduler) lockTTL() time.Duration {
	if s.Config.LockTTL <= 0 {
		return 2 * time.Minute
	}
	return s.Config.LockTTL
}

// DueStrategies returns active strategies whose slot is due, earliest first.
// Strategies that hit a stop guard are completed and left out, as are those
// with an execution still in flight.
func (s *Scheduler) DueStrategies(ctx context.Context, now time.Time) ([]models.Strategy, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	items, err := s.Repo.ListDueStrategies(ctx, now, s.batchSize())
	if err != nil {
		return nil, err
	}
	out := make([]models.Strategy, 0, len(items))
	for i := range items {
		st := &items[i]
		if hit, reason := GuardReached(st, now); hit {
			if err := s.complete(ctx, st, reason); err != nil && s.Logger != nil {
				s.Logger.Warn("scheduler: complete strategy failed", zap.String("strategy_id", st.ID), zap.Error(err))
			}
			continue
		}
		busy, err := s.Repo.HasActiveExecution(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		if busy {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// Tick starts one execution per due strategy and returns how many it started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.Repo == nil || s.Starter == nil {
		return 0, nil
	}
	due, err := s.DueStrategies(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for i := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		ok, err := s.fire(ctx, due[i].ID, now)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("scheduler: fire failed", zap.String("strategy_id", due[i].ID), zap.Error(err))
			}
			continue
		}
		if ok {
			started++
		}
	}
	if started > 0 && s.Logger != nil {
		s.Logger.Info("scheduler: tick", zap.Int("due", len(due)), zap.Int("started", started))
	}
	return started, nil
}

// RunOnce is the cron entry point.
func (s *Scheduler) RunOnce(ctx context.Context) {
	n, err := s.Tick(ctx, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) && s.Logger != nil {
			s.Logger.Warn("scheduler: tick failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		paas.LogBestEffortCtx(ctx, "scheduler_tick", "info", map[string]any{"started": n})
	}
}

func (s *Scheduler) fire(ctx context.Context, strategyID string, now time.Time) (bool, error) {
	key := lock.StrategyKey(strategyID)
	if s.Locker != nil {
		token, ok, err := s.Locker.Acquire(ctx, key, s.lockTTL())
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Locker.Release(rctx, key, token); err != nil && !errors.Is(err, lock.ErrNotHeld) && s.Logger != nil {
				s.Logger.Warn("scheduler: release lock failed", zap.String("key", key), zap.Error(err))
			}
		}()
	}

	// Another replica may have fired and finished while we waited for the lock.
	st, err := s.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return false, err
	}
	if st == nil || st.Status != models.StrategyActive || st.ArchivedAt != nil || st.NextExecutionAt == nil || st.NextExecutionAt.After(now) {
		return false, nil
	}
	busy, err := s.Repo.HasActiveExecution(ctx, strategyID)
	if err != nil || busy {
		return false, err
	}
	if _, err := s.Starter.StartScheduled(ctx, st, *st.NextExecutionAt); err != nil {
		if errors.Is(err, repository.ErrLiveExecution) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Scheduler) complete(ctx context.Context, st *models.Strategy, reason string) error {
	if !st.Status.CanTransition(models.StrategyCompleted) {
		return nil
	}
	expected := st.Version
	prev := st.Status
	st.Status = models.StrategyCompleted
	st.StatusReason = reason
	st.NextExecutionAt = nil
	entry := audit.Entry(models.AuditStrategy, st.ID, st.WalletAddress, "guard_complete", string(models.StrategyCompleted), reason, "scheduler",
		map[string]any{"from": string(prev)})
	err := s.Repo.Apply(ctx, repository.Changeset{
		Strategy: &repository.StrategyWrite{Strategy: st, ExpectedVersion: expected},
		Audit:    []models.AuditEntry{entry},
	})
	if errors.Is(err, repository.ErrVersionConflict) {
		// Someone else changed it; the next tick sees the fresh row.
		return nil
	}
	if err != nil {
		return err
	}
	s.Audit.Mirror(entry)
	if s.Logger != nil {
		s.Logger.Info("scheduler: strategy completed by guard", zap.String("strategy_id", st.ID), zap.String("reason", reason))
	}
	s.notify(ctx, adapter.Notification{
		Event:         "strategy_completed",
		Level:         "info",
		Title:         "Strategy completed",
		Message:       st.Name + ": " + reason,
		WalletAddress: st.WalletAddress,
		StrategyID:    st.ID,
		At:            time.Now().UTC(),
	})
	return nil
}

func (s *Scheduler) notify(ctx context.Context, n adapter.Notification) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, n); err != nil && s.Logger != nil {
		s.Logger.Warn("scheduler: notify failed", zap.String("event", n.Event), zap.String("strategy_id", n.StrategyID), zap.Error(err))
	}
}
