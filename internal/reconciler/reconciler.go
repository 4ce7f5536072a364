// Package reconciler settles executions that stopped making progress, for
// example after a crash between submit and confirmation.
package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/adapter"
	"sherpa/internal/config"
	"sherpa/internal/execution"
	"sherpa/internal/lock"
	"sherpa/internal/models"
	"sherpa/internal/paas"
	"sherpa/internal/repository"
)

const lockKey = "reconciler:sweep"

// Report counts what one sweep did.
type Report struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Review    int `json:"needs_review"`
	Requeued  int `json:"requeued"`
}

// Reconciler never touches executions waiting on approval: an approval that
// nobody gives is a user concern, not a system failure.
type Reconciler struct {
	Repo        repository.Repository
	Machine     *execution.Machine
	Broadcaster adapter.Broadcaster
	Locker      lock.Locker
	Logger      *zap.Logger
	Config      config.ReconcilerConfig
}

func (r *Reconciler) stuckAfter() time.Duration {
	if r.Config.StuckAfter <= 0 {
		return 30 * time.Minute
	}
	return r.Config.StuckAfter
}

func (r *Reconciler) requeueAfter() time.Duration {
	if r.Config.RequeueAfter <= 0 {
		return 2 * time.Minute
	}
	return r.Config.RequeueAfter
}

func (r *Reconciler) batchSize() int {
	if r.Config.BatchSize <= 0 {
		return 100
	}
	return r.Config.BatchSize
}

// Sweep resolves in-flight executions older than StuckAfter and re-enqueues
// unfinished ones older than RequeueAfter.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	if r == nil || r.Repo == nil || r.Machine == nil {
		return rep, nil
	}
	if r.Locker != nil {
		token, ok, err := r.Locker.Acquire(ctx, lockKey, r.stuckAfter())
		if err != nil {
			return rep, err
		}
		if !ok {
			return rep, nil
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Locker.Release(rctx, lockKey, token); err != nil && !errors.Is(err, lock.ErrNotHeld) && r.Logger != nil {
				r.Logger.Warn("reconciler: release lock failed", zap.Error(err))
			}
		}()
	}

	stuck, err := r.Repo.ListExecutionsByStates(ctx,
		[]models.ExecutionState{models.StateExecuting, models.StateMonitoring, models.StatePaused},
		now.Add(-r.stuckAfter()), r.batchSize())
	if err != nil {
		return rep, err
	}
	for i := range stuck {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		e := &stuck[i]
		if e.State == models.StatePaused && e.PausedFrom != models.StateExecuting && e.PausedFrom != models.StateMonitoring {
			continue
		}
		r.settle(ctx, e, &rep)
	}

	idle, err := r.Repo.ListExecutionsByStates(ctx,
		[]models.ExecutionState{models.StateIdle, models.StateAnalyzing, models.StatePlanning, models.StateMonitoring},
		now.Add(-r.requeueAfter()), r.batchSize())
	if err != nil {
		return rep, err
	}
	for i := range idle {
		r.Machine.Dispatch(idle[i].ID)
		rep.Requeued++
	}

	if r.Logger != nil && (rep.Confirmed+rep.Failed+rep.Requeued) > 0 {
		r.Logger.Info("reconciler: sweep",
			zap.Int("confirmed", rep.Confirmed),
			zap.Int("failed", rep.Failed),
			zap.Int("needs_review", rep.Review),
			zap.Int("requeued", rep.Requeued),
		)
	}
	return rep, nil
}

func (r *Reconciler) settle(ctx context.Context, e *models.Execution, rep *Report) {
	res := r.resolution(ctx, e)
	out, err := r.Machine.Resolve(ctx, e.ID, res)
	if err != nil {
		if !errors.Is(err, execution.ErrTerminal) && !errors.Is(err, execution.ErrInvalidTransition) && r.Logger != nil {
			r.Logger.Warn("reconciler: resolve failed", zap.String("execution_id", e.ID), zap.Error(err))
		}
		return
	}
	switch out.State {
	case models.StateCompleted:
		rep.Confirmed++
	case models.StateFailed:
		rep.Failed++
	}
	if out.NeedsReview {
		rep.Review++
	}
}

// resolution asks the chain what happened. Without a hash nothing is known
// to have been broadcast, so the reservation is refunded but a human still
// checks the wallet.
func (r *Reconciler) resolution(ctx context.Context, e *models.Execution) execution.Resolution {
	timeout := execution.Resolution{
		Trigger:     execution.TriggerReconcileFailed,
		Code:        execution.CodeReconciliationTimeout,
		Message:     "no confirmation within " + r.stuckAfter().String(),
		NeedsReview: true,
	}
	if strings.TrimSpace(e.TxHash) == "" || r.Broadcaster == nil {
		return timeout
	}
	st, err := r.Broadcaster.Status(ctx, e.TxHash)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("reconciler: status lookup failed", zap.String("execution_id", e.ID), zap.String("tx_hash", e.TxHash), zap.Error(err))
		}
		return timeout
	}
	switch st.State {
	case adapter.TxConfirmed:
		return execution.Resolution{Trigger: execution.TriggerReconcileConfirmed, Status: &st}
	case adapter.TxReverted:
		return execution.Resolution{
			Trigger: execution.TriggerReconcileFailed,
			Code:    execution.CodeOnChainReverted,
			Message: "transaction " + e.TxHash + " reverted",
			Status:  &st,
		}
	}
	return timeout
}

// RunOnce is the cron entry point.
func (r *Reconciler) RunOnce(ctx context.Context) {
	rep, err := r.Sweep(ctx, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) && r.Logger != nil {
			r.Logger.Warn("reconciler: sweep failed", zap.Error(err))
		}
		return
	}
	if rep != (Report{}) {
		paas.LogBestEffortCtx(ctx, "reconcile_sweep", "info", map[string]any{
			"confirmed":    rep.Confirmed,
			"failed":       rep.Failed,
			"needs_review": rep.Review,
			"requeued":     rep.Requeued,
		})
	}
}
