package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sherpa/internal/adapter"
	"sherpa/internal/budget"
	"sherpa/internal/config"
	"sherpa/internal/execution"
	"sherpa/internal/lock"
	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/repository/memory"
)

type chainStub struct {
	states map[string]adapter.TxState
}

func (c *chainStub) Submit(ctx context.Context, tx adapter.SignedTx) (adapter.Submission, error) {
	return adapter.Submission{}, nil
}

func (c *chainStub) Status(ctx context.Context, txHash string) (adapter.TxStatus, error) {
	st, ok := c.states[txHash]
	if !ok {
		st = adapter.TxPending
	}
	return adapter.TxStatus{State: st, TokensOut: decimal.RequireFromString("0.01")}, nil
}

type harness struct {
	ctx  context.Context
	repo *memory.Store
	rec  *Reconciler

	mu         sync.Mutex
	dispatched []string
}

func newHarness(t *testing.T, chain *chainStub) *harness {
	t.Helper()
	repo := memory.New()
	policies := &policy.Store{Repo: repo}
	h := &harness{ctx: context.Background(), repo: repo}
	m := &execution.Machine{
		Repo:     repo,
		Budget:   &budget.Enforcer{Repo: repo, Policies: policies},
		Policies: policies,
		Enqueue: func(id string) {
			h.mu.Lock()
			h.dispatched = append(h.dispatched, id)
			h.mu.Unlock()
		},
	}
	h.rec = &Reconciler{
		Repo:        repo,
		Machine:     m,
		Broadcaster: chain,
		Locker:      lock.NewMemoryLocker(),
		Config:      config.ReconcilerConfig{StuckAfter: 30 * time.Minute, RequeueAfter: 2 * time.Minute},
	}
	return h
}

func (h *harness) seed(t *testing.T, id string, state models.ExecutionState, age time.Duration, mutate func(*models.Execution)) {
	t.Helper()
	entered := time.Now().UTC().Add(-age)
	e := &models.Execution{
		ID:             id,
		StrategyID:     "strat-" + id,
		WalletAddress:  "0xabc",
		Trigger:        models.TriggerScheduled,
		State:          state,
		StateEnteredAt: entered,
		AmountUSD:      decimal.NewFromInt(50),
		ScheduledFor:   entered,
		History:        []models.StateTransition{{Seq: 1, ToState: state, Trigger: "seed", CreatedAt: entered}},
	}
	if mutate != nil {
		mutate(e)
	}
	require.NoError(t, h.repo.CreateExecution(h.ctx, e))
}

func (h *harness) get(t *testing.T, id string) *models.Execution {
	t.Helper()
	e, err := h.repo.GetExecution(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestSweep_LeavesAwaitingApprovalAlone(t *testing.T) {
	h := newHarness(t, &chainStub{})
	h.seed(t, "waiting", models.StateAwaitingApproval, 72*time.Hour, nil)
	before := h.get(t, "waiting")

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	after := h.get(t, "waiting")
	assert.Equal(t, models.StateAwaitingApproval, after.State)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, h.dispatched)
}

func TestSweep_ConfirmsStuckTransaction(t *testing.T) {
	h := newHarness(t, &chainStub{states: map[string]adapter.TxState{"0xok": adapter.TxConfirmed}})
	h.seed(t, "stuck", models.StateMonitoring, time.Hour, func(e *models.Execution) { e.TxHash = "0xok" })

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)

	e := h.get(t, "stuck")
	assert.Equal(t, models.StateCompleted, e.State)
	assert.Equal(t, execution.TriggerReconcileConfirmed, e.History[len(e.History)-1].Trigger)
	assert.True(t, e.TokensOut.Equal(decimal.RequireFromString("0.01")))
}

func TestSweep_RevertedTransactionFails(t *testing.T) {
	h := newHarness(t, &chainStub{states: map[string]adapter.TxState{"0xbad": adapter.TxReverted}})
	h.seed(t, "reverted", models.StateMonitoring, time.Hour, func(e *models.Execution) { e.TxHash = "0xbad" })

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	e := h.get(t, "reverted")
	assert.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, execution.CodeOnChainReverted, e.ErrorCode)
	assert.False(t, e.NeedsReview)
}

func TestSweep_PendingTooLongNeedsReview(t *testing.T) {
	h := newHarness(t, &chainStub{})
	h.seed(t, "pending", models.StateMonitoring, time.Hour, func(e *models.Execution) { e.TxHash = "0xslow" })
	h.seed(t, "paused", models.StatePaused, time.Hour, func(e *models.Execution) {
		e.TxHash = "0xslow2"
		e.PausedFrom = models.StateMonitoring
	})

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 2, rep.Review)

	for _, id := range []string{"pending", "paused"} {
		e := h.get(t, id)
		assert.Equal(t, models.StateFailed, e.State, id)
		assert.Equal(t, execution.CodeReconciliationTimeout, e.ErrorCode, id)
		assert.True(t, e.NeedsReview, id)
	}
}

func TestSweep_UnsubmittedExecutionReleasesBudget(t *testing.T) {
	h := newHarness(t, &chainStub{})
	keyID := "key-1"
	require.NoError(t, h.repo.CreateSessionKey(h.ctx, &models.SessionKey{
		ID:                keyID,
		WalletAddress:     "0xabc",
		Permissions:       []string{models.ActionSwap},
		MaxValuePerTxUSD:  decimal.NewFromInt(100),
		MaxTotalValueUSD:  decimal.NewFromInt(500),
		TotalValueUsedUSD: decimal.NewFromInt(50),
		TransactionCount:  1,
		Status:            models.SessionKeyActive,
		ExpiresAt:         time.Now().UTC().Add(24 * time.Hour),
	}))
	h.seed(t, "nohash", models.StateExecuting, time.Hour, func(e *models.Execution) {
		e.SessionKeyID = &keyID
		e.BudgetReserved = true
	})

	_, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)

	e := h.get(t, "nohash")
	assert.Equal(t, models.StateFailed, e.State)
	assert.True(t, e.BudgetReleased)

	k, err := h.repo.GetSessionKey(h.ctx, keyID)
	require.NoError(t, err)
	assert.True(t, k.TotalValueUsedUSD.IsZero())
	assert.Zero(t, k.TransactionCount)
}

func TestSweep_RequeuesIdleWork(t *testing.T) {
	h := newHarness(t, &chainStub{})
	h.seed(t, "old-idle", models.StateIdle, 10*time.Minute, nil)
	h.seed(t, "fresh-idle", models.StateIdle, 10*time.Second, nil)
	h.seed(t, "old-paused", models.StatePaused, 10*time.Minute, func(e *models.Execution) { e.PausedFrom = models.StateIdle })

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, []string{"old-idle"}, h.dispatched)
}

func TestSweep_SkipsWhenAnotherReplicaHoldsTheLock(t *testing.T) {
	h := newHarness(t, &chainStub{})
	h.seed(t, "old-idle", models.StateIdle, 10*time.Minute, nil)
	_, ok, err := h.rec.Locker.Acquire(h.ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.rec.Sweep(h.ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, rep.Requeued)
}
