package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"sherpa/internal/adapter"
	"sherpa/internal/adapter/broadcast"
	"sherpa/internal/adapter/signer"
	"sherpa/internal/budget"
	"sherpa/internal/config"
	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/repository"
	"sherpa/internal/repository/memory"
	"sherpa/internal/risk"
)

const wallet = "0xwallet"

type fakeQuotes struct {
	mu    sync.Mutex
	fails int
	calls int
	quote adapter.Quote
}

func (f *fakeQuotes) Quote(ctx context.Context, req adapter.QuoteRequest) (adapter.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return adapter.Quote{}, errors.New("quote upstream 503")
	}
	return f.quote, nil
}

// scripted submits with submitErr and reports state on every poll.
type scripted struct {
	submitErr error
	state     adapter.TxState
	submits   int
}

func (s *scripted) Submit(ctx context.Context, tx adapter.SignedTx) (adapter.Submission, error) {
	s.submits++
	if s.submitErr != nil {
		return adapter.Submission{}, s.submitErr
	}
	return adapter.Submission{TxHash: "0xhash-" + tx.ExecutionID, SubmittedAt: time.Now().UTC()}, nil
}

func (s *scripted) Status(ctx context.Context, txHash string) (adapter.TxStatus, error) {
	return adapter.TxStatus{State: s.state, GasUsed: 50000, GasPriceGwei: decimal.NewFromInt(2), GasCostUSD: decimal.RequireFromString("0.40")}, nil
}

type fixture struct {
	ctx      context.Context
	repo     *memory.Store
	policies *policy.Store
	quotes   *fakeQuotes
	m        *Machine

	mu     sync.Mutex
	queued []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	policies := &policy.Store{Repo: repo}
	f := &fixture{
		ctx:      context.Background(),
		repo:     repo,
		policies: policies,
		quotes: &fakeQuotes{quote: adapter.Quote{
			Provider:     "test",
			ExpectedOut:  decimal.RequireFromString("0.02"),
			PriceUSD:     decimal.NewFromInt(2500),
			LiquidityUSD: decimal.NewFromInt(1_000_000),
			GasCostUSD:   decimal.RequireFromString("0.10"),
			Contract:     "0xrouter",
			Protocol:     "uniswap",
		}},
	}
	f.m = &Machine{
		Repo:        repo,
		Budget:      &budget.Enforcer{Repo: repo, Policies: policies},
		Policies:    policies,
		Quotes:      f.quotes,
		Signer:      signer.Delegated{},
		Broadcaster: broadcast.NewDryRun(),
		Config: config.ExecutionConfig{
			MaxStepRetries: 2,
			RetryBaseDelay: time.Millisecond,
			MonitorPolls:   2,
		},
		Enqueue: func(id string) {
			f.mu.Lock()
			f.queued = append(f.queued, id)
			f.mu.Unlock()
		},
	}
	return f
}

func (f *fixture) addKey(t *testing.T, total int64) *models.SessionKey {
	t.Helper()
	k := &models.SessionKey{
		ID:               "key-1",
		WalletAddress:    wallet,
		Permissions:      []string{models.ActionSwap},
		MaxValuePerTxUSD: decimal.NewFromInt(100),
		MaxTotalValueUSD: decimal.NewFromInt(total),
		Status:           models.SessionKeyActive,
		ExpiresAt:        time.Now().UTC().Add(48 * time.Hour),
	}
	require.NoError(t, f.repo.CreateSessionKey(f.ctx, k))
	return k
}

func (f *fixture) addStrategy(t *testing.T, kind models.StrategyKind, cfg string) *models.Strategy {
	t.Helper()
	keyID := "key-1"
	s := &models.Strategy{
		ID:            "strat-1",
		WalletAddress: wallet,
		Name:          "weekly eth",
		Kind:          kind,
		Config:        datatypes.JSON(cfg),
		Status:        models.StrategyActive,
		Frequency:     models.FrequencyDaily,
		SessionKeyID:  &keyID,
	}
	require.NoError(t, f.repo.CreateStrategy(f.ctx, s))
	return s
}

const dcaConfig = `{"from_token":"USDC","to_token":"ETH","amount_usd":"50","chain_id":"8453"}`

func (f *fixture) run(t *testing.T, s *models.Strategy) *models.Execution {
	t.Helper()
	e, err := f.m.Create(f.ctx, s, models.TriggerManual, time.Time{}, "tester")
	require.NoError(t, err)
	require.NoError(t, f.m.Advance(f.ctx, e.ID))
	out, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	return out
}

func (f *fixture) key(t *testing.T) *models.SessionKey {
	t.Helper()
	k, err := f.repo.GetSessionKey(f.ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, k)
	return k
}

func (f *fixture) strategy(t *testing.T) *models.Strategy {
	t.Helper()
	s, err := f.repo.GetStrategy(f.ctx, "strat-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func auditFor(id string) repository.ListAuditParams {
	return repository.ListAuditParams{EntityID: &id}
}

func strategyWrite(s *models.Strategy) repository.Changeset {
	return repository.Changeset{Strategy: &repository.StrategyWrite{Strategy: s, ExpectedVersion: s.Version}}
}

func states(e *models.Execution) []models.ExecutionState {
	out := make([]models.ExecutionState, 0, len(e.History))
	for _, h := range e.History {
		out = append(out, h.ToState)
	}
	return out
}

func TestAdvance_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateCompleted, e.State, "error=%s %s", e.ErrorCode, e.ErrorMessage)
	assert.Equal(t, []models.ExecutionState{
		models.StateIdle, models.StateAnalyzing, models.StatePlanning,
		models.StateExecuting, models.StateMonitoring, models.StateCompleted,
	}, states(e))
	for i, h := range e.History {
		assert.Equal(t, i+1, h.Seq)
	}
	assert.Equal(t, broadcast.DryRunHash(e.ID), e.TxHash)
	assert.True(t, e.TokensOut.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, e.BudgetReserved)
	assert.False(t, e.BudgetReleased)
	assert.True(t, e.VolumeCommitted)
	assert.NotNil(t, e.CompletedAt)
	for _, st := range e.Steps {
		assert.Equal(t, models.StepCompleted, st.Status, st.ActionType)
	}

	k := f.key(t)
	assert.True(t, k.TotalValueUsedUSD.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 1, k.TransactionCount)
	require.Len(t, k.UsageLog, 2)
	assert.Equal(t, models.UsageReserved, k.UsageLog[0].Outcome)
	assert.Equal(t, models.UsageConfirmed, k.UsageLog[1].Outcome)

	st := f.strategy(t)
	assert.Equal(t, 1, st.TotalExecutions)
	assert.Equal(t, 1, st.SuccessfulExecutions)
	assert.True(t, st.TotalAmountSpentUSD.Equal(decimal.NewFromInt(50)))
	assert.True(t, st.TotalTokensAcquired.Equal(decimal.RequireFromString("0.02")))
	require.NotNil(t, st.NextExecutionAt)
	assert.True(t, st.NextExecutionAt.After(time.Now().UTC()))

	entries, err := f.repo.ListAuditEntries(f.ctx, auditFor(e.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestAdvance_QuoteRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	f.quotes.fails = 100
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, CodeQuoteUnavailable, e.ErrorCode)
	assert.True(t, e.Recoverable)
	assert.Equal(t, 2, e.Steps[stepQuote].RetryCount)
	assert.Equal(t, 3, f.quotes.calls)
	assert.True(t, f.key(t).TotalValueUsedUSD.IsZero())

	st := f.strategy(t)
	assert.Equal(t, 1, st.FailedExecutions)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestAdvance_EmergencyStopDeniesBeforeQuoting(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	_, err := f.policies.SetEmergencyStop(f.ctx, true, "incident", "ops")
	require.NoError(t, err)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, TriggerPolicyDenied, e.History[len(e.History)-1].Trigger)
	assert.Contains(t, e.ErrorMessage, budget.RuleEmergencyStop)
	assert.Zero(t, f.quotes.calls)
}

func TestAdvance_BudgetDenied(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 40)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, CodeBudgetDenied, e.ErrorCode)
	assert.Contains(t, e.ErrorMessage, budget.RuleBudgetExceeded)
	assert.False(t, e.BudgetReserved)
	assert.Equal(t, models.StepFailed, e.Steps[stepPolicy].Status)
	assert.Equal(t, models.StepSkipped, e.Steps[stepSubmit].Status)
}

func TestApprove_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	threshold := decimal.NewFromInt(50)
	require.NoError(t, f.policies.UpsertRisk(f.ctx, &models.RiskPolicy{
		WalletAddress: wallet, Enabled: true, RequireApprovalAboveUSD: &threshold,
	}))

	e := f.run(t, s)
	require.Equal(t, models.StateAwaitingApproval, e.State)
	assert.True(t, e.RequiresApproval)
	assert.Equal(t, budget.RuleApprovalThreshold, e.ApprovalReason)
	assert.True(t, f.key(t).TotalValueUsedUSD.IsZero())

	first, err := f.m.Approve(f.ctx, e.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateExecuting, first.State)
	assert.Equal(t, "alice", first.ApprovedBy)
	assert.Contains(t, f.queued, e.ID)

	second, err := f.m.Approve(f.ctx, e.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.True(t, f.key(t).TotalValueUsedUSD.Equal(decimal.NewFromInt(50)), "approval must debit once")

	require.NoError(t, f.m.Advance(f.ctx, e.ID))
	done, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.State)
}

func TestApprove_KeylessSpendCountsTowardDailyVolume(t *testing.T) {
	f := newFixture(t)
	f.m.Budget.Risk = &risk.Manager{Repo: f.repo}
	operator, err := signer.NewLocal("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	f.m.Signer = signer.Fallback{Primary: signer.Delegated{}, Secondary: operator}
	limit := decimal.NewFromInt(100)
	require.NoError(t, f.policies.UpsertRisk(f.ctx, &models.RiskPolicy{
		WalletAddress: wallet, Enabled: true, MaxDailyVolumeUSD: &limit,
	}))
	s := &models.Strategy{
		ID:                  "strat-1",
		WalletAddress:       wallet,
		Name:                "manual eth",
		Kind:                models.KindDCA,
		Config:              datatypes.JSON(`{"from_token":"USDC","to_token":"ETH","amount_usd":"60","chain_id":"8453"}`),
		Status:              models.StrategyActive,
		Frequency:           models.FrequencyDaily,
		AllowManualApproval: true,
	}
	require.NoError(t, f.repo.CreateStrategy(f.ctx, s))

	first := f.run(t, s)
	require.Equal(t, models.StateAwaitingApproval, first.State)
	approved, err := f.m.Approve(f.ctx, first.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.StateExecuting, approved.State)
	assert.False(t, approved.BudgetReserved, "no key to debit")
	assert.True(t, approved.VolumeCommitted)
	require.NoError(t, f.m.Advance(f.ctx, first.ID))
	done, err := f.m.Get(f.ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, done.State, "error=%s %s", done.ErrorCode, done.ErrorMessage)
	assert.True(t, done.VolumeCommitted)

	second := f.run(t, f.strategy(t))
	require.Equal(t, models.StateAwaitingApproval, second.State)
	out, err := f.m.Approve(f.ctx, second.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, CodeBudgetDenied, out.ErrorCode)
	assert.Contains(t, out.ErrorMessage, risk.RuleDailyVolume)
}

func TestSkip_CancelsAwaitingExecution(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	threshold := decimal.NewFromInt(10)
	require.NoError(t, f.policies.UpsertRisk(f.ctx, &models.RiskPolicy{
		WalletAddress: wallet, Enabled: true, RequireApprovalAboveUSD: &threshold,
	}))
	e := f.run(t, s)
	require.Equal(t, models.StateAwaitingApproval, e.State)

	out, err := f.m.Skip(f.ctx, e.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, out.State)
	assert.Equal(t, CodeCancelled, out.ErrorCode)
	assert.Equal(t, 1, f.strategy(t).SkippedExecutions)

	_, err = f.m.Approve(f.ctx, e.ID, "alice")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestAdvance_SubmitFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	b := &scripted{submitErr: &adapter.BroadcastError{Err: errors.New("nonce too low")}}
	f.m.Broadcaster = b
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, CodeBroadcastFailed, e.ErrorCode)
	assert.False(t, e.Recoverable)
	assert.Equal(t, 1, b.submits, "permanent errors are not retried")
	assert.True(t, e.BudgetReleased)
	assert.False(t, e.VolumeCommitted, "nothing reached the chain")

	k := f.key(t)
	assert.True(t, k.TotalValueUsedUSD.IsZero())
	assert.Zero(t, k.TransactionCount)
	require.NotEmpty(t, k.UsageLog)
	assert.Equal(t, models.UsageReleased, k.UsageLog[len(k.UsageLog)-1].Outcome)
}

func TestAdvance_TransientSubmitIsRetried(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	b := &scripted{submitErr: &adapter.BroadcastError{Err: errors.New("503"), Transient: true}}
	f.m.Broadcaster = b
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.True(t, e.Recoverable)
	assert.Equal(t, 3, b.submits)
	assert.Equal(t, 2, e.Steps[stepSubmit].RetryCount)
}

func TestAdvance_RevertKeepsDebit(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	f.m.Broadcaster = &scripted{state: adapter.TxReverted}
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	require.Equal(t, models.StateFailed, e.State)
	assert.Equal(t, CodeOnChainReverted, e.ErrorCode)
	assert.True(t, e.LossUSD.Equal(decimal.RequireFromString("0.40")))
	assert.False(t, e.BudgetReleased)

	k := f.key(t)
	assert.True(t, k.TotalValueUsedUSD.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, models.UsageFailed, k.UsageLog[len(k.UsageLog)-1].Outcome)
}

func TestAdvance_PendingTxStaysInMonitoring(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	f.m.Broadcaster = &scripted{state: adapter.TxPending}
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e := f.run(t, s)
	assert.Equal(t, models.StateMonitoring, e.State)
	assert.NotEmpty(t, e.TxHash)
}

func TestAdvance_ConsecutiveFailuresFailStrategy(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	f.quotes.fails = 100
	f.m.Config.MaxStepRetries = -1
	f.m.Config.MaxConsecutiveFailures = 2
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	f.run(t, s)
	assert.Equal(t, models.StrategyActive, f.strategy(t).Status)
	f.run(t, f.strategy(t))

	st := f.strategy(t)
	assert.Equal(t, models.StrategyFailed, st.Status)
	assert.Equal(t, "max_consecutive_failures", st.StatusReason)
	assert.Nil(t, st.NextExecutionAt)
}

func TestAdvance_LimitNotMetCancels(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	// 100 / 2000 = 0.05 minimum; the quote only yields 0.02.
	s := f.addStrategy(t, models.KindLimitOrder, `{"from_token":"USDC","to_token":"ETH","amount_usd":"100","chain_id":"8453","limit_price_usd":"2000"}`)

	e := f.run(t, s)
	require.Equal(t, models.StateCancelled, e.State)
	assert.Equal(t, CodeCancelled, e.ErrorCode)
	assert.Contains(t, e.ErrorMessage, "limit not met")
	assert.Equal(t, 1, f.strategy(t).SkippedExecutions)
	assert.True(t, f.key(t).TotalValueUsedUSD.IsZero())
}

func TestScheduledRunCancelsWhenStrategyPaused(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)

	e, err := f.m.StartScheduled(f.ctx, s, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, f.queued)

	st := f.strategy(t)
	st.Status = models.StrategyPaused
	require.NoError(t, f.repo.Apply(f.ctx, strategyWrite(st)))

	require.NoError(t, f.m.Advance(f.ctx, e.ID))
	out, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, out.State)
}

func TestTerminalExecutionIsImmutable(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	e := f.run(t, s)
	require.Equal(t, models.StateCompleted, e.State)

	_, err := f.m.Cancel(f.ctx, e.ID, "alice", "")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.m.Pause(f.ctx, e.ID, "alice")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.m.Resolve(f.ctx, e.ID, Resolution{Trigger: TriggerReconcileFailed, Code: CodeReconciliationTimeout})
	assert.ErrorIs(t, err, ErrTerminal)

	after, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Version, after.Version)
	assert.Len(t, after.History, len(e.History))
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	e, err := f.m.Create(f.ctx, s, models.TriggerManual, time.Time{}, "tester")
	require.NoError(t, err)

	paused, err := f.m.Pause(f.ctx, e.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, paused.State)
	assert.Equal(t, models.StateIdle, paused.PausedFrom)

	require.NoError(t, f.m.Advance(f.ctx, e.ID))
	still, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, still.State)

	_, err = f.m.Pause(f.ctx, e.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := f.m.Resume(f.ctx, e.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, resumed.State)
	assert.Empty(t, resumed.PausedFrom)
	assert.Contains(t, f.queued, e.ID)

	require.NoError(t, f.m.Advance(f.ctx, e.ID))
	done, err := f.m.Get(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.State)
}

func TestPausedInFlightCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, 500)
	f.m.Broadcaster = &scripted{state: adapter.TxPending}
	s := f.addStrategy(t, models.KindDCA, dcaConfig)
	e := f.run(t, s)
	require.Equal(t, models.StateMonitoring, e.State)

	_, err := f.m.Pause(f.ctx, e.ID, "alice")
	require.NoError(t, err)
	_, err = f.m.Cancel(f.ctx, e.ID, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	status := adapter.TxStatus{State: adapter.TxConfirmed, TokensOut: decimal.RequireFromString("0.019")}
	out, err := f.m.Resolve(f.ctx, e.ID, Resolution{Trigger: TriggerReconcileConfirmed, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, out.State)
	assert.True(t, out.TokensOut.Equal(decimal.RequireFromString("0.019")))
}
