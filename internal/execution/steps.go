package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sherpa/internal/adapter"
	"sherpa/internal/budget"
	"sherpa/internal/models"
	"sherpa/internal/strategy"
)

// Advance drives an execution forward until it terminates, waits for a human
// or is paused. It is safe to call concurrently with user commands.
func (m *Machine) Advance(ctx context.Context, id string) error {
	if m == nil || m.Repo == nil {
		return errors.New("execution: machine not configured")
	}
	for round := 0; round < 16; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		yield := false
		switch e.State {
		case models.StateIdle:
			err = m.start(ctx, e)
		case models.StateAnalyzing:
			err = m.analyze(ctx, e)
		case models.StatePlanning:
			err = m.plan(ctx, e)
		case models.StateExecuting:
			err = m.execute(ctx, e)
		case models.StateMonitoring:
			yield, err = m.monitor(ctx, e)
		default:
			return nil
		}
		if errors.Is(err, errStale) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTerminal) {
			continue
		}
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("execution advance failed",
					zap.String("execution_id", id),
					zap.String("state", string(e.State)),
					zap.Error(err),
				)
			}
			return err
		}
		if yield {
			return nil
		}
	}
	return nil
}

func (m *Machine) start(ctx context.Context, e *models.Execution) error {
	_, err := m.commit(ctx, e.ID, func(e *models.Execution, _ *budget.Decision) (change, error) {
		if err := expect(e, models.StateIdle); err != nil {
			return change{}, err
		}
		return change{Trigger: TriggerStart, Mutate: func(e *models.Execution, now time.Time) {
			startStep(e, stepQuote, now)
		}}, nil
	})
	return err
}

// transition commits a plain trigger from one of the given states.
func (m *Machine) transition(ctx context.Context, id, trigger string, mutate func(*models.Execution, time.Time), from ...models.ExecutionState) (*models.Execution, error) {
	return m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		if err := expect(e, from...); err != nil {
			return change{}, err
		}
		return change{Trigger: trigger, Mutate: mutate}, nil
	})
}

// strategyFor loads the owning strategy and its intent.
func (m *Machine) strategyFor(ctx context.Context, e *models.Execution) (*models.Strategy, strategy.Intent, error) {
	s, err := m.Repo.GetStrategy(ctx, e.StrategyID)
	if err != nil {
		return nil, strategy.Intent{}, err
	}
	if s == nil {
		return nil, strategy.Intent{}, fmt.Errorf("%w: strategy %s missing", strategy.ErrInvalidConfig, e.StrategyID)
	}
	intent, err := strategy.IntentOf(s)
	return s, intent, err
}

func (m *Machine) analyze(ctx context.Context, e *models.Execution) error {
	sys, err := m.Policies.System(ctx)
	if err != nil {
		return err
	}
	if sys.EmergencyStop || sys.InMaintenance {
		rule, msg := budget.RuleEmergencyStop, sys.EmergencyStopReason
		if !sys.EmergencyStop {
			rule, msg = budget.RuleMaintenance, sys.MaintenanceMessage
		}
		_, err := m.transition(ctx, e.ID, TriggerPolicyDenied,
			fail(CodeBudgetDenied, strings.TrimSuffix(rule+": "+msg, ": "), false), models.StateAnalyzing)
		return err
	}

	s, intent, err := m.strategyFor(ctx, e)
	if errors.Is(err, strategy.ErrInvalidConfig) {
		_, err = m.transition(ctx, e.ID, TriggerFail, fail(CodeStrategyInvalid, err.Error(), false), models.StateAnalyzing)
		return err
	}
	if err != nil {
		return err
	}
	if s.Status.Terminal() || s.ArchivedAt != nil || (e.Trigger == models.TriggerScheduled && s.Status != models.StrategyActive) {
		_, err = m.transition(ctx, e.ID, TriggerCancel,
			fail(CodeCancelled, "strategy is "+string(s.Status), false), models.StateAnalyzing)
		return err
	}
	if m.Quotes == nil {
		_, err = m.transition(ctx, e.ID, TriggerQuoteFailed, fail(CodeQuoteUnavailable, "no quote provider", false), models.StateAnalyzing)
		return err
	}

	req := adapter.QuoteRequest{
		ChainID:        intent.ChainID,
		FromToken:      intent.FromToken,
		ToToken:        intent.ToToken,
		AmountUSD:      e.AmountUSD,
		MaxSlippageBps: intent.MaxSlippageBps,
	}
	var q adapter.Quote
	tries := 0
	err = retry.Do(ctx, retry.WithMaxRetries(uint64(m.maxRetries()), retry.NewExponential(m.retryBase())), func(ctx context.Context) error {
		if tries > 0 {
			if err := m.bumpRetry(ctx, e.ID, stepQuote, models.StateAnalyzing); err != nil {
				return err
			}
		}
		tries++
		qctx, cancel := context.WithTimeout(ctx, m.stepTimeout())
		defer cancel()
		got, err := m.Quotes.Quote(qctx, req)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Debug("quote attempt failed", zap.String("execution_id", e.ID), zap.Int("attempt", tries), zap.Error(err))
			}
			return retry.RetryableError(err)
		}
		q = got
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, ErrTerminal) {
		return err
	}
	if err != nil {
		msg := err.Error()
		_, err = m.transition(ctx, e.ID, TriggerQuoteFailed, chain(
			fail(CodeQuoteUnavailable, msg, true),
			func(e *models.Execution, now time.Time) { finishStep(e, stepQuote, models.StepFailed, nil, msg, now) },
		), models.StateAnalyzing)
		return err
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = m.clock()
	}

	if intent.MinOut.IsPositive() && q.ExpectedOut.LessThan(intent.MinOut) {
		msg := "limit not met: expected " + q.ExpectedOut.String() + " below minimum " + intent.MinOut.String()
		_, err = m.transition(ctx, e.ID, TriggerCancel, chain(
			func(e *models.Execution, now time.Time) {
				e.QuoteSnapshot = mustJSON(q)
				finishStep(e, stepQuote, models.StepCompleted, q, "", now)
			},
			fail(CodeCancelled, msg, false),
		), models.StateAnalyzing)
		return err
	}

	_, err = m.transition(ctx, e.ID, TriggerQuoteReady, func(e *models.Execution, now time.Time) {
		e.QuoteSnapshot = mustJSON(q)
		finishStep(e, stepQuote, models.StepCompleted, q, "", now)
		startStep(e, stepPolicy, now)
	}, models.StateAnalyzing)
	return err
}

// bumpRetry records one more attempt on step idx.
func (m *Machine) bumpRetry(ctx context.Context, id string, idx int, state models.ExecutionState) error {
	_, err := m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		if err := expect(e, state); err != nil {
			return change{}, err
		}
		return change{Mutate: func(e *models.Execution, now time.Time) {
			if idx < len(e.Steps) {
				e.Steps[idx].RetryCount++
			}
		}}, nil
	})
	return err
}

// Action builds the budget action for e. q may be nil before a quote exists.
func Action(e *models.Execution, s *models.Strategy, intent strategy.Intent, q *adapter.Quote) budget.Action {
	a := budget.Action{
		ExecutionID:   e.ID,
		StrategyID:    e.StrategyID,
		WalletAddress: e.WalletAddress,
		ActionType:    intent.ActionType,
		ChainID:       intent.ChainID,
		FromToken:     intent.FromToken,
		ToToken:       intent.ToToken,
		Contract:      intent.Contract,
		Protocol:      intent.Protocol,
		ValueUSD:      e.AmountUSD,
	}
	if s != nil {
		a.AllowManualApproval = s.AllowManualApproval
	}
	if q != nil {
		slip := q.SlippagePct()
		a.SlippagePct = &slip
		a.GasCostUSD = q.GasCostUSD
		if q.LiquidityUSD.IsPositive() {
			liq := q.LiquidityUSD
			a.LiquidityUSD = &liq
		}
		if a.Contract == "" {
			a.Contract = q.Contract
		}
		if a.Protocol == "" {
			a.Protocol = q.Protocol
		}
	}
	return a
}

func keyIDOf(e *models.Execution) string {
	if e.SessionKeyID == nil {
		return ""
	}
	return *e.SessionKeyID
}

func warningsJSON(w []string) func(*models.Execution, time.Time) {
	return func(e *models.Execution, now time.Time) {
		if len(w) > 0 {
			e.Warnings = mustJSON(w)
		}
	}
}

func (m *Machine) plan(ctx context.Context, e *models.Execution) error {
	s, intent, err := m.strategyFor(ctx, e)
	if errors.Is(err, strategy.ErrInvalidConfig) {
		_, err = m.transition(ctx, e.ID, TriggerFail, fail(CodeStrategyInvalid, err.Error(), false), models.StatePlanning)
		return err
	}
	if err != nil {
		return err
	}
	q, err := quoteOf(e)
	if err != nil {
		_, err = m.transition(ctx, e.ID, TriggerFail, fail(CodeQuoteUnavailable, err.Error(), false), models.StatePlanning)
		return err
	}
	req := budget.ReserveRequest{Action: Action(e, s, intent, q), SessionKeyID: keyIDOf(e)}
	_, _, err = m.reserve(ctx, e.ID, req, func(e *models.Execution, d *budget.Decision) (change, error) {
		if err := expect(e, models.StatePlanning); err != nil {
			return change{}, err
		}
		dec := *d
		switch dec.Verdict {
		case budget.Allow:
			return change{Trigger: TriggerBudgetAllowed, Mutate: chain(warningsJSON(dec.Warnings), func(e *models.Execution, now time.Time) {
				e.BudgetReserved = !dec.KeyWaived
				e.VolumeCommitted = true
				finishStep(e, stepPolicy, models.StepCompleted, dec, "", now)
				startStep(e, stepSubmit, now)
			})}, nil
		case budget.RequireApproval:
			return change{Trigger: TriggerApprovalRequired, Message: dec.Message, Mutate: chain(warningsJSON(dec.Warnings), func(e *models.Execution, now time.Time) {
				e.RequiresApproval = true
				e.ApprovalReason = dec.Rule
				if stepPolicy < len(e.Steps) {
					e.Steps[stepPolicy].Output = mustJSON(dec)
				}
			})}, nil
		default:
			msg := dec.Rule
			if dec.Message != "" {
				msg += ": " + dec.Message
			}
			return change{Trigger: TriggerPolicyDenied, Message: msg, Mutate: chain(
				warningsJSON(dec.Warnings),
				fail(CodeBudgetDenied, msg, false),
				func(e *models.Execution, now time.Time) { finishStep(e, stepPolicy, models.StepFailed, dec, msg, now) },
			)}, nil
		}
	})
	return err
}

func (m *Machine) txRequest(ctx context.Context, e *models.Execution) (adapter.TxRequest, error) {
	_, intent, err := m.strategyFor(ctx, e)
	if err != nil {
		return adapter.TxRequest{}, err
	}
	q, err := quoteOf(e)
	if err != nil {
		return adapter.TxRequest{}, err
	}
	req := adapter.TxRequest{
		ExecutionID:   e.ID,
		WalletAddress: e.WalletAddress,
		SessionKeyID:  keyIDOf(e),
		ChainID:       intent.ChainID,
		ActionType:    intent.ActionType,
		FromToken:     intent.FromToken,
		ToToken:       intent.ToToken,
		Contract:      intent.Contract,
		Protocol:      intent.Protocol,
		AmountUSD:     e.AmountUSD,
		ExpectedOut:   q.ExpectedOut,
		MinOut:        intent.MinOut,
	}
	if req.Contract == "" {
		req.Contract = q.Contract
	}
	if req.Protocol == "" {
		req.Protocol = q.Protocol
	}
	if req.MinOut.IsZero() && intent.MaxSlippageBps > 0 {
		keep := decimal.NewFromInt(int64(10000 - intent.MaxSlippageBps)).Div(decimal.NewFromInt(10000))
		req.MinOut = q.ExpectedOut.Mul(keep)
	}
	return req, nil
}

func (m *Machine) execute(ctx context.Context, e *models.Execution) error {
	if strings.TrimSpace(e.TxHash) != "" {
		// Submitted before a crash; just move on to monitoring.
		_, err := m.transition(ctx, e.ID, TriggerSubmitted, func(e *models.Execution, now time.Time) {
			finishStep(e, stepSubmit, models.StepCompleted, nil, "", now)
			startStep(e, stepConfirm, now)
		}, models.StateExecuting)
		return err
	}
	if m.Signer == nil || m.Broadcaster == nil {
		_, err := m.transition(ctx, e.ID, TriggerFail, fail(CodeBroadcastFailed, "signer or broadcaster not configured", false), models.StateExecuting)
		return err
	}

	req, err := m.txRequest(ctx, e)
	if err != nil {
		_, err = m.transition(ctx, e.ID, TriggerFail, fail(CodeStrategyInvalid, err.Error(), false), models.StateExecuting)
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, m.stepTimeout())
	signed, err := m.Signer.Sign(sctx, req)
	cancel()
	if err != nil {
		msg := "sign: " + err.Error()
		_, err = m.transition(ctx, e.ID, TriggerFail, chain(
			fail(CodeBroadcastFailed, msg, false),
			func(e *models.Execution, now time.Time) { finishStep(e, stepSubmit, models.StepFailed, nil, msg, now) },
		), models.StateExecuting)
		return err
	}

	var sub adapter.Submission
	tries := 0
	err = retry.Do(ctx, retry.WithMaxRetries(uint64(m.maxRetries()), retry.NewExponential(m.retryBase())), func(ctx context.Context) error {
		if tries > 0 {
			if err := m.bumpRetry(ctx, e.ID, stepSubmit, models.StateExecuting); err != nil {
				return err
			}
		}
		tries++
		bctx, cancel := context.WithTimeout(ctx, m.stepTimeout())
		defer cancel()
		got, err := m.Broadcaster.Submit(bctx, signed)
		if err != nil {
			if adapter.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		sub = got
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, ErrTerminal) {
		return err
	}
	if err != nil {
		msg := err.Error()
		transient := adapter.IsTransient(err)
		_, err = m.transition(ctx, e.ID, TriggerSubmitFailed, chain(
			fail(CodeBroadcastFailed, msg, transient),
			func(e *models.Execution, now time.Time) { finishStep(e, stepSubmit, models.StepFailed, nil, msg, now) },
		), models.StateExecuting)
		return err
	}

	_, err = m.commit(ctx, e.ID, func(e *models.Execution, _ *budget.Decision) (change, error) {
		record := func(e *models.Execution, now time.Time) {
			e.TxHash = sub.TxHash
			if stepSubmit < len(e.Steps) {
				e.Steps[stepSubmit].TxHash = sub.TxHash
			}
			finishStep(e, stepSubmit, models.StepCompleted, sub, "", now)
			startStep(e, stepConfirm, now)
		}
		switch {
		case e.State == models.StateExecuting:
			return change{Trigger: TriggerSubmitted, Mutate: record}, nil
		case e.State == models.StatePaused && e.PausedFrom == models.StateExecuting:
			// Paused mid-submit: keep the hash and resume into monitoring.
			return change{Mutate: chain(record, func(e *models.Execution, now time.Time) {
				e.PausedFrom = models.StateMonitoring
			})}, nil
		}
		return change{}, expect(e, models.StateExecuting)
	})
	return err
}

func (m *Machine) monitorPolls() (int, time.Duration) {
	polls, every := m.Config.MonitorPolls, m.Config.MonitorPollInterval
	if polls <= 0 {
		polls = 10
	}
	if every < 0 {
		every = 0
	}
	return polls, every
}

// monitor polls the broadcaster a bounded number of times. An unresolved
// transaction stays in monitoring for the reconciler.
func (m *Machine) monitor(ctx context.Context, e *models.Execution) (bool, error) {
	if m.Broadcaster == nil || strings.TrimSpace(e.TxHash) == "" {
		return true, nil
	}
	polls, every := m.monitorPolls()
	for i := 0; i < polls; i++ {
		pctx, cancel := context.WithTimeout(ctx, m.stepTimeout())
		st, err := m.Broadcaster.Status(pctx, e.TxHash)
		cancel()
		if err != nil {
			if m.Logger != nil {
				m.Logger.Debug("tx status failed", zap.String("execution_id", e.ID), zap.String("tx_hash", e.TxHash), zap.Error(err))
			}
		} else {
			switch st.State {
			case adapter.TxConfirmed:
				_, err := m.transition(ctx, e.ID, TriggerConfirmed, settleConfirmed(st), models.StateMonitoring)
				return false, err
			case adapter.TxReverted:
				_, err := m.transition(ctx, e.ID, TriggerReverted, chain(
					settleReverted(st),
					fail(CodeOnChainReverted, "transaction "+e.TxHash+" reverted", false),
				), models.StateMonitoring)
				return false, err
			}
		}
		if i == polls-1 || every == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(every):
		}
	}
	return true, nil
}

func settleConfirmed(st adapter.TxStatus) func(*models.Execution, time.Time) {
	return func(e *models.Execution, now time.Time) {
		e.TokensOut = st.TokensOut
		if !e.TokensOut.IsPositive() {
			if q, err := quoteOf(e); err == nil {
				e.TokensOut = q.ExpectedOut
			}
		}
		e.GasUsed = st.GasUsed
		e.GasPriceGwei = st.GasPriceGwei
		e.LossUSD = gasCost(e, st)
		finishStep(e, stepConfirm, models.StepCompleted, st, "", now)
	}
}

func settleReverted(st adapter.TxStatus) func(*models.Execution, time.Time) {
	return func(e *models.Execution, now time.Time) {
		e.GasUsed = st.GasUsed
		e.GasPriceGwei = st.GasPriceGwei
		// A revert loses the fee and the slippage budget, never the principal.
		e.LossUSD = gasCost(e, st)
		finishStep(e, stepConfirm, models.StepFailed, st, "reverted", now)
	}
}

func gasCost(e *models.Execution, st adapter.TxStatus) decimal.Decimal {
	if st.GasCostUSD.IsPositive() {
		return st.GasCostUSD
	}
	if q, err := quoteOf(e); err == nil {
		return q.GasCostUSD
	}
	return decimal.Zero
}
