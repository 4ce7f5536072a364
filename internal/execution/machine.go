package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"sherpa/internal/adapter"
	"sherpa/internal/adapter/notify"
	"sherpa/internal/audit"
	"sherpa/internal/budget"
	"sherpa/internal/config"
	"sherpa/internal/events"
	"sherpa/internal/models"
	"sherpa/internal/policy"
	"sherpa/internal/repository"
	"sherpa/internal/scheduler"
	"sherpa/internal/strategy"
)

// Step layout of every execution.
const (
	stepQuote = iota
	stepPolicy
	stepSubmit
	stepConfirm
)

var stepPlan = []struct {
	action string
	desc   string
}{
	{models.StepFetchQuote, "fetch quote and route"},
	{models.StepEvaluatePolicy, "evaluate session key and risk policy"},
	{models.StepSubmitTransaction, "sign and submit transaction"},
	{models.StepConfirmTransaction, "wait for on-chain confirmation"},
}

// Machine owns every write to an execution. All writes go through Apply with
// the execution's version, so a worker and a user command racing on the same
// execution resolve by one of them reloading.
type Machine struct {
	Repo        repository.Repository
	Budget      *budget.Enforcer
	Policies    *policy.Store
	Quotes      adapter.QuoteProvider
	Signer      adapter.Signer
	Broadcaster adapter.Broadcaster
	Notifier    adapter.Notifier
	Events      *events.Bus
	Audit       *audit.Recorder
	Logger      *zap.Logger
	Config      config.ExecutionConfig

	// Enqueue hands an execution to the worker pool.
	Enqueue func(id string)

	now func() time.Time
}

func (m *Machine) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now().UTC()
}

func (m *Machine) maxRetries() int {
	if m.Config.MaxStepRetries < 0 {
		return 0
	}
	if m.Config.MaxStepRetries == 0 {
		return 3
	}
	return m.Config.MaxStepRetries
}

func (m *Machine) retryBase() time.Duration {
	if m.Config.RetryBaseDelay <= 0 {
		return 2 * time.Second
	}
	return m.Config.RetryBaseDelay
}

func (m *Machine) stepTimeout() time.Duration {
	if m.Config.StepTimeout <= 0 {
		return 30 * time.Second
	}
	return m.Config.StepTimeout
}

func (m *Machine) maxConsecutiveFailures() int {
	if m.Config.MaxConsecutiveFailures <= 0 {
		return 5
	}
	return m.Config.MaxConsecutiveFailures
}

func (m *Machine) enqueue(id string) {
	if m.Enqueue != nil {
		m.Enqueue(id)
	}
}

// Create persists a new idle execution for s. It does not enqueue it.
func (m *Machine) Create(ctx context.Context, s *models.Strategy, trigger string, scheduledFor time.Time, actor string) (*models.Execution, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("execution: machine not configured")
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil strategy", strategy.ErrInvalidConfig)
	}
	intent, err := strategy.IntentOf(s)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	if strings.TrimSpace(actor) == "" {
		actor = "scheduler"
	}
	e := &models.Execution{
		ID:             uuid.NewString(),
		StrategyID:     s.ID,
		WalletAddress:  s.WalletAddress,
		Trigger:        trigger,
		State:          models.StateIdle,
		StateEnteredAt: now,
		AmountUSD:      intent.AmountUSD,
		SessionKeyID:   s.SessionKeyID,
		ScheduledFor:   scheduledFor.UTC(),
		CreatedAt:      now,
	}
	input := mustJSON(intent)
	for i, p := range stepPlan {
		step := models.ExecutionStep{
			ExecutionID: e.ID,
			Sequence:    i,
			Description: p.desc,
			ActionType:  p.action,
			Status:      models.StepPending,
		}
		if i == stepQuote {
			step.Input = input
		}
		e.Steps = append(e.Steps, step)
	}
	e.History = []models.StateTransition{{
		ExecutionID: e.ID,
		Seq:         1,
		ToState:     models.StateIdle,
		Trigger:     trigger,
		Actor:       actor,
		CreatedAt:   now,
	}}
	if err := m.Repo.CreateExecution(ctx, e); err != nil {
		return nil, err
	}
	if m.Logger != nil {
		m.Logger.Info("execution created",
			zap.String("execution_id", e.ID),
			zap.String("strategy_id", s.ID),
			zap.String("trigger", trigger),
			zap.String("amount_usd", e.AmountUSD.StringFixed(2)),
		)
	}
	m.Events.Emit(ctx, events.Event{
		Type: events.TypeTransition, ExecutionID: e.ID, StrategyID: s.ID, WalletAddress: s.WalletAddress,
		To: string(models.StateIdle), Trigger: trigger, Actor: actor, Seq: 1, At: now,
	})
	return e, nil
}

// StartScheduled creates the execution for a due slot and enqueues it.
func (m *Machine) StartScheduled(ctx context.Context, s *models.Strategy, scheduledFor time.Time) (*models.Execution, error) {
	e, err := m.Create(ctx, s, models.TriggerScheduled, scheduledFor, "scheduler")
	if err != nil {
		return nil, err
	}
	m.enqueue(e.ID)
	return e, nil
}

var _ scheduler.Starter = (*Machine)(nil)

// Get loads an execution with its steps and history.
func (m *Machine) Get(ctx context.Context, id string) (*models.Execution, error) {
	e, err := m.Repo.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// --- commit plumbing ---------------------------------------------------------

// change is one write to an execution. An empty Trigger updates fields
// without a state transition.
type change struct {
	Trigger string
	Actor   string
	Message string
	Mutate  func(e *models.Execution, now time.Time)
}

// builder inspects a freshly loaded execution and returns the change to
// apply. d is the enforcer's decision on reservation paths, nil otherwise.
type builder func(e *models.Execution, d *budget.Decision) (change, error)

type keyOp int

const (
	keyNone keyOp = iota
	keyReserve
	keyRelease
	keySettle
)

type applied struct {
	exec      *models.Execution
	from      models.ExecutionState
	change    change
	appended  []models.StateTransition
	strategy  *models.Strategy
	prevState models.StrategyStatus
	decision  *budget.Decision
	entries   []models.AuditEntry
}

// settlement decides what a terminal transition does to the reservation:
// refund it when nothing reached the chain, otherwise record the outcome.
func settlement(e *models.Execution, c change) (keyOp, string) {
	if c.Trigger == "" || !e.BudgetReserved || e.BudgetReleased || e.SessionKeyID == nil || *e.SessionKeyID == "" {
		return keyNone, ""
	}
	to, err := Next(e.State, e.PausedFrom, c.Trigger)
	if err != nil || !to.Terminal() {
		return keyNone, ""
	}
	if strings.TrimSpace(e.TxHash) == "" {
		return keyRelease, ""
	}
	if to == models.StateCompleted {
		return keySettle, models.UsageConfirmed
	}
	return keySettle, models.UsageFailed
}

// commit applies the change built by b, settling the session key in the
// same transaction when the change is terminal.
func (m *Machine) commit(ctx context.Context, id string, b builder) (*models.Execution, error) {
	for attempt := 0; attempt < 8; attempt++ {
		e, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c, err := b(e, nil)
		if err != nil {
			return e, err
		}
		op, outcome := settlement(e, c)

		var res *applied
		try := func(ctx context.Context, d *budget.Debit) error {
			fresh, err := m.Get(ctx, id)
			if err != nil {
				return err
			}
			c, err := b(fresh, nil)
			if err != nil {
				return err
			}
			if got, _ := settlement(fresh, c); got != op {
				return errStale
			}
			r, err := m.apply(ctx, fresh, c, d, op)
			if err != nil {
				return err
			}
			res = r
			return nil
		}

		switch {
		case op == keyNone || m.Budget == nil:
			err = try(ctx, nil)
		case op == keyRelease:
			err = m.Budget.Release(ctx, *e.SessionKeyID, e.ID, e.AmountUSD, func(ctx context.Context, d budget.Debit) error {
				return try(ctx, &d)
			})
		default:
			err = m.Budget.Settle(ctx, *e.SessionKeyID, e.ID, e.AmountUSD, outcome, func(ctx context.Context, d budget.Debit) error {
				return try(ctx, &d)
			})
		}
		if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, budget.ErrConflictRetriesExhausted) || errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return e, err
		}
		m.after(ctx, res)
		return res.exec, nil
	}
	return nil, ErrConflict
}

// reserve runs the enforcer and commits its decision together with the
// change b builds from it.
func (m *Machine) reserve(ctx context.Context, id string, req budget.ReserveRequest, b builder) (*models.Execution, budget.Decision, error) {
	if m.Budget == nil {
		return nil, budget.Decision{}, errors.New("execution: budget enforcer not configured")
	}
	var res *applied
	dec, err := m.Budget.Reserve(ctx, req, func(ctx context.Context, d budget.Debit) error {
		e, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		decision := d.Decision
		c, err := b(e, &decision)
		if err != nil {
			return err
		}
		r, err := m.apply(ctx, e, c, &d, keyReserve)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, dec, err
	}
	m.after(ctx, res)
	return res.exec, dec, nil
}

func (m *Machine) apply(ctx context.Context, e *models.Execution, c change, d *budget.Debit, op keyOp) (*applied, error) {
	now := m.clock()
	expected := e.Version
	res := &applied{exec: e, from: e.State, change: c}

	if c.Trigger == "" && e.State.Terminal() {
		return nil, ErrTerminal
	}
	if c.Trigger != "" {
		to, err := Next(e.State, e.PausedFrom, c.Trigger)
		if err != nil {
			return nil, err
		}
		switch {
		case c.Trigger == TriggerPause:
			e.PausedFrom = e.State
		case to != models.StatePaused:
			e.PausedFrom = ""
		}
		e.State = to
		e.StateEnteredAt = now
		if to.Terminal() {
			e.CompletedAt = &now
		}
		res.appended = []models.StateTransition{{
			ExecutionID:  e.ID,
			Seq:          e.LastSeq() + 1,
			FromState:    res.from,
			ToState:      to,
			Trigger:      c.Trigger,
			Actor:        actorOr(c.Actor),
			ErrorMessage: c.Message,
			CreatedAt:    now,
		}}
	}
	if c.Mutate != nil {
		c.Mutate(e, now)
	}
	if op == keyRelease {
		e.BudgetReleased = true
	}
	if e.State.Terminal() {
		closeSteps(e, now)
		if strings.TrimSpace(e.TxHash) == "" {
			e.VolumeCommitted = false
		}
	}
	if e.CurrentStepIndex > len(e.Steps) {
		e.CurrentStepIndex = len(e.Steps)
	}

	cs := repository.Changeset{
		Execution: &repository.ExecutionWrite{Execution: e, ExpectedVersion: expected, Appended: res.appended},
	}
	if d != nil {
		cs.SessionKey = d.KeyWrite()
		if op == keyReserve {
			dec := d.Decision
			res.decision = &dec
			res.entries = append(res.entries, audit.Entry(models.AuditDecision, e.ID, e.WalletAddress, "reserve",
				string(dec.Verdict), dec.Rule, actorOr(c.Actor), map[string]any{
					"layer":     dec.Layer,
					"value_usd": e.AmountUSD.String(),
					"warnings":  dec.Warnings,
					"message":   dec.Message,
				}))
		}
	}
	if len(res.appended) > 0 {
		tr := res.appended[0]
		res.entries = append(res.entries, audit.Entry(models.AuditTransition, e.ID, e.WalletAddress, tr.Trigger,
			string(tr.ToState), e.ErrorCode, tr.Actor, map[string]any{
				"from": string(tr.FromState),
				"seq":  tr.Seq,
			}))
		if tr.ToState.Terminal() {
			st, prev, err := m.bookkeeping(ctx, e, now)
			if err != nil {
				return nil, err
			}
			if st != nil {
				cs.Strategy = &repository.StrategyWrite{Strategy: st, ExpectedVersion: st.Version}
				res.strategy = st
				res.prevState = prev
				if st.Status != prev {
					res.entries = append(res.entries, audit.Entry(models.AuditStrategy, st.ID, st.WalletAddress, "status",
						string(st.Status), st.StatusReason, "system", map[string]any{"from": string(prev), "execution_id": e.ID}))
				}
			}
		}
	}
	cs.Audit = res.entries

	if err := m.Repo.Apply(ctx, cs); err != nil {
		return nil, err
	}
	e.History = append(e.History, res.appended...)
	return res, nil
}

// bookkeeping folds a terminal execution into its strategy. The returned
// strategy carries the version it was loaded at.
func (m *Machine) bookkeeping(ctx context.Context, e *models.Execution, now time.Time) (*models.Strategy, models.StrategyStatus, error) {
	st, err := m.Repo.GetStrategy(ctx, e.StrategyID)
	if err != nil || st == nil {
		return nil, "", err
	}
	prev := st.Status
	st.TotalExecutions++
	switch e.State {
	case models.StateCompleted:
		st.SuccessfulExecutions++
		st.ConsecutiveFailures = 0
		st.TotalAmountSpentUSD = st.TotalAmountSpentUSD.Add(e.AmountUSD)
		st.TotalTokensAcquired = st.TotalTokensAcquired.Add(e.TokensOut)
	case models.StateFailed:
		st.FailedExecutions++
		st.ConsecutiveFailures++
	case models.StateCancelled:
		st.SkippedExecutions++
	}
	last := now
	st.LastExecutionAt = &last

	if st.Status != models.StrategyActive && st.Status != models.StrategyPaused {
		return st, prev, nil
	}
	if e.State == models.StateFailed && st.ConsecutiveFailures >= m.maxConsecutiveFailures() {
		st.Status = models.StrategyFailed
		st.StatusReason = "max_consecutive_failures"
		st.NextExecutionAt = nil
		return st, prev, nil
	}
	if hit, reason := scheduler.GuardReached(st, now); hit {
		st.Status = models.StrategyCompleted
		st.StatusReason = reason
		st.NextExecutionAt = nil
		return st, prev, nil
	}
	next, err := scheduler.NextExecution(st, now)
	if err != nil {
		// A schedule that can't produce a next slot can't stay active.
		st.Status = models.StrategyFailed
		st.StatusReason = err.Error()
		st.NextExecutionAt = nil
		return st, prev, nil
	}
	if scheduler.PastEnd(st, next) {
		st.Status = models.StrategyCompleted
		st.StatusReason = scheduler.ReasonEndDate
		st.NextExecutionAt = nil
		return st, prev, nil
	}
	st.NextExecutionAt = &next
	return st, prev, nil
}

// after runs the side effects of a committed change. Nothing here may fail
// the change.
func (m *Machine) after(ctx context.Context, res *applied) {
	if res == nil {
		return
	}
	e := res.exec
	m.Audit.Mirror(res.entries...)
	for _, tr := range res.appended {
		if m.Logger != nil {
			m.Logger.Info("execution transition",
				zap.String("execution_id", e.ID),
				zap.String("strategy_id", e.StrategyID),
				zap.String("from", string(tr.FromState)),
				zap.String("to", string(tr.ToState)),
				zap.String("trigger", tr.Trigger),
				zap.String("error_code", e.ErrorCode),
			)
		}
		m.Events.Emit(ctx, events.Event{
			Type: events.TypeTransition, ExecutionID: e.ID, StrategyID: e.StrategyID, WalletAddress: e.WalletAddress,
			From: string(tr.FromState), To: string(tr.ToState), Trigger: tr.Trigger, Actor: tr.Actor,
			ErrorCode: e.ErrorCode, Seq: tr.Seq, At: tr.CreatedAt,
		})
		m.notifyTransition(ctx, e, tr)
	}
	if st := res.strategy; st != nil && st.Status != res.prevState {
		m.Events.Emit(ctx, events.Event{
			Type: events.TypeStrategyStatus, StrategyID: st.ID, WalletAddress: st.WalletAddress,
			From: string(res.prevState), To: string(st.Status), Trigger: st.StatusReason, ExecutionID: e.ID,
		})
		m.notify(ctx, adapter.Notification{
			Event:         "strategy_" + string(st.Status),
			Level:         levelFor(st.Status == models.StrategyFailed),
			Title:         "Strategy " + string(st.Status),
			Message:       st.Name + ": " + st.StatusReason,
			WalletAddress: st.WalletAddress,
			StrategyID:    st.ID,
			ExecutionID:   e.ID,
		})
	}
}

func (m *Machine) notifyTransition(ctx context.Context, e *models.Execution, tr models.StateTransition) {
	var n adapter.Notification
	switch tr.ToState {
	case models.StateAwaitingApproval:
		n = adapter.Notification{Event: notify.EventApprovalRequired, Level: "warn", Title: "Approval required",
			Message: e.AmountUSD.StringFixed(2) + " USD: " + e.ApprovalReason}
	case models.StateCompleted:
		n = adapter.Notification{Event: notify.EventExecutionDone, Level: "info", Title: "Execution completed",
			Message: "spent " + e.AmountUSD.StringFixed(2) + " USD, received " + e.TokensOut.String() + " (tx " + e.TxHash + ")"}
	case models.StateFailed:
		n = adapter.Notification{Event: notify.EventExecutionFailed, Level: "error", Title: "Execution failed",
			Message: e.ErrorCode + ": " + e.ErrorMessage}
	default:
		return
	}
	n.WalletAddress = e.WalletAddress
	n.StrategyID = e.StrategyID
	n.ExecutionID = e.ID
	n.At = tr.CreatedAt
	m.notify(ctx, n)
}

func (m *Machine) notify(ctx context.Context, n adapter.Notification) {
	if m.Notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = m.clock()
	}
	if err := m.Notifier.Notify(ctx, n); err != nil && m.Logger != nil {
		m.Logger.Warn("notify failed", zap.String("event", n.Event), zap.String("execution_id", n.ExecutionID), zap.Error(err))
	}
}

// --- helpers -----------------------------------------------------------------

func levelFor(bad bool) string {
	if bad {
		return "error"
	}
	return "info"
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return actor
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func startStep(e *models.Execution, idx int, now time.Time) {
	if idx < 0 || idx >= len(e.Steps) {
		return
	}
	s := &e.Steps[idx]
	if s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
	s.Status = models.StepRunning
	e.CurrentStepIndex = idx
}

func finishStep(e *models.Execution, idx int, status string, output any, errMsg string, now time.Time) {
	if idx < 0 || idx >= len(e.Steps) {
		return
	}
	s := &e.Steps[idx]
	if s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
	t := now
	s.CompletedAt = &t
	s.Status = status
	if output != nil {
		s.Output = mustJSON(output)
	}
	if errMsg != "" {
		s.ErrorMessage = errMsg
	}
	if status == models.StepCompleted {
		e.CurrentStepIndex = idx + 1
	}
}

// closeSteps settles every unfinished step of a terminal execution.
func closeSteps(e *models.Execution, now time.Time) {
	for i := range e.Steps {
		s := &e.Steps[i]
		switch s.Status {
		case models.StepRunning:
			if e.State == models.StateCompleted {
				finishStep(e, i, models.StepCompleted, nil, "", now)
			} else {
				finishStep(e, i, models.StepFailed, nil, e.ErrorMessage, now)
			}
		case models.StepPending:
			s.Status = models.StepSkipped
		}
	}
	if e.State == models.StateCompleted {
		e.CurrentStepIndex = len(e.Steps)
	}
}

func fail(code, msg string, recoverable bool) func(e *models.Execution, now time.Time) {
	return func(e *models.Execution, now time.Time) {
		e.ErrorCode = code
		e.ErrorMessage = msg
		e.Recoverable = recoverable
	}
}

func chain(fns ...func(e *models.Execution, now time.Time)) func(e *models.Execution, now time.Time) {
	return func(e *models.Execution, now time.Time) {
		for _, fn := range fns {
			if fn != nil {
				fn(e, now)
			}
		}
	}
}

func expect(e *models.Execution, states ...models.ExecutionState) error {
	for _, s := range states {
		if e.State == s {
			return nil
		}
	}
	if e.State.Terminal() {
		return ErrTerminal
	}
	return errStale
}

func quoteOf(e *models.Execution) (*adapter.Quote, error) {
	if len(e.QuoteSnapshot) == 0 {
		return nil, errors.New("execution has no quote")
	}
	var q adapter.Quote
	if err := json.Unmarshal(e.QuoteSnapshot, &q); err != nil {
		return nil, fmt.Errorf("decode quote snapshot: %w", err)
	}
	return &q, nil
}
