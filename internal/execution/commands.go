package execution

import (
	"context"
	"errors"
	"strings"
	"time"

	"sherpa/internal/adapter"
	"sherpa/internal/budget"
	"sherpa/internal/models"
)

// Dispatch hands id to the worker pool.
func (m *Machine) Dispatch(id string) {
	m.enqueue(id)
}

// Approve reserves budget for an execution waiting on a human and moves it
// to executing. Approving an already approved execution returns it as is.
func (m *Machine) Approve(ctx context.Context, id, actor string) (*models.Execution, error) {
	e, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != models.StateAwaitingApproval {
		if e.ApprovedAt != nil {
			return e, nil
		}
		if e.State.Terminal() {
			return e, ErrTerminal
		}
		return e, ErrInvalidTransition
	}
	s, intent, err := m.strategyFor(ctx, e)
	if err != nil {
		return e, err
	}
	q, err := quoteOf(e)
	if err != nil {
		return e, err
	}
	action := Action(e, s, intent, q)
	action.Approved = true
	req := budget.ReserveRequest{Action: action, SessionKeyID: keyIDOf(e)}
	actor = actorOr(actor)

	out, _, err := m.reserve(ctx, id, req, func(e *models.Execution, d *budget.Decision) (change, error) {
		if e.State != models.StateAwaitingApproval {
			return change{}, errStale
		}
		dec := *d
		if dec.Allowed() {
			return change{Trigger: TriggerApprove, Actor: actor, Mutate: chain(warningsJSON(dec.Warnings), func(e *models.Execution, now time.Time) {
				t := now
				e.ApprovedAt = &t
				e.ApprovedBy = actor
				e.BudgetReserved = !dec.KeyWaived
				e.VolumeCommitted = true
				finishStep(e, stepPolicy, models.StepCompleted, dec, "", now)
				startStep(e, stepSubmit, now)
			})}, nil
		}
		// Approval never lifts a hard limit.
		msg := dec.Rule
		if dec.Message != "" {
			msg += ": " + dec.Message
		}
		return change{Trigger: TriggerPolicyDenied, Actor: actor, Message: msg, Mutate: chain(
			fail(CodeBudgetDenied, msg, false),
			func(e *models.Execution, now time.Time) { finishStep(e, stepPolicy, models.StepFailed, dec, msg, now) },
		)}, nil
	})
	if errors.Is(err, errStale) {
		// Someone else decided first; report what they decided.
		cur, gerr := m.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.ApprovedAt != nil {
			return cur, nil
		}
		if cur.State.Terminal() {
			return cur, ErrTerminal
		}
		return cur, ErrInvalidTransition
	}
	if err != nil {
		return e, err
	}
	if out.State == models.StateExecuting {
		m.enqueue(out.ID)
	}
	return out, nil
}

// Skip declines an execution waiting on approval.
func (m *Machine) Skip(ctx context.Context, id, actor, reason string) (*models.Execution, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "skipped by " + actorOr(actor)
	}
	return m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		return change{Trigger: TriggerSkip, Actor: actor, Message: reason, Mutate: fail(CodeCancelled, reason, false)}, nil
	})
}

// Cancel stops an execution that has not reached the chain.
func (m *Machine) Cancel(ctx context.Context, id, actor, reason string) (*models.Execution, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by " + actorOr(actor)
	}
	return m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		return change{Trigger: TriggerCancel, Actor: actor, Message: reason, Mutate: fail(CodeCancelled, reason, false)}, nil
	})
}

func (m *Machine) Pause(ctx context.Context, id, actor string) (*models.Execution, error) {
	return m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		return change{Trigger: TriggerPause, Actor: actor}, nil
	})
}

// Resume returns a paused execution to where it stopped and enqueues it.
func (m *Machine) Resume(ctx context.Context, id, actor string) (*models.Execution, error) {
	out, err := m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		return change{Trigger: TriggerResume, Actor: actor}, nil
	})
	if err != nil {
		return out, err
	}
	if out.State != models.StateAwaitingApproval {
		m.enqueue(out.ID)
	}
	return out, nil
}

// Resolution is how the reconciler settles an execution stuck on-chain side.
type Resolution struct {
	Trigger     string
	Code        string
	Message     string
	NeedsReview bool
	// Status is the last known transaction status, if any.
	Status *adapter.TxStatus
}

// Resolve forces an in-flight or paused execution to the terminal state the
// resolution names. Idle, planning and approval states are never touched.
func (m *Machine) Resolve(ctx context.Context, id string, r Resolution) (*models.Execution, error) {
	return m.commit(ctx, id, func(e *models.Execution, _ *budget.Decision) (change, error) {
		if !inFlight(e.State) && !(e.State == models.StatePaused && inFlight(e.PausedFrom)) {
			if e.State.Terminal() {
				return change{}, ErrTerminal
			}
			return change{}, ErrInvalidTransition
		}
		var mutate func(*models.Execution, time.Time)
		switch {
		case r.Trigger == TriggerReconcileConfirmed && r.Status != nil:
			mutate = settleConfirmed(*r.Status)
		case r.Status != nil && r.Status.State == adapter.TxReverted:
			mutate = chain(settleReverted(*r.Status), fail(r.Code, r.Message, false))
		case r.Trigger != TriggerReconcileConfirmed:
			mutate = fail(r.Code, r.Message, false)
		}
		needsReview := r.NeedsReview
		return change{Trigger: r.Trigger, Actor: "reconciler", Message: r.Message, Mutate: chain(mutate, func(e *models.Execution, now time.Time) {
			e.NeedsReview = e.NeedsReview || needsReview
		})}, nil
	})
}
