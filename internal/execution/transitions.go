// Package execution drives one execution of a strategy from creation to a
// terminal state.
package execution

import (
	"errors"

	"sherpa/internal/models"
)

var (
	ErrInvalidTransition = errors.New("execution: invalid transition")
	ErrTerminal          = errors.New("execution: terminal state")
	ErrNotFound          = errors.New("execution: not found")
	ErrConflict          = errors.New("execution: concurrent update retries exhausted")

	// errStale means the execution moved on while a step was working.
	errStale = errors.New("execution: state moved on")
)

// Triggers.
const (
	TriggerStart              = "start"
	TriggerQuoteReady         = "quote_ready"
	TriggerQuoteFailed        = "quote_failed"
	TriggerPolicyDenied       = "policy_denied"
	TriggerApprovalRequired   = "approval_required"
	TriggerBudgetAllowed      = "budget_allowed"
	TriggerApprove            = "approve"
	TriggerSkip               = "skip"
	TriggerSubmitted          = "submitted"
	TriggerSubmitFailed       = "submit_failed"
	TriggerConfirmed          = "confirmed"
	TriggerReverted           = "reverted"
	TriggerPause              = "pause"
	TriggerResume             = "resume"
	TriggerCancel             = "cancel"
	TriggerReconcileConfirmed = "reconcile_confirmed"
	TriggerReconcileFailed    = "reconcile_failed"
	// TriggerFail covers internal failures before anything reached the chain.
	TriggerFail = "fail"
)

// Triggers lists every trigger the machine understands.
var Triggers = []string{
	TriggerStart, TriggerQuoteReady, TriggerQuoteFailed, TriggerPolicyDenied,
	TriggerApprovalRequired, TriggerBudgetAllowed, TriggerApprove, TriggerSkip,
	TriggerSubmitted, TriggerSubmitFailed, TriggerConfirmed, TriggerReverted,
	TriggerPause, TriggerResume, TriggerCancel, TriggerReconcileConfirmed,
	TriggerReconcileFailed, TriggerFail,
}

// States lists every execution state.
var States = []models.ExecutionState{
	models.StateIdle, models.StateAnalyzing, models.StatePlanning, models.StateAwaitingApproval,
	models.StateExecuting, models.StateMonitoring, models.StateCompleted, models.StateFailed,
	models.StateCancelled, models.StatePaused,
}

// Error codes recorded on failed or cancelled executions.
const (
	CodeQuoteUnavailable      = "quote_unavailable"
	CodeBudgetDenied          = "budget_denied"
	CodeBroadcastFailed       = "broadcast_failed"
	CodeOnChainReverted       = "onchain_reverted"
	CodeReconciliationTimeout = "reconciliation_timeout"
	CodeCancelled             = "cancelled"
	CodeStrategyInvalid       = "strategy_invalid"
)

type edge struct {
	from    models.ExecutionState
	trigger string
}

var table = map[edge]models.ExecutionState{
	{models.StateIdle, TriggerStart}:                    models.StateAnalyzing,
	{models.StateAnalyzing, TriggerQuoteReady}:          models.StatePlanning,
	{models.StateAnalyzing, TriggerQuoteFailed}:         models.StateFailed,
	{models.StatePlanning, TriggerApprovalRequired}:     models.StateAwaitingApproval,
	{models.StatePlanning, TriggerBudgetAllowed}:        models.StateExecuting,
	{models.StateAwaitingApproval, TriggerApprove}:      models.StateExecuting,
	{models.StateAwaitingApproval, TriggerSkip}:         models.StateCancelled,
	{models.StateExecuting, TriggerSubmitted}:           models.StateMonitoring,
	{models.StateExecuting, TriggerSubmitFailed}:        models.StateFailed,
	{models.StateMonitoring, TriggerSubmitFailed}:       models.StateFailed,
	{models.StateExecuting, TriggerReverted}:            models.StateFailed,
	{models.StateMonitoring, TriggerReverted}:           models.StateFailed,
	{models.StateMonitoring, TriggerConfirmed}:          models.StateCompleted,
	{models.StateExecuting, TriggerReconcileConfirmed}:  models.StateCompleted,
	{models.StateMonitoring, TriggerReconcileConfirmed}: models.StateCompleted,
	{models.StateExecuting, TriggerReconcileFailed}:     models.StateFailed,
	{models.StateMonitoring, TriggerReconcileFailed}:    models.StateFailed,
	{models.StateIdle, TriggerCancel}:                   models.StateCancelled,
	{models.StateAnalyzing, TriggerCancel}:              models.StateCancelled,
	{models.StatePlanning, TriggerCancel}:               models.StateCancelled,
	{models.StateAwaitingApproval, TriggerCancel}:       models.StateCancelled,
}

func cancellable(s models.ExecutionState) bool {
	switch s {
	case models.StateIdle, models.StateAnalyzing, models.StatePlanning, models.StateAwaitingApproval:
		return true
	}
	return false
}

// CanCancel reports whether e may still be cancelled in its current state.
func CanCancel(e *models.Execution) bool {
	if e == nil {
		return false
	}
	_, err := Next(e.State, e.PausedFrom, TriggerCancel)
	return err == nil
}

func inFlight(s models.ExecutionState) bool {
	return s == models.StateExecuting || s == models.StateMonitoring
}

// Next returns the state trigger leads to from from. pausedFrom is only
// consulted when from is paused. Terminal states reject every trigger with
// ErrTerminal; any other undefined pair yields ErrInvalidTransition.
func Next(from, pausedFrom models.ExecutionState, trigger string) (models.ExecutionState, error) {
	if from.Terminal() {
		return from, ErrTerminal
	}
	switch trigger {
	case TriggerPolicyDenied, TriggerFail:
		return models.StateFailed, nil
	case TriggerPause:
		if from == models.StatePaused {
			return from, ErrInvalidTransition
		}
		return models.StatePaused, nil
	}
	if from == models.StatePaused {
		switch trigger {
		case TriggerResume:
			if pausedFrom == "" || pausedFrom == models.StatePaused || pausedFrom.Terminal() {
				return from, ErrInvalidTransition
			}
			return pausedFrom, nil
		case TriggerCancel:
			if cancellable(pausedFrom) {
				return models.StateCancelled, nil
			}
		case TriggerReconcileConfirmed:
			if inFlight(pausedFrom) {
				return models.StateCompleted, nil
			}
		case TriggerReconcileFailed:
			if inFlight(pausedFrom) {
				return models.StateFailed, nil
			}
		}
		return from, ErrInvalidTransition
	}
	if to, ok := table[edge{from, trigger}]; ok {
		return to, nil
	}
	return from, ErrInvalidTransition
}
