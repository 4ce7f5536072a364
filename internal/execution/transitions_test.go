package execution

import (
	"errors"
	"testing"

	"sherpa/internal/models"
)

func TestNext_TableIsTotal(t *testing.T) {
	for _, from := range States {
		pausedFroms := []models.ExecutionState{""}
		if from == models.StatePaused {
			pausedFroms = States
		}
		for _, pf := range pausedFroms {
			for _, trig := range Triggers {
				to, err := Next(from, pf, trig)
				switch {
				case err == nil:
					found := false
					for _, s := range States {
						if s == to {
							found = true
						}
					}
					if !found {
						t.Fatalf("%s --%s--> unknown state %q", from, trig, to)
					}
				case errors.Is(err, ErrTerminal):
					if !from.Terminal() {
						t.Fatalf("%s --%s--> ErrTerminal from non-terminal state", from, trig)
					}
				case errors.Is(err, ErrInvalidTransition):
				default:
					t.Fatalf("%s --%s--> unexpected err=%v", from, trig, err)
				}
			}
		}
	}
}

func TestNext_TerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []models.ExecutionState{models.StateCompleted, models.StateFailed, models.StateCancelled} {
		for _, trig := range Triggers {
			if _, err := Next(from, "", trig); !errors.Is(err, ErrTerminal) {
				t.Fatalf("%s --%s--> err=%v want ErrTerminal", from, trig, err)
			}
		}
	}
}

func TestNext_HappyPath(t *testing.T) {
	path := []struct {
		trigger string
		want    models.ExecutionState
	}{
		{TriggerStart, models.StateAnalyzing},
		{TriggerQuoteReady, models.StatePlanning},
		{TriggerBudgetAllowed, models.StateExecuting},
		{TriggerSubmitted, models.StateMonitoring},
		{TriggerConfirmed, models.StateCompleted},
	}
	state := models.StateIdle
	for _, step := range path {
		next, err := Next(state, "", step.trigger)
		if err != nil || next != step.want {
			t.Fatalf("%s --%s--> %s err=%v want=%s", state, step.trigger, next, err, step.want)
		}
		state = next
	}
}

func TestNext_PauseResumeAndCancel(t *testing.T) {
	if to, err := Next(models.StatePaused, models.StatePlanning, TriggerResume); err != nil || to != models.StatePlanning {
		t.Fatalf("resume to=%s err=%v", to, err)
	}
	if to, err := Next(models.StatePaused, models.StateAwaitingApproval, TriggerCancel); err != nil || to != models.StateCancelled {
		t.Fatalf("cancel paused approval to=%s err=%v", to, err)
	}
	if _, err := Next(models.StatePaused, models.StateMonitoring, TriggerCancel); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after broadcast err=%v want ErrInvalidTransition", err)
	}
	if _, err := Next(models.StateExecuting, "", TriggerCancel); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel executing err=%v want ErrInvalidTransition", err)
	}
	if _, err := Next(models.StatePaused, models.StateIdle, TriggerPause); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double pause err=%v", err)
	}
	if to, err := Next(models.StatePaused, models.StateMonitoring, TriggerReconcileConfirmed); err != nil || to != models.StateCompleted {
		t.Fatalf("reconcile paused to=%s err=%v", to, err)
	}
	if to, err := Next(models.StateAwaitingApproval, "", TriggerPolicyDenied); err != nil || to != models.StateFailed {
		t.Fatalf("policy denied to=%s err=%v", to, err)
	}
}
