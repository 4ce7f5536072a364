package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/adapter"
	"sherpa/internal/audit"
	"sherpa/internal/budget"
	"sherpa/internal/config"
	"sherpa/internal/events"
	"sherpa/internal/execution"
	"sherpa/internal/lock"
	"sherpa/internal/policy"
	"sherpa/internal/repository"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// writeAttempts bounds reload-and-retry loops on version conflicts.
const writeAttempts = 5

// AutopilotService is the outward surface of the autopilot core. Handlers and
// jobs call it; it never talks to adapters except through the machine.
type AutopilotService struct {
	Repo     repository.Repository
	Machine  *execution.Machine
	Budget   *budget.Enforcer
	Policies *policy.Store
	Audit    *audit.Recorder
	Events   *events.Bus
	Notifier adapter.Notifier
	Locker   lock.Locker
	Logger   *zap.Logger
	Config   config.PolicyConfig

	now func() time.Time
}

func (s *AutopilotService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *AutopilotService) ready() error {
	if s == nil || s.Repo == nil {
		return errors.New("autopilot service not configured")
	}
	return nil
}

func (s *AutopilotService) maxKeyDays() int {
	if s.Config.MaxSessionKeyDays <= 0 {
		return 90
	}
	return s.Config.MaxSessionKeyDays
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func errConflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// machineErr maps state machine sentinels onto service sentinels.
func machineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, execution.ErrNotFound):
		return fmt.Errorf("%w: execution", ErrNotFound)
	case errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, execution.ErrTerminal),
		errors.Is(err, execution.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func actorOr(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "system"
	}
	return actor
}

func (s *AutopilotService) notify(ctx context.Context, n adapter.Notification) {
	if s.Notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = s.clock()
	}
	if err := s.Notifier.Notify(ctx, n); err != nil && s.Logger != nil {
		s.Logger.Warn("notify failed", zap.String("event", n.Event), zap.Error(err))
	}
}

func limitOr(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
