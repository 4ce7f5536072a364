// Package notify delivers autopilot notifications to chat and webhook channels.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sherpa/internal/adapter"
)

// Event names.
const (
	EventApprovalRequired  = "approval_required"
	EventExecutionDone     = "execution_completed"
	EventExecutionFailed   = "execution_failed"
	EventStrategyCompleted = "strategy_completed"
	EventStrategyExpired   = "strategy_expired"
	EventStrategyFailed    = "strategy_failed"
	EventEmergencyStop     = "emergency_stop"
)

// Multi fans a notification out to every channel; one failing channel does
// not stop the others.
type Multi struct {
	Channels []adapter.Notifier
	Logger   *zap.Logger
	Timeout  time.Duration
}

func (m *Multi) Notify(ctx context.Context, n adapter.Notification) error {
	if m == nil {
		return nil
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var errs []error
	for _, ch := range m.Channels {
		if ch == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := ch.Notify(cctx, n)
		cancel()
		if err != nil {
			errs = append(errs, err)
			if m.Logger != nil {
				m.Logger.Warn("notify failed", zap.String("event", n.Event), zap.Error(err))
			}
		}
	}
	return errors.Join(errs...)
}

// Add appends ch when it is non-nil.
func (m *Multi) Add(ch adapter.Notifier) {
	if m == nil || ch == nil {
		return
	}
	m.Channels = append(m.Channels, ch)
}
