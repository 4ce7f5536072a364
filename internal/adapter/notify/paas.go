package notify

import (
	"context"

	"sherpa/internal/adapter"
	"sherpa/internal/paas"
)

// PaaS records notifications in the platform log service.
type PaaS struct {
	Client *paas.Client
}

func (p *PaaS) Notify(ctx context.Context, n adapter.Notification) error {
	if p == nil || p.Client == nil {
		return nil
	}
	level := n.Level
	if level == "" {
		level = "info"
	}
	return p.Client.CreateLog(ctx, paas.CreateLogRequest{
		Agent:  p.Client.AgentName(),
		Action: "autopilot_" + n.Event,
		Level:  level,
		Details: map[string]any{
			"title":          n.Title,
			"message":        n.Message,
			"wallet_address": n.WalletAddress,
			"strategy_id":    n.StrategyID,
			"execution_id":   n.ExecutionID,
		},
		Metadata: map[string]any{},
	})
}
