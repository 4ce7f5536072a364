package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"sherpa/internal/adapter"
)

// Webhook posts a JSON payload to a generic HTTP endpoint.
type Webhook struct {
	URL     string
	Project string
	HTTP    *http.Client
}

type WebhookPayload struct {
	Project       string    `json:"project"`
	Event         string    `json:"event"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	StrategyID    string    `json:"strategy_id,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	At            time.Time `json:"at"`
}

func (w *Webhook) Notify(ctx context.Context, n adapter.Notification) error {
	if w == nil || strings.TrimSpace(w.URL) == "" {
		return nil
	}
	b, err := json.Marshal(WebhookPayload{
		Project:       w.Project,
		Event:         n.Event,
		Level:         n.Level,
		Message:       n.Text(),
		WalletAddress: n.WalletAddress,
		StrategyID:    n.StrategyID,
		ExecutionID:   n.ExecutionID,
		At:            n.At,
	})
	if err != nil {
		return err
	}
	client := w.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &adapter.HTTPError{Service: "webhook", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
