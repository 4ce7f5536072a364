package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"sherpa/internal/adapter"
)

// MessageSender is the subset of *telego.Bot used here.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Telegram struct {
	Sender MessageSender
	ChatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{Sender: bot, ChatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, n adapter.Notification) error {
	if t == nil || t.Sender == nil || t.ChatID == 0 {
		return nil
	}
	_, err := t.Sender.SendMessage(ctx, tu.Message(tu.ID(t.ChatID), n.Text()))
	return err
}
