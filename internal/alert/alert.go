// Package alert sends operator notifications.
package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every alert
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a single operator chat
type Telegram struct {
	bot    sender
	chatID int64
	logger *zap.Logger
}

func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info("Telegram alerts enabled", zap.String("bot", bot.Self.UserName), zap.Int64("chat_id", chatID))
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("Failed to send alert", zap.Error(err))
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// New returns a Telegram notifier when a token is configured and Nop otherwise
func New(token string, chatID int64, logger *zap.Logger) Notifier {
	if token == "" || chatID == 0 {
		return Nop{}
	}
	t, err := NewTelegram(token, chatID, logger)
	if err != nil {
		logger.Warn("Telegram alerts disabled", zap.Error(err))
		return Nop{}
	}
	return t
}
