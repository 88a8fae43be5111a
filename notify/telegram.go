// Package notify delivers operator alerts when ingestion stops.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// repeated alerts with the same text inside this window are dropped
const defaultQuiet = 10 * time.Minute

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot    sender
	chatID int64
	logger *zap.Logger
	quiet  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastText string
	lastSent time.Time
}

// NewTelegram authorizes the bot token and returns an alerter posting to chatID.
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info("telegram alerts enabled", zap.String("bot", bot.Self.UserName), zap.Int64("chat", chatID))
	return newTelegram(bot, chatID, logger), nil
}

func newTelegram(bot sender, chatID int64, logger *zap.Logger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, logger: logger, quiet: defaultQuiet, now: time.Now}
}

func (t *Telegram) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	now := t.now()
	if text == t.lastText && now.Sub(t.lastSent) < t.quiet {
		t.mu.Unlock()
		t.logger.Debug("alert suppressed", zap.String("text", text))
		return nil
	}
	t.lastText, t.lastSent = text, now
	t.mu.Unlock()

	msg := tgbotapi.NewMessage(t.chatID, "racesync: "+text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
