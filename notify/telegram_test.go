package notify

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type fakeBot struct{ sent []tgbotapi.MessageConfig }

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestAlertSuppressesRepeats(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(bot, 42, zap.NewNop())
	now := time.Date(2026, 1, 25, 10, 0, 0, 0, time.UTC)
	tg.now = func() time.Time { return now }

	ctx := context.Background()
	for range 3 {
		if err := tg.Alert(ctx, "bulk: authentication failed"); err != nil {
			t.Fatal(err)
		}
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || bot.sent[0].Text != "racesync: bulk: authentication failed" {
		t.Fatalf("unexpected message %+v", bot.sent[0])
	}

	if err := tg.Alert(ctx, "realtime: retries exhausted"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(defaultQuiet)
	if err := tg.Alert(ctx, "realtime: retries exhausted"); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(bot.sent))
	}
}
