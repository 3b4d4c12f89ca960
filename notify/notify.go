// Package notify delivers alert and fill messages to users.
package notify

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridtrader/logger"
)

// Notifier sends a text message to a user's chat
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// New returns a Telegram notifier when a bot token is configured, otherwise
// a notifier that only logs
func New(botToken string) Notifier {
	if botToken == "" {
		return LogNotifier{}
	}
	tg, err := NewTelegram(botToken)
	if err != nil {
		logger.Warnf("⚠️  Telegram bot unavailable, notifications will only be logged: %v", err)
		return LogNotifier{}
	}
	return tg
}

// ==================== Telegram ====================

// Telegram sends messages through a bot
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram authenticates the bot token
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login failed: %w", err)
	}
	logger.Infof("✓ Telegram bot @%s ready", bot.Self.UserName)
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Notify(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// ==================== Log ====================

// LogNotifier writes messages to the service log
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, chatID int64, text string) error {
	logger.WithField("chat_id", chatID).Infof("📱 %s", text)
	return nil
}

// ==================== Recorder ====================

// Message a captured notification
type Message struct {
	ChatID int64
	Text   string
}

// Recorder keeps messages in memory; used by tests and dry runs
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{ChatID: chatID, Text: text})
	return nil
}

// Messages returns a copy of what was sent
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
