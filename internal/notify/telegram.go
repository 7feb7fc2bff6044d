package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSender authenticates the bot (getMe) and returns a sender for
// chatID. An empty endpoint uses the public Bot API.
func NewTelegramSender(token, chatID, endpoint string) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: id}, nil
}

// Send posts a MarkdownV2 message with the title in bold. The Bot API client
// is not context aware, so ctx is only checked before sending.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := fmt.Sprintf("*%s*\n%s",
		tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, title),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, message),
	)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
