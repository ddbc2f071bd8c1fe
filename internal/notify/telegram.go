package notify

import (
	"context"

	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/go-telegram/bot"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "telegram").Logger()

// Telegram sends notifications to a single chat.
type Telegram struct {
	bot    *bot.Bot
	chatID int64
}

func NewTelegram(cfg *config.TelegramConfig) (*Telegram, error) {
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, err
	}

	return &Telegram{
		bot:    b,
		chatID: cfg.ChatID,
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, message string) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   message,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to send telegram message")
	}
	return err
}
