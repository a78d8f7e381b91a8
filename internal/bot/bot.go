// Package bot is the Telegram side of the application: it delivers offer
// notifications and answers a small set of chat commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"offerwatch/internal/config"
	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// ErrUnsupportedChannel is returned by Send for non-Telegram configs.
var ErrUnsupportedChannel = errors.New("unsupported notification channel")

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api     telegramAPI
	store   storage.Storage
	ledger  *quota.Ledger
	cfg     *config.Config
	limiter *rate.Limiter
	log     *slog.Logger

	username string
}

// New creates a Bot with the given Telegram token.
func New(token string, store storage.Storage, ledger *quota.Ledger, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:      api,
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.TelegramRatePerSecond), 1),
		log:      log,
		username: api.Self.UserName,
	}, nil
}

// Username returns the bot's Telegram username.
func (b *Bot) Username() string {
	return b.username
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			msg := update.Message
			if msg == nil || msg.From == nil || !msg.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(msg.From.ID) {
				b.reply(ctx, msg.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, msg.Chat.ID, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		}
	}
}

// Send delivers text to a notification config. Long texts are split into
// several messages. Send blocks on the rate limiter.
func (b *Bot) Send(ctx context.Context, channel model.NotificationConfig, text string) error {
	if channel.Channel != model.ChannelTelegram {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel.Channel)
	}
	chatID, err := strconv.ParseInt(channel.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", channel.ChatID, err)
	}
	for _, part := range SplitMessage(text, maxMessageLength) {
		if err := b.send(ctx, chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for rate limiter: %w", err)
		}
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	for _, part := range SplitMessage(text, maxMessageLength) {
		if err := b.send(ctx, chatID, part); err != nil {
			b.log.Error("send message", "chat_id", chatID, "error", err)
			return
		}
	}
}
