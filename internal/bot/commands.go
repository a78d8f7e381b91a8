package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

type commandFunc func(b *Bot, ctx context.Context, chatID int64, args string)

var commands = map[string]commandFunc{
	"start":  (*Bot).handleStart,
	"help":   (*Bot).handleHelp,
	"list":   (*Bot).handleList,
	"quota":  (*Bot).handleQuota,
	"notify": (*Bot).handleNotify,
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, name, args string) {
	b.log.Debug("command", "cmd", name, "args", args, "chat_id", chatID)

	cmd, ok := commands[name]
	if !ok {
		b.reply(ctx, chatID, "Unknown command. Use /help for a list of commands.")
		return
	}
	cmd(b, ctx, chatID, args)
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, args string) {
	if args != "" {
		b.linkChat(ctx, chatID, args)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf(`Welcome to Offerwatch!

This chat receives new offers for the targets linked to it.
To link it, request a token from the API and send /start <token> here.
Then create a notification config with chat ID %d and point your targets at it.

Use /help for the command reference.`, chatID))
}

var errInvalidToken = errors.New("invalid register token")

// linkChat consumes a register token and records that its owner controls chatID.
func (b *Bot) linkChat(ctx context.Context, chatID int64, token string) {
	var ownerID int64
	err := b.store.InTx(ctx, func(repo storage.Repository) error {
		t, err := repo.ConsumeRegisterToken(ctx, token, time.Now())
		if err != nil {
			return err
		}
		if t == nil {
			return errInvalidToken
		}
		ownerID = t.OwnerID
		return repo.LinkTelegramChat(ctx, t.OwnerID, strconv.FormatInt(chatID, 10))
	})
	switch {
	case errors.Is(err, errInvalidToken):
		b.reply(ctx, chatID, "This token is invalid or has already been used.")
	case err != nil:
		b.log.Error("link chat", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Failed to link this chat. Please try again later.")
	default:
		b.log.Info("chat linked", "chat_id", chatID, "owner_id", ownerID)
		b.reply(ctx, chatID, fmt.Sprintf("This chat is now linked to your account.\nCreate a notification config with chat ID %d to receive offers here.", chatID))
	}
}

func (b *Bot) handleHelp(ctx context.Context, chatID int64, _ string) {
	b.reply(ctx, chatID, `Commands:
/list - watched sources of the targets linked to this chat
/quota - offer quota of each linked target
/notify on|off - enable or disable notifications for linked targets
/start - show this chat's ID
/start <token> - link this chat to your account`)
}

func (b *Bot) handleList(ctx context.Context, chatID int64, _ string) {
	targets, ok := b.chatTargets(ctx, chatID)
	if !ok {
		return
	}
	sources := make(map[int64][]model.ScrapingURL, len(targets))
	for _, t := range targets {
		urls, err := b.store.ListScrapingURLs(ctx, t.ID)
		if err != nil {
			b.log.Error("list scraping urls", "target_id", t.ID, "error", err)
			continue
		}
		sources[t.ID] = urls
	}
	b.reply(ctx, chatID, FormatTargetList(targets, sources))
}

func (b *Bot) handleQuota(ctx context.Context, chatID int64, _ string) {
	targets, ok := b.chatTargets(ctx, chatID)
	if !ok {
		return
	}
	views := make(map[int64]QuotaLine, len(targets))
	for _, t := range targets {
		v, err := b.ledger.Active(ctx, t.ID)
		if err != nil {
			b.log.Error("get active quota", "target_id", t.ID, "error", err)
			continue
		}
		line := QuotaLine{Unlimited: v.Unlimited(), Remaining: v.Remaining()}
		if q := v.Quota(); q != nil {
			line.Used = q.UsedOffers
			line.PeriodEnd = q.PeriodEnd
		}
		views[t.ID] = line
	}
	b.reply(ctx, chatID, FormatQuota(targets, views))
}

func (b *Bot) handleNotify(ctx context.Context, chatID int64, args string) {
	var enable bool
	switch args {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		b.reply(ctx, chatID, "Usage: /notify on|off")
		return
	}

	targets, ok := b.chatTargets(ctx, chatID)
	if !ok {
		return
	}
	err := b.store.InTx(ctx, func(repo storage.Repository) error {
		for _, t := range targets {
			t.EnableNotifications = enable
			if err := repo.UpdateTarget(ctx, &t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.log.Error("toggle notifications", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Something went wrong, try again later.")
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Notifications %s for %d target(s).", args, len(targets)))
}

// chatTargets resolves the targets linked to chatID through its notification
// config. It replies and returns false when there are none.
func (b *Bot) chatTargets(ctx context.Context, chatID int64) ([]model.Target, bool) {
	cfg, err := b.store.FindNotificationConfigByChat(ctx, model.ChannelTelegram, strconv.FormatInt(chatID, 10))
	if err != nil {
		b.log.Error("find notification config", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Something went wrong, try again later.")
		return nil, false
	}
	if cfg == nil {
		b.reply(ctx, chatID, "This chat is not linked to any notification config. Use /start to see its ID.")
		return nil, false
	}
	targets, err := b.store.ListTargetsByNotificationConfig(ctx, cfg.ID)
	if err != nil {
		b.log.Error("list targets", "config_id", cfg.ID, "error", err)
		b.reply(ctx, chatID, "Something went wrong, try again later.")
		return nil, false
	}
	if len(targets) == 0 {
		b.reply(ctx, chatID, fmt.Sprintf("No targets use the notification config %q yet.", cfg.Name))
		return nil, false
	}
	return targets, true
}
