// Package notify decides which newly created offers reach a target's
// notification channel and hands them to a Sender in one message.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"offerwatch/internal/filter"
	"offerwatch/internal/metrics"
	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// Sender delivers a message through a notification channel.
type Sender interface {
	Send(ctx context.Context, channel model.NotificationConfig, text string) error
}

// Dispatcher filters new offers per source and sends the survivors.
type Dispatcher struct {
	repo    storage.Repository
	sender  Sender
	metrics metrics.Recorder
	log     *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil recorder disables metrics.
func NewDispatcher(repo storage.Repository, sender Sender, rec metrics.Recorder, log *slog.Logger) *Dispatcher {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Dispatcher{repo: repo, sender: sender, metrics: rec, log: log}
}

// Dispatch sends the offers of target that pass their source's filter and
// returns how many were sent. Failures are logged and never returned: the
// offers are already stored.
func (d *Dispatcher) Dispatch(ctx context.Context, target model.Target, offers []model.Offer) int {
	if len(offers) == 0 || !target.EnableNotifications || target.NotificationConfigID == nil {
		return 0
	}

	channel, err := d.repo.GetNotificationConfig(ctx, *target.NotificationConfigID)
	if err != nil {
		d.log.Error("load notification config", "target_id", target.ID, "config_id", *target.NotificationConfigID, "error", err)
		return 0
	}

	passed := d.applyFilters(ctx, target, offers)
	if len(passed) == 0 {
		d.log.Debug("all new offers filtered out", "target_id", target.ID, "count", len(offers))
		return 0
	}

	err = d.sender.Send(ctx, *channel, FormatOffers(target.Name, passed))
	d.metrics.RecordNotification(err == nil)
	if err != nil {
		d.log.Error("send notification", "target_id", target.ID, "channel", channel.Channel, "error", err)
		return 0
	}
	d.log.Info("sent notification", "target_id", target.ID, "count", len(passed))
	return len(passed)
}

func (d *Dispatcher) applyFilters(ctx context.Context, target model.Target, offers []model.Offer) []model.Offer {
	var order []string
	groups := make(map[string][]model.Offer)
	for _, o := range offers {
		if _, ok := groups[o.ListURL]; !ok {
			order = append(order, o.ListURL)
		}
		groups[o.ListURL] = append(groups[o.ListURL], o)
	}

	sources, err := d.repo.FindScrapingURLs(ctx, target.ID, order)
	if err != nil {
		d.log.Error("load scraping urls", "target_id", target.ID, "error", err)
		return nil
	}
	filters := make(map[string]*model.FilterConfig, len(sources))
	for _, s := range sources {
		if _, ok := filters[s.URL]; !ok {
			filters[s.URL] = s.Filters
		}
	}

	var passed []model.Offer
	for _, listURL := range order {
		kept, err := filter.Apply(filters[listURL], groups[listURL])
		if err != nil {
			d.log.Error("apply filters", "target_id", target.ID, "list_url", listURL, "error", err)
			continue
		}
		passed = append(passed, kept...)
	}
	return passed
}

// FormatOffers renders offers as a numbered plain-text list.
func FormatOffers(targetName string, offers []model.Offer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New offers for %s (%d):\n", targetName, len(offers))
	for i, o := range offers {
		title := o.Title
		if title == "" {
			title = "(no title)"
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, title)
		if o.Price != nil {
			fmt.Fprintf(&b, " - %d", *o.Price)
		}
		fmt.Fprintf(&b, "\n%s\n", o.URL)
	}
	return b.String()
}
