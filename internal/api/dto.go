package api

import (
	"time"

	"offerwatch/internal/model"
	"offerwatch/internal/quota"
)

type targetResponse struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	IsActive             bool      `json:"is_active"`
	EnableNotifications  bool      `json:"enable_notifications"`
	NotificationConfigID *int64    `json:"notification_config_id"`
	CreatedAt            time.Time `json:"created_at"`
}

func toTarget(t model.Target) targetResponse {
	return targetResponse{
		ID:                   t.ID,
		Name:                 t.Name,
		IsActive:             t.IsActive,
		EnableNotifications:  t.EnableNotifications,
		NotificationConfigID: t.NotificationConfigID,
		CreatedAt:            t.CreatedAt,
	}
}

type scrapingURLResponse struct {
	ID        int64               `json:"id"`
	TargetID  int64               `json:"target_id"`
	URL       string              `json:"url"`
	Name      string              `json:"name"`
	IsActive  bool                `json:"is_active"`
	Kind      model.SourceKind    `json:"kind"`
	Filters   *model.FilterConfig `json:"filters"`
	CreatedAt time.Time           `json:"created_at"`
}

func toScrapingURL(s model.ScrapingURL) scrapingURLResponse {
	return scrapingURLResponse{
		ID:        s.ID,
		TargetID:  s.TargetID,
		URL:       s.URL,
		Name:      s.Name,
		IsActive:  s.IsActive,
		Kind:      s.Kind,
		Filters:   s.Filters,
		CreatedAt: s.CreatedAt,
	}
}

type offerResponse struct {
	ID            int64      `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Price         *int       `json:"price"`
	PublishedAt   *time.Time `json:"published_at"`
	ListURL       string     `json:"list_url"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt time.Time  `json:"last_checked_at"`
}

func toOffer(o model.Offer) offerResponse {
	return offerResponse{
		ID:            o.ID,
		URL:           o.URL,
		Title:         o.Title,
		Price:         o.Price,
		PublishedAt:   o.PublishedAt,
		ListURL:       o.ListURL,
		CreatedAt:     o.CreatedAt,
		LastCheckedAt: o.LastCheckedAt,
	}
}

type notificationConfigResponse struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Channel   model.Channel `json:"channel"`
	ChatID    string        `json:"chat_id"`
	CreatedAt time.Time     `json:"created_at"`
}

func toNotificationConfig(c model.NotificationConfig) notificationConfigResponse {
	return notificationConfigResponse{
		ID:        c.ID,
		Name:      c.Name,
		Channel:   c.Channel,
		ChatID:    c.ChatID,
		CreatedAt: c.CreatedAt,
	}
}

type telegramTokenResponse struct {
	Token          string `json:"token"`
	TelegramBotURL string `json:"telegram_bot_url,omitempty"`
}

type quotaResponse struct {
	ID          int64      `json:"id"`
	TargetID    int64      `json:"target_id"`
	MaxOffers   *int       `json:"max_offers"`
	UsedOffers  int        `json:"used_offers"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end"`
	AutoRenew   bool       `json:"auto_renew"`
	IsFreeTier  bool       `json:"is_free_tier"`
}

func toQuota(q model.Quota) quotaResponse {
	return quotaResponse{
		ID:          q.ID,
		TargetID:    q.TargetID,
		MaxOffers:   q.MaxOffers,
		UsedOffers:  q.UsedOffers,
		PeriodStart: q.PeriodStart,
		PeriodEnd:   q.PeriodEnd,
		AutoRenew:   q.AutoRenew,
		IsFreeTier:  q.IsFreeTier,
	}
}

// activeQuotaResponse reports the quota in effect now. Quota is null when
// the target has no open period and is therefore unlimited.
type activeQuotaResponse struct {
	Unlimited bool           `json:"unlimited"`
	Remaining *int           `json:"remaining"`
	Quota     *quotaResponse `json:"quota"`
}

func toActiveQuota(v quota.View) activeQuotaResponse {
	out := activeQuotaResponse{Unlimited: v.Unlimited()}
	if !v.Unlimited() {
		rem := v.Remaining()
		out.Remaining = &rem
	}
	if q := v.Quota(); q != nil {
		qr := toQuota(*q)
		out.Quota = &qr
	}
	return out
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
