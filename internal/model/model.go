// Package model defines the domain types used across the application.
package model

import "time"

// Target is a named monitoring configuration owned by a user.
type Target struct {
	ID                   int64
	OwnerID              int64
	Name                 string
	IsActive             bool
	EnableNotifications  bool
	NotificationConfigID *int64
	CreatedAt            time.Time
}

// SourceKind tells who produces offers for a scraping URL.
type SourceKind string

// Supported source kinds.
const (
	// SourceExternal URLs are scraped elsewhere and pushed through batch-create.
	SourceExternal SourceKind = "external"
	// SourceFeed URLs are RSS/Atom feeds polled by the scheduler.
	SourceFeed SourceKind = "feed"
)

// ScrapingURL is one list page watched for a target.
type ScrapingURL struct {
	ID        int64
	TargetID  int64
	URL       string
	Name      string
	IsActive  bool
	Kind      SourceKind
	Filters   *FilterConfig
	CreatedAt time.Time
}

// Offer represents one listing discovered on a scraping URL.
type Offer struct {
	ID            int64
	TargetID      int64
	URL           string
	Title         string
	Price         *int
	PublishedAt   *time.Time
	ClosedAt      *time.Time
	ListURL       string
	CreatedAt     time.Time
	LastCheckedAt time.Time
}

// Quota is one usage period of a target.
// A nil MaxOffers means unlimited, a nil PeriodEnd means the period never ends.
type Quota struct {
	ID          int64
	TargetID    int64
	MaxOffers   *int
	UsedOffers  int
	PeriodStart time.Time
	PeriodEnd   *time.Time
	AutoRenew   bool
	IsFreeTier  bool
	CreatedAt   time.Time
}

// Checkin is an immutable record of one ingestion run for a scraping URL.
type Checkin struct {
	ID             int64
	ScrapingURLID  int64
	OffersCount    int
	NewOffersCount int
	CreatedAt      time.Time
}

// Channel names a notification transport.
type Channel string

// Supported channels.
const (
	ChannelTelegram Channel = "telegram"
)

// NotificationConfig is a user-owned destination for offer notifications.
type NotificationConfig struct {
	ID        int64
	OwnerID   int64
	Name      string
	Channel   Channel
	ChatID    string
	CreatedAt time.Time
}

// RegisterToken is a one-time token proving that whoever sends it to the bot
// from a chat acts for OwnerID.
type RegisterToken struct {
	ID        int64
	OwnerID   int64
	Token     string
	IsUsed    bool
	CreatedAt time.Time
	UsedAt    *time.Time
}
