// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"offerwatch/internal/model"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrTargetHasOffers = errors.New("target has offers")
)

// Repository is the set of data operations. Get* methods return ErrNotFound
// when the row is missing; Find* methods return nil, nil instead.
type Repository interface {
	CreateTarget(ctx context.Context, t *model.Target) error
	GetTarget(ctx context.Context, id int64) (*model.Target, error)
	GetOwnedTarget(ctx context.Context, id, ownerID int64) (*model.Target, error)
	FindTargetByName(ctx context.Context, name string) (*model.Target, error)
	ListTargets(ctx context.Context, ownerID int64) ([]model.Target, error)
	ListTargetsByNotificationConfig(ctx context.Context, configID int64) ([]model.Target, error)
	UpdateTarget(ctx context.Context, t *model.Target) error
	DeleteTarget(ctx context.Context, id int64) error

	CreateScrapingURL(ctx context.Context, u *model.ScrapingURL) error
	GetScrapingURL(ctx context.Context, id int64) (*model.ScrapingURL, error)
	ListScrapingURLs(ctx context.Context, targetID int64) ([]model.ScrapingURL, error)
	FindScrapingURLs(ctx context.Context, targetID int64, urls []string) ([]model.ScrapingURL, error)
	CountScrapingURLs(ctx context.Context, targetID int64) (int, error)
	ListFeedSources(ctx context.Context) ([]model.ScrapingURL, error)
	UpdateScrapingURL(ctx context.Context, u *model.ScrapingURL) error
	DeleteScrapingURL(ctx context.Context, id int64) error

	FindOffer(ctx context.Context, targetID int64, url string) (*model.Offer, error)
	CreateOffer(ctx context.Context, o *model.Offer) (bool, error)
	RefreshOffer(ctx context.Context, o *model.Offer) error
	ListOffers(ctx context.Context, targetID int64, limit int) ([]model.Offer, error)
	CountOffers(ctx context.Context, targetID int64) (int, error)

	CreateCheckin(ctx context.Context, c *model.Checkin) error
	ListCheckins(ctx context.Context, scrapingURLID int64) ([]model.Checkin, error)

	ActiveQuota(ctx context.Context, targetID int64, now time.Time) (*model.Quota, error)
	ListQuotas(ctx context.Context, targetID int64) ([]model.Quota, error)
	ListRenewableQuotas(ctx context.Context, now time.Time) ([]model.Quota, error)
	UpsertQuota(ctx context.Context, q *model.Quota) error
	IncrementQuotaUsage(ctx context.Context, quotaID int64, by int) error

	CreateNotificationConfig(ctx context.Context, c *model.NotificationConfig) error
	GetNotificationConfig(ctx context.Context, id int64) (*model.NotificationConfig, error)
	FindNotificationConfigByChat(ctx context.Context, channel model.Channel, chatID string) (*model.NotificationConfig, error)
	ListNotificationConfigs(ctx context.Context, ownerID int64) ([]model.NotificationConfig, error)
	DeleteNotificationConfig(ctx context.Context, id int64) error

	CreateRegisterToken(ctx context.Context, t *model.RegisterToken) error
	FindUnusedRegisterToken(ctx context.Context, ownerID int64) (*model.RegisterToken, error)
	// ConsumeRegisterToken marks an unused token as used and returns it. It
	// returns nil, nil when the token is unknown or already used.
	ConsumeRegisterToken(ctx context.Context, token string, at time.Time) (*model.RegisterToken, error)
	LinkTelegramChat(ctx context.Context, ownerID int64, chatID string) error
	IsTelegramChatLinked(ctx context.Context, ownerID int64, chatID string) (bool, error)
}

// Storage is a Repository that can also run a unit of work in a transaction.
type Storage interface {
	Repository

	// InTx runs fn against a transaction-scoped Repository. The transaction
	// commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Repository) error) error

	Close() error
}
