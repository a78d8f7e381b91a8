// Package ingest turns scraped offer batches into stored offers. It
// deduplicates by (url, target), admits new offers against the active quota,
// records per-source check-ins and hands the created offers to notification.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"offerwatch/internal/metrics"
	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// ErrInvalidBatch is returned for a batch the engine cannot process.
var ErrInvalidBatch = errors.New("invalid batch")

// RawOffer is one scraped listing as submitted by a scraper.
type RawOffer struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Price       *int       `json:"price"`
	PublishedAt *time.Time `json:"published_at"`
	ListURL     string     `json:"list_url"`
}

// Result summarizes one ingested batch.
type Result struct {
	Created  []model.Offer
	Existing int
	Rejected int
}

// Dispatcher receives the offers created by a batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, target model.Target, offers []model.Offer) int
}

// Engine runs batch ingestion.
type Engine struct {
	store      storage.Storage
	ledger     *quota.Ledger
	dispatcher Dispatcher
	metrics    metrics.Recorder
	log        *slog.Logger
	now        func() time.Time
}

// New creates an Engine. A nil recorder disables metrics.
func New(store storage.Storage, ledger *quota.Ledger, dispatcher Dispatcher, rec metrics.Recorder, log *slog.Logger) *Engine {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Engine{
		store:      store,
		ledger:     ledger,
		dispatcher: dispatcher,
		metrics:    rec,
		log:        log,
		now:        time.Now,
	}
}

// Validate rejects batches with rows that have no URL.
func Validate(offers []RawOffer) error {
	for i, o := range offers {
		if strings.TrimSpace(o.URL) == "" {
			return fmt.Errorf("%w: offer %d has no url", ErrInvalidBatch, i)
		}
	}
	return nil
}

// Ingest stores the new offers of a batch in one transaction and returns
// them. Known offers are refreshed. New offers beyond the active quota are
// dropped and counted as rejected.
func (e *Engine) Ingest(ctx context.Context, targetID int64, offers []RawOffer) (Result, error) {
	if err := Validate(offers); err != nil {
		return Result{}, err
	}

	var res Result
	err := e.store.InTx(ctx, func(repo storage.Repository) error {
		res = Result{}
		ledger := e.ledger.With(repo)

		view, err := ledger.Active(ctx, targetID)
		if err != nil {
			return err
		}
		remaining := view.Remaining()
		now := e.now().UTC()

		newPerSource := make(map[string]int)
		for _, raw := range offers {
			url := strings.TrimSpace(raw.URL)

			existing, err := repo.FindOffer(ctx, targetID, url)
			if err != nil {
				return fmt.Errorf("find offer: %w", err)
			}
			if existing != nil {
				res.Existing++
				existing.Title = raw.Title
				if raw.Price != nil {
					existing.Price = raw.Price
				}
				existing.LastCheckedAt = now
				if err := repo.RefreshOffer(ctx, existing); err != nil {
					return err
				}
				continue
			}

			if len(res.Created) >= remaining {
				res.Rejected++
				continue
			}

			o := model.Offer{
				TargetID:      targetID,
				URL:           url,
				Title:         raw.Title,
				Price:         raw.Price,
				PublishedAt:   raw.PublishedAt,
				ListURL:       raw.ListURL,
				CreatedAt:     now,
				LastCheckedAt: now,
			}
			created, err := repo.CreateOffer(ctx, &o)
			if err != nil {
				return err
			}
			if !created {
				res.Existing++
				continue
			}
			res.Created = append(res.Created, o)
			if o.ListURL != "" {
				newPerSource[o.ListURL]++
			}
		}

		if err := ledger.IncrementUsage(ctx, view.ID(), len(res.Created)); err != nil {
			return err
		}
		return e.recordCheckins(ctx, repo, targetID, offers, newPerSource)
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest batch: %w", err)
	}

	e.metrics.RecordIngest(len(res.Created), res.Existing, res.Rejected)
	if res.Rejected > 0 {
		e.log.Warn("offer quota exhausted", "target_id", targetID, "rejected", res.Rejected)
	}
	return res, nil
}

// recordCheckins writes one check-in per distinct source URL of the batch.
// Source URLs the target does not have are skipped.
func (e *Engine) recordCheckins(ctx context.Context, repo storage.Repository, targetID int64, offers []RawOffer, newPerSource map[string]int) error {
	var order []string
	seen := make(map[string]int)
	for _, o := range offers {
		if o.ListURL == "" {
			continue
		}
		if _, ok := seen[o.ListURL]; !ok {
			order = append(order, o.ListURL)
		}
		seen[o.ListURL]++
	}
	if len(order) == 0 {
		return nil
	}

	sources, err := repo.FindScrapingURLs(ctx, targetID, order)
	if err != nil {
		return err
	}
	byURL := make(map[string]int64, len(sources))
	for _, s := range sources {
		if _, ok := byURL[s.URL]; !ok {
			byURL[s.URL] = s.ID
		}
	}

	for _, listURL := range order {
		id, ok := byURL[listURL]
		if !ok {
			e.log.Warn("scraping url does not exist", "target_id", targetID, "list_url", listURL)
			continue
		}
		c := &model.Checkin{ScrapingURLID: id, OffersCount: seen[listURL], NewOffersCount: newPerSource[listURL]}
		if err := repo.CreateCheckin(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
