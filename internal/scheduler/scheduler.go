// Package scheduler polls feed sources and rolls over expired quota periods.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"offerwatch/internal/fetcher"
	"offerwatch/internal/ingest"
	"offerwatch/internal/metrics"
	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// Batcher ingests a batch of raw offers.
type Batcher interface {
	BatchCreate(ctx context.Context, req ingest.BatchRequest) ([]string, error)
}

// Scheduler periodically renews quotas and checks feed sources.
type Scheduler struct {
	store   storage.Storage
	ledger  *quota.Ledger
	fetcher *fetcher.Fetcher
	batcher Batcher
	metrics metrics.Recorder
	log     *slog.Logger
	tick    time.Duration
}

// New creates a Scheduler. A nil recorder disables metrics.
func New(store storage.Storage, ledger *quota.Ledger, f *fetcher.Fetcher, batcher Batcher, rec metrics.Recorder, log *slog.Logger) *Scheduler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		store:   store,
		ledger:  ledger,
		fetcher: f,
		batcher: batcher,
		metrics: rec,
		log:     log,
		tick:    5 * time.Minute,
	}
}

// SetTickInterval overrides the default 5-minute poll interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	s.renewQuotas(ctx)

	sources, err := s.store.ListFeedSources(ctx)
	if err != nil {
		s.log.Error("list feed sources", "error", err)
		return
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		s.processSource(ctx, src)
	}
}

func (s *Scheduler) renewQuotas(ctx context.Context) {
	var renewed int
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		var err error
		renewed, err = s.ledger.With(repo).RenewExpired(ctx)
		return err
	})
	if err != nil {
		s.log.Error("renew quotas", "error", err)
		return
	}
	if renewed > 0 {
		s.log.Info("renewed quotas", "count", renewed)
	}
}

func (s *Scheduler) processSource(ctx context.Context, src model.ScrapingURL) {
	s.log.Debug("checking feed", "scraping_url_id", src.ID, "url", src.URL)

	feed, err := s.fetcher.Fetch(ctx, src.URL)
	s.metrics.RecordFetch(err == nil)
	if err != nil {
		s.log.Error("fetch feed", "scraping_url_id", src.ID, "url", src.URL, "error", err)
		return
	}

	offers := s.fetcher.ToRawOffers(feed, src.URL)
	if len(offers) == 0 {
		return
	}

	created, err := s.batcher.BatchCreate(ctx, ingest.BatchRequest{
		Target: ingest.TargetRef{ID: src.TargetID},
		Offers: offers,
	})
	if err != nil {
		s.log.Error("ingest feed", "scraping_url_id", src.ID, "target_id", src.TargetID, "error", err)
		return
	}
	if len(created) > 0 {
		s.log.Info("new offers from feed", "scraping_url_id", src.ID, "count", len(created))
	}
}
