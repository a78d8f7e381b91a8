package service

import (
	"context"
	"errors"
	"fmt"

	"offerwatch/internal/filter"
	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// NewScrapingURL is the input to AddScrapingURL. Filters holds the raw
// filter JSON and may be empty.
type NewScrapingURL struct {
	URL     string
	Name    string
	Kind    model.SourceKind
	Filters []byte
}

// AddScrapingURL attaches a source to an owned target. It fails with
// model.ErrURLQuotaExceeded once the target holds the configured maximum.
func (s *Service) AddScrapingURL(ctx context.Context, ownerID, targetID int64, in NewScrapingURL) (*model.ScrapingURL, error) {
	link, err := checkURL(in.URL)
	if err != nil {
		return nil, err
	}
	name, err := cleanName(in.Name, false)
	if err != nil {
		return nil, err
	}
	kind := in.Kind
	switch kind {
	case "":
		kind = model.SourceExternal
	case model.SourceExternal, model.SourceFeed:
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, kind)
	}
	filters, err := filter.Parse(in.Filters)
	if err != nil {
		return nil, err
	}

	u := &model.ScrapingURL{TargetID: targetID, URL: link, Name: name, IsActive: true, Kind: kind, Filters: filters}
	err = s.store.InTx(ctx, func(repo storage.Repository) error {
		if _, err := ownedTarget(ctx, repo, ownerID, targetID); err != nil {
			return err
		}
		if s.maxURLs > 0 {
			n, err := repo.CountScrapingURLs(ctx, targetID)
			if err != nil {
				return err
			}
			if n >= s.maxURLs {
				return model.ErrURLQuotaExceeded
			}
		}
		return repo.CreateScrapingURL(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("scraping url added", "owner_id", ownerID, "target_id", targetID, "url_id", u.ID)
	return u, nil
}

// ListScrapingURLs returns the sources of an owned target.
func (s *Service) ListScrapingURLs(ctx context.Context, ownerID, targetID int64) ([]model.ScrapingURL, error) {
	if _, err := ownedTarget(ctx, s.store, ownerID, targetID); err != nil {
		return nil, err
	}
	return s.store.ListScrapingURLs(ctx, targetID)
}

// GetScrapingURL returns a source whose target is owned by ownerID.
func (s *Service) GetScrapingURL(ctx context.Context, ownerID, id int64) (*model.ScrapingURL, error) {
	return ownedScrapingURL(ctx, s.store, ownerID, id)
}

// RenameScrapingURL changes the display name of a source.
func (s *Service) RenameScrapingURL(ctx context.Context, ownerID, id int64, name string) (*model.ScrapingURL, error) {
	name, err := cleanName(name, false)
	if err != nil {
		return nil, err
	}
	return s.updateScrapingURL(ctx, ownerID, id, func(u *model.ScrapingURL) { u.Name = name })
}

// SetScrapingURLActive pauses or resumes a source.
func (s *Service) SetScrapingURLActive(ctx context.Context, ownerID, id int64, active bool) (*model.ScrapingURL, error) {
	return s.updateScrapingURL(ctx, ownerID, id, func(u *model.ScrapingURL) { u.IsActive = active })
}

// UpdateScrapingURLFilters validates raw filter JSON and stores its
// normalized form. Empty input clears the filter.
func (s *Service) UpdateScrapingURLFilters(ctx context.Context, ownerID, id int64, raw []byte) (*model.ScrapingURL, error) {
	cfg, err := filter.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.updateScrapingURL(ctx, ownerID, id, func(u *model.ScrapingURL) { u.Filters = cfg })
}

// DeleteScrapingURL removes a source. Offers found through it stay.
func (s *Service) DeleteScrapingURL(ctx context.Context, ownerID, id int64) error {
	if _, err := ownedScrapingURL(ctx, s.store, ownerID, id); err != nil {
		return err
	}
	return s.store.DeleteScrapingURL(ctx, id)
}

func (s *Service) updateScrapingURL(ctx context.Context, ownerID, id int64, mutate func(*model.ScrapingURL)) (*model.ScrapingURL, error) {
	var updated *model.ScrapingURL
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		u, err := ownedScrapingURL(ctx, repo, ownerID, id)
		if err != nil {
			return err
		}
		mutate(u)
		if err := repo.UpdateScrapingURL(ctx, u); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func ownedScrapingURL(ctx context.Context, repo storage.Repository, ownerID, id int64) (*model.ScrapingURL, error) {
	u, err := repo.GetScrapingURL(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, model.ErrScrapingURLDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get scraping url: %w", err)
	}
	if _, err := repo.GetOwnedTarget(ctx, u.TargetID, ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.ErrScrapingURLDoesNotExist
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return u, nil
}
