// Package service holds the user-facing commands. Every lookup is scoped to
// the acting owner: rows owned by someone else are reported as missing.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"offerwatch/internal/model"
	"offerwatch/internal/notify"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// ErrInvalidInput is returned for malformed command arguments.
var ErrInvalidInput = errors.New("invalid input")

const maxNameLength = 200

// Offer listing page sizes.
const (
	DefaultOffersLimit = 50
	MaxOffersLimit     = 500
)

// Service implements the commands on top of a Storage.
type Service struct {
	store   storage.Storage
	ledger  *quota.Ledger
	sender  notify.Sender
	maxURLs int
	log     *slog.Logger

	botUsername string
}

// New creates a Service. maxURLs <= 0 disables the per-target source limit.
func New(store storage.Storage, ledger *quota.Ledger, sender notify.Sender, maxURLs int, log *slog.Logger) *Service {
	return &Service{store: store, ledger: ledger, sender: sender, maxURLs: maxURLs, log: log}
}

// GetTarget returns a target owned by ownerID.
func (s *Service) GetTarget(ctx context.Context, ownerID, id int64) (*model.Target, error) {
	return ownedTarget(ctx, s.store, ownerID, id)
}

// ListTargets returns every target of ownerID.
func (s *Service) ListTargets(ctx context.Context, ownerID int64) ([]model.Target, error) {
	targets, err := s.store.ListTargets(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return targets, nil
}

// CreateTarget creates an active target with notifications disabled.
func (s *Service) CreateTarget(ctx context.Context, ownerID int64, name string) (*model.Target, error) {
	name, err := cleanName(name, true)
	if err != nil {
		return nil, err
	}
	t := &model.Target{OwnerID: ownerID, Name: name, IsActive: true}
	if err := s.store.CreateTarget(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("target created", "owner_id", ownerID, "target_id", t.ID)
	return t, nil
}

// RenameTarget changes a target's name.
func (s *Service) RenameTarget(ctx context.Context, ownerID, id int64, name string) (*model.Target, error) {
	name, err := cleanName(name, true)
	if err != nil {
		return nil, err
	}
	return s.updateTarget(ctx, ownerID, id, func(t *model.Target) { t.Name = name })
}

// SetTargetActive pauses or resumes a target.
func (s *Service) SetTargetActive(ctx context.Context, ownerID, id int64, active bool) (*model.Target, error) {
	return s.updateTarget(ctx, ownerID, id, func(t *model.Target) { t.IsActive = active })
}

// ToggleTargetNotifications sets the notification flag, or flips it when
// enable is nil.
func (s *Service) ToggleTargetNotifications(ctx context.Context, ownerID, id int64, enable *bool) (*model.Target, error) {
	return s.updateTarget(ctx, ownerID, id, func(t *model.Target) {
		if enable == nil {
			t.EnableNotifications = !t.EnableNotifications
			return
		}
		t.EnableNotifications = *enable
	})
}

// ChangeNotificationConfig points a target at one of the owner's
// notification configs, or detaches it when configID is nil.
func (s *Service) ChangeNotificationConfig(ctx context.Context, ownerID, id int64, configID *int64) (*model.Target, error) {
	var updated *model.Target
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		t, err := ownedTarget(ctx, repo, ownerID, id)
		if err != nil {
			return err
		}
		if configID != nil {
			if _, err := ownedConfig(ctx, repo, ownerID, *configID); err != nil {
				return err
			}
		}
		t.NotificationConfigID = configID
		if err := repo.UpdateTarget(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTarget removes a target. Targets with offers are kept and
// storage.ErrTargetHasOffers is returned.
func (s *Service) DeleteTarget(ctx context.Context, ownerID, id int64) error {
	if _, err := ownedTarget(ctx, s.store, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteTarget(ctx, id); err != nil {
		return err
	}
	s.log.Info("target deleted", "owner_id", ownerID, "target_id", id)
	return nil
}

// ListOffers returns the newest offers of an owned target. A non-positive
// limit means DefaultOffersLimit; larger limits are capped at MaxOffersLimit.
func (s *Service) ListOffers(ctx context.Context, ownerID, targetID int64, limit int) ([]model.Offer, error) {
	if _, err := ownedTarget(ctx, s.store, ownerID, targetID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultOffersLimit
	case limit > MaxOffersLimit:
		limit = MaxOffersLimit
	}
	return s.store.ListOffers(ctx, targetID, limit)
}

func (s *Service) updateTarget(ctx context.Context, ownerID, id int64, mutate func(*model.Target)) (*model.Target, error) {
	var updated *model.Target
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		t, err := ownedTarget(ctx, repo, ownerID, id)
		if err != nil {
			return err
		}
		mutate(t)
		if err := repo.UpdateTarget(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func ownedTarget(ctx context.Context, repo storage.Repository, ownerID, id int64) (*model.Target, error) {
	t, err := repo.GetOwnedTarget(ctx, id, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, model.ErrTargetDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func targetByID(ctx context.Context, repo storage.Repository, id int64) (*model.Target, error) {
	t, err := repo.GetTarget(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, model.ErrTargetDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func cleanName(name string, required bool) (string, error) {
	name = strings.TrimSpace(name)
	if required && name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

func checkURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidInput, raw)
	}
	return raw, nil
}
