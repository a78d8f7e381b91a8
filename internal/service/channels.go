package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// CreateNotificationConfig registers a Telegram chat as a channel of ownerID.
// The chat must have been linked with a register token first.
func (s *Service) CreateNotificationConfig(ctx context.Context, ownerID int64, name, chatID string) (*model.NotificationConfig, error) {
	name, err := cleanName(name, true)
	if err != nil {
		return nil, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	linked, err := s.store.IsTelegramChatLinked(ctx, ownerID, chatID)
	if err != nil {
		return nil, fmt.Errorf("check telegram chat: %w", err)
	}
	if !linked {
		return nil, model.ErrChatNotLinked
	}
	c := &model.NotificationConfig{OwnerID: ownerID, Name: name, Channel: model.ChannelTelegram, ChatID: chatID}
	if err := s.store.CreateNotificationConfig(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetNotificationConfig returns a config owned by ownerID.
func (s *Service) GetNotificationConfig(ctx context.Context, ownerID, id int64) (*model.NotificationConfig, error) {
	return ownedConfig(ctx, s.store, ownerID, id)
}

// ListNotificationConfigs returns the configs of ownerID.
func (s *Service) ListNotificationConfigs(ctx context.Context, ownerID int64) ([]model.NotificationConfig, error) {
	return s.store.ListNotificationConfigs(ctx, ownerID)
}

// DeleteNotificationConfig removes a config. Targets using it are detached.
func (s *Service) DeleteNotificationConfig(ctx context.Context, ownerID, id int64) error {
	if _, err := ownedConfig(ctx, s.store, ownerID, id); err != nil {
		return err
	}
	return s.store.DeleteNotificationConfig(ctx, id)
}

// SendTestNotification sends a fixed message through an owned config.
func (s *Service) SendTestNotification(ctx context.Context, ownerID, id int64) error {
	c, err := ownedConfig(ctx, s.store, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, *c, fmt.Sprintf("Test notification for %q. This channel is set up correctly.", c.Name)); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}
	return nil
}

func ownedConfig(ctx context.Context, repo storage.Repository, ownerID, id int64) (*model.NotificationConfig, error) {
	c, err := repo.GetNotificationConfig(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, model.ErrNotificationConfigDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get notification config: %w", err)
	}
	if c.OwnerID != ownerID {
		return nil, model.ErrNotificationConfigDoesNotExist
	}
	return c, nil
}
