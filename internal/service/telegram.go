package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// TelegramToken is what a user sends to the bot to link a chat.
// BotURL is empty until SetBotUsername is called.
type TelegramToken struct {
	Token  string
	BotURL string
}

// SetBotUsername sets the bot name used to build deep links.
func (s *Service) SetBotUsername(name string) {
	s.botUsername = strings.TrimPrefix(name, "@")
}

// CreateTelegramToken returns the unused register token of ownerID, issuing
// a new one when none is pending.
func (s *Service) CreateTelegramToken(ctx context.Context, ownerID int64) (*TelegramToken, error) {
	var tok *model.RegisterToken
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		t, err := repo.FindUnusedRegisterToken(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("find register token: %w", err)
		}
		if t == nil {
			t = &model.RegisterToken{OwnerID: ownerID, Token: strings.ReplaceAll(uuid.NewString(), "-", "")}
			if err := repo.CreateRegisterToken(ctx, t); err != nil {
				return err
			}
			s.log.Info("telegram token issued", "owner_id", ownerID)
		}
		tok = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &TelegramToken{Token: tok.Token}
	if s.botUsername != "" {
		out.BotURL = fmt.Sprintf("https://t.me/%s?start=%s", s.botUsername, tok.Token)
	}
	return out, nil
}
