package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"offerwatch/internal/model"
)

// CreateRegisterToken inserts a new unused token.
func (q *pgQueries) CreateRegisterToken(ctx context.Context, t *model.RegisterToken) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO telegram_register_tokens (owner_id, token) VALUES ($1, $2)
		 RETURNING id, created_at`,
		t.OwnerID, t.Token,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert register token: %w", err)
	}
	t.IsUsed = false
	t.UsedAt = nil
	return nil
}

// FindUnusedRegisterToken returns the newest unused token of ownerID, or nil.
func (q *pgQueries) FindUnusedRegisterToken(ctx context.Context, ownerID int64) (*model.RegisterToken, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+registerTokenColumns+` FROM telegram_register_tokens
		 WHERE owner_id = $1 AND NOT is_used ORDER BY id DESC LIMIT 1`, ownerID)
	t, err := pgOne(row, "register token", pgScanRegisterToken)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// ConsumeRegisterToken flips is_used in a single conditional update; the row
// lock taken by UPDATE makes a concurrent consumer see is_used and match nothing.
func (q *pgQueries) ConsumeRegisterToken(ctx context.Context, token string, at time.Time) (*model.RegisterToken, error) {
	row := q.db.QueryRow(ctx,
		`UPDATE telegram_register_tokens SET is_used = TRUE, used_at = $1
		 WHERE token = $2 AND NOT is_used
		 RETURNING `+registerTokenColumns, at.UTC(), token)
	t, err := pgOne(row, "register token", pgScanRegisterToken)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// LinkTelegramChat records that ownerID controls chatID. Linking twice is a no-op.
func (q *pgQueries) LinkTelegramChat(ctx context.Context, ownerID int64, chatID string) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO telegram_chats (owner_id, chat_id) VALUES ($1, $2)
		 ON CONFLICT (owner_id, chat_id) DO NOTHING`,
		ownerID, chatID,
	)
	if err != nil {
		return fmt.Errorf("insert telegram chat: %w", err)
	}
	return nil
}

// IsTelegramChatLinked reports whether ownerID has linked chatID.
func (q *pgQueries) IsTelegramChatLinked(ctx context.Context, ownerID int64, chatID string) (bool, error) {
	var linked bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM telegram_chats WHERE owner_id = $1 AND chat_id = $2)`, ownerID, chatID,
	).Scan(&linked)
	if err != nil {
		return false, fmt.Errorf("query telegram chats: %w", err)
	}
	return linked, nil
}

func pgScanRegisterToken(row pgx.Row) (*model.RegisterToken, error) {
	var t model.RegisterToken
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Token, &t.IsUsed, &t.CreatedAt, &t.UsedAt); err != nil {
		return nil, err
	}
	t.UsedAt = utcPtr(t.UsedAt)
	return &t, nil
}
