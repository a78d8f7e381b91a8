package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"offerwatch/internal/model"
)

const registerTokenColumns = `id, owner_id, token, is_used, created_at, used_at`

// CreateRegisterToken inserts a new unused token.
func (q *sqliteQueries) CreateRegisterToken(ctx context.Context, t *model.RegisterToken) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO telegram_register_tokens (owner_id, token, is_used, created_at) VALUES (?, ?, 0, ?)`,
		t.OwnerID, t.Token, now,
	)
	if err != nil {
		return fmt.Errorf("insert register token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.IsUsed = false
	t.UsedAt = nil
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// FindUnusedRegisterToken returns the newest unused token of ownerID, or nil.
func (q *sqliteQueries) FindUnusedRegisterToken(ctx context.Context, ownerID int64) (*model.RegisterToken, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+registerTokenColumns+` FROM telegram_register_tokens
		 WHERE owner_id = ? AND is_used = 0 ORDER BY id DESC LIMIT 1`, ownerID)
	t, err := scanRegisterToken(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// ConsumeRegisterToken flips is_used in a single conditional update, so two
// chats racing on one token cannot both succeed.
func (q *sqliteQueries) ConsumeRegisterToken(ctx context.Context, token string, at time.Time) (*model.RegisterToken, error) {
	row := q.db.QueryRowContext(ctx,
		`UPDATE telegram_register_tokens SET is_used = 1, used_at = ?
		 WHERE token = ? AND is_used = 0
		 RETURNING `+registerTokenColumns, at.UTC().Format(timeLayout), token)
	t, err := scanRegisterToken(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// LinkTelegramChat records that ownerID controls chatID. Linking twice is a no-op.
func (q *sqliteQueries) LinkTelegramChat(ctx context.Context, ownerID int64, chatID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO telegram_chats (owner_id, chat_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (owner_id, chat_id) DO NOTHING`,
		ownerID, chatID, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert telegram chat: %w", err)
	}
	return nil
}

// IsTelegramChatLinked reports whether ownerID has linked chatID.
func (q *sqliteQueries) IsTelegramChatLinked(ctx context.Context, ownerID int64, chatID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telegram_chats WHERE owner_id = ? AND chat_id = ?`, ownerID, chatID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count telegram chats: %w", err)
	}
	return n > 0, nil
}

func scanRegisterToken(row scannable) (*model.RegisterToken, error) {
	var t model.RegisterToken
	var isUsed int
	var created string
	var usedAt sql.NullString
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Token, &isUsed, &created, &usedAt); err != nil {
		return nil, scanErr("register token", err)
	}
	t.IsUsed = isUsed == 1
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	t.UsedAt = parseTimePtr(usedAt)
	return &t, nil
}
