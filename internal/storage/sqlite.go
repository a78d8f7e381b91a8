package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"offerwatch/internal/filter"
	"offerwatch/internal/model"
	"offerwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements Repository on top of a connection or a transaction.
type sqliteQueries struct {
	db dbtx
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	*sqliteQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// The pool is limited to one connection so writers never interleave.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{sqliteQueries: &sqliteQueries{db: db}, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a database transaction.
func (s *SQLite) InTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const targetColumns = `id, owner_id, name, is_active, enable_notifications, notification_config_id, created_at`

// CreateTarget inserts a new target and populates its ID and CreatedAt.
func (q *sqliteQueries) CreateTarget(ctx context.Context, t *model.Target) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO targets (owner_id, name, is_active, enable_notifications, notification_config_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.OwnerID, t.Name, boolToInt(t.IsActive), boolToInt(t.EnableNotifications), t.NotificationConfigID, now,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetTarget returns a single target by its ID.
func (q *sqliteQueries) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	return scanTarget(row)
}

// GetOwnedTarget returns a target only if it belongs to ownerID.
func (q *sqliteQueries) GetOwnedTarget(ctx context.Context, id, ownerID int64) (*model.Target, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanTarget(row)
}

// FindTargetByName returns the oldest target with the given name, or nil.
func (q *sqliteQueries) FindTargetByName(ctx context.Context, name string) (*model.Target, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE name = ? ORDER BY id LIMIT 1`, name)
	t, err := scanTarget(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// ListTargets returns all targets belonging to the given owner.
func (q *sqliteQueries) ListTargets(ctx context.Context, ownerID int64) ([]model.Target, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanTarget)
}

// ListTargetsByNotificationConfig returns the targets notifying through configID.
func (q *sqliteQueries) ListTargetsByNotificationConfig(ctx context.Context, configID int64) ([]model.Target, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE notification_config_id = ? ORDER BY id`, configID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanTarget)
}

// UpdateTarget persists changes to an existing target.
func (q *sqliteQueries) UpdateTarget(ctx context.Context, t *model.Target) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE targets SET name = ?, is_active = ?, enable_notifications = ?, notification_config_id = ?
		 WHERE id = ?`,
		t.Name, boolToInt(t.IsActive), boolToInt(t.EnableNotifications), t.NotificationConfigID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return nil
}

// DeleteTarget removes a target together with its scraping URLs, check-ins
// and quotas. Targets that still have offers are kept.
func (q *sqliteQueries) DeleteTarget(ctx context.Context, id int64) error {
	n, err := q.CountOffers(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrTargetHasOffers
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

const notificationConfigColumns = `id, owner_id, name, channel, chat_id, created_at`

// CreateNotificationConfig inserts a new notification config.
func (q *sqliteQueries) CreateNotificationConfig(ctx context.Context, c *model.NotificationConfig) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO notification_configs (owner_id, name, channel, chat_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.OwnerID, c.Name, string(c.Channel), c.ChatID, now,
	)
	if err != nil {
		return fmt.Errorf("insert notification config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetNotificationConfig returns a notification config by its ID.
func (q *sqliteQueries) GetNotificationConfig(ctx context.Context, id int64) (*model.NotificationConfig, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+notificationConfigColumns+` FROM notification_configs WHERE id = ?`, id)
	return scanNotificationConfig(row)
}

// FindNotificationConfigByChat returns the oldest config pointing at chatID, or nil.
func (q *sqliteQueries) FindNotificationConfigByChat(ctx context.Context, channel model.Channel, chatID string) (*model.NotificationConfig, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+notificationConfigColumns+` FROM notification_configs
		 WHERE channel = ? AND chat_id = ? ORDER BY id LIMIT 1`, string(channel), chatID)
	c, err := scanNotificationConfig(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// ListNotificationConfigs returns the configs owned by ownerID.
func (q *sqliteQueries) ListNotificationConfigs(ctx context.Context, ownerID int64) ([]model.NotificationConfig, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+notificationConfigColumns+` FROM notification_configs WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query notification configs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanNotificationConfig)
}

// DeleteNotificationConfig removes a config; targets using it lose their channel.
func (q *sqliteQueries) DeleteNotificationConfig(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM notification_configs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete notification config: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, _ := time.Parse(timeLayout, s.String)
	return &t
}

func encodeFilters(cfg *model.FilterConfig) (*string, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := filter.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// decodeFilters trusts stored data; the evaluator rejects unknown operators.
func decodeFilters(raw []byte) (*model.FilterConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cfg model.FilterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	if len(cfg.RuleGroups) == 0 {
		return nil, nil
	}
	return &cfg, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func collect[T any](rows *sql.Rows, scan func(scannable) (*T, error)) ([]T, error) {
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

func scanTarget(row scannable) (*model.Target, error) {
	var t model.Target
	var isActive, notify int
	var cfgID sql.NullInt64
	var created string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &isActive, &notify, &cfgID, &created)
	if err != nil {
		return nil, scanErr("target", err)
	}
	t.IsActive = isActive == 1
	t.EnableNotifications = notify == 1
	if cfgID.Valid {
		v := cfgID.Int64
		t.NotificationConfigID = &v
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}

func scanNotificationConfig(row scannable) (*model.NotificationConfig, error) {
	var c model.NotificationConfig
	var channel, created string
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &channel, &c.ChatID, &created)
	if err != nil {
		return nil, scanErr("notification config", err)
	}
	c.Channel = model.Channel(channel)
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}
