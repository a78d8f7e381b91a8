package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"offerwatch/internal/model"
	"offerwatch/migrations"
)

const pgForeignKeyViolation = "23503"

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxPool interface {
	pgxQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// pgQueries implements Repository on top of a pool or a transaction.
// Inside a transaction the active quota row is locked for update.
type pgQueries struct {
	db   pgxQuerier
	inTx bool
}

// Postgres implements Storage backed by a PostgreSQL connection pool.
type Postgres struct {
	*pgQueries
	pool pgxPool
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// NewPostgres connects to PostgreSQL and runs pending migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	db := stdlib.OpenDB(*poolCfg.ConnConfig)
	err = migrations.Run(db, migrations.DialectPostgres)
	_ = db.Close()
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresWithPool(pool), nil
}

// NewPostgresWithPool wraps an existing pool. Migrations are not run.
func NewPostgresWithPool(pool pgxPool) *Postgres {
	return &Postgres{pgQueries: &pgQueries{db: pool}, pool: pool}
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// InTx runs fn inside a database transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgQueries{db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateTarget inserts a new target and populates its ID and CreatedAt.
func (q *pgQueries) CreateTarget(ctx context.Context, t *model.Target) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO targets (owner_id, name, is_active, enable_notifications, notification_config_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		t.OwnerID, t.Name, t.IsActive, t.EnableNotifications, t.NotificationConfigID,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget returns a single target by its ID.
func (q *pgQueries) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	return pgOne(q.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id), "target", pgScanTarget)
}

// GetOwnedTarget returns a target only if it belongs to ownerID.
func (q *pgQueries) GetOwnedTarget(ctx context.Context, id, ownerID int64) (*model.Target, error) {
	row := q.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return pgOne(row, "target", pgScanTarget)
}

// FindTargetByName returns the oldest target with the given name, or nil.
func (q *pgQueries) FindTargetByName(ctx context.Context, name string) (*model.Target, error) {
	row := q.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE name = $1 ORDER BY id LIMIT 1`, name)
	t, err := pgOne(row, "target", pgScanTarget)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// ListTargets returns all targets belonging to the given owner.
func (q *pgQueries) ListTargets(ctx context.Context, ownerID int64) ([]model.Target, error) {
	rows, err := q.db.Query(ctx, `SELECT `+targetColumns+` FROM targets WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	return pgCollect(rows, "target", pgScanTarget)
}

// ListTargetsByNotificationConfig returns the targets notifying through configID.
func (q *pgQueries) ListTargetsByNotificationConfig(ctx context.Context, configID int64) ([]model.Target, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE notification_config_id = $1 ORDER BY id`, configID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	return pgCollect(rows, "target", pgScanTarget)
}

// UpdateTarget persists changes to an existing target.
func (q *pgQueries) UpdateTarget(ctx context.Context, t *model.Target) error {
	_, err := q.db.Exec(ctx,
		`UPDATE targets SET name = $1, is_active = $2, enable_notifications = $3, notification_config_id = $4
		 WHERE id = $5`,
		t.Name, t.IsActive, t.EnableNotifications, t.NotificationConfigID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return nil
}

// DeleteTarget removes a target; the offers foreign key keeps targets that
// still have offers.
func (q *pgQueries) DeleteTarget(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrTargetHasOffers
	}
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

// CreateNotificationConfig inserts a new notification config.
func (q *pgQueries) CreateNotificationConfig(ctx context.Context, c *model.NotificationConfig) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO notification_configs (owner_id, name, channel, chat_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		c.OwnerID, c.Name, string(c.Channel), c.ChatID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification config: %w", err)
	}
	return nil
}

// GetNotificationConfig returns a notification config by its ID.
func (q *pgQueries) GetNotificationConfig(ctx context.Context, id int64) (*model.NotificationConfig, error) {
	row := q.db.QueryRow(ctx, `SELECT `+notificationConfigColumns+` FROM notification_configs WHERE id = $1`, id)
	return pgOne(row, "notification config", pgScanNotificationConfig)
}

// FindNotificationConfigByChat returns the oldest config pointing at chatID, or nil.
func (q *pgQueries) FindNotificationConfigByChat(ctx context.Context, channel model.Channel, chatID string) (*model.NotificationConfig, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+notificationConfigColumns+` FROM notification_configs
		 WHERE channel = $1 AND chat_id = $2 ORDER BY id LIMIT 1`, string(channel), chatID)
	c, err := pgOne(row, "notification config", pgScanNotificationConfig)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// ListNotificationConfigs returns the configs owned by ownerID.
func (q *pgQueries) ListNotificationConfigs(ctx context.Context, ownerID int64) ([]model.NotificationConfig, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+notificationConfigColumns+` FROM notification_configs WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query notification configs: %w", err)
	}
	return pgCollect(rows, "notification config", pgScanNotificationConfig)
}

// DeleteNotificationConfig removes a config; targets using it lose their channel.
func (q *pgQueries) DeleteNotificationConfig(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM notification_configs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete notification config: %w", err)
	}
	return nil
}

func pgOne[T any](row pgx.Row, what string, scan func(pgx.Row) (*T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", what, err)
	}
	return v, nil
}

func pgCollect[T any](rows pgx.Rows, what string, scan func(pgx.Row) (*T, error)) ([]T, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		v, err := scan(row)
		if err != nil {
			var zero T
			return zero, err
		}
		return *v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", what, err)
	}
	return out, nil
}

func pgScanTarget(row pgx.Row) (*model.Target, error) {
	var t model.Target
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.IsActive, &t.EnableNotifications, &t.NotificationConfigID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func pgScanNotificationConfig(row pgx.Row) (*model.NotificationConfig, error) {
	var c model.NotificationConfig
	var channel string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &channel, &c.ChatID, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Channel = model.Channel(channel)
	return &c, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
