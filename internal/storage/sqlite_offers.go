package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"offerwatch/internal/model"
)

const scrapingURLColumns = `id, target_id, url, name, is_active, kind, filters, created_at`

// CreateScrapingURL inserts a new scraping URL.
func (q *sqliteQueries) CreateScrapingURL(ctx context.Context, u *model.ScrapingURL) error {
	if u.Kind == "" {
		u.Kind = model.SourceExternal
	}
	filters, err := encodeFilters(u.Filters)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO scraping_urls (target_id, url, name, is_active, kind, filters, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.TargetID, u.URL, u.Name, boolToInt(u.IsActive), string(u.Kind), filters, now,
	)
	if err != nil {
		return fmt.Errorf("insert scraping url: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetScrapingURL returns a scraping URL by its ID.
func (q *sqliteQueries) GetScrapingURL(ctx context.Context, id int64) (*model.ScrapingURL, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+scrapingURLColumns+` FROM scraping_urls WHERE id = ?`, id)
	return scanScrapingURL(row)
}

// ListScrapingURLs returns all scraping URLs of a target.
func (q *sqliteQueries) ListScrapingURLs(ctx context.Context, targetID int64) ([]model.ScrapingURL, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+scrapingURLColumns+` FROM scraping_urls WHERE target_id = ? ORDER BY id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query scraping urls: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanScrapingURL)
}

// FindScrapingURLs loads the scraping URLs of a target matching any of urls
// in a single query.
func (q *sqliteQueries) FindScrapingURLs(ctx context.Context, targetID int64, urls []string) ([]model.ScrapingURL, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(urls)+1)
	args = append(args, targetID)
	for _, u := range urls {
		args = append(args, u)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(urls)), ", ")

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+scrapingURLColumns+` FROM scraping_urls
		 WHERE target_id = ? AND url IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query scraping urls: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanScrapingURL)
}

// CountScrapingURLs returns how many scraping URLs a target has.
func (q *sqliteQueries) CountScrapingURLs(ctx context.Context, targetID int64) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scraping_urls WHERE target_id = ?`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scraping urls: %w", err)
	}
	return n, nil
}

// ListFeedSources returns active feed URLs of active targets.
func (q *sqliteQueries) ListFeedSources(ctx context.Context) ([]model.ScrapingURL, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT s.id, s.target_id, s.url, s.name, s.is_active, s.kind, s.filters, s.created_at
		 FROM scraping_urls s JOIN targets t ON t.id = s.target_id
		 WHERE s.is_active = 1 AND t.is_active = 1 AND s.kind = ?
		 ORDER BY s.id`, string(model.SourceFeed))
	if err != nil {
		return nil, fmt.Errorf("query feed sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanScrapingURL)
}

// UpdateScrapingURL persists changes to an existing scraping URL.
func (q *sqliteQueries) UpdateScrapingURL(ctx context.Context, u *model.ScrapingURL) error {
	filters, err := encodeFilters(u.Filters)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE scraping_urls SET url = ?, name = ?, is_active = ?, kind = ?, filters = ? WHERE id = ?`,
		u.URL, u.Name, boolToInt(u.IsActive), string(u.Kind), filters, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update scraping url: %w", err)
	}
	return nil
}

// DeleteScrapingURL removes a scraping URL and its check-ins. Offers stay.
func (q *sqliteQueries) DeleteScrapingURL(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM scraping_urls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scraping url: %w", err)
	}
	return nil
}

const offerColumns = `id, target_id, url, title, price, published_at, closed_at, list_url, created_at, last_checked_at`

// FindOffer returns the offer with url in target, or nil. Should several rows
// match, the oldest one wins.
func (q *sqliteQueries) FindOffer(ctx context.Context, targetID int64, url string) (*model.Offer, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE target_id = ? AND url = ? ORDER BY id LIMIT 1`, targetID, url)
	o, err := scanOffer(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

// CreateOffer inserts o unless (target, url) already exists. It reports
// whether a row was written.
func (q *sqliteQueries) CreateOffer(ctx context.Context, o *model.Offer) (bool, error) {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.LastCheckedAt.IsZero() {
		o.LastCheckedAt = o.CreatedAt
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO offers (target_id, url, title, price, published_at, closed_at, list_url, created_at, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (target_id, url) DO NOTHING`,
		o.TargetID, o.URL, o.Title, o.Price, formatTimePtr(o.PublishedAt), formatTimePtr(o.ClosedAt), o.ListURL,
		o.CreatedAt.UTC().Format(timeLayout), o.LastCheckedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	o.ID = id
	o.CreatedAt, _ = time.Parse(timeLayout, o.CreatedAt.UTC().Format(timeLayout))
	o.LastCheckedAt, _ = time.Parse(timeLayout, o.LastCheckedAt.UTC().Format(timeLayout))
	return true, nil
}

// RefreshOffer updates the mutable fields of an already known offer.
func (q *sqliteQueries) RefreshOffer(ctx context.Context, o *model.Offer) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE offers SET title = ?, price = ?, last_checked_at = ? WHERE id = ?`,
		o.Title, o.Price, o.LastCheckedAt.UTC().Format(timeLayout), o.ID,
	)
	if err != nil {
		return fmt.Errorf("refresh offer: %w", err)
	}
	return nil
}

// ListOffers returns the newest offers of a target.
func (q *sqliteQueries) ListOffers(ctx context.Context, targetID int64, limit int) ([]model.Offer, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE target_id = ? ORDER BY id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanOffer)
}

// CountOffers returns how many offers a target has.
func (q *sqliteQueries) CountOffers(ctx context.Context, targetID int64) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offers WHERE target_id = ?`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count offers: %w", err)
	}
	return n, nil
}

// CreateCheckin records one ingestion run for a scraping URL.
func (q *sqliteQueries) CreateCheckin(ctx context.Context, c *model.Checkin) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO checkins (scraping_url_id, offers_count, new_offers_count, created_at) VALUES (?, ?, ?, ?)`,
		c.ScrapingURLID, c.OffersCount, c.NewOffersCount, now,
	)
	if err != nil {
		return fmt.Errorf("insert checkin: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListCheckins returns the check-ins of a scraping URL, oldest first.
func (q *sqliteQueries) ListCheckins(ctx context.Context, scrapingURLID int64) ([]model.Checkin, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, scraping_url_id, offers_count, new_offers_count, created_at
		 FROM checkins WHERE scraping_url_id = ? ORDER BY id`, scrapingURLID)
	if err != nil {
		return nil, fmt.Errorf("query checkins: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanCheckin)
}

const quotaColumns = `id, target_id, max_offers, used_offers, period_start, period_end, auto_renew, is_free_tier, created_at`

// ActiveQuota returns the quota whose window contains now, preferring the
// latest start. It returns nil when no window is open.
func (q *sqliteQueries) ActiveQuota(ctx context.Context, targetID int64, now time.Time) (*model.Quota, error) {
	ts := now.UTC().Format(timeLayout)
	row := q.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM quotas
		 WHERE target_id = ? AND period_start <= ? AND (period_end IS NULL OR period_end > ?)
		 ORDER BY period_start DESC LIMIT 1`, targetID, ts, ts)
	qt, err := scanQuota(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return qt, err
}

// ListQuotas returns every quota of a target ordered by start.
func (q *sqliteQueries) ListQuotas(ctx context.Context, targetID int64) ([]model.Quota, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+quotaColumns+` FROM quotas WHERE target_id = ? ORDER BY period_start`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanQuota)
}

// ListRenewableQuotas returns, per target, the latest quota if it is set to
// auto-renew and has ended by now.
func (q *sqliteQueries) ListRenewableQuotas(ctx context.Context, now time.Time) ([]model.Quota, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+quotaColumns+` FROM quotas q
		 WHERE q.auto_renew = 1 AND q.period_end IS NOT NULL AND q.period_end <= ?
		   AND q.period_start = (SELECT MAX(period_start) FROM quotas WHERE target_id = q.target_id)
		 ORDER BY q.target_id`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query renewable quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanQuota)
}

// UpsertQuota inserts a quota or overwrites the one with the same target
// and period start.
func (q *sqliteQueries) UpsertQuota(ctx context.Context, qt *model.Quota) error {
	now := time.Now().UTC().Format(timeLayout)
	var created string
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO quotas (target_id, max_offers, used_offers, period_start, period_end, auto_renew, is_free_tier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (target_id, period_start) DO UPDATE SET
		   max_offers = excluded.max_offers,
		   used_offers = excluded.used_offers,
		   period_end = excluded.period_end,
		   auto_renew = excluded.auto_renew,
		   is_free_tier = excluded.is_free_tier
		 RETURNING id, created_at`,
		qt.TargetID, qt.MaxOffers, qt.UsedOffers, qt.PeriodStart.UTC().Format(timeLayout),
		formatTimePtr(qt.PeriodEnd), boolToInt(qt.AutoRenew), boolToInt(qt.IsFreeTier), now,
	).Scan(&qt.ID, &created)
	if err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	qt.CreatedAt, _ = time.Parse(timeLayout, created)
	return nil
}

// IncrementQuotaUsage adds by to the usage counter in a single statement.
func (q *sqliteQueries) IncrementQuotaUsage(ctx context.Context, quotaID int64, by int) error {
	_, err := q.db.ExecContext(ctx, `UPDATE quotas SET used_offers = used_offers + ? WHERE id = ?`, by, quotaID)
	if err != nil {
		return fmt.Errorf("increment quota usage: %w", err)
	}
	return nil
}

func scanScrapingURL(row scannable) (*model.ScrapingURL, error) {
	var u model.ScrapingURL
	var isActive int
	var kind, created string
	var filters sql.NullString
	err := row.Scan(&u.ID, &u.TargetID, &u.URL, &u.Name, &isActive, &kind, &filters, &created)
	if err != nil {
		return nil, scanErr("scraping url", err)
	}
	u.IsActive = isActive == 1
	u.Kind = model.SourceKind(kind)
	if filters.Valid {
		if u.Filters, err = decodeFilters([]byte(filters.String)); err != nil {
			return nil, err
		}
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

func scanOffer(row scannable) (*model.Offer, error) {
	var o model.Offer
	var price sql.NullInt64
	var published, closed sql.NullString
	var created, checked string
	err := row.Scan(&o.ID, &o.TargetID, &o.URL, &o.Title, &price, &published, &closed, &o.ListURL, &created, &checked)
	if err != nil {
		return nil, scanErr("offer", err)
	}
	if price.Valid {
		p := int(price.Int64)
		o.Price = &p
	}
	o.PublishedAt = parseTimePtr(published)
	o.ClosedAt = parseTimePtr(closed)
	o.CreatedAt, _ = time.Parse(timeLayout, created)
	o.LastCheckedAt, _ = time.Parse(timeLayout, checked)
	return &o, nil
}

func scanCheckin(row scannable) (*model.Checkin, error) {
	var c model.Checkin
	var created string
	if err := row.Scan(&c.ID, &c.ScrapingURLID, &c.OffersCount, &c.NewOffersCount, &created); err != nil {
		return nil, scanErr("checkin", err)
	}
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

func scanQuota(row scannable) (*model.Quota, error) {
	var qt model.Quota
	var maxOffers sql.NullInt64
	var start, created string
	var end sql.NullString
	var autoRenew, freeTier int
	err := row.Scan(&qt.ID, &qt.TargetID, &maxOffers, &qt.UsedOffers, &start, &end, &autoRenew, &freeTier, &created)
	if err != nil {
		return nil, scanErr("quota", err)
	}
	if maxOffers.Valid {
		m := int(maxOffers.Int64)
		qt.MaxOffers = &m
	}
	qt.PeriodStart, _ = time.Parse(timeLayout, start)
	qt.PeriodEnd = parseTimePtr(end)
	qt.AutoRenew = autoRenew == 1
	qt.IsFreeTier = freeTier == 1
	qt.CreatedAt, _ = time.Parse(timeLayout, created)
	return &qt, nil
}
