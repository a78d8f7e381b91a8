package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"offerwatch/internal/model"
)

// CreateScrapingURL inserts a new scraping URL.
func (q *pgQueries) CreateScrapingURL(ctx context.Context, u *model.ScrapingURL) error {
	if u.Kind == "" {
		u.Kind = model.SourceExternal
	}
	filters, err := pgFilters(u.Filters)
	if err != nil {
		return err
	}
	err = q.db.QueryRow(ctx,
		`INSERT INTO scraping_urls (target_id, url, name, is_active, kind, filters)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		u.TargetID, u.URL, u.Name, u.IsActive, string(u.Kind), filters,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scraping url: %w", err)
	}
	return nil
}

// GetScrapingURL returns a scraping URL by its ID.
func (q *pgQueries) GetScrapingURL(ctx context.Context, id int64) (*model.ScrapingURL, error) {
	row := q.db.QueryRow(ctx, `SELECT `+scrapingURLColumns+` FROM scraping_urls WHERE id = $1`, id)
	return pgOne(row, "scraping url", pgScanScrapingURL)
}

// ListScrapingURLs returns all scraping URLs of a target.
func (q *pgQueries) ListScrapingURLs(ctx context.Context, targetID int64) ([]model.ScrapingURL, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+scrapingURLColumns+` FROM scraping_urls WHERE target_id = $1 ORDER BY id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query scraping urls: %w", err)
	}
	return pgCollect(rows, "scraping url", pgScanScrapingURL)
}

// FindScrapingURLs loads the scraping URLs of a target matching any of urls
// in a single query.
func (q *pgQueries) FindScrapingURLs(ctx context.Context, targetID int64, urls []string) ([]model.ScrapingURL, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+scrapingURLColumns+` FROM scraping_urls
		 WHERE target_id = $1 AND url = ANY($2) ORDER BY id`, targetID, urls)
	if err != nil {
		return nil, fmt.Errorf("query scraping urls: %w", err)
	}
	return pgCollect(rows, "scraping url", pgScanScrapingURL)
}

// CountScrapingURLs returns how many scraping URLs a target has.
func (q *pgQueries) CountScrapingURLs(ctx context.Context, targetID int64) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM scraping_urls WHERE target_id = $1`, targetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scraping urls: %w", err)
	}
	return n, nil
}

// ListFeedSources returns active feed URLs of active targets.
func (q *pgQueries) ListFeedSources(ctx context.Context) ([]model.ScrapingURL, error) {
	rows, err := q.db.Query(ctx,
		`SELECT s.id, s.target_id, s.url, s.name, s.is_active, s.kind, s.filters, s.created_at
		 FROM scraping_urls s JOIN targets t ON t.id = s.target_id
		 WHERE s.is_active AND t.is_active AND s.kind = $1
		 ORDER BY s.id`, string(model.SourceFeed))
	if err != nil {
		return nil, fmt.Errorf("query feed sources: %w", err)
	}
	return pgCollect(rows, "scraping url", pgScanScrapingURL)
}

// UpdateScrapingURL persists changes to an existing scraping URL.
func (q *pgQueries) UpdateScrapingURL(ctx context.Context, u *model.ScrapingURL) error {
	filters, err := pgFilters(u.Filters)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`UPDATE scraping_urls SET url = $1, name = $2, is_active = $3, kind = $4, filters = $5 WHERE id = $6`,
		u.URL, u.Name, u.IsActive, string(u.Kind), filters, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update scraping url: %w", err)
	}
	return nil
}

// DeleteScrapingURL removes a scraping URL and its check-ins. Offers stay.
func (q *pgQueries) DeleteScrapingURL(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM scraping_urls WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete scraping url: %w", err)
	}
	return nil
}

// FindOffer returns the offer with url in target, or nil.
func (q *pgQueries) FindOffer(ctx context.Context, targetID int64, url string) (*model.Offer, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE target_id = $1 AND url = $2 ORDER BY id LIMIT 1`, targetID, url)
	o, err := pgOne(row, "offer", pgScanOffer)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

// CreateOffer inserts o unless (target, url) already exists. It reports
// whether a row was written.
func (q *pgQueries) CreateOffer(ctx context.Context, o *model.Offer) (bool, error) {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.LastCheckedAt.IsZero() {
		o.LastCheckedAt = o.CreatedAt
	}
	err := q.db.QueryRow(ctx,
		`INSERT INTO offers (target_id, url, title, price, published_at, closed_at, list_url, created_at, last_checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (target_id, url) DO NOTHING
		 RETURNING id`,
		o.TargetID, o.URL, o.Title, o.Price, utcPtr(o.PublishedAt), utcPtr(o.ClosedAt), o.ListURL,
		o.CreatedAt.UTC(), o.LastCheckedAt.UTC(),
	).Scan(&o.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert offer: %w", err)
	}
	return true, nil
}

// RefreshOffer updates the mutable fields of an already known offer.
func (q *pgQueries) RefreshOffer(ctx context.Context, o *model.Offer) error {
	_, err := q.db.Exec(ctx,
		`UPDATE offers SET title = $1, price = $2, last_checked_at = $3 WHERE id = $4`,
		o.Title, o.Price, o.LastCheckedAt.UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("refresh offer: %w", err)
	}
	return nil
}

// ListOffers returns the newest offers of a target.
func (q *pgQueries) ListOffers(ctx context.Context, targetID int64, limit int) ([]model.Offer, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE target_id = $1 ORDER BY id DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	return pgCollect(rows, "offer", pgScanOffer)
}

// CountOffers returns how many offers a target has.
func (q *pgQueries) CountOffers(ctx context.Context, targetID int64) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM offers WHERE target_id = $1`, targetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count offers: %w", err)
	}
	return n, nil
}

// CreateCheckin records one ingestion run for a scraping URL.
func (q *pgQueries) CreateCheckin(ctx context.Context, c *model.Checkin) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO checkins (scraping_url_id, offers_count, new_offers_count)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		c.ScrapingURLID, c.OffersCount, c.NewOffersCount,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkin: %w", err)
	}
	return nil
}

// ListCheckins returns the check-ins of a scraping URL, oldest first.
func (q *pgQueries) ListCheckins(ctx context.Context, scrapingURLID int64) ([]model.Checkin, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, scraping_url_id, offers_count, new_offers_count, created_at
		 FROM checkins WHERE scraping_url_id = $1 ORDER BY id`, scrapingURLID)
	if err != nil {
		return nil, fmt.Errorf("query checkins: %w", err)
	}
	return pgCollect(rows, "checkin", func(row pgx.Row) (*model.Checkin, error) {
		var c model.Checkin
		if err := row.Scan(&c.ID, &c.ScrapingURLID, &c.OffersCount, &c.NewOffersCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		return &c, nil
	})
}

// ActiveQuota returns the quota whose window contains now, preferring the
// latest start. Inside a transaction the row stays locked until commit so
// concurrent batches for one target admit offers one after another.
func (q *pgQueries) ActiveQuota(ctx context.Context, targetID int64, now time.Time) (*model.Quota, error) {
	query := `SELECT ` + quotaColumns + ` FROM quotas
		 WHERE target_id = $1 AND period_start <= $2 AND (period_end IS NULL OR period_end > $2)
		 ORDER BY period_start DESC LIMIT 1`
	if q.inTx {
		query += ` FOR UPDATE`
	}
	qt, err := pgOne(q.db.QueryRow(ctx, query, targetID, now.UTC()), "quota", pgScanQuota)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return qt, err
}

// ListQuotas returns every quota of a target ordered by start.
func (q *pgQueries) ListQuotas(ctx context.Context, targetID int64) ([]model.Quota, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+quotaColumns+` FROM quotas WHERE target_id = $1 ORDER BY period_start`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query quotas: %w", err)
	}
	return pgCollect(rows, "quota", pgScanQuota)
}

// ListRenewableQuotas returns, per target, the latest quota if it is set to
// auto-renew and has ended by now.
func (q *pgQueries) ListRenewableQuotas(ctx context.Context, now time.Time) ([]model.Quota, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+quotaColumns+` FROM quotas q
		 WHERE q.auto_renew AND q.period_end IS NOT NULL AND q.period_end <= $1
		   AND q.period_start = (SELECT MAX(period_start) FROM quotas WHERE target_id = q.target_id)
		 ORDER BY q.target_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query renewable quotas: %w", err)
	}
	return pgCollect(rows, "quota", pgScanQuota)
}

// UpsertQuota inserts a quota or overwrites the one with the same target
// and period start.
func (q *pgQueries) UpsertQuota(ctx context.Context, qt *model.Quota) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO quotas (target_id, max_offers, used_offers, period_start, period_end, auto_renew, is_free_tier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (target_id, period_start) DO UPDATE SET
		   max_offers = EXCLUDED.max_offers,
		   used_offers = EXCLUDED.used_offers,
		   period_end = EXCLUDED.period_end,
		   auto_renew = EXCLUDED.auto_renew,
		   is_free_tier = EXCLUDED.is_free_tier
		 RETURNING id, created_at`,
		qt.TargetID, qt.MaxOffers, qt.UsedOffers, qt.PeriodStart.UTC(), utcPtr(qt.PeriodEnd), qt.AutoRenew, qt.IsFreeTier,
	).Scan(&qt.ID, &qt.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	return nil
}

// IncrementQuotaUsage adds by to the usage counter in a single statement.
func (q *pgQueries) IncrementQuotaUsage(ctx context.Context, quotaID int64, by int) error {
	if _, err := q.db.Exec(ctx, `UPDATE quotas SET used_offers = used_offers + $1 WHERE id = $2`, by, quotaID); err != nil {
		return fmt.Errorf("increment quota usage: %w", err)
	}
	return nil
}

func pgFilters(cfg *model.FilterConfig) ([]byte, error) {
	s, err := encodeFilters(cfg)
	if err != nil || s == nil {
		return nil, err
	}
	return []byte(*s), nil
}

func pgScanScrapingURL(row pgx.Row) (*model.ScrapingURL, error) {
	var u model.ScrapingURL
	var kind string
	var filters []byte
	if err := row.Scan(&u.ID, &u.TargetID, &u.URL, &u.Name, &u.IsActive, &kind, &filters, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Kind = model.SourceKind(kind)
	cfg, err := decodeFilters(filters)
	if err != nil {
		return nil, err
	}
	u.Filters = cfg
	return &u, nil
}

func pgScanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	err := row.Scan(&o.ID, &o.TargetID, &o.URL, &o.Title, &o.Price, &o.PublishedAt, &o.ClosedAt,
		&o.ListURL, &o.CreatedAt, &o.LastCheckedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func pgScanQuota(row pgx.Row) (*model.Quota, error) {
	var qt model.Quota
	err := row.Scan(&qt.ID, &qt.TargetID, &qt.MaxOffers, &qt.UsedOffers, &qt.PeriodStart, &qt.PeriodEnd,
		&qt.AutoRenew, &qt.IsFreeTier, &qt.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &qt, nil
}
