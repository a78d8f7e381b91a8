// Package quota tracks per-target offer usage against period windows.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// ErrQuotaOverlap matches every *OverlapError.
var ErrQuotaOverlap = errors.New("quota period overlaps an existing period")

// ErrInvalidPeriod is returned for a period whose end is not after its start
// or whose limit is negative.
var ErrInvalidPeriod = errors.New("invalid quota period")

// OverlapError describes the existing period a new one collides with.
type OverlapError struct {
	Start time.Time
	End   *time.Time
}

func (e *OverlapError) Error() string {
	end := "indefinite"
	if e.End != nil {
		end = e.End.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s: from %s to %s", ErrQuotaOverlap, e.Start.Format(time.RFC3339), end)
}

func (e *OverlapError) Is(target error) bool {
	return target == ErrQuotaOverlap
}

// View is the admission-relevant state of the active quota. The zero View is
// the unlimited view used when no quota period is open.
type View struct {
	q *model.Quota
}

// ID returns the backing quota row, or 0 for the unlimited view.
func (v View) ID() int64 {
	if v.q == nil {
		return 0
	}
	return v.q.ID
}

// Quota returns the backing row, or nil for the unlimited view.
func (v View) Quota() *model.Quota {
	return v.q
}

// Unlimited reports whether the view imposes no limit.
func (v View) Unlimited() bool {
	return v.q == nil || v.q.MaxOffers == nil
}

// Remaining is the number of offers that may still be created.
// Unlimited views report math.MaxInt.
func (v View) Remaining() int {
	if v.Unlimited() {
		return math.MaxInt
	}
	return max(0, *v.q.MaxOffers-v.q.UsedOffers)
}

// Exhausted reports whether usage has reached the limit.
func (v View) Exhausted() bool {
	if v.Unlimited() {
		return false
	}
	return v.q.UsedOffers >= *v.q.MaxOffers
}

// Period is the input to SetNewQuota. A nil End is an indefinite period and
// a nil MaxOffers is unlimited.
type Period struct {
	TargetID   int64
	MaxOffers  *int
	Start      time.Time
	End        *time.Time
	Used       int
	AutoRenew  bool
	IsFreeTier bool
}

// Ledger reads and mutates quota rows through a Repository.
type Ledger struct {
	repo storage.Repository
	now  func() time.Time
}

// New creates a Ledger. A nil clock defaults to time.Now.
func New(repo storage.Repository, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{repo: repo, now: clock}
}

// With returns a copy of the ledger bound to repo, typically the
// transaction-scoped repository handed out by Storage.InTx.
func (l *Ledger) With(repo storage.Repository) *Ledger {
	return &Ledger{repo: repo, now: l.now}
}

// Active returns the view of the quota whose window contains now.
func (l *Ledger) Active(ctx context.Context, targetID int64) (View, error) {
	q, err := l.repo.ActiveQuota(ctx, targetID, l.now())
	if err != nil {
		return View{}, fmt.Errorf("get active quota: %w", err)
	}
	return View{q: q}, nil
}

// IsAvailable reports whether the target may create at least one more offer.
func (l *Ledger) IsAvailable(ctx context.Context, targetID int64) (bool, error) {
	v, err := l.Active(ctx, targetID)
	if err != nil {
		return false, err
	}
	return !v.Exhausted(), nil
}

// IncrementUsage adds by to the usage of quotaID. Usage may exceed the limit.
// A zero quotaID (the unlimited view) is a no-op.
func (l *Ledger) IncrementUsage(ctx context.Context, quotaID int64, by int) error {
	if quotaID == 0 || by <= 0 {
		return nil
	}
	return l.repo.IncrementQuotaUsage(ctx, quotaID, by)
}

// SetNewQuota creates the period or overwrites the one starting at the same
// instant. It fails with *OverlapError when the window intersects any other
// period of the target. Run it inside Storage.InTx.
func (l *Ledger) SetNewQuota(ctx context.Context, p Period) (*model.Quota, error) {
	p.Start = p.Start.UTC().Truncate(time.Second)
	if p.End != nil {
		end := p.End.UTC().Truncate(time.Second)
		p.End = &end
		if !end.After(p.Start) {
			return nil, fmt.Errorf("%w: end must be after start", ErrInvalidPeriod)
		}
	}
	if p.MaxOffers != nil && *p.MaxOffers < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidPeriod)
	}

	existing, err := l.repo.ListQuotas(ctx, p.TargetID)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	for _, e := range existing {
		if sameWindow(e, p) {
			continue
		}
		if overlaps(p.Start, p.End, e.PeriodStart, e.PeriodEnd) {
			return nil, &OverlapError{Start: e.PeriodStart, End: e.PeriodEnd}
		}
	}

	q := &model.Quota{
		TargetID:    p.TargetID,
		MaxOffers:   p.MaxOffers,
		UsedOffers:  p.Used,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		AutoRenew:   p.AutoRenew,
		IsFreeTier:  p.IsFreeTier,
	}
	if err := l.repo.UpsertQuota(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// RenewExpired opens a fresh period for every target whose latest period
// auto-renews and has ended. The new period starts now, keeps the previous
// length, limit and flags, and starts with zero usage.
func (l *Ledger) RenewExpired(ctx context.Context) (int, error) {
	now := l.now().UTC().Truncate(time.Second)
	expired, err := l.repo.ListRenewableQuotas(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list renewable quotas: %w", err)
	}

	renewed := 0
	for _, q := range expired {
		end := now.Add(q.PeriodEnd.Sub(q.PeriodStart))
		_, err := l.SetNewQuota(ctx, Period{
			TargetID:   q.TargetID,
			MaxOffers:  q.MaxOffers,
			Start:      now,
			End:        &end,
			AutoRenew:  q.AutoRenew,
			IsFreeTier: q.IsFreeTier,
		})
		if err != nil {
			return renewed, fmt.Errorf("renew quota for target %d: %w", q.TargetID, err)
		}
		renewed++
	}
	return renewed, nil
}

// Status slugs.
const (
	SlugOffers       = "offers"
	SlugScrapingURLs = "scraping_urls"
)

// StatusItem is one usage line of the per-user quota status.
// A nil Limit means unlimited.
type StatusItem struct {
	Slug       string     `json:"slug"`
	Used       int        `json:"used"`
	Limit      *int       `json:"limit"`
	TargetID   int64      `json:"target_id"`
	TargetName string     `json:"target_name"`
	PeriodEnd  *time.Time `json:"period_end,omitempty"`
	IsFreeTier *bool      `json:"is_free_tier,omitempty"`
}

// Status aggregates source and offer usage for every target of ownerID.
// maxURLs <= 0 leaves the source count unlimited.
func (l *Ledger) Status(ctx context.Context, ownerID int64, maxURLs int) ([]StatusItem, error) {
	targets, err := l.repo.ListTargets(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var urlLimit *int
	if maxURLs > 0 {
		urlLimit = &maxURLs
	}

	items := make([]StatusItem, 0, 2*len(targets))
	for _, t := range targets {
		n, err := l.repo.CountScrapingURLs(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("count scraping urls: %w", err)
		}
		items = append(items, StatusItem{
			Slug: SlugScrapingURLs, Used: n, Limit: urlLimit, TargetID: t.ID, TargetName: t.Name,
		})

		v, err := l.Active(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		offers := StatusItem{Slug: SlugOffers, TargetID: t.ID, TargetName: t.Name}
		if q := v.Quota(); q != nil {
			free := q.IsFreeTier
			offers.Used = q.UsedOffers
			offers.Limit = q.MaxOffers
			offers.PeriodEnd = q.PeriodEnd
			offers.IsFreeTier = &free
		}
		items = append(items, offers)
	}
	return items, nil
}

func sameWindow(q model.Quota, p Period) bool {
	if !q.PeriodStart.Equal(p.Start) {
		return false
	}
	if q.PeriodEnd == nil || p.End == nil {
		return q.PeriodEnd == nil && p.End == nil
	}
	return q.PeriodEnd.Equal(*p.End)
}

// overlaps tests [aStart, aEnd) against [bStart, bEnd); nil ends are open.
func overlaps(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time) bool {
	aBeforeBEnd := bEnd == nil || aStart.Before(*bEnd)
	bBeforeAEnd := aEnd == nil || bStart.Before(*aEnd)
	return aBeforeBEnd && bBeforeAEnd
}
