package quota

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

var base = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTarget(t *testing.T, s storage.Repository, owner int64, name string) *model.Target {
	t.Helper()
	tg := &model.Target{OwnerID: owner, Name: name, IsActive: true}
	if err := s.CreateTarget(context.Background(), tg); err != nil {
		t.Fatalf("create target: %v", err)
	}
	return tg
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func intPtr(v int) *int             { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func TestViewUnlimited(t *testing.T) {
	var v View
	if !v.Unlimited() || v.Exhausted() || v.ID() != 0 || v.Remaining() != math.MaxInt {
		t.Fatalf("zero view should be unlimited: %+v", v)
	}

	noLimit := View{q: &model.Quota{ID: 4, UsedOffers: 1000}}
	if !noLimit.Unlimited() || noLimit.Exhausted() {
		t.Fatal("quota without max should be unlimited")
	}
}

func TestViewRemaining(t *testing.T) {
	tests := []struct {
		name      string
		max, used int
		remaining int
		exhausted bool
	}{
		{name: "fresh", max: 5, used: 0, remaining: 5},
		{name: "partly used", max: 5, used: 3, remaining: 2},
		{name: "at limit", max: 5, used: 5, remaining: 0, exhausted: true},
		{name: "over limit", max: 5, used: 7, remaining: 0, exhausted: true},
		{name: "zero limit", max: 0, used: 0, remaining: 0, exhausted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := View{q: &model.Quota{MaxOffers: intPtr(tt.max), UsedOffers: tt.used}}
			if v.Remaining() != tt.remaining {
				t.Errorf("Remaining() = %d, want %d", v.Remaining(), tt.remaining)
			}
			if v.Exhausted() != tt.exhausted {
				t.Errorf("Exhausted() = %v, want %v", v.Exhausted(), tt.exhausted)
			}
		})
	}
}

func TestActiveSelectsContainingWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tg := newTarget(t, s, 1, "flats")
	l := New(s, fixedClock(base))

	windows := []struct {
		start, end time.Time
		max        int
	}{
		{base.Add(-48 * time.Hour), base.Add(-24 * time.Hour), 1},
		{base.Add(-time.Hour), base.Add(time.Hour), 2},
		{base.Add(24 * time.Hour), base.Add(48 * time.Hour), 3},
	}
	for _, w := range windows {
		if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, MaxOffers: intPtr(w.max), Start: w.start, End: timePtr(w.end)}); err != nil {
			t.Fatalf("set quota: %v", err)
		}
	}

	v, err := l.Active(ctx, tg.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if v.Quota() == nil || *v.Quota().MaxOffers != 2 {
		t.Fatalf("expected the [t-1h, t+1h) period, got %+v", v.Quota())
	}
}

func TestActiveWithoutQuotaIsUnlimited(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tg := newTarget(t, s, 1, "flats")
	l := New(s, fixedClock(base))

	ok, err := l.IsAvailable(ctx, tg.ID)
	if err != nil {
		t.Fatalf("is available: %v", err)
	}
	if !ok {
		t.Fatal("target without quota should be available")
	}
	v, err := l.Active(ctx, tg.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if !v.Unlimited() {
		t.Fatal("expected unlimited view")
	}
	if err := l.IncrementUsage(ctx, v.ID(), 3); err != nil {
		t.Fatalf("increment on unlimited view: %v", err)
	}
}

func TestSetNewQuotaOverlap(t *testing.T) {
	ctx := context.Background()
	start := base
	end := base.Add(30 * 24 * time.Hour)

	tests := []struct {
		name    string
		start   time.Time
		end     *time.Time
		wantErr bool
	}{
		{name: "same window updates", start: start, end: timePtr(end)},
		{name: "disjoint after", start: end, end: timePtr(end.Add(time.Hour))},
		{name: "disjoint before", start: start.Add(-time.Hour), end: timePtr(start)},
		{name: "intersects tail", start: end.Add(-time.Hour), end: timePtr(end.Add(time.Hour)), wantErr: true},
		{name: "contains existing", start: start.Add(-time.Hour), end: timePtr(end.Add(time.Hour)), wantErr: true},
		{name: "indefinite from inside", start: start.Add(time.Hour), end: nil, wantErr: true},
		{name: "indefinite from end", start: end, end: nil},
		{name: "same start other end", start: start, end: timePtr(end.Add(time.Hour)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			tg := newTarget(t, s, 1, "flats")
			l := New(s, fixedClock(base))
			if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, MaxOffers: intPtr(10), Start: start, End: timePtr(end)}); err != nil {
				t.Fatalf("seed quota: %v", err)
			}

			_, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, MaxOffers: intPtr(20), Start: tt.start, End: tt.end})
			if tt.wantErr {
				if !errors.Is(err, ErrQuotaOverlap) {
					t.Fatalf("expected ErrQuotaOverlap, got %v", err)
				}
				var oe *OverlapError
				if !errors.As(err, &oe) || !oe.Start.Equal(start) {
					t.Fatalf("expected overlap with the seeded period, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSetNewQuotaIndefiniteExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tg := newTarget(t, s, 1, "flats")
	l := New(s, fixedClock(base))

	if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, Start: base}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, Start: base.AddDate(1, 0, 0), End: timePtr(base.AddDate(2, 0, 0))})
	if !errors.Is(err, ErrQuotaOverlap) {
		t.Fatalf("expected overlap with indefinite period, got %v", err)
	}
	if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, Start: base.AddDate(-1, 0, 0), End: timePtr(base)}); err != nil {
		t.Fatalf("period ending at the indefinite start should fit: %v", err)
	}
}

func TestSetNewQuotaInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tg := newTarget(t, s, 1, "flats")
	l := New(s, fixedClock(base))

	if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, Start: base, End: timePtr(base)}); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("expected ErrInvalidPeriod for empty window, got %v", err)
	}
	if _, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, MaxOffers: intPtr(-1), Start: base}); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("expected ErrInvalidPeriod for negative limit, got %v", err)
	}
}

func TestIncrementUsageNoClamp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tg := newTarget(t, s, 1, "flats")
	l := New(s, fixedClock(base))

	q, err := l.SetNewQuota(ctx, Period{TargetID: tg.ID, MaxOffers: intPtr(2), Start: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := l.IncrementUsage(ctx, q.ID, 3); err != nil {
		t.Fatalf("increment: %v", err)
	}

	v, err := l.Active(ctx, tg.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if v.Quota().UsedOffers != 3 || !v.Exhausted() {
		t.Fatalf("expected usage 3 and exhausted, got %+v", v.Quota())
	}
}

func TestRenewExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	renewing := newTarget(t, s, 1, "renewing")
	manual := newTarget(t, s, 1, "manual")

	l := New(s, fixedClock(base))
	month := 30 * 24 * time.Hour
	start := base.Add(-month - time.Hour)
	end := start.Add(month)
	for _, p := range []Period{
		{TargetID: renewing.ID, MaxOffers: intPtr(50), Start: start, End: &end, Used: 50, AutoRenew: true, IsFreeTier: true},
		{TargetID: manual.ID, MaxOffers: intPtr(50), Start: start, End: &end, Used: 50},
	} {
		if _, err := l.SetNewQuota(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	n, err := l.RenewExpired(ctx)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 renewal, got %d", n)
	}

	v, err := l.Active(ctx, renewing.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	want := &model.Quota{
		TargetID: renewing.ID, MaxOffers: intPtr(50), PeriodStart: base, PeriodEnd: timePtr(base.Add(month)),
		AutoRenew: true, IsFreeTier: true,
	}
	if diff := cmp.Diff(want, v.Quota(), cmpopts.IgnoreFields(model.Quota{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("renewed quota mismatch (-want +got):\n%s", diff)
	}

	again, err := l.RenewExpired(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second renewal should be a no-op, got %d, %v", again, err)
	}

	stale, err := l.Active(ctx, manual.ID)
	if err != nil {
		t.Fatalf("active manual: %v", err)
	}
	if !stale.Unlimited() {
		t.Errorf("manual target should have no open period, got %+v", stale.Quota())
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	limited := newTarget(t, s, 1, "limited")
	open := newTarget(t, s, 1, "open")
	newTarget(t, s, 2, "someone else")

	for _, u := range []string{"https://list.example/a", "https://list.example/b"} {
		if err := s.CreateScrapingURL(ctx, &model.ScrapingURL{TargetID: limited.ID, URL: u, IsActive: true}); err != nil {
			t.Fatalf("create url: %v", err)
		}
	}

	l := New(s, fixedClock(base))
	end := base.Add(time.Hour)
	if _, err := l.SetNewQuota(ctx, Period{TargetID: limited.ID, MaxOffers: intPtr(10), Used: 4, Start: base.Add(-time.Hour), End: &end, IsFreeTier: true}); err != nil {
		t.Fatalf("set quota: %v", err)
	}

	got, err := l.Status(ctx, 1, 5)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	free := true
	want := []StatusItem{
		{Slug: SlugScrapingURLs, Used: 2, Limit: intPtr(5), TargetID: limited.ID, TargetName: "limited"},
		{Slug: SlugOffers, Used: 4, Limit: intPtr(10), TargetID: limited.ID, TargetName: "limited", PeriodEnd: &end, IsFreeTier: &free},
		{Slug: SlugScrapingURLs, Used: 0, Limit: intPtr(5), TargetID: open.ID, TargetName: "open"},
		{Slug: SlugOffers, TargetID: open.ID, TargetName: "open"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Status mismatch (-want +got):\n%s", diff)
	}
}
