package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type dispatchCall struct {
	TargetID int64
	URLs     []string
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (m *mockDispatcher) Dispatch(_ context.Context, target model.Target, offers []model.Offer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var urls []string
	for _, o := range offers {
		urls = append(urls, o.URL)
	}
	m.calls = append(m.calls, dispatchCall{TargetID: target.ID, URLs: urls})
	return len(offers)
}

func (m *mockDispatcher) getCalls() []dispatchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]dispatchCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

type harness struct {
	store  *storage.SQLite
	engine *Engine
	ledger *quota.Ledger
	disp   *mockDispatcher
	target *model.Target
}

func newHarness(t *testing.T, sources ...string) harness {
	t.Helper()
	ctx := context.Background()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tg := &model.Target{OwnerID: 1, Name: "flats", IsActive: true}
	if err := s.CreateTarget(ctx, tg); err != nil {
		t.Fatalf("create target: %v", err)
	}
	for _, u := range sources {
		if err := s.CreateScrapingURL(ctx, &model.ScrapingURL{TargetID: tg.ID, URL: u, IsActive: true}); err != nil {
			t.Fatalf("create url: %v", err)
		}
	}

	ledger := quota.New(s, func() time.Time { return now })
	disp := &mockDispatcher{}
	e := New(s, ledger, disp, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return now }
	return harness{store: s, engine: e, ledger: ledger, disp: disp, target: tg}
}

func (h harness) setQuota(t *testing.T, max, used int) {
	t.Helper()
	_, err := h.ledger.SetNewQuota(context.Background(), quota.Period{
		TargetID: h.target.ID, MaxOffers: &max, Used: used, Start: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("set quota: %v", err)
	}
}

func (h harness) usage(t *testing.T) int {
	t.Helper()
	v, err := h.ledger.Active(context.Background(), h.target.ID)
	if err != nil {
		t.Fatalf("active quota: %v", err)
	}
	return v.Quota().UsedOffers
}

func raw(url, listURL string) RawOffer {
	return RawOffer{URL: url, Title: "Offer " + url, ListURL: listURL}
}

func createdURLs(res Result) []string {
	var urls []string
	for _, o := range res.Created {
		urls = append(urls, o.URL)
	}
	return urls
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.engine.Ingest(ctx, h.target.ID, []RawOffer{raw("https://o.example/1", "")})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("expected one created offer, got %+v", first)
	}

	price := 700
	again := RawOffer{URL: "https://o.example/1", Title: "Renamed", Price: &price}
	second, err := h.engine.Ingest(ctx, h.target.ID, []RawOffer{again})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if len(second.Created) != 0 || second.Existing != 1 {
		t.Fatalf("second ingest should be not new, got %+v", second)
	}

	n, err := h.store.CountOffers(ctx, h.target.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 offer row, got %d", n)
	}
	o, err := h.store.FindOffer(ctx, h.target.ID, "https://o.example/1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if o.Title != "Renamed" || o.Price == nil || *o.Price != 700 {
		t.Errorf("expected refreshed fields, got %+v", o)
	}
}

func TestIngestQuotaAdmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.setQuota(t, 3, 0)

	batch := []RawOffer{
		raw("https://o.example/1", ""),
		raw("https://o.example/2", ""),
		raw("https://o.example/2", ""),
		raw("https://o.example/3", ""),
		raw("https://o.example/4", ""),
		raw("https://o.example/4", ""),
	}
	res, err := h.engine.Ingest(ctx, h.target.ID, batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	wantURLs := []string{"https://o.example/1", "https://o.example/2", "https://o.example/3"}
	if diff := cmp.Diff(wantURLs, createdURLs(res)); diff != "" {
		t.Errorf("created mismatch (-want +got):\n%s", diff)
	}
	if res.Existing != 1 || res.Rejected != 2 {
		t.Errorf("expected 1 existing and 2 rejected, got %+v", res)
	}
	if got := h.usage(t); got != 3 {
		t.Errorf("expected usage 3, got %d", got)
	}

	next, err := h.engine.Ingest(ctx, h.target.ID, []RawOffer{raw("https://o.example/5", "")})
	if err != nil {
		t.Fatalf("ingest after exhaustion: %v", err)
	}
	if len(next.Created) != 0 || next.Rejected != 1 {
		t.Errorf("exhausted quota should reject, got %+v", next)
	}
	if got := h.usage(t); got != 3 {
		t.Errorf("usage changed after rejection: %d", got)
	}
}

func TestIngestWithoutQuotaIsUnlimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var batch []RawOffer
	for i := range 20 {
		batch = append(batch, raw(fmt.Sprintf("https://o.example/%d", i), ""))
	}
	res, err := h.engine.Ingest(ctx, h.target.ID, batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Created) != 20 || res.Rejected != 0 {
		t.Errorf("expected all 20 created, got %d created %d rejected", len(res.Created), res.Rejected)
	}
}

func TestIngestCheckins(t *testing.T) {
	ctx := context.Background()
	const listX = "https://list.example/x"
	h := newHarness(t, listX)

	if _, err := h.engine.Ingest(ctx, h.target.ID, []RawOffer{raw("https://o.example/1", listX), raw("https://o.example/2", listX)}); err != nil {
		t.Fatalf("seed ingest: %v", err)
	}

	batch := []RawOffer{
		raw("https://o.example/1", listX),
		raw("https://o.example/2", listX),
		raw("https://o.example/3", listX),
		raw("https://o.example/4", listX),
		raw("https://o.example/5", listX),
		raw("https://o.example/6", "https://list.example/unknown"),
		raw("https://o.example/7", ""),
	}
	if _, err := h.engine.Ingest(ctx, h.target.ID, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	sources, err := h.store.FindScrapingURLs(ctx, h.target.ID, []string{listX})
	if err != nil || len(sources) != 1 {
		t.Fatalf("find source: %+v, %v", sources, err)
	}
	got, err := h.store.ListCheckins(ctx, sources[0].ID)
	if err != nil {
		t.Fatalf("list checkins: %v", err)
	}
	want := []model.Checkin{
		{ScrapingURLID: sources[0].ID, OffersCount: 2, NewOffersCount: 2},
		{ScrapingURLID: sources[0].ID, OffersCount: 5, NewOffersCount: 3},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Checkin{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("checkins mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestRejectsBlankURL(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Ingest(context.Background(), h.target.ID, []RawOffer{{URL: "  "}})
	if !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch, got %v", err)
	}
}

func TestIngestConcurrentBatchesRespectQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.setQuota(t, 10, 0)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var batch []RawOffer
			for i := range 5 {
				batch = append(batch, raw(fmt.Sprintf("https://o.example/%d-%d", w, i), ""))
			}
			if _, err := h.engine.Ingest(ctx, h.target.ID, batch); err != nil {
				t.Errorf("worker %d: %v", w, err)
			}
		}()
	}
	wg.Wait()

	n, err := h.store.CountOffers(ctx, h.target.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("expected exactly 10 offers, got %d", n)
	}
	if got := h.usage(t); got != 10 {
		t.Errorf("expected usage 10, got %d", got)
	}
}

func TestBatchCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var req BatchRequest
	body := `{"target": "flats", "offers": [{"url": "https://o.example/1", "title": "Loft", "price": 900, "list_url": ""}]}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	urls, err := h.engine.BatchCreate(ctx, req)
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}
	if diff := cmp.Diff([]string{"https://o.example/1"}, urls); diff != "" {
		t.Errorf("urls mismatch (-want +got):\n%s", diff)
	}

	again, err := h.engine.BatchCreate(ctx, BatchRequest{Target: TargetRef{ID: h.target.ID}, Offers: req.Offers})
	if err != nil {
		t.Fatalf("second batch create: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no new urls, got %v", again)
	}

	want := []dispatchCall{{TargetID: h.target.ID, URLs: []string{"https://o.example/1"}}}
	if diff := cmp.Diff(want, h.disp.getCalls()); diff != "" {
		t.Errorf("dispatch calls mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchCreateUnknownTarget(t *testing.T) {
	h := newHarness(t)
	for _, ref := range []TargetRef{{ID: 999}, {Name: "nope"}} {
		_, err := h.engine.BatchCreate(context.Background(), BatchRequest{Target: ref})
		if !errors.Is(err, model.ErrTargetDoesNotExist) {
			t.Errorf("ref %+v: expected ErrTargetDoesNotExist, got %v", ref, err)
		}
	}
}

func TestTargetRefUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    TargetRef
		wantErr bool
	}{
		{in: `12`, want: TargetRef{ID: 12}},
		{in: `"12"`, want: TargetRef{ID: 12}},
		{in: `"warsaw-flats"`, want: TargetRef{Name: "warsaw-flats"}},
		{in: `true`, wantErr: true},
	}
	for _, tt := range tests {
		var got TargetRef
		err := json.Unmarshal([]byte(tt.in), &got)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
