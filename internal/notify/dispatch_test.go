package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

type sentMessage struct {
	ChatID string
	Text   string
}

type mockSender struct {
	mu       sync.Mutex
	err      error
	messages []sentMessage
}

func (m *mockSender) Send(_ context.Context, channel model.NotificationConfig, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: channel.ChatID, Text: text})
	return m.err
}

func (m *mockSender) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *storage.SQLite
	target model.Target
}

func newFixture(t *testing.T, sources map[string]*model.FilterConfig) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &model.NotificationConfig{OwnerID: 1, Name: "me", Channel: model.ChannelTelegram, ChatID: "100"}
	if err := s.CreateNotificationConfig(ctx, cfg); err != nil {
		t.Fatalf("create config: %v", err)
	}
	tg := &model.Target{OwnerID: 1, Name: "flats", IsActive: true, EnableNotifications: true, NotificationConfigID: &cfg.ID}
	if err := s.CreateTarget(ctx, tg); err != nil {
		t.Fatalf("create target: %v", err)
	}
	for u, f := range sources {
		if err := s.CreateScrapingURL(ctx, &model.ScrapingURL{TargetID: tg.ID, URL: u, IsActive: true, Filters: f}); err != nil {
			t.Fatalf("create url: %v", err)
		}
	}
	return fixture{store: s, target: *tg}
}

func titleRule(op model.Operator, value string) model.FilterRule {
	return model.FilterRule{Field: model.FieldTitle, Operator: op, Value: value}
}

func offer(url, title, listURL string) model.Offer {
	return model.Offer{URL: url, Title: title, ListURL: listURL}
}

func TestDispatchFiltersPerSource(t *testing.T) {
	apartments := &model.FilterConfig{RuleGroups: []model.RuleGroup{{
		Logic: model.LogicAnd,
		Rules: []model.FilterRule{titleRule(model.OpContains, "apartment"), titleRule(model.OpNotContains, "studio")},
	}}}
	f := newFixture(t, map[string]*model.FilterConfig{
		"https://list.example/a": apartments,
		"https://list.example/b": nil,
	})
	sender := &mockSender{}
	d := NewDispatcher(f.store, sender, nil, discardLogger())

	offers := []model.Offer{
		offer("https://o.example/1", "Nice apartment", "https://list.example/a"),
		offer("https://o.example/2", "Studio apartment", "https://list.example/a"),
		offer("https://o.example/3", "House", "https://list.example/b"),
		offer("https://o.example/4", "House", "https://list.example/a"),
		offer("https://o.example/5", "Barn", "https://unknown.example"),
	}

	n := d.Dispatch(context.Background(), f.target, offers)
	if n != 3 {
		t.Fatalf("expected 3 offers sent, got %d", n)
	}

	want := []sentMessage{{
		ChatID: "100",
		Text: FormatOffers("flats", []model.Offer{
			offers[0], offers[2], offers[4],
		}),
	}}
	if diff := cmp.Diff(want, sender.getMessages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchSkips(t *testing.T) {
	f := newFixture(t, nil)
	offers := []model.Offer{offer("https://o.example/1", "Flat", "https://list.example/a")}

	disabled := f.target
	disabled.EnableNotifications = false
	noChannel := f.target
	noChannel.NotificationConfigID = nil

	tests := []struct {
		name   string
		target model.Target
		offers []model.Offer
	}{
		{name: "no offers", target: f.target},
		{name: "notifications disabled", target: disabled, offers: offers},
		{name: "no channel", target: noChannel, offers: offers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockSender{}
			d := NewDispatcher(f.store, sender, nil, discardLogger())
			if n := d.Dispatch(context.Background(), tt.target, tt.offers); n != 0 {
				t.Errorf("expected nothing sent, got %d", n)
			}
			if len(sender.getMessages()) != 0 {
				t.Errorf("sender was called: %+v", sender.getMessages())
			}
		})
	}
}

func TestDispatchDropsGroupOnEvaluationError(t *testing.T) {
	broken := &model.FilterConfig{RuleGroups: []model.RuleGroup{{
		Logic: model.LogicAnd,
		Rules: []model.FilterRule{titleRule("regex", "x")},
	}}}
	f := newFixture(t, map[string]*model.FilterConfig{
		"https://list.example/a": broken,
		"https://list.example/b": nil,
	})
	sender := &mockSender{}
	d := NewDispatcher(f.store, sender, nil, discardLogger())

	n := d.Dispatch(context.Background(), f.target, []model.Offer{
		offer("https://o.example/1", "Flat", "https://list.example/a"),
		offer("https://o.example/2", "Loft", "https://list.example/b"),
	})
	if n != 1 {
		t.Fatalf("expected only the unfiltered group to be sent, got %d", n)
	}
}

func TestDispatchSendErrorIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	sender := &mockSender{err: errors.New("telegram down")}
	d := NewDispatcher(f.store, sender, nil, discardLogger())

	n := d.Dispatch(context.Background(), f.target, []model.Offer{offer("https://o.example/1", "Flat", "")})
	if n != 0 {
		t.Errorf("expected 0 on send failure, got %d", n)
	}
	if len(sender.getMessages()) != 1 {
		t.Errorf("expected one send attempt, got %d", len(sender.getMessages()))
	}
}

func TestFormatOffers(t *testing.T) {
	price := 1500
	got := FormatOffers("flats", []model.Offer{
		{URL: "https://o.example/1", Title: "Loft", Price: &price},
		{URL: "https://o.example/2"},
	})
	want := "New offers for flats (2):\n" +
		"\n1. Loft - 1500\nhttps://o.example/1\n" +
		"\n2. (no title)\nhttps://o.example/2\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FormatOffers mismatch (-want +got):\n%s", diff)
	}
}
