package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"offerwatch/internal/config"
	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) allSent() []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMsg, len(m.sent))
	copy(out, m.sent)
	return out
}

// --- helpers ---

const chatID = 100

func newTestBot(t *testing.T) (*Bot, *mockAPI, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := quota.New(store, nil)
	api := &mockAPI{}
	b := &Bot{
		api:    api,
		store:  store,
		ledger: ledger,
		cfg:    &config.Config{},
		log:    log,
	}
	return b, api, store
}

// seedChat links a target with one source to chatID.
func seedChat(t *testing.T, store *storage.SQLite) *model.Target {
	t.Helper()
	ctx := context.Background()
	cfg := &model.NotificationConfig{OwnerID: 1, Name: "me", Channel: model.ChannelTelegram, ChatID: strconv.Itoa(chatID)}
	if err := store.CreateNotificationConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	tg := &model.Target{OwnerID: 1, Name: "flats", IsActive: true, NotificationConfigID: &cfg.ID}
	if err := store.CreateTarget(ctx, tg); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	u := &model.ScrapingURL{TargetID: tg.ID, URL: "https://list.example/a", Name: "Center", IsActive: true, Kind: model.SourceExternal}
	if err := store.CreateScrapingURL(ctx, u); err != nil {
		t.Fatalf("seed url: %v", err)
	}
	return tg
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

// --- tests ---

func TestSend(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	err := b.Send(ctx, model.NotificationConfig{Channel: model.ChannelTelegram, ChatID: "42"}, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff([]sentMsg{{ChatID: 42, Text: "hello"}}, api.allSent()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	err = b.Send(ctx, model.NotificationConfig{Channel: "email", ChatID: "42"}, "hello")
	if !errors.Is(err, ErrUnsupportedChannel) {
		t.Errorf("Send(email) error = %v, want ErrUnsupportedChannel", err)
	}

	if err := b.Send(ctx, model.NotificationConfig{Channel: model.ChannelTelegram, ChatID: "abc"}, "x"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}

	api.err = errors.New("telegram down")
	if err := b.Send(ctx, model.NotificationConfig{Channel: model.ChannelTelegram, ChatID: "42"}, "x"); err == nil {
		t.Error("expected error when the api fails")
	}
}

func TestSendSplitsLongMessages(t *testing.T) {
	b, api, _ := newTestBot(t)
	line := strings.Repeat("a", 1000) + "\n"
	text := strings.Repeat(line, 10)

	err := b.Send(context.Background(), model.NotificationConfig{Channel: model.ChannelTelegram, ChatID: "42"}, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := api.allSent()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	for _, m := range sent {
		if n := len([]rune(m.Text)); n > maxMessageLength {
			t.Errorf("message of %d characters exceeds the limit", n)
		}
	}
}

func TestSendRespectsContext(t *testing.T) {
	b, _, _ := newTestBot(t)
	b.limiter = rate.NewLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Send(ctx, model.NotificationConfig{Channel: model.ChannelTelegram, ChatID: "42"}, "x")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestHandleCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleCommand(ctx, chatID, "add", "")
		requireContains(t, api.lastText(), "Unknown command")
	})

	t.Run("start shows chat id", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleCommand(ctx, chatID, "start", "")
		requireContains(t, api.lastText(), "chat ID 100")
	})

	t.Run("help", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleCommand(ctx, chatID, "help", "")
		requireContains(t, api.lastText(), "/notify on|off")
	})

	t.Run("unlinked chat", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleCommand(ctx, chatID, "list", "")
		requireContains(t, api.lastText(), "not linked")
	})
}

func TestStartLinksChat(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()
	tok := &model.RegisterToken{OwnerID: 1, Token: "abc123"}
	if err := store.CreateRegisterToken(ctx, tok); err != nil {
		t.Fatalf("create token: %v", err)
	}

	b.handleCommand(ctx, chatID, "start", "abc123")
	requireContains(t, api.lastText(), "This chat is now linked")
	linked, err := store.IsTelegramChatLinked(ctx, 1, strconv.Itoa(chatID))
	if err != nil || !linked {
		t.Fatalf("expected chat to be linked: %v, %v", linked, err)
	}

	const otherChat = 200
	b.handleCommand(ctx, otherChat, "start", "abc123")
	requireContains(t, api.lastText(), "invalid or has already been used")
	linked, err = store.IsTelegramChatLinked(ctx, 1, strconv.Itoa(otherChat))
	if err != nil || linked {
		t.Errorf("reused token linked another chat: %v, %v", linked, err)
	}

	b.handleCommand(ctx, otherChat, "start", "unknown")
	requireContains(t, api.lastText(), "invalid or has already been used")
}

func TestHandleList(t *testing.T) {
	b, api, store := newTestBot(t)
	seedChat(t, store)

	b.handleCommand(context.Background(), chatID, "list", "")
	reply := api.lastText()
	requireContains(t, reply, "#1 flats [active] (muted)")
	requireContains(t, reply, "Center [external, active]")
}

func TestHandleQuota(t *testing.T) {
	b, api, store := newTestBot(t)
	tg := seedChat(t, store)
	ctx := context.Background()

	b.handleCommand(ctx, chatID, "quota", "")
	requireContains(t, api.lastText(), "flats: unlimited")

	limit := 5
	end := time.Now().Add(24 * time.Hour)
	if _, err := quota.New(store, nil).SetNewQuota(ctx, quota.Period{
		TargetID: tg.ID, MaxOffers: &limit, Start: time.Now().Add(-time.Hour), End: &end, Used: 2,
	}); err != nil {
		t.Fatalf("set quota: %v", err)
	}

	b.handleCommand(ctx, chatID, "quota", "")
	requireContains(t, api.lastText(), "flats: 2 used, 3 left")
	requireContains(t, api.lastText(), "period ends")
}

func TestHandleNotify(t *testing.T) {
	b, api, store := newTestBot(t)
	tg := seedChat(t, store)
	ctx := context.Background()

	b.handleCommand(ctx, chatID, "notify", "maybe")
	requireContains(t, api.lastText(), "Usage: /notify")

	b.handleCommand(ctx, chatID, "notify", "on")
	requireContains(t, api.lastText(), "Notifications on for 1 target(s)")

	got, err := store.GetTarget(ctx, tg.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if !got.EnableNotifications {
		t.Error("notifications were not enabled")
	}
}

func TestAccessDenied(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.cfg = &config.Config{AllowedUsers: []int64{7}}
	updates := make(chan tgbotapi.Update, 1)
	b.api = &chanAPI{mockAPI: api, updates: updates}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     "/help",
		From:     &tgbotapi.User{ID: 8},
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 5}},
	}}

	deadline := time.After(2 * time.Second)
	for api.lastText() == "" {
		select {
		case <-deadline:
			t.Fatal("no reply")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	requireContains(t, api.lastText(), "Access denied")
}

type chanAPI struct {
	*mockAPI
	updates chan tgbotapi.Update
}

func (c *chanAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.updates
}
