package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aquispe/newsbrief/internal/digest"
	"github.com/aquispe/newsbrief/internal/store"
	"github.com/aquispe/newsbrief/internal/store/sqlite"
	"github.com/aquispe/newsbrief/internal/telegram"
)

var discard = slog.New(slog.DiscardHandler)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeReplier struct {
	mu    sync.Mutex
	sends []sentMessage
	ch    chan sentMessage
}

func newFakeReplier() *fakeReplier {
	return &fakeReplier{ch: make(chan sentMessage, 16)}
}

func (f *fakeReplier) Send(ctx context.Context, chatID int64, text string) telegram.SendResult {
	f.mu.Lock()
	f.sends = append(f.sends, sentMessage{chatID, text})
	f.mu.Unlock()
	f.ch <- sentMessage{chatID, text}
	return telegram.SendResult{Outcome: telegram.OutcomeOK}
}

func (f *fakeReplier) SendPlain(ctx context.Context, chatID int64, text string) telegram.SendResult {
	return f.Send(ctx, chatID, text)
}

// waitReply blocks until one asynchronous reply lands.
func (f *fakeReplier) waitReply(t *testing.T) sentMessage {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
		return sentMessage{}
	}
}

type fakeTriggerer struct{ counts digest.Counts }

func (f *fakeTriggerer) Trigger(ctx context.Context) (digest.Counts, error) {
	return f.counts, nil
}

type fakeRegenerator struct {
	digest store.Digest
	calls  int
}

func (f *fakeRegenerator) Regenerate(ctx context.Context) (store.Digest, error) {
	f.calls++
	return f.digest, nil
}

type fakeDeliverer struct {
	mu       sync.Mutex
	chatIDs  []int64
	prefixes []string
	digests  []int64
	welcomes []int64
}

func (f *fakeDeliverer) DeliverTo(ctx context.Context, d store.Digest, chatID int64, titlePrefix string) telegram.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatIDs = append(f.chatIDs, chatID)
	f.prefixes = append(f.prefixes, titlePrefix)
	f.digests = append(f.digests, d.ID)
	return telegram.SendResult{Outcome: telegram.OutcomeOK}
}

func (f *fakeDeliverer) DeliverWelcome(ctx context.Context, d store.Digest, chatID int64) telegram.SendResult {
	f.mu.Lock()
	f.welcomes = append(f.welcomes, chatID)
	f.mu.Unlock()
	return f.DeliverTo(ctx, d, chatID, "")
}

type fixture struct {
	server    *Server
	store     *sqlite.Store
	replier   *fakeReplier
	deliverer *fakeDeliverer
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	replier := newFakeReplier()
	deliverer := &fakeDeliverer{}
	srv := NewServer(Config{
		WebhookSecret: "hook-secret",
		APIKey:        "admin-key",
		AdminChatID:   999,
		BaseLanguage:  "en",
	}, st, replier, &fakeTriggerer{counts: digest.Counts{Attempted: 2, Delivered: 2}}, &fakeRegenerator{digest: store.Digest{ID: 77, Content: "fresh"}}, deliverer, discard)
	return &fixture{server: srv, store: st, replier: replier, deliverer: deliverer, mux: srv.Routes()}
}

func (f *fixture) webhook(t *testing.T, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func command(chatID int64, text string) string {
	b, _ := json.Marshal(map[string]any{
		"update_id": 1,
		"message":   map[string]any{"chat": map[string]any{"id": chatID}, "text": text},
	})
	return string(b)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	f := newFixture(t)
	if rec := f.webhook(t, "wrong", command(42, "/subscribe")); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: code = %d", rec.Code)
	}
	if rec := f.webhook(t, "", command(42, "/subscribe")); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: code = %d", rec.Code)
	}
}

func TestWebhookValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"zero update id", `{"update_id":0,"message":{"chat":{"id":1},"text":"/status"}}`, http.StatusBadRequest},
		{"missing chat", `{"update_id":1,"message":{"text":"/status"}}`, http.StatusBadRequest},
		{"oversize text", command(1, strings.Repeat("x", 4097)), http.StatusBadRequest},
		{"no message", `{"update_id":5}`, http.StatusOK},
		{"not json", `nope`, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if rec := f.webhook(t, "hook-secret", c.body); rec.Code != c.want {
				t.Errorf("code = %d, want %d", rec.Code, c.want)
			}
		})
	}
}

func TestWebhookSubscribeThenStats(t *testing.T) {
	f := newFixture(t)
	if rec := f.webhook(t, "hook-secret", command(42, "/subscribe")); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	reply := f.replier.waitReply(t)
	if reply.chatID != 42 || !strings.Contains(reply.text, "Subscribed") {
		t.Errorf("reply = %+v", reply)
	}

	sub, err := f.store.GetSubscriber(context.Background(), 42)
	if err != nil || !sub.Active || sub.Language != "en" {
		t.Fatalf("subscriber = %+v, %v", sub, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/subscribers", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats code = %d", rec.Code)
	}
	var stats store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.ActiveCount != 1 || stats.InactiveCount != 0 || stats.Languages["en"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWebhookUnknownTextIsIgnored(t *testing.T) {
	f := newFixture(t)
	if rec := f.webhook(t, "hook-secret", command(42, "hello there")); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if _, err := f.store.GetSubscriber(context.Background(), 42); err == nil {
		t.Error("plain text must not create state")
	}
}

func TestWebhookUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.webhook(t, "hook-secret", command(42, "/subscribe"))
	f.replier.waitReply(t)
	f.webhook(t, "hook-secret", command(42, "/unsubscribe"))
	reply := f.replier.waitReply(t)
	if !strings.Contains(reply.text, "unsubscribed") {
		t.Errorf("reply = %q", reply.text)
	}
	sub, _ := f.store.GetSubscriber(context.Background(), 42)
	if sub.Active {
		t.Error("still active")
	}

	// Unsubscribing again is a distinct reply.
	f.webhook(t, "hook-secret", command(42, "/unsubscribe"))
	reply = f.replier.waitReply(t)
	if !strings.Contains(reply.text, "not subscribed") {
		t.Errorf("reply = %q", reply.text)
	}
}

func TestWebhookLanguageSwitch(t *testing.T) {
	f := newFixture(t)
	f.webhook(t, "hook-secret", command(42, "/subscribe"))
	f.replier.waitReply(t)

	f.webhook(t, "hook-secret", command(42, "/language es"))
	reply := f.replier.waitReply(t)
	if !strings.Contains(reply.text, "Idioma") {
		t.Errorf("confirmation should be in the new language: %q", reply.text)
	}
	sub, _ := f.store.GetSubscriber(context.Background(), 42)
	if sub.Language != "es" {
		t.Errorf("language = %q", sub.Language)
	}

	f.webhook(t, "hook-secret", command(42, "/language klingon"))
	reply = f.replier.waitReply(t)
	if !strings.Contains(reply.text, "en, es") {
		t.Errorf("unknown code should list supported ones: %q", reply.text)
	}
}

func TestWebhookStatus(t *testing.T) {
	f := newFixture(t)
	f.webhook(t, "hook-secret", command(42, "/status"))
	reply := f.replier.waitReply(t)
	if !strings.Contains(reply.text, "inactive") {
		t.Errorf("unknown chat should read inactive: %q", reply.text)
	}

	f.webhook(t, "hook-secret", command(42, "/subscribe"))
	f.replier.waitReply(t)
	f.webhook(t, "hook-secret", command(42, "/status"))
	reply = f.replier.waitReply(t)
	if !strings.Contains(reply.text, "active") || !strings.Contains(reply.text, "English") {
		t.Errorf("status = %q", reply.text)
	}
	if strings.Contains(reply.text, "Active subscribers") {
		t.Errorf("non-admin must not see totals: %q", reply.text)
	}
}

func TestWebhookStatusAdminSeesCount(t *testing.T) {
	f := newFixture(t)
	f.webhook(t, "hook-secret", command(999, "/subscribe"))
	f.replier.waitReply(t)
	f.webhook(t, "hook-secret", command(999, "/status"))
	reply := f.replier.waitReply(t)
	if !strings.Contains(reply.text, "Active subscribers: 1") {
		t.Errorf("admin status = %q", reply.text)
	}
}

func TestWebhookWelcomeDelivery(t *testing.T) {
	f := newFixture(t)
	d, err := f.store.InsertDigest(context.Background(), "latest digest", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	f.webhook(t, "hook-secret", command(42, "/subscribe"))
	f.replier.waitReply(t)

	deadline := time.After(2 * time.Second)
	for {
		f.deliverer.mu.Lock()
		n := len(f.deliverer.chatIDs)
		f.deliverer.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("welcome digest never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if f.deliverer.chatIDs[0] != 42 || f.deliverer.digests[0] != d.ID {
		t.Errorf("welcome = chat %d digest %d", f.deliverer.chatIDs[0], f.deliverer.digests[0])
	}
	if len(f.deliverer.welcomes) != 1 || f.deliverer.welcomes[0] != 42 {
		t.Errorf("first subscribe must use the welcome path, got %v", f.deliverer.welcomes)
	}

	// Eventually the welcome flag flips; a resubscribe then skips it.
	waitFor(t, func() bool {
		sub, _ := f.store.GetSubscriber(context.Background(), 42)
		return sub.ReceivedWelcome
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// deadlineStore records the deadline of the context handed to Subscribe.
type deadlineStore struct {
	store.Store
	mu       sync.Mutex
	deadline time.Time
	hasIt    bool
}

func (d *deadlineStore) Subscribe(ctx context.Context, chatID int64, lang string, now time.Time) (store.SubscribeResult, error) {
	d.mu.Lock()
	d.deadline, d.hasIt = ctx.Deadline()
	d.mu.Unlock()
	return d.Store.Subscribe(ctx, chatID, lang, now)
}

func TestWebhookStoreTransitionHasDeadline(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ds := &deadlineStore{Store: st}
	replier := newFakeReplier()
	srv := NewServer(Config{
		WebhookSecret: "hook-secret",
		APIKey:        "admin-key",
		BaseLanguage:  "en",
	}, ds, replier, &fakeTriggerer{}, &fakeRegenerator{}, &fakeDeliverer{}, discard)
	mux := srv.Routes()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(command(42, "/subscribe")))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	replier.waitReply(t)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.hasIt {
		t.Fatal("store transition ran without a deadline")
	}
	if remaining := time.Until(ds.deadline); remaining > 5*time.Second {
		t.Errorf("deadline %v out, must stay inside the 5s response window", remaining)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/trigger"},
		{http.MethodPost, "/test?chat_id=1"},
		{http.MethodGet, "/subscribers"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: code = %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var counts digest.Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts.Delivered != 2 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestTestEndpoint(t *testing.T) {
	f := newFixture(t)
	d, _ := f.store.InsertDigest(context.Background(), "stored digest", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/test?chat_id=42", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(f.deliverer.chatIDs) != 1 || f.deliverer.chatIDs[0] != 42 {
		t.Fatalf("deliveries = %v", f.deliverer.chatIDs)
	}
	if f.deliverer.prefixes[0] != "🧪 TEST - " {
		t.Errorf("prefix = %q", f.deliverer.prefixes[0])
	}
	if f.deliverer.digests[0] != d.ID {
		t.Errorf("digest = %d, want latest %d", f.deliverer.digests[0], d.ID)
	}
}

func TestTestEndpointFresh(t *testing.T) {
	f := newFixture(t)
	f.store.InsertDigest(context.Background(), "stale", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/test?chat_id=42&fresh=true", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if f.deliverer.digests[0] != 77 {
		t.Errorf("fresh=true must regenerate, delivered digest %d", f.deliverer.digests[0])
	}
}

func TestTestEndpointRequiresChatID(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestTestEndpointNoDigest(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/test?chat_id=42", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
}
