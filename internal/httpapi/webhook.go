package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aquispe/newsbrief/internal/i18n"
	"github.com/aquispe/newsbrief/internal/security"
	"github.com/aquispe/newsbrief/internal/store"
	"github.com/aquispe/newsbrief/internal/telegram"
)

// secretHeader carries the webhook shared secret set at setWebhook time.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxCommandLen rejects oversized message text before any processing.
const maxCommandLen = 4096

// replyTimeout bounds the asynchronous reply send.
const replyTimeout = 30 * time.Second

// commandTimeout keeps the synchronous store transition inside the
// platform's 5 s response window.
const commandTimeout = 4 * time.Second

// handleWebhook authenticates and decodes an inbound update, applies the
// subscription state transition synchronously, and replies
// asynchronously so the platform gets its 200 well inside its retry
// window.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !security.ConstantTimeCompare(r.Header.Get(secretHeader), s.webhookSecret) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if update.UpdateID <= 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if update.Message == nil {
		// Edits, channel posts and the like are acknowledged and dropped.
		w.WriteHeader(http.StatusOK)
		return
	}
	if update.Message.Chat == nil || update.Message.Chat.ID == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(update.Message.Text) > maxCommandLen {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	s.handleCommand(ctx, update.Message.Chat.ID, update.Message.Text)
	w.WriteHeader(http.StatusOK)
}

// handleCommand maps a command to its store transition. State changes
// run on the request context; replies and welcome deliveries are
// detached so webhook latency stays flat.
func (s *Server) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	cmd := strings.ToLower(fields[0])
	// Group chats suffix commands with the bot name: /status@newsbrief_bot.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	s.logger.Info("command received",
		"component", "webhook",
		"chat_id", chatID,
		"command", cmd)

	replies := s.stringsFor(ctx, chatID)
	switch cmd {
	case "/start":
		s.replyAsync(chatID, replies.Welcome)

	case "/subscribe":
		res, err := s.store.Subscribe(ctx, chatID, s.baseLang, s.now())
		if err != nil {
			s.logger.Error("subscribe failed", "component", "webhook", "chat_id", chatID, "error", err)
			return
		}
		switch {
		case res.New:
			s.replyAsync(chatID, replies.SubscribeConfirmed)
		case res.Reactivated:
			s.replyAsync(chatID, replies.Resubscribed)
		default:
			s.replyAsync(chatID, replies.AlreadySubscribed)
		}
		if res.NeedsWelcome {
			go s.deliverWelcome(chatID)
		}

	case "/unsubscribe":
		changed, err := s.store.Unsubscribe(ctx, chatID)
		if err != nil {
			s.logger.Error("unsubscribe failed", "component", "webhook", "chat_id", chatID, "error", err)
			return
		}
		if changed {
			s.replyAsync(chatID, replies.Unsubscribed)
		} else {
			s.replyAsync(chatID, replies.NotSubscribed)
		}

	case "/status":
		s.replyStatus(ctx, chatID, replies)

	case "/language":
		if len(fields) < 2 {
			s.replyAsync(chatID, fmt.Sprintf(replies.UnknownLanguage, supportedCodes()))
			return
		}
		s.setLanguage(ctx, chatID, fields[1], replies)
	}
	// Anything else is ignored; the webhook already answered 200.
}

// stringsFor picks the reply catalog from the subscriber's stored
// language, defaulting to the base language for unknown chats.
func (s *Server) stringsFor(ctx context.Context, chatID int64) i18n.Strings {
	if sub, err := s.store.GetSubscriber(ctx, chatID); err == nil {
		return i18n.For(sub.Language)
	}
	return i18n.For(s.baseLang)
}

func supportedCodes() string {
	return telegram.EscapeMarkdownV2(strings.Join(i18n.EnabledCodes(), ", "))
}

func (s *Server) replyStatus(ctx context.Context, chatID int64, replies i18n.Strings) {
	sub, err := s.store.GetSubscriber(ctx, chatID)
	if err != nil || !sub.Active {
		s.replyAsync(chatID, replies.StatusInactive)
		return
	}
	langName := sub.Language
	if l, ok := i18n.ByCode(sub.Language); ok {
		langName = l.NativeName
	}
	text := fmt.Sprintf(replies.StatusActive,
		telegram.EscapeMarkdownV2(langName),
		telegram.EscapeMarkdownV2(sub.FirstSubscribedAt.UTC().Format("2006-01-02")))
	if chatID == s.adminChatID {
		if stats, err := s.store.SubscriberStats(ctx); err == nil {
			text += fmt.Sprintf(replies.StatusActiveCount,
				telegram.EscapeMarkdownV2(fmt.Sprint(stats.ActiveCount)))
		}
	}
	s.replyAsync(chatID, text)
}

func (s *Server) setLanguage(ctx context.Context, chatID int64, arg string, replies i18n.Strings) {
	code, ok := i18n.Normalize(arg)
	if !ok {
		s.replyAsync(chatID, fmt.Sprintf(replies.UnknownLanguage, supportedCodes()))
		return
	}
	err := s.store.SetLanguage(ctx, chatID, code)
	if errors.Is(err, store.ErrNotFound) {
		s.replyAsync(chatID, replies.NotSubscribed)
		return
	}
	if err != nil {
		s.logger.Error("language update failed", "component", "webhook", "chat_id", chatID, "error", err)
		return
	}
	name := code
	if l, ok := i18n.ByCode(code); ok {
		name = l.NativeName
	}
	// Confirm in the newly selected language.
	s.replyAsync(chatID, fmt.Sprintf(i18n.For(code).LanguageSet, telegram.EscapeMarkdownV2(name)))
}

// replyAsync sends a pre-escaped MarkdownV2 reply off the request path.
func (s *Server) replyAsync(chatID int64, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if res := s.replier.Send(ctx, chatID, text); res.Outcome != telegram.OutcomeOK {
			s.logger.Warn("reply send failed",
				"component", "webhook",
				"chat_id", chatID,
				"error_kind", res.Outcome.String())
		}
	}()
}

// deliverWelcome sends the most recent digest to a first-time subscriber
// and records the welcome so it is sent at most once.
func (s *Server) deliverWelcome(chatID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	d, err := s.store.LatestDigest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing to send yet; the next scheduled digest is the welcome.
		return
	}
	if err != nil {
		s.logger.Error("welcome lookup failed", "component", "webhook", "chat_id", chatID, "error", err)
		return
	}
	if res := s.deliverer.DeliverWelcome(ctx, d, chatID); res.Outcome != telegram.OutcomeOK {
		s.logger.Warn("welcome delivery failed",
			"component", "webhook",
			"chat_id", chatID,
			"error_kind", res.Outcome.String())
		return
	}
	if err := s.store.MarkWelcomeSent(ctx, chatID); err != nil {
		s.logger.Error("welcome flag update failed", "component", "webhook", "chat_id", chatID, "error", err)
	}
}
