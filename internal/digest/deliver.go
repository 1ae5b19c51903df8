// Package digest runs the pipeline: harvest, summarize, persist, and fan
// the result out to subscribers.
package digest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aquispe/newsbrief/internal/i18n"
	"github.com/aquispe/newsbrief/internal/retry"
	"github.com/aquispe/newsbrief/internal/store"
	"github.com/aquispe/newsbrief/internal/telegram"
)

const (
	// defaultConcurrency bounds the send fan-out.
	defaultConcurrency = 4
	// maxRateLimitAttempts bounds retries across rate-limit responses.
	maxRateLimitAttempts = 3
	// maxTransientRetries is the number of additional attempts after a
	// transient failure.
	maxTransientRetries = 2
)

// MessageSender is the outbound surface the deliverer drives.
// *telegram.Sender satisfies it.
type MessageSender interface {
	SendSegments(ctx context.Context, chatID int64, segments []string) telegram.SendResult
	SendPlain(ctx context.Context, chatID int64, text string) telegram.SendResult
}

// Translator renders digest content per language.
type Translator interface {
	Translate(ctx context.Context, digest store.Digest, lang string) (string, error)
}

// SubscriberStore is the slice of the store the deliverer mutates.
type SubscriberStore interface {
	ActiveSubscribers(ctx context.Context) ([]store.Subscriber, error)
	GetSubscriber(ctx context.Context, chatID int64) (store.Subscriber, error)
	Deactivate(ctx context.Context, chatID int64) error
	RecordFailure(ctx context.Context, chatID int64, message string, now time.Time) error
}

// Counts is the per-run delivery summary.
type Counts struct {
	Attempted   int `json:"attempted"`
	Delivered   int `json:"delivered"`
	Deactivated int `json:"deactivated"`
	Failed      int `json:"failed"`
}

// Deliverer fans a digest out to all active subscribers.
type Deliverer struct {
	sender      MessageSender
	translator  Translator
	store       SubscriberStore
	baseLang    string
	adminChatID int64
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewDeliverer creates a Deliverer. adminChatID receives markup-bug
// alerts; zero disables them.
func NewDeliverer(sender MessageSender, translator Translator, st SubscriberStore, baseLang string, adminChatID int64, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		sender:      sender,
		translator:  translator,
		store:       st,
		baseLang:    baseLang,
		adminChatID: adminChatID,
		concurrency: defaultConcurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// rendered is one language's ready-to-send segment list.
type rendered struct {
	segments []string
}

// render computes the per-language message once. Translation failures
// fall back to the base content with a localized notice appended.
func (d *Deliverer) render(ctx context.Context, digest store.Digest, lang string) rendered {
	content, err := d.translator.Translate(ctx, digest, lang)
	if err != nil {
		d.logger.Warn("translation failed, falling back to base language",
			"component", "deliverer",
			"digest_id", digest.ID,
			"language", lang,
			"error", err)
		content = i18n.For(lang).TranslationUnavailable + digest.Content
		lang = d.baseLang
	}
	title := i18n.For(lang).DigestTitle
	return rendered{segments: telegram.FormatDigest(title, digest.CreatedAt, content)}
}

// Deliver sends the digest to every active subscriber, grouped by
// language, with bounded concurrency. Subscribers are read once at
// start; a language switch mid-run takes effect next run.
func (d *Deliverer) Deliver(ctx context.Context, digest store.Digest) (Counts, error) {
	subs, err := d.store.ActiveSubscribers(ctx)
	if err != nil {
		return Counts{}, err
	}
	if len(subs) == 0 {
		d.logger.Info("no active subscribers", "component", "deliverer", "digest_id", digest.ID)
		return Counts{}, nil
	}

	byLang := map[string][]store.Subscriber{}
	for _, sub := range subs {
		byLang[sub.Language] = append(byLang[sub.Language], sub)
	}
	messages := make(map[string]rendered, len(byLang))
	for lang := range byLang {
		messages[lang] = d.render(ctx, digest, lang)
	}

	var mu sync.Mutex
	var counts Counts
	var alertOnce sync.Once

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
dispatch:
	for lang, group := range byLang {
		msg := messages[lang]
		for _, sub := range group {
			if ctx.Err() != nil {
				d.logger.Warn("run deadline reached, not dispatching further sends",
					"component", "deliverer", "digest_id", digest.ID)
				break dispatch
			}
			g.Go(func() error {
				outcome := d.deliverOne(gctx, digest, sub, msg.segments, &alertOnce)
				mu.Lock()
				counts.Attempted++
				switch outcome {
				case telegram.OutcomeOK:
					counts.Delivered++
				case telegram.OutcomeGone:
					counts.Deactivated++
				default:
					counts.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	d.logger.Info("delivery complete",
		"component", "deliverer",
		"digest_id", digest.ID,
		"attempted", counts.Attempted,
		"delivered", counts.Delivered,
		"deactivated", counts.Deactivated,
		"failed", counts.Failed)
	return counts, nil
}

// deliverOne drives retries for a single subscriber and applies the
// store side effects of the terminal outcome.
func (d *Deliverer) deliverOne(ctx context.Context, digest store.Digest, sub store.Subscriber, segments []string, alertOnce *sync.Once) telegram.Outcome {
	// In-flight sends run to completion even when the run deadline hits.
	sendCtx := context.WithoutCancel(ctx)

	rateLimitAttempts := 0
	transientRetries := 0
	policy := retry.Default()

	for {
		res := d.sender.SendSegments(sendCtx, sub.ChatID, segments)
		switch res.Outcome {
		case telegram.OutcomeOK:
			return telegram.OutcomeOK

		case telegram.OutcomeGone:
			if err := d.store.Deactivate(sendCtx, sub.ChatID); err != nil {
				d.logger.Error("deactivation failed",
					"component", "deliverer", "chat_id", sub.ChatID, "error", err)
			}
			d.logger.Info("subscriber deactivated",
				"component", "deliverer",
				"digest_id", digest.ID,
				"chat_id", sub.ChatID,
				"error_kind", res.Outcome.String())
			return telegram.OutcomeGone

		case telegram.OutcomeMarkup:
			d.recordFailure(sendCtx, digest, sub.ChatID, res)
			alertOnce.Do(func() { d.alertAdmin(sendCtx, digest, res.Description) })
			return telegram.OutcomeMarkup

		case telegram.OutcomeRateLimited:
			rateLimitAttempts++
			if rateLimitAttempts >= maxRateLimitAttempts {
				d.recordFailure(sendCtx, digest, sub.ChatID, res)
				return telegram.OutcomeRateLimited
			}
			wait := res.RetryAfter
			if wait <= 0 {
				wait = retry.Backoff(policy, rateLimitAttempts)
			}
			if err := retry.Sleep(ctx, wait); err != nil {
				d.recordFailure(sendCtx, digest, sub.ChatID, res)
				return telegram.OutcomeRateLimited
			}

		default: // transient
			if transientRetries >= maxTransientRetries {
				d.recordFailure(sendCtx, digest, sub.ChatID, res)
				return telegram.OutcomeTransient
			}
			if err := retry.Sleep(ctx, retry.Backoff(policy, transientRetries)); err != nil {
				d.recordFailure(sendCtx, digest, sub.ChatID, res)
				return telegram.OutcomeTransient
			}
			transientRetries++
		}
	}
}

func (d *Deliverer) recordFailure(ctx context.Context, digest store.Digest, chatID int64, res telegram.SendResult) {
	if err := d.store.RecordFailure(ctx, chatID, res.Description, d.now()); err != nil {
		d.logger.Error("failure record write failed",
			"component", "deliverer", "chat_id", chatID, "error", err)
	}
	d.logger.Warn("delivery failed",
		"component", "deliverer",
		"digest_id", digest.ID,
		"chat_id", chatID,
		"error_kind", res.Outcome.String())
}

func (d *Deliverer) alertAdmin(ctx context.Context, digest store.Digest, description string) {
	if d.adminChatID == 0 {
		return
	}
	text := "Digest delivery hit a markup error. Digest " +
		d.now().UTC().Format("2006-01-02") + ", detail: " + description
	if res := d.sender.SendPlain(ctx, d.adminChatID, text); res.Outcome != telegram.OutcomeOK {
		d.logger.Error("admin alert failed",
			"component", "deliverer",
			"digest_id", digest.ID,
			"error_kind", res.Outcome.String())
	}
}

// DeliverTo renders and sends the digest to exactly one chat, bypassing
// the broadcast. titlePrefix is prepended to the localized title, e.g.
// the test-send marker.
func (d *Deliverer) DeliverTo(ctx context.Context, digest store.Digest, chatID int64, titlePrefix string) telegram.SendResult {
	return d.deliverSingle(ctx, digest, chatID, titlePrefix, false)
}

// DeliverWelcome sends the digest to a first-time subscriber with the
// localized welcome intro ahead of the body.
func (d *Deliverer) DeliverWelcome(ctx context.Context, digest store.Digest, chatID int64) telegram.SendResult {
	return d.deliverSingle(ctx, digest, chatID, "", true)
}

func (d *Deliverer) deliverSingle(ctx context.Context, digest store.Digest, chatID int64, titlePrefix string, welcome bool) telegram.SendResult {
	lang := d.baseLang
	if sub, err := d.store.GetSubscriber(ctx, chatID); err == nil {
		lang = sub.Language
	}
	intro := ""
	if welcome {
		intro = i18n.For(lang).WelcomeIntro
	}
	content, err := d.translator.Translate(ctx, digest, lang)
	if err != nil {
		d.logger.Warn("translation failed, falling back to base language",
			"component", "deliverer",
			"digest_id", digest.ID,
			"language", lang,
			"error", err)
		content = i18n.For(lang).TranslationUnavailable + digest.Content
		lang = d.baseLang
	}
	title := titlePrefix + i18n.For(lang).DigestTitle
	segments := telegram.FormatDigest(title, digest.CreatedAt, intro+content)
	return d.sender.SendSegments(ctx, chatID, segments)
}
