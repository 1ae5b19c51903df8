// Package translate renders a persisted digest into a subscriber
// language, writing through a per-(digest, language) cache in the store.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aquispe/newsbrief/internal/i18n"
	"github.com/aquispe/newsbrief/internal/llm"
	"github.com/aquispe/newsbrief/internal/retry"
	"github.com/aquispe/newsbrief/internal/store"
)

const callTimeout = 60 * time.Second

// Chatter is the completion call used for translation. *llm.Client
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, system, user string, opts ...llm.CallOption) (llm.Result, error)
}

// Cache is the slice of the store the translator needs.
type Cache interface {
	GetTranslation(ctx context.Context, digestID int64, lang string) (store.Translation, error)
	InsertTranslation(ctx context.Context, digestID int64, lang, content string, now time.Time) error
}

// Translator translates digests on cache miss. The base language is the
// identity: no external call, no cache row.
type Translator struct {
	chatter  Chatter
	cache    Cache
	baseLang string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Translator.
func New(chatter Chatter, cache Cache, baseLang string, logger *slog.Logger) *Translator {
	return &Translator{chatter: chatter, cache: cache, baseLang: baseLang, logger: logger, now: time.Now}
}

func systemPrompt(langName string) string {
	return fmt.Sprintf("Translate the following news digest to %s. "+
		"Preserve the structure and bullet markers exactly. "+
		"Do not translate @handles, #hashtags, URLs, or acronyms. "+
		"Do not add commentary.", langName)
}

// Translate returns the digest content in lang. Cached translations are
// returned as-is; otherwise the translation service is called and the
// result persisted. Under a concurrent write race the first row wins and
// is re-read.
func (t *Translator) Translate(ctx context.Context, digest store.Digest, lang string) (string, error) {
	if lang == t.baseLang {
		return digest.Content, nil
	}
	l, ok := i18n.ByCode(lang)
	if !ok {
		return "", fmt.Errorf("translate: unsupported language %q", lang)
	}

	cached, err := t.cache.GetTranslation(ctx, digest.ID, lang)
	if err == nil {
		return cached.Content, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("translate: read cache: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := retry.Do(callCtx, retry.APICall(), t.logger, "translator", llm.IsTransient, func() (llm.Result, error) {
		return t.chatter.Chat(callCtx, systemPrompt(l.Name), digest.Content, llm.Temperature(0.3))
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if res.Content == "" {
		return "", errors.New("translate: model returned empty content")
	}

	err = t.cache.InsertTranslation(ctx, digest.ID, lang, res.Content, t.now())
	if errors.Is(err, store.ErrDuplicate) {
		cached, err := t.cache.GetTranslation(ctx, digest.ID, lang)
		if err != nil {
			return "", fmt.Errorf("translate: re-read after duplicate: %w", err)
		}
		return cached.Content, nil
	}
	if err != nil {
		return "", fmt.Errorf("translate: write cache: %w", err)
	}
	t.logger.Info("translation cached",
		"component", "translator",
		"digest_id", digest.ID,
		"language", lang)
	return res.Content, nil
}
