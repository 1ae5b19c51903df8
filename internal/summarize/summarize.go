// Package summarize condenses a batch of harvested posts into one
// plain-text digest via an OpenAI-compatible chat endpoint.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aquispe/newsbrief/internal/feed"
	"github.com/aquispe/newsbrief/internal/i18n"
	"github.com/aquispe/newsbrief/internal/llm"
	"github.com/aquispe/newsbrief/internal/retry"
)

// callTimeout bounds one summarization round-trip.
const callTimeout = 60 * time.Second

// Chatter is the completion call the summarizer depends on. *llm.Client
// satisfies it; tests substitute fakes.
type Chatter interface {
	Chat(ctx context.Context, system, user string, opts ...llm.CallOption) (llm.Result, error)
}

// Summarizer turns posts into a digest in the configured base language.
type Summarizer struct {
	chatter  Chatter
	baseLang string
	maxWords int
	logger   *slog.Logger
}

// New creates a Summarizer. baseLang is a supported-language code; the
// model is instructed to answer in that language's display name.
func New(chatter Chatter, baseLang string, maxWords int, logger *slog.Logger) *Summarizer {
	return &Summarizer{chatter: chatter, baseLang: baseLang, maxWords: maxWords, logger: logger}
}

func (s *Summarizer) systemPrompt() string {
	langName := i18n.Canonical().Name
	if l, ok := i18n.ByCode(s.baseLang); ok {
		langName = l.Name
	}
	return fmt.Sprintf("You are a news editor writing a concise daily digest. "+
		"Group related posts into topics. Use short bullet-style paragraphs, "+
		"one bullet per topic, starting each bullet with \"• \". "+
		"Keep the whole digest under %d words. Do not add preamble or closing remarks. "+
		"Write in %s.", s.maxWords, langName)
}

// userPrompt enumerates posts as "N. @author: text" in the order received.
func userPrompt(posts []feed.Post) string {
	var b strings.Builder
	for i, p := range posts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. @%s: %s", i+1, p.Author, p.Text)
	}
	return b.String()
}

// Summarize produces the digest text for a non-empty batch of posts.
// Transient upstream failures are retried once.
func (s *Summarizer) Summarize(ctx context.Context, posts []feed.Post) (string, error) {
	if len(posts) == 0 {
		return "", errors.New("summarize: no posts to summarize")
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	system := s.systemPrompt()
	user := userPrompt(posts)

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	res, err := retry.Do(ctx, policy, s.logger, "summarizer", llm.IsTransient, func() (llm.Result, error) {
		return s.chatter.Chat(ctx, system, user)
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if res.Content == "" {
		return "", errors.New("summarize: model returned empty content")
	}
	s.logger.Info("digest summarized",
		"component", "summarizer",
		"posts", len(posts),
		"prompt_tokens", res.Usage.PromptTokens,
		"completion_tokens", res.Usage.CompletionTokens)
	return res.Content, nil
}
