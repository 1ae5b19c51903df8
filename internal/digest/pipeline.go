package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aquispe/newsbrief/internal/feed"
	"github.com/aquispe/newsbrief/internal/store"
)

// Harvester produces the post batch for one run.
type Harvester interface {
	Harvest(ctx context.Context, roster []string) ([]feed.Post, error)
}

// Summarizer condenses a post batch into digest text.
type Summarizer interface {
	Summarize(ctx context.Context, posts []feed.Post) (string, error)
}

// DigestStore is the slice of the store the pipeline writes.
type DigestStore interface {
	InsertDigest(ctx context.Context, content string, now time.Time) (store.Digest, error)
}

// Pipeline is one full scheduled run: harvest, summarize, persist,
// deliver.
type Pipeline struct {
	harvester  Harvester
	summarizer Summarizer
	store      DigestStore
	deliverer  *Deliverer
	roster     []string
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline wires the run stages together. The roster is loaded once
// at startup and shared across runs.
func NewPipeline(h Harvester, s Summarizer, st DigestStore, d *Deliverer, roster []string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		harvester:  h,
		summarizer: s,
		store:      st,
		deliverer:  d,
		roster:     roster,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes the pipeline for one slot. An empty harvest window is a
// normal exit: nothing is stored, nothing is sent. Harvest or
// summarization failure aborts the run before anything persists.
func (p *Pipeline) Run(ctx context.Context, slot string) (Counts, error) {
	started := p.now()
	posts, err := p.harvester.Harvest(ctx, p.roster)
	if err != nil {
		return Counts{}, fmt.Errorf("pipeline: harvest: %w", err)
	}
	if len(posts) == 0 {
		p.logger.Info("no posts in window, skipping digest",
			"component", "pipeline", "slot", slot)
		return Counts{}, nil
	}

	content, err := p.summarizer.Summarize(ctx, posts)
	if err != nil {
		return Counts{}, fmt.Errorf("pipeline: summarize: %w", err)
	}

	digest, err := p.store.InsertDigest(ctx, content, p.now())
	if err != nil {
		return Counts{}, fmt.Errorf("pipeline: persist digest: %w", err)
	}
	p.logger.Info("digest stored",
		"component", "pipeline",
		"slot", slot,
		"digest_id", digest.ID,
		"posts", len(posts))

	counts, err := p.deliverer.Deliver(ctx, digest)
	if err != nil {
		return counts, fmt.Errorf("pipeline: deliver: %w", err)
	}
	p.logger.Info("run complete",
		"component", "pipeline",
		"slot", slot,
		"digest_id", digest.ID,
		"duration", p.now().Sub(started).Round(time.Millisecond).String())
	return counts, nil
}

// Regenerate runs harvest and summarize and persists a fresh digest
// without delivering it. Used by the test endpoint's fresh mode.
func (p *Pipeline) Regenerate(ctx context.Context) (store.Digest, error) {
	posts, err := p.harvester.Harvest(ctx, p.roster)
	if err != nil {
		return store.Digest{}, fmt.Errorf("pipeline: harvest: %w", err)
	}
	if len(posts) == 0 {
		return store.Digest{}, fmt.Errorf("pipeline: no posts in window")
	}
	content, err := p.summarizer.Summarize(ctx, posts)
	if err != nil {
		return store.Digest{}, fmt.Errorf("pipeline: summarize: %w", err)
	}
	digest, err := p.store.InsertDigest(ctx, content, p.now())
	if err != nil {
		return store.Digest{}, fmt.Errorf("pipeline: persist digest: %w", err)
	}
	return digest, nil
}
