package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aquispe/newsbrief/internal/retry"
)

// maxFeedBody bounds how much of a feed response is read.
const maxFeedBody = 4 << 20

// Harvester fetches roster feeds from one syndication mirror. Requests to
// the mirror are paced to at least one every 3 seconds to stay under its
// abuse protection.
type Harvester struct {
	baseURL    string
	apiKey     string
	lookback   time.Duration
	maxPosts   int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithAPIKey sends the key as X-API-Key on every mirror request.
func WithAPIKey(key string) Option {
	return func(h *Harvester) { h.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(h *Harvester) { h.httpClient = hc }
}

// WithPacing overrides the inter-request gap (tests).
func WithPacing(gap time.Duration) Option {
	return func(h *Harvester) { h.limiter = rate.NewLimiter(rate.Every(gap), 1) }
}

// WithClock overrides the window reference clock (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) { h.now = now }
}

// NewHarvester creates a Harvester for baseURL with the given lookback
// window and post cap.
func NewHarvester(baseURL string, lookback time.Duration, maxPosts int, logger *slog.Logger, opts ...Option) *Harvester {
	h := &Harvester{
		baseURL:    baseURL,
		lookback:   lookback,
		maxPosts:   maxPosts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(3*time.Second), 1),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Harvest fetches every roster feed, filters items to the lookback
// window, and returns a newest-first merge capped at maxPosts. Partial
// feed failures are logged and tolerated; if every feed fails the run
// aborts with ErrAllFeedsFailed.
func (h *Harvester) Harvest(ctx context.Context, roster []string) ([]Post, error) {
	cutoff := h.now().Add(-h.lookback)

	results := make([][]Post, len(roster))
	var g errgroup.Group
	for i, name := range roster {
		g.Go(func() error {
			posts, err := h.fetchOne(ctx, name)
			if err != nil {
				h.logger.Warn("feed fetch failed",
					"component", "harvester",
					"author", name,
					"error", err)
				return nil
			}
			kept := posts[:0]
			for _, p := range posts {
				if !p.PublishedAt.Before(cutoff) {
					kept = append(kept, p)
				}
			}
			results[i] = kept
			return nil
		})
	}
	g.Wait()

	var merged []Post
	succeeded := 0
	for _, posts := range results {
		if posts != nil {
			succeeded++
		}
		merged = append(merged, posts...)
	}
	if succeeded == 0 {
		return nil, ErrAllFeedsFailed
	}

	sortPosts(merged)
	if len(merged) > h.maxPosts {
		merged = merged[:h.maxPosts]
	}
	h.logger.Info("harvest complete",
		"component", "harvester",
		"feeds_ok", succeeded,
		"feeds_failed", len(roster)-succeeded,
		"posts", len(merged))
	return merged, nil
}

// statusError is a non-2xx mirror response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mirror returned %d: %s", e.status, e.body)
}

// fetchRetryable retries network-level failures and 5xx responses. Client
// errors and malformed feeds fail the feed immediately.
func fetchRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// fetchOne requests one account feed, honoring the mirror pacing gap and
// retrying transient failures.
func (h *Harvester) fetchOne(ctx context.Context, name string) ([]Post, error) {
	return retry.Do(ctx, retry.FeedFetch(), h.logger, "harvester", fetchRetryable, func() ([]Post, error) {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := h.get(ctx, name)
		if err != nil {
			return nil, err
		}
		return parseFeed(name, data)
	})
}

func (h *Harvester) get(ctx context.Context, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/rss", h.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: create request: %w", err)
	}
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{status: resp.StatusCode, body: string(body)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
}
