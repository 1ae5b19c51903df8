// Command newsbrief runs the scheduled news digest service: it harvests
// roster feeds from a syndication mirror, summarizes them, and fans the
// digest out to Telegram subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aquispe/newsbrief/internal/config"
	"github.com/aquispe/newsbrief/internal/digest"
	"github.com/aquispe/newsbrief/internal/feed"
	"github.com/aquispe/newsbrief/internal/httpapi"
	"github.com/aquispe/newsbrief/internal/llm"
	"github.com/aquispe/newsbrief/internal/observer"
	"github.com/aquispe/newsbrief/internal/retry"
	"github.com/aquispe/newsbrief/internal/scheduling"
	"github.com/aquispe/newsbrief/internal/store"
	"github.com/aquispe/newsbrief/internal/store/postgres"
	"github.com/aquispe/newsbrief/internal/store/sqlite"
	"github.com/aquispe/newsbrief/internal/summarize"
	"github.com/aquispe/newsbrief/internal/telegram"
	"github.com/aquispe/newsbrief/internal/translate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("NEWSBRIEF_CONFIG"))
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}
	if _, err := retry.Do(ctx, retry.HealthCheck(), logger, "store", nil, func() (struct{}, error) {
		return struct{}{}, st.Ping(ctx)
	}); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	roster, err := feed.LoadRoster(cfg.Harvest.UsernamesFile)
	if err != nil {
		return err
	}
	logger.Info("roster loaded", "accounts", len(roster), "file", cfg.Harvest.UsernamesFile)

	chatter := llm.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.APIURL,
		llm.WithTemperature(cfg.OpenAI.Temperature),
		llm.WithMaxTokens(cfg.OpenAI.MaxTokens))
	harvester := feed.NewHarvester(cfg.Mirror.BaseURL,
		time.Duration(cfg.Harvest.HoursLookback)*time.Hour,
		cfg.Harvest.MaxPosts, logger,
		feed.WithAPIKey(cfg.Mirror.APIKey))
	summarizer := summarize.New(chatter, cfg.BaseLanguage, cfg.OpenAI.MaxWords, logger)
	translator := translate.New(chatter, st, cfg.BaseLanguage, logger)
	sender := telegram.NewSender(cfg.Telegram.BotToken, logger)
	deliverer := digest.NewDeliverer(sender, translator, st, cfg.BaseLanguage, cfg.Telegram.AdminChatID, logger)
	pipeline := digest.NewPipeline(harvester, summarizer, st, deliverer, roster, logger)

	var runner scheduling.Runner = pipeline
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		runner = observer.WrapRunner(pipeline, inst)
		logger.Info("observability enabled")
	}

	slots, err := scheduling.ParseTimes(cfg.Schedule.Times, cfg.Schedule.TZOffset)
	if err != nil {
		return err
	}
	scheduler := scheduling.New(slots, st, runner, logger)

	api := httpapi.NewServer(httpapi.Config{
		WebhookSecret: cfg.Telegram.WebhookSecret,
		APIKey:        cfg.Server.APIKey,
		AdminChatID:   cfg.Telegram.AdminChatID,
		BaseLanguage:  cfg.BaseLanguage,
	}, st, sender, scheduler, pipeline, deliverer, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore picks the backend from the URL scheme: postgres URLs get the
// pooled backend, anything else is treated as a sqlite file path.
func openStore(ctx context.Context, url string) (store.Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.Open(ctx, url)
	}
	return sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
}
