// Package httpapi exposes the service's HTTP surface: the health probe,
// the inbound webhook, and the API-key-protected admin endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aquispe/newsbrief/internal/digest"
	"github.com/aquispe/newsbrief/internal/security"
	"github.com/aquispe/newsbrief/internal/store"
	"github.com/aquispe/newsbrief/internal/telegram"
)

// Replier sends command replies. *telegram.Sender satisfies it.
type Replier interface {
	Send(ctx context.Context, chatID int64, text string) telegram.SendResult
	SendPlain(ctx context.Context, chatID int64, text string) telegram.SendResult
}

// Triggerer runs the pipeline on demand. *scheduling.Scheduler satisfies
// it.
type Triggerer interface {
	Trigger(ctx context.Context) (digest.Counts, error)
}

// Regenerator produces a fresh digest for the test endpoint.
type Regenerator interface {
	Regenerate(ctx context.Context) (store.Digest, error)
}

// SingleDeliverer sends one digest to one chat.
type SingleDeliverer interface {
	DeliverTo(ctx context.Context, d store.Digest, chatID int64, titlePrefix string) telegram.SendResult
	DeliverWelcome(ctx context.Context, d store.Digest, chatID int64) telegram.SendResult
}

// Server holds the handler dependencies.
type Server struct {
	webhookSecret string
	apiKey        string
	adminChatID   int64
	baseLang      string

	store       store.Store
	replier     Replier
	triggerer   Triggerer
	regenerator Regenerator
	deliverer   SingleDeliverer
	logger      *slog.Logger
	now         func() time.Time
}

// Config carries the credentials and identifiers the handlers need.
type Config struct {
	WebhookSecret string
	APIKey        string
	AdminChatID   int64
	BaseLanguage  string
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config, st store.Store, replier Replier, triggerer Triggerer, regenerator Regenerator, deliverer SingleDeliverer, logger *slog.Logger) *Server {
	return &Server{
		webhookSecret: cfg.WebhookSecret,
		apiKey:        cfg.APIKey,
		adminChatID:   cfg.AdminChatID,
		baseLang:      cfg.BaseLanguage,
		store:         st,
		replier:       replier,
		triggerer:     triggerer,
		regenerator:   regenerator,
		deliverer:     deliverer,
		logger:        logger,
		now:           time.Now,
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /trigger", s.requireAPIKey(s.handleTrigger))
	mux.HandleFunc("POST /test", s.requireAPIKey(s.handleTest))
	mux.HandleFunc("GET /subscribers", s.requireAPIKey(s.handleSubscribers))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "component", "httpapi", "error", err)
		http.Error(w, "degraded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requireAPIKey guards admin endpoints with a constant-time X-API-Key
// check. Failures get an opaque body.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !security.ConstantTimeCompare(r.Header.Get("X-API-Key"), s.apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	counts, err := s.triggerer.Trigger(r.Context())
	if err != nil {
		s.logger.Error("manual trigger failed", "component", "httpapi", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pipeline run failed"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id is required"})
		return
	}
	fresh := r.URL.Query().Get("fresh") == "true"

	var d store.Digest
	if fresh {
		d, err = s.regenerator.Regenerate(r.Context())
	} else {
		d, err = s.store.LatestDigest(r.Context())
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no digest available"})
		return
	}
	if err != nil {
		s.logger.Error("test digest unavailable", "component", "httpapi", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "digest generation failed"})
		return
	}

	res := s.deliverer.DeliverTo(r.Context(), d, chatID, "🧪 TEST - ")
	if res.Outcome != telegram.OutcomeOK {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "send failed",
			"outcome": res.Outcome.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "digest_id": d.ID})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.SubscriberStats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "component", "httpapi", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
