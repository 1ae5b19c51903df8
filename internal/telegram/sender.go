package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Outcome classifies one sendMessage attempt.
type Outcome int

const (
	// OutcomeOK is a delivered message.
	OutcomeOK Outcome = iota
	// OutcomeGone means the recipient can no longer be messaged; the
	// subscriber should be deactivated.
	OutcomeGone
	// OutcomeRateLimited carries a retry_after hint.
	OutcomeRateLimited
	// OutcomeMarkup is a MarkdownV2 parse rejection. A formatter bug;
	// never retried.
	OutcomeMarkup
	// OutcomeTransient is any other failure worth retrying.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeGone:
		return "recipient_gone"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeMarkup:
		return "markup_error"
	default:
		return "transient"
	}
}

// SendResult is one classified attempt.
type SendResult struct {
	Outcome     Outcome
	RetryAfter  time.Duration
	Description string
}

// goneDescriptions are Bot API descriptions meaning the chat is
// permanently unreachable.
var goneDescriptions = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
}

// Sender posts messages through the Bot API.
type Sender struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithBaseURL points the sender at a different API host (tests).
func WithBaseURL(u string) SenderOption {
	return func(s *Sender) { s.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = hc }
}

// NewSender creates a Sender for the given bot token.
func NewSender(token string, logger *slog.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		token:      token,
		baseURL:    "https://api.telegram.org",
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send delivers one MarkdownV2 message and classifies the outcome.
// Transport-level failures classify as transient.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) SendResult {
	return s.send(ctx, chatID, text, "MarkdownV2")
}

// SendPlain delivers without a parse mode; used for reply strings that
// are already plain text.
func (s *Sender) SendPlain(ctx context.Context, chatID int64, text string) SendResult {
	return s.send(ctx, chatID, text, "")
}

func (s *Sender) send(ctx context.Context, chatID int64, text, parseMode string) SendResult {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return SendResult{Outcome: OutcomeTransient, Description: err.Error()}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{Outcome: OutcomeTransient, Description: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SendResult{Outcome: OutcomeTransient, Description: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classify(resp.StatusCode, body)
}

// classify maps a Bot API response to a SendResult.
func classify(status int, body []byte) SendResult {
	var api apiResponse
	_ = json.Unmarshal(body, &api)

	if status >= 200 && status <= 299 && api.OK {
		return SendResult{Outcome: OutcomeOK}
	}

	desc := api.Description
	switch {
	case status == http.StatusTooManyRequests:
		res := SendResult{Outcome: OutcomeRateLimited, Description: desc}
		if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
			res.RetryAfter = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return res
	case status == http.StatusForbidden || status == http.StatusBadRequest:
		lower := strings.ToLower(desc)
		for _, g := range goneDescriptions {
			if strings.Contains(lower, g) {
				return SendResult{Outcome: OutcomeGone, Description: desc}
			}
		}
		if status == http.StatusBadRequest && strings.Contains(lower, "can't parse entities") {
			return SendResult{Outcome: OutcomeMarkup, Description: desc}
		}
	}
	if desc == "" {
		desc = fmt.Sprintf("http %d", status)
	}
	return SendResult{Outcome: OutcomeTransient, Description: desc}
}

// SendSegments delivers split message segments in order. The first
// non-ok result aborts the sequence and is returned as the result for
// the whole message.
func (s *Sender) SendSegments(ctx context.Context, chatID int64, segments []string) SendResult {
	for _, seg := range segments {
		if res := s.Send(ctx, chatID, seg); res.Outcome != OutcomeOK {
			return res
		}
	}
	return SendResult{Outcome: OutcomeOK}
}
