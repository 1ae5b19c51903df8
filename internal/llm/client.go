// Package llm is a minimal client for OpenAI-compatible chat completion
// APIs. It covers exactly what the digest pipeline needs: one blocking
// completion call with typed errors that retry middleware can classify.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrBody bounds how much of an upstream error body is retained.
// Error bodies may echo request content; they are logged, never returned
// to HTTP clients.
const maxErrBody = 512

// Client talks to one OpenAI-compatible endpoint with fixed credentials
// and model. Safe for concurrent use.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature sent on every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client. baseURL is the API base, e.g.
// "https://api.openai.com/v1"; the /chat/completions path is appended.
func New(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		temperature: 0.7,
		maxTokens:   1000,
		httpClient:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Message is a single chat message in the OpenAI wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed chat call.
type Result struct {
	Content string
	Usage   Usage
}

// Temperature overrides allow per-call tuning (translation runs colder
// than summarization).
type CallOption func(*chatRequest)

// Temperature overrides the client temperature for one call.
func Temperature(t float64) CallOption {
	return func(r *chatRequest) { r.Temperature = t }
}

// Chat sends a system+user message pair and returns the assistant reply,
// trimmed of surrounding whitespace. Non-2xx responses map to *ErrHTTP.
func (c *Client) Chat(ctx context.Context, system, user string, opts ...CallOption) (Result, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	for _, opt := range opts {
		opt(&body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, httpErr(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("llm: response contained no choices")
	}
	return Result{
		Content: strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage:   parsed.Usage,
	}, nil
}

// ErrHTTP is a non-2xx upstream response. Body is truncated to 512 bytes.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// RetryAfterHint exposes the parsed Retry-After header to retry policies.
func (e *ErrHTTP) RetryAfterHint() time.Duration { return e.RetryAfter }

// IsTransient reports whether err is worth retrying: a 429, a 5xx, or a
// transport-level failure (no *ErrHTTP at all).
func IsTransient(err error) bool {
	var e *ErrHTTP
	if !errors.As(err, &e) {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	return &ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// ParseRetryAfter parses a Retry-After header value given in seconds.
// The HTTP-date form is not used by the endpoints this client talks to.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
