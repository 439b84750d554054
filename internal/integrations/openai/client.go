// Package openai is a small chat-completions client covering the two calls the
// tutor makes: free-text answers and strict JSON-schema classifications.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tutor-agent/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody   = 4 << 10
	maxResponse    = 1 << 20
)

var (
	// ErrRefused is returned when the model declines a structured request.
	ErrRefused = errors.New("openai: model refused the request")
	// ErrContentFiltered is returned when the provider withholds the completion.
	ErrContentFiltered = errors.New("openai: completion withheld by content filter")
)

// ChatRequest describes one completion call. A nil Schema requests plain text.
type ChatRequest struct {
	Model       string
	Messages    []domain.ChatMessage
	Temperature *float64
	MaxTokens   int
	Schema      *Schema
}

// Schema constrains the completion to a strict JSON schema.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

type wireRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	ResponseFormat *wireFormat          `json:"response_format,omitempty"`
}

type wireFormat struct {
	Type       string     `json:"type"`
	JSONSchema wireSchema `json:"json_schema"`
}

type wireSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible gateway. Both
// "https://host" and "https://host/v1" are accepted.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.endpoint = chatURL(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient returns a client authenticated with apiKey. Per-call deadlines
// come from the caller's context; the HTTP client timeout is only a backstop.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		endpoint:   chatURL(defaultBaseURL),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Chat runs a single completion and returns the first choice's content.
// Refusals and filtered completions are errors so callers can fall back.
func (c *Client) Chat(ctx context.Context, in ChatRequest) (string, error) {
	if in.Model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	body, err := json.Marshal(toWire(in))
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}
	raw, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}

	var payload wireResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	choice := payload.Choices[0]
	switch {
	case choice.Message.Refusal != "":
		return "", fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	case choice.FinishReason == "content_filter":
		return "", ErrContentFiltered
	}
	return choice.Message.Content, nil
}

func toWire(in ChatRequest) wireRequest {
	req := wireRequest{
		Model:       in.Model,
		Messages:    in.Messages,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	if in.Schema != nil {
		req.ResponseFormat = &wireFormat{
			Type: "json_schema",
			JSONSchema: wireSchema{
				Name:   in.Schema.Name,
				Strict: true,
				Schema: in.Schema.Definition,
			},
		}
	}
	return req
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.endpoint, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}
