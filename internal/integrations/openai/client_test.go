package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tutor-agent/internal/domain"
)

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{" ", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("  ")
	require.ErrorContains(t, err, "api key")

	c, err := NewClient("sk-test", WithHTTPClient(nil))
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1/chat/completions", c.endpoint)
	require.NotNil(t, c.httpClient)
}

// completionServer answers every request with status and body and hands the
// decoded request to inspect.
func completionServer(t *testing.T, status int, body string, inspect func(r *http.Request, req map[string]any)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var req map[string]any
			require.NoError(t, json.Unmarshal(raw, &req))
			inspect(r, req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	return c
}

func userTurn(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}
}

func TestChat_PlainText(t *testing.T) {
	c := completionServer(t, http.StatusOK, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "What does the loop test each time?"}, "finish_reason": "stop"}]
	}`, func(r *http.Request, req map[string]any) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "gpt-mock", req["model"])
		require.InDelta(t, 0.7, req["temperature"], 1e-9)
		require.InDelta(t, 800, req["max_tokens"], 1e-9)
		require.NotContains(t, req, "response_format")
	})

	temp := 0.7
	out, err := c.Chat(context.Background(), ChatRequest{
		Model:       "gpt-mock",
		Messages:    userTurn("how do loops end?"),
		Temperature: &temp,
		MaxTokens:   800,
	})
	require.NoError(t, err)
	require.Equal(t, "What does the loop test each time?", out)
}

func TestChat_StrictSchema(t *testing.T) {
	c := completionServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"{\"in_scope\":true}"},"finish_reason":"stop"}]}`,
		func(_ *http.Request, req map[string]any) {
			require.InDelta(t, 0, req["temperature"], 1e-9)
			format, ok := req["response_format"].(map[string]any)
			require.True(t, ok)
			require.Equal(t, "json_schema", format["type"])
			schema := format["json_schema"].(map[string]any)
			require.Equal(t, "scope_decision", schema["name"])
			require.Equal(t, true, schema["strict"])
			require.Equal(t, map[string]any{"type": "object"}, schema["schema"])
		})

	zero := 0.0
	out, err := c.Chat(context.Background(), ChatRequest{
		Model:       "gpt-mock",
		Messages:    userTurn("is this in scope?"),
		Temperature: &zero,
		Schema:      &Schema{Name: "scope_decision", Definition: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, `{"in_scope":true}`, out)
}

func TestChat_RefusalAndContentFilter(t *testing.T) {
	c := completionServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":null,"refusal":"I can't help with that."},"finish_reason":"stop"}]}`, nil)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "gpt-mock"})
	require.ErrorIs(t, err, ErrRefused)
	require.ErrorContains(t, err, "I can't help with that.")

	c = completionServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`, nil)
	_, err = c.Chat(context.Background(), ChatRequest{Model: "gpt-mock"})
	require.ErrorIs(t, err, ErrContentFiltered)
}

func TestChat_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		c := completionServer(t, status, `{"error":{"message":"nope"}}`, nil)
		_, err := c.Chat(context.Background(), ChatRequest{Model: "gpt-mock", Messages: userTurn("hi")})

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		require.Contains(t, statusErr.Body, "nope")
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestChat_MalformedResponses(t *testing.T) {
	c := completionServer(t, http.StatusOK, `not-a-json`, nil)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "gpt-mock"})
	require.ErrorContains(t, err, "decode response")

	c = completionServer(t, http.StatusOK, `{"choices":[]}`, nil)
	_, err = c.Chat(context.Background(), ChatRequest{Model: "gpt-mock"})
	require.ErrorContains(t, err, "no choices")
}

func TestChat_EmptyModel(t *testing.T) {
	c, err := NewClient("sk-test")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), ChatRequest{})
	require.ErrorContains(t, err, "model")
}

func TestChat_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient("sk-test", WithBaseURL(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Chat(ctx, ChatRequest{Model: "gpt-mock"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
