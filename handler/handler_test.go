package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/metrics"
	"tutor-agent/internal/usecase"
)

type stubUseCase struct {
	out   usecase.AskOutput
	err   error
	in    usecase.AskInput
	panic bool
	calls int
}

func (s *stubUseCase) Ask(_ context.Context, in usecase.AskInput) (usecase.AskOutput, error) {
	s.calls++
	s.in = in
	if s.panic {
		panic("nil map write")
	}
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/v1/tutor/ask",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

const validBody = `{
  "class_id": "class-7",
  "activity_id": "act-1",
  "user_id": "student-3",
  "message": "How do I stop a while loop?",
  "conversation_id": "conv-1",
  "conversation_history": [
    {"role": "user", "content": "hi"},
    {"role": "assistant", "content": "What are you working on?"}
  ]
}`

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{
		Response:       "What condition keeps your loop running?",
		Sources:        []string{"loops.pdf"},
		ContextUsed:    2,
		ResponseTimeMS: 840,
		Activity:       &domain.ActivityRef{ID: "act-1", Title: "Python loops"},
		Path:           domain.PathInScope,
	}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(validBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AskInput{
		ClassID:        "class-7",
		ActivityID:     "act-1",
		UserID:         "student-3",
		Message:        "How do I stop a while loop?",
		ConversationID: "conv-1",
		History: []domain.ConversationTurn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "What are you working on?"},
		},
	}, uc.in)

	out := parseBody[askResponse](t, resp.Body)
	require.Equal(t, "What condition keeps your loop running?", out.Response)
	require.Equal(t, []string{"loops.pdf"}, out.Sources)
	require.Equal(t, 2, out.ContextUsed)
	require.False(t, out.OutOfScope)
	require.Equal(t, int64(840), out.ResponseTimeMS)
	require.Equal(t, &domain.ActivityRef{ID: "act-1", Title: "Python loops"}, out.ActivityContext)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_ResponseShapeForOutOfScope(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Response: "Let's get back to loops.", OutOfScope: true}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"class_id":"c","user_id":"u","message":"lunch?","activity_id":null}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{
		"response": "Let's get back to loops.",
		"sources": [],
		"context_used": 0,
		"out_of_scope": true,
		"response_time_ms": 0,
		"activity_context": null
	}`, resp.Body)
	require.Empty(t, uc.in.ActivityID)
}

func TestHandle_InvalidBody(t *testing.T) {
	for _, body := range []string{`not-json`, ``, `   `} {
		uc := &stubUseCase{}
		h, err := NewHandler(uc)
		require.NoError(t, err)

		resp, err := h.Handle(context.Background(), makeEvent(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
		require.Zero(t, uc.calls)
	}
}

func TestHandle_RejectsUnexpectedShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: `{"class_id":"c","user_id":"u","message":"m","classId":"c"}`, want: `unknown field "classId"`},
		{name: "wrong type", body: `{"class_id":7,"user_id":"u","message":"m"}`, want: `field "class_id" has the wrong type`},
		{name: "trailing object", body: `{"class_id":"c","user_id":"u","message":"m"} {"message":"again"}`, want: "single JSON object"},
		{name: "truncated", body: `{"class_id":"c"`, want: "not valid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(tc.body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Contains(t, parseBody[errorResponse](t, resp.Body).Error, tc.want)
			require.Zero(t, uc.calls)
		})
	}
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Response: "ok"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(validBody)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "class-7", uc.in.ClassID)

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "class_id is required"}, status: http.StatusBadRequest, message: "class_id is required"},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "secret detail", Err: errors.New("x")}, status: http.StatusInternalServerError, message: "internal error"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, message: "internal error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(validBody))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.message, out.Error)
		})
	}
}

func TestHandle_RecoversPanics(t *testing.T) {
	h, err := NewHandler(&stubUseCase{panic: true})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(validBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "internal error", parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_CountsUnclassifiedFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	for _, uc := range []*stubUseCase{
		{err: errors.New("boom")},
		{panic: true},
		// The use case already counted its own internal errors.
		{err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "internal error"}},
		{err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "message is required"}},
	} {
		h, err := NewHandler(uc, WithMetrics(m))
		require.NoError(t, err)
		_, err = h.Handle(context.Background(), makeEvent(validBody))
		require.NoError(t, err)
	}

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP tutor_requests_total Tutoring requests by outcome
# TYPE tutor_requests_total counter
tutor_requests_total{outcome="error"} 2
`), "tutor_requests_total"))
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Response: "ok"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(validBody)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	uc := &stubUseCase{out: usecase.AskOutput{Response: "ok", Sources: []string{"a.md"}, ContextUsed: 1}}
	h, err := NewHandler(uc)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tutor_router_check_total", Help: "router check"}))
	r := h.Router(reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tutor/ask", strings.NewReader(validBody))
	req.Header.Set("X-Correlation-Id", "corr-9")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-9", rec.Header().Get("X-Correlation-Id"))
	out := parseBody[askResponse](t, rec.Body.String())
	require.Equal(t, []string{"a.md"}, out.Sources)

	uc.err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "message is required"}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tutor/ask", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "message is required", parseBody[errorResponse](t, rec.Body.String()).Error)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tutor_router_check_total")
}
