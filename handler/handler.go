package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/logging"
	"tutor-agent/internal/metrics"
	"tutor-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type TutorUseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
}

type Handler struct {
	uc      TutorUseCase
	logger  *zap.Logger
	metrics *metrics.Pipeline
	newID   func() string
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics counts failures the use case did not classify itself.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(uc TutorUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: zap.NewNop(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type askRequest struct {
	ClassID             string         `json:"class_id"`
	ActivityID          *string        `json:"activity_id"`
	UserID              string         `json:"user_id"`
	Message             string         `json:"message"`
	ConversationID      *string        `json:"conversation_id"`
	ConversationHistory []historyEntry `json:"conversation_history"`
}

type askResponse struct {
	Response        string              `json:"response"`
	Sources         []string            `json:"sources"`
	ContextUsed     int                 `json:"context_used"`
	OutOfScope      bool                `json:"out_of_scope"`
	ResponseTimeMS  int64               `json:"response_time_ms"`
	ActivityContext *domain.ActivityRef `json:"activity_context"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handle serves an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return h.lambdaResponse(correlationID, http.StatusBadRequest, errorResponse{Error: "request body is not valid base64"}), nil
		}
		body = decoded
	}

	status, payload := h.serve(ctx, correlationID, body)
	return h.lambdaResponse(correlationID, status, payload), nil
}

// serve is shared by the Lambda and HTTP entry points. It never panics.
func (h *Handler) serve(ctx context.Context, correlationID string, body []byte) (status int, payload any) {
	log := h.logger.With(zap.String("correlation_id", correlationID))
	ctx = logging.WithContext(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling request", zap.Any("panic", r), zap.Stack("stack"))
			h.metrics.Request(metrics.OutcomeError)
			status, payload = http.StatusInternalServerError, errorResponse{Error: "internal error"}
		}
	}()

	in, err := decodeAskRequest(body)
	if err != nil {
		log.Info("rejected malformed request", zap.Error(err))
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	}

	out, err := h.uc.Ask(ctx, in)
	if err != nil {
		return h.errorStatus(log, err)
	}
	sources := out.Sources
	if sources == nil {
		sources = []string{}
	}
	return http.StatusOK, askResponse{
		Response:        out.Response,
		Sources:         sources,
		ContextUsed:     out.ContextUsed,
		OutOfScope:      out.OutOfScope,
		ResponseTimeMS:  out.ResponseTimeMS,
		ActivityContext: out.Activity,
	}
}

func decodeAskRequest(body []byte) (usecase.AskInput, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return usecase.AskInput{}, errors.New("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var req askRequest
	if err := dec.Decode(&req); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return usecase.AskInput{}, errors.New("request body is not valid JSON")
		case errors.As(err, &typeErr):
			return usecase.AskInput{}, fmt.Errorf("field %q has the wrong type", typeErr.Field)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return usecase.AskInput{}, fmt.Errorf("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
		default:
			return usecase.AskInput{}, errors.New("request body is not valid JSON")
		}
	}
	if dec.More() {
		return usecase.AskInput{}, errors.New("request body must contain a single JSON object")
	}

	in := usecase.AskInput{
		ClassID: req.ClassID,
		UserID:  req.UserID,
		Message: req.Message,
	}
	if req.ActivityID != nil {
		in.ActivityID = *req.ActivityID
	}
	if req.ConversationID != nil {
		in.ConversationID = *req.ConversationID
	}
	for _, e := range req.ConversationHistory {
		in.History = append(in.History, domain.ConversationTurn{Role: e.Role, Content: e.Content})
	}
	return in, nil
}

func (h *Handler) errorStatus(log *zap.Logger, err error) (int, any) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.metrics.Request(metrics.OutcomeError)
		log.Error("request failed", zap.Error(err))
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		log.Info("rejected invalid request", zap.String("reason", ucErr.Reason))
		return http.StatusBadRequest, errorResponse{Error: ucErr.Reason}
	case usecase.ErrorInternal:
		// Counted by the use case.
		log.Error("request failed", zap.String("code", string(ucErr.Code)), zap.Error(ucErr.Err))
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	default:
		h.metrics.Request(metrics.OutcomeError)
		log.Error("request failed", zap.Error(err))
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

func (h *Handler) lambdaResponse(correlationID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
