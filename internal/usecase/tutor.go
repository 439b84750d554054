package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/integrations/openai"
	"tutor-agent/internal/logging"
	"tutor-agent/internal/metrics"
)

const defaultMaxQuestion = 2000

var newUUID = func() string {
	return uuid.NewString()
}

type LLMClient interface {
	Chat(ctx context.Context, req openai.ChatRequest) (string, error)
}

type ActivityLoader interface {
	GetActivity(ctx context.Context, activityID string) (*domain.ActivityContext, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, classID string, embedding []float32, limit int, threshold float64) ([]domain.RetrievedChunk, error)
}

type Recorder interface {
	RecordExchange(ctx context.Context, rec domain.MessageRecord) error
}

type AskInput struct {
	ClassID        string
	ActivityID     string
	UserID         string
	Message        string
	ConversationID string
	History        []domain.ConversationTurn
}

type AskOutput struct {
	Response       string
	Sources        []string
	ContextUsed    int
	OutOfScope     bool
	ResponseTimeMS int64
	Activity       *domain.ActivityRef
	Path           domain.AnswerPath
}

// TutorService runs the tutoring pipeline. It holds no per-request state and
// is safe for concurrent use.
type TutorService struct {
	activities ActivityLoader
	recorder   Recorder
	gate       ScopeGate
	retriever  Retriever
	generator  Generator

	chatModel       string
	classifierModel string
	maxQuestionLen  int
	fallbackRules   []FallbackRule
	contextPolicy   CallPolicy
	recordPolicy    CallPolicy

	metrics *metrics.Pipeline
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*TutorService)

func WithChatModel(model string) Option {
	return func(s *TutorService) { s.chatModel = strings.TrimSpace(model) }
}

func WithClassifierModel(model string) Option {
	return func(s *TutorService) { s.classifierModel = strings.TrimSpace(model) }
}

func WithRetrieval(topK int, threshold float64) Option {
	return func(s *TutorService) {
		s.retriever.topK = topK
		s.retriever.threshold = threshold
	}
}

func WithHistoryWindow(n int) Option {
	return func(s *TutorService) { s.generator.historyWindow = n }
}

func WithMaxQuestionLength(n int) Option {
	return func(s *TutorService) { s.maxQuestionLen = n }
}

func WithScopeBias(bias ScopeBias) Option {
	return func(s *TutorService) { s.gate.bias = bias }
}

// WithCallPolicy applies p to every external call.
func WithCallPolicy(p CallPolicy) Option {
	return func(s *TutorService) {
		s.contextPolicy = p
		s.gate.policy = p
		s.retriever.embedPolicy = p
		s.retriever.searchPolicy = p
		s.generator.policy = p
		s.recordPolicy = p
	}
}

func WithFallbackRules(rules []FallbackRule) Option {
	return func(s *TutorService) { s.fallbackRules = rules }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(s *TutorService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *TutorService) { s.tracer = t }
}

func NewTutorService(activities ActivityLoader, llm LLMClient, embedder Embedder, searcher Searcher, recorder Recorder, opts ...Option) (*TutorService, error) {
	if activities == nil {
		return nil, errors.New("usecase: activity loader must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("usecase: embedder must not be nil")
	}
	if searcher == nil {
		return nil, errors.New("usecase: searcher must not be nil")
	}
	if recorder == nil {
		return nil, errors.New("usecase: recorder must not be nil")
	}

	s := &TutorService{
		activities:    activities,
		recorder:      recorder,
		gate:          ScopeGate{llm: llm, bias: BiasPermissive},
		retriever:     Retriever{embedder: embedder, searcher: searcher, topK: defaultTopK, threshold: defaultThreshold},
		generator:     Generator{llm: llm, historyWindow: defaultHistoryWindow},
		chatModel:     "gpt-4o-mini",
		fallbackRules: DefaultFallbackRules(),
		now:           time.Now,
	}
	WithCallPolicy(DefaultCallPolicy())(s)
	for _, opt := range opts {
		opt(s)
	}

	if s.chatModel == "" {
		return nil, errors.New("usecase: chat model must not be empty")
	}
	if s.classifierModel == "" {
		s.classifierModel = s.chatModel
	}
	if s.retriever.topK <= 0 {
		return nil, errors.New("usecase: top k must be positive")
	}
	if s.retriever.threshold < 0 || s.retriever.threshold > 1 {
		return nil, errors.New("usecase: similarity threshold must be within [0, 1]")
	}
	if s.gate.bias != BiasPermissive && s.gate.bias != BiasBalanced {
		return nil, fmt.Errorf("usecase: unknown scope bias %q", s.gate.bias)
	}
	if s.maxQuestionLen <= 0 {
		s.maxQuestionLen = defaultMaxQuestion
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("tutor-agent/usecase")
	}
	s.gate.model = s.classifierModel
	s.generator.model = s.chatModel
	s.retriever.stage = s.startStage
	return s, nil
}

// Ask answers one student message. Invalid input is an ErrorInvalidInput and
// a fault inside the pipeline is an ErrorInternal; an upstream failure
// degrades to a canned answer. Every answered request is recorded exactly once.
func (s *TutorService) Ask(ctx context.Context, in AskInput) (out AskOutput, err error) {
	start := s.now()
	in, err = s.validate(in)
	if err != nil {
		s.metrics.Request(metrics.OutcomeInvalid)
		return AskOutput{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Request(metrics.OutcomeError)
			logging.FromContext(ctx).Error("tutor pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			out, err = AskOutput{}, newError(ErrorInternal, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	// The student may disconnect; the pipeline still finishes so the exchange
	// is recorded.
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "tutor.ask", trace.WithAttributes(
		attribute.String("class_id", in.ClassID),
		attribute.String("activity_id", in.ActivityID),
	))
	defer span.End()
	log := logging.FromContext(ctx).With(
		zap.String("class_id", in.ClassID),
		zap.String("activity_id", in.ActivityID),
		zap.String("conversation_id", in.ConversationID),
	)
	ctx = logging.WithContext(ctx, log)

	activity := s.loadActivity(ctx, in.ActivityID)
	rec := domain.MessageRecord{
		ConversationID: in.ConversationID,
		ClassID:        in.ClassID,
		ActivityID:     in.ActivityID,
		UserID:         in.UserID,
		Question:       in.Message,
	}
	if activity != nil {
		rec.ActivityTitle = activity.Title
	}
	out = AskOutput{Sources: []string{}, Activity: activity.Ref()}

	decision := s.classify(ctx, in.Message, activity)
	rec.ScopeReason = decision.Reason()
	switch d := decision.(type) {
	case domain.Rejected:
		out.Response = d.Redirect
		out.OutOfScope = true
		out.Path = domain.PathOutOfScope
	case domain.Admitted:
		answer, sources, chunks, genErr := s.answer(ctx, in, activity)
		if genErr != nil {
			log.Warn("answer unavailable, using fallback", zap.Error(genErr))
			span.RecordError(genErr)
			out.Response = FallbackResponse(s.fallbackRules, in.Message)
			out.Path = domain.PathFallback
			break
		}
		out.Response = answer
		out.Sources = sources
		out.ContextUsed = chunks
		out.Path = domain.PathInScope
	}

	out.ResponseTimeMS = s.now().Sub(start).Milliseconds()
	rec.Answer = out.Response
	rec.Sources = out.Sources
	rec.ChunksRetrieved = out.ContextUsed
	rec.OutOfScope = out.OutOfScope
	rec.Path = out.Path
	rec.ResponseTimeMS = out.ResponseTimeMS
	s.record(ctx, rec)

	span.SetAttributes(attribute.String("path", string(out.Path)), attribute.Int("context_used", out.ContextUsed))
	s.metrics.Request(string(out.Path))
	log.Info("tutor request answered",
		zap.String("path", string(out.Path)),
		zap.Int("context_used", out.ContextUsed),
		zap.Int64("response_time_ms", out.ResponseTimeMS),
	)
	return out, nil
}

func (s *TutorService) validate(in AskInput) (AskInput, error) {
	in.ClassID = strings.TrimSpace(in.ClassID)
	in.UserID = strings.TrimSpace(in.UserID)
	in.Message = strings.TrimSpace(in.Message)
	in.ActivityID = strings.TrimSpace(in.ActivityID)
	in.ConversationID = strings.TrimSpace(in.ConversationID)

	switch {
	case in.ClassID == "":
		return in, newError(ErrorInvalidInput, "class_id is required", nil)
	case in.UserID == "":
		return in, newError(ErrorInvalidInput, "user_id is required", nil)
	case in.Message == "":
		return in, newError(ErrorInvalidInput, "message is required", nil)
	case len([]rune(in.Message)) > s.maxQuestionLen:
		return in, newError(ErrorInvalidInput, fmt.Sprintf("message exceeds %d characters", s.maxQuestionLen), nil)
	}
	for i, turn := range in.History {
		if !domain.ValidTurnRole(turn.Role) {
			return in, newError(ErrorInvalidInput, fmt.Sprintf("conversation_history[%d].role must be user or assistant", i), nil)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return in, newError(ErrorInvalidInput, fmt.Sprintf("conversation_history[%d].content is required", i), nil)
		}
	}
	return in, nil
}

// loadActivity treats a failed lookup like a missing activity.
func (s *TutorService) loadActivity(ctx context.Context, activityID string) *domain.ActivityContext {
	if activityID == "" {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "tutor.context")
	defer span.End()
	defer s.observe("context", s.now())

	activity, err := call(ctx, s.contextPolicy, func(ctx context.Context) (*domain.ActivityContext, error) {
		return s.activities.GetActivity(ctx, activityID)
	})
	if err != nil {
		span.RecordError(err)
		logging.FromContext(ctx).Warn("activity lookup failed, continuing without activity", zap.Error(err))
		return nil
	}
	if activity == nil {
		logging.FromContext(ctx).Info("activity not found, continuing without activity")
	}
	return activity
}

func (s *TutorService) classify(ctx context.Context, question string, activity *domain.ActivityContext) domain.ScopeDecision {
	ctx, span := s.tracer.Start(ctx, "tutor.scope")
	defer span.End()
	defer s.observe("scope", s.now())

	decision := s.gate.Classify(ctx, question, activity)
	span.SetAttributes(attribute.Bool("in_scope", decision.InScope()))
	return decision
}

func (s *TutorService) answer(ctx context.Context, in AskInput, activity *domain.ActivityContext) (string, []string, int, error) {
	chunks, err := s.retrieve(ctx, in.ClassID, in.Message)
	if err != nil {
		return "", nil, 0, err
	}

	ctx, span := s.tracer.Start(ctx, "tutor.generate")
	defer span.End()
	defer s.observe("generate", s.now())

	answer, sources, err := s.generator.Generate(ctx, generateInput{
		question: in.Message,
		chunks:   chunks,
		activity: activity,
		history:  in.History,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, err
	}
	return answer, sources, len(chunks), nil
}

func (s *TutorService) retrieve(ctx context.Context, classID, question string) ([]domain.RetrievedChunk, error) {
	ctx, span := s.tracer.Start(ctx, "tutor.retrieve")
	defer span.End()

	chunks, err := s.retriever.Retrieve(ctx, classID, question)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.metrics.Chunks(len(chunks))
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return chunks, nil
}

// record persists rec. A failure is logged and counted; the student already
// has an answer.
func (s *TutorService) record(ctx context.Context, rec domain.MessageRecord) {
	ctx, span := s.tracer.Start(ctx, "tutor.record")
	defer span.End()
	defer s.observe("record", s.now())

	// Fix the identity once so retries write the same item.
	rec.ID = newUUID()
	rec.CreatedAt = s.now().UTC()
	_, err := call(ctx, s.recordPolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.recorder.RecordExchange(ctx, rec)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordFailure()
		logging.FromContext(ctx).Error("failed to record exchange",
			zap.String("user_id", rec.UserID),
			zap.String("path", string(rec.Path)),
			zap.Error(err),
		)
	}
}

func (s *TutorService) observe(stage string, start time.Time) {
	s.metrics.Stage(stage, s.now().Sub(start))
}

// startStage starts timing stage; the returned func records the duration.
func (s *TutorService) startStage(stage string) func() {
	start := s.now()
	return func() { s.observe(stage, start) }
}
