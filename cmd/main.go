package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tutor-agent/handler"
	"tutor-agent/internal/config"
	"tutor-agent/internal/integrations/embedding"
	"tutor-agent/internal/integrations/openai"
	"tutor-agent/internal/integrations/paramstore"
	"tutor-agent/internal/logging"
	"tutor-agent/internal/metrics"
	"tutor-agent/internal/repository"
	"tutor-agent/internal/usecase"
	"tutor-agent/internal/vectorstore"
)

// SSM parameter names under PARAM_PREFIX.
const (
	credOpenAI    = "open-ai-token"
	credGemini    = "gemini-token"
	credSurrealDB = "surrealdb-pass"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("TUTOR_CONFIG_FILE"))
	if err != nil {
		bootLogger, _ := logging.New(logging.Options{Level: "info"})
		bootLogger.Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Console: cfg.RunMode == config.RunModeHTTP,
		File:    cfg.LogFile,
	})
	if err != nil {
		bootLogger, _ := logging.New(logging.Options{Level: "info"})
		bootLogger.Fatal("invalid log level", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal("failed to create SSM client", zap.Error(err))
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		logger.Fatal("failed to create state client", zap.Error(err))
	}

	// Credentials are resolved once; a missing model credential stops the
	// service before it accepts work.
	creds, err := ssmClient.LoadCredentials(ctx, cfg.ParamPrefix, credOpenAI, credGemini, credSurrealDB)
	if err != nil {
		logger.Fatal("failed to load credentials", zap.Error(err))
	}
	openaiKey, err := creds.Require(credOpenAI)
	if err != nil {
		logger.Fatal("language model credential unavailable", zap.Error(err))
	}
	openaiClient, err := openai.NewClient(openaiKey, openai.WithBaseURL(cfg.LLM.BaseURL))
	if err != nil {
		logger.Fatal("failed to create OpenAI client", zap.Error(err))
	}

	embedder, err := newEmbedder(ctx, cfg, creds)
	if err != nil {
		logger.Fatal("failed to create embedder", zap.Error(err))
	}

	surrealPass := cfg.SurrealDB.Password
	if surrealPass == "" {
		if surrealPass, err = creds.Require(credSurrealDB); err != nil {
			logger.Warn("no SurrealDB password configured", zap.Error(err))
		}
	}
	store, err := vectorstore.Connect(ctx, vectorstore.Config{
		URL:       cfg.SurrealDB.URL,
		Namespace: cfg.SurrealDB.Namespace,
		Database:  cfg.SurrealDB.Database,
		Username:  cfg.SurrealDB.Username,
		Password:  surrealPass,
		AuthLevel: cfg.SurrealDB.AuthLevel,
	}, logging.Slog(logger.Named("surrealdb")))
	if err != nil {
		logger.Fatal("failed to connect to vector store", zap.Error(err))
	}
	defer func() { _ = store.Close(context.Background()) }()
	if err := store.InitSchema(ctx, cfg.Embedding.Dimension); err != nil {
		logger.Fatal("failed to initialise vector schema", zap.Error(err))
	}

	// ---- Metrics ----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.New(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	// ---- Handler ----
	tutorService, err := usecase.NewTutorService(stateClient, openaiClient, embedder, store, stateClient,
		usecase.WithChatModel(cfg.LLM.ChatModel),
		usecase.WithClassifierModel(cfg.LLM.ClassifierModel),
		usecase.WithRetrieval(cfg.Pipeline.TopK, cfg.Pipeline.Threshold),
		usecase.WithHistoryWindow(cfg.Pipeline.HistoryWindow),
		usecase.WithMaxQuestionLength(cfg.Pipeline.MaxQuestionLength),
		usecase.WithScopeBias(usecase.ScopeBias(cfg.Pipeline.ScopeBias)),
		usecase.WithCallPolicy(usecase.CallPolicy{
			Timeout: cfg.Calls.Timeout,
			Retries: cfg.Calls.Retries,
			Backoff: cfg.Calls.Backoff,
		}),
		usecase.WithMetrics(pipelineMetrics),
	)
	if err != nil {
		logger.Fatal("failed to create tutor service", zap.Error(err))
	}

	h, err := handler.NewHandler(tutorService, handler.WithLogger(logger), handler.WithMetrics(pipelineMetrics))
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	logger.Info("tutor agent starting",
		zap.String("run_mode", cfg.RunMode),
		zap.String("chat_model", cfg.LLM.ChatModel),
		zap.String("embedding_model", embedder.Model()),
	)
	if cfg.RunMode == config.RunModeLambda {
		lambda.Start(h.Handle)
		return
	}
	serveHTTP(logger, cfg.HTTPAddr, h, registry)
}

func newEmbedder(ctx context.Context, cfg *config.Config, creds paramstore.Credentials) (embedding.Embedder, error) {
	provider := embedding.Provider(cfg.Embedding.Provider)
	name := credOpenAI
	if provider == embedding.ProviderGemini {
		name = credGemini
	}
	key, err := creds.Require(name)
	if err != nil {
		return nil, err
	}
	return embedding.New(ctx, embedding.Config{
		Provider:  provider,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		APIKey:    key,
		BaseURL:   cfg.LLM.BaseURL,
	})
}

func serveHTTP(logger *zap.Logger, addr string, h *handler.Handler, registry *prometheus.Registry) {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("addr", addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
}
