package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RunModeLambda = "lambda"
	RunModeHTTP   = "http"

	ScopeBiasPermissive = "permissive"
	ScopeBiasBalanced   = "balanced"
)

type Config struct {
	RunMode     string `mapstructure:"run_mode"`
	HTTPAddr    string `mapstructure:"http_addr"`
	StateTable  string `mapstructure:"state_table"`
	ParamPrefix string `mapstructure:"param_prefix"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`

	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	SurrealDB SurrealDBConfig `mapstructure:"surrealdb"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Calls     CallConfig      `mapstructure:"calls"`
}

type LLMConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	ChatModel       string `mapstructure:"chat_model"`
	ClassifierModel string `mapstructure:"classifier_model"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

type SurrealDBConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"user"`
	Password  string `mapstructure:"pass"`
	AuthLevel string `mapstructure:"auth_level"`
}

type PipelineConfig struct {
	TopK              int     `mapstructure:"top_k"`
	Threshold         float64 `mapstructure:"threshold"`
	HistoryWindow     int     `mapstructure:"history_window"`
	MaxQuestionLength int     `mapstructure:"max_question_length"`
	ScopeBias         string  `mapstructure:"scope_bias"`
}

type CallConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"run_mode":                     "RUN_MODE",
	"http_addr":                    "HTTP_ADDR",
	"state_table":                  "STATE_TABLE",
	"param_prefix":                 "PARAM_PREFIX",
	"log_level":                    "LOG_LEVEL",
	"log_file":                     "LOG_FILE",
	"llm.base_url":                 "OPENAI_BASE_URL",
	"llm.chat_model":               "CHAT_MODEL",
	"llm.classifier_model":         "CLASSIFIER_MODEL",
	"embedding.provider":           "EMBEDDING_PROVIDER",
	"embedding.model":              "EMBEDDING_MODEL",
	"embedding.dimension":          "EMBEDDING_DIMENSION",
	"surrealdb.url":                "SURREALDB_URL",
	"surrealdb.namespace":          "SURREALDB_NAMESPACE",
	"surrealdb.database":           "SURREALDB_DATABASE",
	"surrealdb.user":               "SURREALDB_USER",
	"surrealdb.pass":               "SURREALDB_PASS",
	"surrealdb.auth_level":         "SURREALDB_AUTH_LEVEL",
	"pipeline.top_k":               "RETRIEVAL_TOP_K",
	"pipeline.threshold":           "RETRIEVAL_THRESHOLD",
	"pipeline.history_window":      "HISTORY_WINDOW",
	"pipeline.max_question_length": "MAX_QUESTION_LENGTH",
	"pipeline.scope_bias":          "SCOPE_BIAS",
	"calls.timeout":                "CALL_TIMEOUT",
	"calls.retries":                "CALL_RETRIES",
	"calls.backoff":                "CALL_BACKOFF",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_mode", RunModeLambda)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("surrealdb.url", "ws://localhost:8000/rpc")
	v.SetDefault("surrealdb.namespace", "tutor")
	v.SetDefault("surrealdb.database", "tutor")
	v.SetDefault("surrealdb.user", "root")
	v.SetDefault("surrealdb.auth_level", "root")
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.threshold", 0.70)
	v.SetDefault("pipeline.history_window", 10)
	v.SetDefault("pipeline.max_question_length", 2000)
	v.SetDefault("pipeline.scope_bias", ScopeBiasPermissive)
	v.SetDefault("calls.timeout", 15*time.Second)
	v.SetDefault("calls.retries", 1)
	v.SetDefault("calls.backoff", 250*time.Millisecond)
}

// Load reads configuration from the environment and, when file is not empty,
// from a YAML file. Environment variables win over the file.
func Load(file string) (*Config, error) {
	return load(viper.New(), file)
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}
	v.AutomaticEnv()

	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.LLM.ClassifierModel == "" {
		cfg.LLM.ClassifierModel = cfg.LLM.ChatModel
	}
	cfg.SurrealDB.AuthLevel = strings.ToLower(strings.TrimSpace(cfg.SurrealDB.AuthLevel))
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.RunMode != RunModeLambda && c.RunMode != RunModeHTTP {
		errs = append(errs, fmt.Errorf("RUN_MODE must be %q or %q, got %q", RunModeLambda, RunModeHTTP, c.RunMode))
	}
	if strings.TrimSpace(c.StateTable) == "" {
		errs = append(errs, errors.New("STATE_TABLE is required"))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if c.LLM.ChatModel == "" {
		errs = append(errs, errors.New("CHAT_MODEL must not be empty"))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSION must be positive"))
	}
	if c.SurrealDB.URL == "" {
		errs = append(errs, errors.New("SURREALDB_URL is required"))
	}
	if c.SurrealDB.AuthLevel != "root" && c.SurrealDB.AuthLevel != "database" {
		errs = append(errs, errors.New(`SURREALDB_AUTH_LEVEL must be "root" or "database"`))
	}
	if c.Pipeline.TopK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_TOP_K must be positive"))
	}
	if c.Pipeline.Threshold < 0 || c.Pipeline.Threshold > 1 {
		errs = append(errs, errors.New("RETRIEVAL_THRESHOLD must be within [0, 1]"))
	}
	if c.Pipeline.HistoryWindow < 0 {
		errs = append(errs, errors.New("HISTORY_WINDOW must not be negative"))
	}
	if c.Pipeline.MaxQuestionLength <= 0 {
		errs = append(errs, errors.New("MAX_QUESTION_LENGTH must be positive"))
	}
	if c.Pipeline.ScopeBias != ScopeBiasPermissive && c.Pipeline.ScopeBias != ScopeBiasBalanced {
		errs = append(errs, fmt.Errorf("SCOPE_BIAS must be %q or %q", ScopeBiasPermissive, ScopeBiasBalanced))
	}
	if c.Calls.Timeout <= 0 {
		errs = append(errs, errors.New("CALL_TIMEOUT must be positive"))
	}
	if c.Calls.Retries < 0 {
		errs = append(errs, errors.New("CALL_RETRIES must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
