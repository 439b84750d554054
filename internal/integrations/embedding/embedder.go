// Package embedding turns question text into vectors comparable with the
// embeddings stored alongside class training material.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Embedder produces a query embedding for a single text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Provider identifies the embedding backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Config selects and configures a provider. Dimension must match the vectors
// of the ingested corpus; zero disables the check.
type Config struct {
	Provider  Provider
	Model     string
	Dimension int
	APIKey    string
	BaseURL   string
}

// New creates an Embedder for cfg.Provider.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding: api key is required")
	}
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimension)
	case ProviderGemini:
		return NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

func checkDimension(vec []float32, want int, model string) error {
	if len(vec) == 0 {
		return errors.New("embedding: empty vector returned")
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("embedding: dimension mismatch: got %d, want %d (model: %s)", len(vec), want, model)
	}
	return nil
}
