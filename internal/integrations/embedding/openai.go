package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIEmbedder embeds through langchaingo's OpenAI client.
type OpenAIEmbedder struct {
	model     embeddings.Embedder
	modelName string
	dimension int
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAI creates an OpenAI embedder. An empty model selects DefaultOpenAIModel.
func NewOpenAI(token, model, baseURL string, dimension int) (*OpenAIEmbedder, error) {
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts := []lcopenai.Option{
		lcopenai.WithToken(token),
		lcopenai.WithEmbeddingModel(model),
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding: create openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedding: create openai embedder: %w", err)
	}
	return newOpenAIEmbedder(emb, model, dimension), nil
}

func newOpenAIEmbedder(emb embeddings.Embedder, model string, dimension int) *OpenAIEmbedder {
	return &OpenAIEmbedder{model: emb, modelName: model, dimension: dimension}
}

func (e *OpenAIEmbedder) Model() string { return e.modelName }

// Embed returns the query embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.model.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai embed: %w", err)
	}
	if err := checkDimension(vec, e.dimension, e.modelName); err != nil {
		return nil, err
	}
	return vec, nil
}
