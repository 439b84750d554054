package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-embedding-001"

type embedContentFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)

// GeminiEmbedder embeds through the Google GenAI API with the retrieval query task type.
type GeminiEmbedder struct {
	embed     embedContentFunc
	modelName string
	dimension int
}

var _ Embedder = (*GeminiEmbedder)(nil)

// NewGemini creates a Gemini embedder. An empty model selects DefaultGeminiModel.
func NewGemini(ctx context.Context, apiKey, model string, dimension int) (*GeminiEmbedder, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create genai client: %w", err)
	}
	return &GeminiEmbedder{embed: client.Models.EmbedContent, modelName: model, dimension: dimension}, nil
}

func (e *GeminiEmbedder) Model() string { return e.modelName }

// Embed returns the query embedding for text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	res, err := e.embed(ctx, e.modelName, contents, &genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"})
	if err != nil {
		return nil, fmt.Errorf("embedding: gemini embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil {
		return nil, fmt.Errorf("embedding: gemini returned no embeddings")
	}
	vec := res.Embeddings[0].Values
	if err := checkDimension(vec, e.dimension, e.modelName); err != nil {
		return nil, err
	}
	return vec, nil
}
