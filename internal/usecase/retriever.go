package usecase

import (
	"context"
	"fmt"
	"sort"

	"tutor-agent/internal/domain"
)

const (
	defaultTopK      = 5
	defaultThreshold = 0.70
)

// Retriever finds the class passages most similar to a question.
type Retriever struct {
	embedder     Embedder
	searcher     Searcher
	topK         int
	threshold    float64
	embedPolicy  CallPolicy
	searchPolicy CallPolicy
	// stage times the embed and search steps when set.
	stage func(name string) (done func())
}

// Retrieve returns at most topK passages scoring at least threshold, best
// first. No match is an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, classID, question string) ([]domain.RetrievedChunk, error) {
	done := r.start("embed")
	vec, err := call(ctx, r.embedPolicy, func(ctx context.Context) ([]float32, error) {
		return r.embedder.Embed(ctx, question)
	})
	done()
	if err != nil {
		return nil, fmt.Errorf("usecase: embed question: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("usecase: embed question: empty embedding")
	}

	done = r.start("search")
	chunks, err := call(ctx, r.searchPolicy, func(ctx context.Context) ([]domain.RetrievedChunk, error) {
		return r.searcher.Search(ctx, classID, vec, r.topK, r.threshold)
	})
	done()
	if err != nil {
		return nil, fmt.Errorf("usecase: similarity search: %w", err)
	}
	return r.admit(chunks), nil
}

func (r *Retriever) start(name string) func() {
	if r.stage == nil {
		return func() {}
	}
	return r.stage(name)
}

func (r *Retriever) admit(chunks []domain.RetrievedChunk) []domain.RetrievedChunk {
	out := make([]domain.RetrievedChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score < r.threshold || c.Content == "" {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > r.topK {
		out = out[:r.topK]
	}
	return out
}
