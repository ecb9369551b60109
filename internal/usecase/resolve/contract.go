package resolve

import (
	"context"

	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/usecase/rerank"
)

// GoldenResolver short-circuits known queries to curated answers.
type GoldenResolver interface {
	Resolve(ctx context.Context, q domain.Query) (domain.GoldenAnswer, bool, error)
}

// Embedder vectorizes normalized query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// Searcher fans a query vector out across collections.
type Searcher interface {
	SearchAll(ctx context.Context, collections []string, vector []float32, limit int, filters map[string]string) ([]domain.Candidate, error)
}

// Refiner reorders merged candidates, or skips the work when retrieval is
// confident.
type Refiner interface {
	Refine(ctx context.Context, query string, candidates []domain.Candidate, topN int) rerank.Result
}
