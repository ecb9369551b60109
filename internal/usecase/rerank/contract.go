package rerank

import (
	"context"

	"github.com/tanyalab/resolver/internal/domain"
)

// Reranker defines the cross-encoder contract.
type Reranker interface {
	Rerank(ctx context.Context, query string, in []domain.Candidate, topN int) ([]domain.Candidate, error)
}
