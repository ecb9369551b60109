package search

import (
	"context"

	"github.com/tanyalab/resolver/internal/domain"
)

// Searcher defines the vector-store contract for one collection search.
type Searcher interface {
	SearchCollection(ctx context.Context, collection string, vector []float32, limit int, filters map[string]string) ([]domain.Candidate, error)
}
