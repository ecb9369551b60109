package golden

import (
	"context"

	"github.com/tanyalab/resolver/internal/domain"
)

// Repository defines the storage contract for golden-answer lookups.
type Repository interface {
	FetchByHash(ctx context.Context, hash string) (domain.QueryCluster, error)
	FetchAnswer(ctx context.Context, clusterID string) (domain.GoldenAnswer, error)
	IncrementUsage(ctx context.Context, clusterID string) error
	RecordFeedback(ctx context.Context, clusterID string, confirmed bool) error
}
