// Package golden short-circuits known queries to their curated answers.
package golden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/metrics"
)

// usageTimeout bounds the detached usage-increment write.
const usageTimeout = 5 * time.Second

// Service resolves queries against the golden-answer store.
type Service struct {
	repo   Repository
	logger *zap.Logger

	// tracks detached increments so Close can drain them.
	wg sync.WaitGroup
}

// New creates a golden-answer service.
func New(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

// Resolve looks the query hash up in the cluster store. A hit returns the
// curated answer and schedules the usage increment off the request path.
// A miss returns found=false with a nil error; storage failures return the
// error so the caller can degrade to the search path.
func (s *Service) Resolve(ctx context.Context, q domain.Query) (domain.GoldenAnswer, bool, error) {
	cluster, err := s.repo.FetchByHash(ctx, q.Hash())
	if errors.Is(err, domain.ErrNotFound) {
		metrics.GoldenTotal.WithLabelValues("miss").Inc()
		return domain.GoldenAnswer{}, false, nil
	}
	if err != nil {
		metrics.GoldenTotal.WithLabelValues("error").Inc()
		return domain.GoldenAnswer{}, false, fmt.Errorf("fetch cluster: %w", err)
	}

	answer, err := s.repo.FetchAnswer(ctx, cluster.ID)
	if errors.Is(err, domain.ErrNotFound) {
		// Cluster without an answer: treat as a miss, the curation
		// process has not finished this cluster yet.
		metrics.GoldenTotal.WithLabelValues("miss").Inc()
		return domain.GoldenAnswer{}, false, nil
	}
	if err != nil {
		metrics.GoldenTotal.WithLabelValues("error").Inc()
		return domain.GoldenAnswer{}, false, fmt.Errorf("fetch answer: %w", err)
	}

	metrics.GoldenTotal.WithLabelValues("hit").Inc()
	s.incrementUsageAsync(ctx, cluster.ID)
	return answer, true, nil
}

// Feedback records whether a served golden answer resolved the user's
// question.
func (s *Service) Feedback(ctx context.Context, clusterID string, confirmed bool) error {
	if clusterID == "" {
		return domain.ErrInvalidRequest
	}
	if err := s.repo.RecordFeedback(ctx, clusterID, confirmed); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// incrementUsageAsync bumps usage counters without holding up the response.
// The write survives request cancellation but not Close.
func (s *Service) incrementUsageAsync(ctx context.Context, clusterID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
		defer cancel()

		if err := s.repo.IncrementUsage(detached, clusterID); err != nil {
			s.logger.Warn("Failed to increment golden usage",
				zap.String("cluster_id", clusterID),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for in-flight usage increments.
func (s *Service) Close() {
	s.wg.Wait()
}
