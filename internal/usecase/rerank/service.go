// Package rerank refines merged search results with a cross-encoder,
// skipping the call when retrieval is already confident.
package rerank

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/metrics"
	"github.com/tanyalab/resolver/internal/resilience"
)

// DefaultConfidenceThreshold is the retrieval score above which reranking
// adds nothing: the bi-encoder already separated the top hit decisively.
const DefaultConfidenceThreshold = 0.9

// Result carries refined candidates plus how they were produced.
type Result struct {
	Candidates []domain.Candidate
	Reranked   bool
	EarlyExit  bool
}

// Service gates and runs reranking.
type Service struct {
	reranker  Reranker
	wrapper   *resilience.Wrapper
	threshold float64
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a rerank service. threshold <= 0 uses the default; wrapper may
// be nil.
func New(reranker Reranker, wrapper *resilience.Wrapper, threshold float64, timeout time.Duration, logger *zap.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reranker:  reranker,
		wrapper:   wrapper,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
	}
}

// Refine reorders candidates by cross-encoder relevance. The call is skipped
// when the top retrieval score clears the confidence threshold. A reranker
// failure degrades to the retrieval ordering; refinement never fails the
// query it refines.
func (s *Service) Refine(ctx context.Context, query string, candidates []domain.Candidate, topN int) Result {
	if len(candidates) == 0 {
		return Result{}
	}

	if candidates[0].Score > s.threshold {
		metrics.EarlyExitTotal.Inc()
		return Result{Candidates: truncate(candidates, topN), EarlyExit: true}
	}

	refined, err := s.rerank(ctx, query, candidates, topN)
	if err != nil {
		metrics.RerankTotal.WithLabelValues("degraded").Inc()
		s.logger.Warn("Rerank failed, serving retrieval order",
			zap.String("query", query),
			zap.Error(err),
		)
		return Result{Candidates: truncate(candidates, topN)}
	}

	metrics.RerankTotal.WithLabelValues("ok").Inc()
	return Result{Candidates: refined, Reranked: true}
}

func (s *Service) rerank(ctx context.Context, query string, candidates []domain.Candidate, topN int) ([]domain.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.wrapper == nil {
		return s.reranker.Rerank(ctx, query, candidates, topN)
	}
	return resilience.Do(ctx, s.wrapper, func(ctx context.Context) ([]domain.Candidate, error) {
		return s.reranker.Rerank(ctx, query, candidates, topN)
	})
}

func truncate(candidates []domain.Candidate, topN int) []domain.Candidate {
	if topN > 0 && len(candidates) > topN {
		return candidates[:topN]
	}
	return candidates
}
