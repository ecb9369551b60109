// Package search fans one embedded query out to several vector collections
// and merges whatever comes back.
package search

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/metrics"
	"github.com/tanyalab/resolver/internal/resilience"
)

// Service runs parallel collection searches.
type Service struct {
	searcher      Searcher
	wrapper       *resilience.Wrapper
	branchTimeout time.Duration
	logger        *zap.Logger
}

// New creates a parallel searcher. wrapper may be nil to run branches
// without retry or breaker protection.
func New(searcher Searcher, wrapper *resilience.Wrapper, branchTimeout time.Duration, logger *zap.Logger) *Service {
	if branchTimeout <= 0 {
		branchTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		searcher:      searcher,
		wrapper:       wrapper,
		branchTimeout: branchTimeout,
		logger:        logger,
	}
}

type branch struct {
	index      int
	collection string
	candidates []domain.Candidate
	err        error
}

// SearchAll queries every collection concurrently and merges the hits in
// descending score order. A failed branch drops out of the merge; only when
// every branch fails does the call return AllCollectionsFailedError.
//
// If the caller's context expires before all branches report, SearchAll
// returns the candidates gathered so far together with the context error.
// The caller decides whether those partial results are usable.
func (s *Service) SearchAll(ctx context.Context, collections []string, vector []float32, limit int, filters map[string]string) ([]domain.Candidate, error) {
	if len(collections) == 0 {
		return nil, domain.ErrInvalidRequest
	}
	metrics.ParallelSearchesTotal.Inc()

	results := make(chan branch, len(collections))
	for i, name := range collections {
		go func(index int, collection string) {
			branchCtx, cancel := context.WithTimeout(ctx, s.branchTimeout)
			defer cancel()

			candidates, err := s.searchOne(branchCtx, collection, vector, limit, filters)
			results <- branch{index: index, collection: collection, candidates: candidates, err: err}
		}(i, name)
	}

	perBranch := make([][]domain.Candidate, len(collections))
	causes := make(map[string]error)
	done := 0

collect:
	for done < len(collections) {
		select {
		case b := <-results:
			done++
			if b.err != nil {
				causes[b.collection] = b.err
				metrics.CollectionSearchTotal.WithLabelValues(b.collection, "error").Inc()
				s.logger.Warn("Collection search failed",
					zap.String("collection", b.collection),
					zap.Error(b.err),
				)
				continue
			}
			metrics.CollectionSearchTotal.WithLabelValues(b.collection, "ok").Inc()
			perBranch[b.index] = b.candidates
		case <-ctx.Done():
			break collect
		}
	}

	merged := mergeByScore(perBranch, limit)

	if done < len(collections) {
		return merged, ctx.Err()
	}
	if len(causes) == len(collections) {
		return nil, domain.NewAllCollectionsFailed(causes)
	}
	return merged, nil
}

func (s *Service) searchOne(ctx context.Context, collection string, vector []float32, limit int, filters map[string]string) ([]domain.Candidate, error) {
	if s.wrapper == nil {
		return s.searcher.SearchCollection(ctx, collection, vector, limit, filters)
	}
	return resilience.Do(ctx, s.wrapper, func(ctx context.Context) ([]domain.Candidate, error) {
		return s.searcher.SearchCollection(ctx, collection, vector, limit, filters)
	})
}

// mergeByScore concatenates branch results in collection order and sorts by
// retrieval score, descending. The stable sort keeps collection order as the
// tie-break so merges are deterministic.
func mergeByScore(perBranch [][]domain.Candidate, limit int) []domain.Candidate {
	total := 0
	for _, cands := range perBranch {
		total += len(cands)
	}
	merged := make([]domain.Candidate, 0, total)
	for _, cands := range perBranch {
		merged = append(merged, cands...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
