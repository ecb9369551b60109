// Package resolve orchestrates the resolution pipeline: golden answers,
// result cache, embedding, parallel vector search, confidence-gated rerank.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/cache"
	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/metrics"
	"github.com/tanyalab/resolver/internal/usecase/rerank"
)

// Request is one resolve call.
type Request struct {
	Query   string
	Tier    string            // selects the collection set; empty uses the default
	Filters map[string]string // exact-match payload filters
	Limit   int               // final result count; 0 uses the default
}

// Config holds engine settings.
type Config struct {
	Tiers       map[string][]string // tier name -> ordered collection list
	DefaultTier string
	SearchLimit int           // per-collection candidate fetch
	Limit       int           // default final result count
	Timeout     time.Duration // overall ceiling applied when the caller has no deadline
}

// Engine composes the pipeline stages.
type Engine struct {
	cfg      Config
	golden   GoldenResolver
	embedder Embedder
	searcher Searcher
	refiner  Refiner
	results  *cache.Cache[domain.ResolvedAnswer]
	logger   *zap.Logger

	partialResults bool
}

// Option tweaks engine behavior.
type Option func(*Engine)

// WithPartialResults makes the engine serve whatever branches completed when
// the overall deadline expires mid-search instead of failing the request.
func WithPartialResults(enabled bool) Option {
	return func(e *Engine) { e.partialResults = enabled }
}

// NewEngine creates the orchestrator.
func NewEngine(
	cfg Config,
	golden GoldenResolver,
	embedder Embedder,
	searcher Searcher,
	refiner Refiner,
	results *cache.Cache[domain.ResolvedAnswer],
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.DefaultTier == "" {
		for name := range cfg.Tiers {
			if cfg.DefaultTier == "" || name < cfg.DefaultTier {
				cfg.DefaultTier = name
			}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		golden:   golden,
		embedder: embedder,
		searcher: searcher,
		refiner:  refiner,
		results:  results,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve turns a query into an answer, cheapest source first. Golden and
// cache lookups degrade to misses on infrastructure errors; a total search
// failure propagates typed.
func (e *Engine) Resolve(ctx context.Context, req Request) (domain.ResolvedAnswer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return domain.ResolvedAnswer{}, fmt.Errorf("empty query: %w", domain.ErrInvalidRequest)
	}
	collections, tier, err := e.collectionsFor(req.Tier)
	if err != nil {
		return domain.ResolvedAnswer{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.Limit
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	q := domain.NewQuery(req.Query)

	// Golden answers win over everything else.
	if answer, ok := e.resolveGolden(ctx, q); ok {
		metrics.PipelineDuration.WithLabelValues(string(domain.SourceGolden)).Observe(time.Since(start).Seconds())
		return answer, nil
	}

	key := resultKey(q.Hash(), tier, req.Filters)
	if cached, ok := e.results.Get(key); ok {
		metrics.CacheTotal.WithLabelValues("result", "hit").Inc()
		cached.Source = domain.SourceCache
		metrics.PipelineDuration.WithLabelValues(string(domain.SourceCache)).Observe(time.Since(start).Seconds())
		return cached, nil
	}
	metrics.CacheTotal.WithLabelValues("result", "miss").Inc()

	vector, err := e.embed(ctx, q)
	if err != nil {
		return domain.ResolvedAnswer{}, err
	}

	candidates, err := e.search(ctx, collections, vector, req.Filters)
	if err != nil {
		return domain.ResolvedAnswer{}, err
	}

	refined := e.refine(ctx, q, candidates, limit)

	answer := domain.ResolvedAnswer{
		Source:     domain.SourceSearch,
		Candidates: refined.Candidates,
		Reranked:   refined.Reranked,
		EarlyExit:  refined.EarlyExit,
	}
	if len(refined.Candidates) > 0 {
		answer.Answer = refined.Candidates[0].Content
	}

	e.results.Set(key, answer, 0)
	metrics.PipelineDuration.WithLabelValues(string(domain.SourceSearch)).Observe(time.Since(start).Seconds())
	return answer, nil
}

func (e *Engine) resolveGolden(ctx context.Context, q domain.Query) (domain.ResolvedAnswer, bool) {
	stage := time.Now()
	g, found, err := e.golden.Resolve(ctx, q)
	metrics.StageDuration.WithLabelValues("golden").Observe(time.Since(stage).Seconds())

	if err != nil {
		// Golden storage trouble must not fail the query.
		e.logger.Warn("Golden lookup degraded to miss", zap.String("query_hash", q.Hash()), zap.Error(err))
		return domain.ResolvedAnswer{}, false
	}
	if !found {
		return domain.ResolvedAnswer{}, false
	}
	return domain.ResolvedAnswer{
		Source:    domain.SourceGolden,
		Answer:    g.Answer,
		ClusterID: g.ClusterID,
	}, true
}

func (e *Engine) embed(ctx context.Context, q domain.Query) ([]float32, error) {
	stage := time.Now()
	result, err := e.embedder.Embed(ctx, q.Normalized())
	metrics.StageDuration.WithLabelValues("embed").Observe(time.Since(stage).Seconds())
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return result.Embedding, nil
}

func (e *Engine) search(ctx context.Context, collections []string, vector []float32, filters map[string]string) ([]domain.Candidate, error) {
	stage := time.Now()
	candidates, err := e.searcher.SearchAll(ctx, collections, vector, e.cfg.SearchLimit, filters)
	metrics.StageDuration.WithLabelValues("search").Observe(time.Since(stage).Seconds())

	if err == nil {
		return candidates, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if e.partialResults && len(candidates) > 0 {
			e.logger.Warn("Serving partial search results after deadline",
				zap.Int("candidates", len(candidates)),
				zap.Error(err),
			)
			return candidates, nil
		}
		return nil, fmt.Errorf("search deadline: %w", err)
	}
	return nil, fmt.Errorf("parallel search: %w", err)
}

func (e *Engine) refine(ctx context.Context, q domain.Query, candidates []domain.Candidate, limit int) rerank.Result {
	stage := time.Now()
	result := e.refiner.Refine(ctx, q.Normalized(), candidates, limit)
	metrics.StageDuration.WithLabelValues("rerank").Observe(time.Since(stage).Seconds())
	return result
}

func (e *Engine) collectionsFor(tier string) ([]string, string, error) {
	if tier == "" {
		tier = e.cfg.DefaultTier
	}
	collections, ok := e.cfg.Tiers[tier]
	if !ok || len(collections) == 0 {
		return nil, "", fmt.Errorf("unknown tier %q: %w", tier, domain.ErrInvalidRequest)
	}
	return collections, tier, nil
}

// resultKey builds the cache key from the query hash, tier, and a canonical
// rendering of the filter set.
func resultKey(hash, tier string, filters map[string]string) string {
	if len(filters) == 0 {
		return hash + "|" + tier
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(hash)
	b.WriteByte('|')
	b.WriteString(tier)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filters[k])
	}
	return b.String()
}
