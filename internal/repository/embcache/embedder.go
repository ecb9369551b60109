// Package embcache layers two caches in front of an embedding provider:
// an in-process LRU for the hot path and a shared key-value store for
// process restarts and horizontal replicas.
package embcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tanyalab/resolver/internal/cache"
	"github.com/tanyalab/resolver/internal/db"
	"github.com/tanyalab/resolver/internal/domain"
)

const cacheKeyPrefix = "resolver:emb:"

// store is the consumer interface for the shared cache tier.
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedEmbedder caches embeddings in two tiers and collapses concurrent
// requests for the same text into one provider call.
type CachedEmbedder struct {
	inner      domain.Embedder
	local      *cache.Cache[[]float32]
	shared     store
	sharedTTL  time.Duration
	group      singleflight.Group
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

// New creates the caching decorator. shared may be nil to run without the
// second tier. cacheTotal is a counter vec with label "result"
// ("hit_l1"/"hit_l2"/"miss"), passed explicitly.
func New(
	inner domain.Embedder,
	local *cache.Cache[[]float32],
	shared store,
	sharedTTL time.Duration,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{
		inner:      inner,
		local:      local,
		shared:     shared,
		sharedTTL:  sharedTTL,
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// Embed returns a cached embedding or calls the inner embedder.
// Cache hit: TotalTokens = 0 (no real tokens consumed).
// Cache miss: full EmbeddingResult from inner.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	key := cacheKeyPrefix + domain.NewQuery(text).Hash()

	if vec, ok := c.local.Get(key); ok {
		c.incCache("hit_l1")
		return domain.EmbeddingResult{Embedding: vec}, nil
	}

	if vec, ok := c.getShared(ctx, key); ok {
		c.incCache("hit_l2")
		c.local.Set(key, vec, 0)
		return domain.EmbeddingResult{Embedding: vec}, nil
	}

	c.incCache("miss")

	// Concurrent misses on the same text share one provider call.
	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := c.inner.Embed(ctx, text)
		if err != nil {
			return domain.EmbeddingResult{}, fmt.Errorf("embed text: %w", err)
		}
		c.local.Set(key, result.Embedding, 0)
		c.putShared(ctx, key, result.Embedding)
		return result, nil
	})
	if err != nil {
		return domain.EmbeddingResult{}, err
	}
	return v.(domain.EmbeddingResult), nil
}

func (c *CachedEmbedder) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

// getShared reads the second tier. Failures degrade to a miss; the shared
// cache is an optimization, never a dependency.
func (c *CachedEmbedder) getShared(ctx context.Context, key string) ([]float32, bool) {
	if c.shared == nil {
		return nil, false
	}
	data, err := c.shared.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get shared cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	vec, err := bytesToVector(data)
	if err != nil {
		c.logger.Warn("Failed to parse cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) putShared(ctx context.Context, key string, vec []float32) {
	if c.shared == nil {
		return
	}
	if err := c.shared.SetWithTTL(ctx, key, vectorToCacheBytes(vec), c.sharedTTL); err != nil {
		c.logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

func vectorToCacheBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
