package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/cache"
	"github.com/tanyalab/resolver/internal/config"
	dbRedis "github.com/tanyalab/resolver/internal/db/redis"
	dbSqlite "github.com/tanyalab/resolver/internal/db/sqlite"
	"github.com/tanyalab/resolver/internal/domain"
	logpkg "github.com/tanyalab/resolver/internal/logger"
	"github.com/tanyalab/resolver/internal/metrics"
	"github.com/tanyalab/resolver/internal/pool"
	"github.com/tanyalab/resolver/internal/repository/embcache"
	goldenrepo "github.com/tanyalab/resolver/internal/repository/golden"
	"github.com/tanyalab/resolver/internal/repository/vector"
	"github.com/tanyalab/resolver/internal/resilience"
	chiTransport "github.com/tanyalab/resolver/internal/transport/chi"
	openaiEmb "github.com/tanyalab/resolver/internal/transport/openai"
	"github.com/tanyalab/resolver/internal/transport/rerankhttp"
	goldenuc "github.com/tanyalab/resolver/internal/usecase/golden"
	healthuc "github.com/tanyalab/resolver/internal/usecase/health"
	rerankuc "github.com/tanyalab/resolver/internal/usecase/rerank"
	"github.com/tanyalab/resolver/internal/usecase/resolve"
	searchuc "github.com/tanyalab/resolver/internal/usecase/search"
	"github.com/tanyalab/resolver/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting resolver API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("sqlite_path", cfg.SQLite.Path),
		zap.String("qdrant_addr", cfg.Qdrant.Addr),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()
	metrics.RegisterEmbeddingMetrics()

	ctx := context.Background()

	// Golden store: sqlite behind a bounded connection pool
	store, err := dbSqlite.NewStore(dbSqlite.Config{
		Path:        cfg.SQLite.Path,
		BusyTimeout: time.Duration(cfg.SQLite.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("Failed to open golden store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	goldenPool := pool.New(pool.Config{
		Name:            "golden",
		MinSize:         cfg.Pool.MinSize,
		MaxSize:         cfg.Pool.MaxSize,
		CheckoutTimeout: time.Duration(cfg.Pool.CheckoutTimeoutMS) * time.Millisecond,
	}, store.Conn, func(c *sql.Conn) error {
		return c.Close()
	}).WithGauges(
		metrics.PoolSize.WithLabelValues("golden"),
		metrics.PoolIdle.WithLabelValues("golden"),
	)
	if err := goldenPool.WarmUp(ctx); err != nil {
		logger.Fatal("Golden store not ready", zap.Error(err))
	}
	defer goldenPool.Close()
	logger.Info("Connected to golden store")

	// Shared embedding cache backend (optional)
	var redisStore *dbRedis.Store
	if cfg.Redis.Enabled {
		redisStore, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("Failed to create redis store", zap.Error(err))
		}
		defer redisStore.Close()
		logger.Info("Connected to redis", zap.Strings("addrs", cfg.Redis.Addrs))
	}

	// One resilience wrapper per downstream dependency
	goldenWrapper := newWrapper("golden", cfg.Resilience.Golden, logger)
	searchWrapper := newWrapper("search", cfg.Resilience.Search, logger)
	embedWrapper := newWrapper("embedding", cfg.Resilience.Embedding, logger)
	rerankWrapper := newWrapper("rerank", cfg.Resilience.Rerank, logger)

	// Embedder chain: OpenAI -> two-tier cache
	baseEmbedder := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Provider:   cfg.Embedding.Provider,
		Logger:     logger,
	})
	embedCache := cache.New[[]float32](cache.Config{
		Capacity: cfg.Caches.Embedding.Capacity,
		TTL:      time.Duration(cfg.Caches.Embedding.TTLSec) * time.Second,
	})
	defer embedCache.Stop()
	embedder := buildEmbedder(baseEmbedder, embedCache, redisStore,
		time.Duration(cfg.Embedding.SharedTTLSec)*time.Second, embedWrapper, logger)
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	// Vector search backend
	qdrantClient, err := vector.NewClient(vector.Config{
		Addr:          cfg.Qdrant.Addr,
		ContentField:  cfg.Qdrant.ContentField,
		PayloadFields: cfg.Qdrant.PayloadFields,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create qdrant client", zap.Error(err))
	}
	defer func() { _ = qdrantClient.Close() }()

	// Use case services
	goldenSvc := goldenuc.New(goldenrepo.New(goldenPool, goldenWrapper, logger), logger)
	defer goldenSvc.Close()

	searchSvc := searchuc.New(qdrantClient, searchWrapper,
		time.Duration(cfg.Resolve.BranchTimeoutMS)*time.Millisecond, logger)

	reranker := rerankhttp.NewReranker(rerankhttp.Config{
		Endpoint: cfg.Rerank.Endpoint,
		Timeout:  time.Duration(cfg.Rerank.TimeoutSec) * time.Second,
		Logger:   logger,
	})
	rerankSvc := rerankuc.New(reranker, rerankWrapper, cfg.Rerank.Threshold,
		time.Duration(cfg.Rerank.TimeoutSec)*time.Second, logger)

	resultCache := cache.New[domain.ResolvedAnswer](cache.Config{
		Capacity: cfg.Caches.Result.Capacity,
		TTL:      time.Duration(cfg.Caches.Result.TTLSec) * time.Second,
	})
	defer resultCache.Stop()

	var engineOpts []resolve.Option
	if cfg.Resolve.PartialResults {
		engineOpts = append(engineOpts, resolve.WithPartialResults(true))
	}
	engine := resolve.NewEngine(resolve.Config{
		Tiers:       cfg.Routing.Tiers,
		DefaultTier: cfg.Routing.DefaultTier,
		SearchLimit: cfg.Resolve.SearchLimit,
		Limit:       cfg.Resolve.Limit,
		Timeout:     time.Duration(cfg.Resolve.TimeoutSec) * time.Second,
	}, goldenSvc, embedder, searchSvc, rerankSvc, resultCache, logger, engineOpts...)

	// Health service; redis pinger only when the backend is configured
	var cachePinger healthuc.Pinger
	if redisStore != nil {
		cachePinger = redisStore
	}
	healthSvc := healthuc.New(store, cachePinger, baseEmbedder)

	// Create chi server
	server := chiTransport.NewServer(engine, goldenSvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// newWrapper builds one dependency's breaker wrapper and wires its
// transitions into the breaker metric.
func newWrapper(name string, dep config.DependencyConfig, logger *zap.Logger) *resilience.Wrapper {
	return resilience.NewWrapper(resilience.Config{
		Name:             name,
		Timeout:          time.Duration(dep.TimeoutMS) * time.Millisecond,
		MaxRetries:       uint(dep.MaxRetries),
		RetryBaseDelay:   time.Duration(dep.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxJitter:   time.Duration(dep.RetryMaxJitterMS) * time.Millisecond,
		FailureThreshold: dep.FailureThreshold,
		Cooldown:         time.Duration(dep.CooldownSec) * time.Second,
	}, logger).WithTransitionFunc(func(dependency string, from, to resilience.State) {
		metrics.BreakerTransitionsTotal.WithLabelValues(dependency, from.String(), to.String()).Inc()
	})
}

// buildEmbedder assembles the decorator chain: OpenAI -> two-tier cache.
// The shared tier is skipped when redis is not configured; a typed nil
// pointer must not leak into the interface parameter.
func buildEmbedder(
	base *openaiEmb.Embedder,
	local *cache.Cache[[]float32],
	redisStore *dbRedis.Store,
	sharedTTL time.Duration,
	wrapper *resilience.Wrapper,
	logger *zap.Logger,
) domain.Embedder {
	guarded := &guardedEmbedder{inner: base, wrapper: wrapper}
	if redisStore != nil {
		return embcache.New(guarded, local, redisStore, sharedTTL, metrics.EmbeddingCacheTotal, logger)
	}
	return embcache.New(guarded, local, nil, sharedTTL, metrics.EmbeddingCacheTotal, logger)
}

// guardedEmbedder places the provider call behind the embedding breaker.
// It sits beneath the cache so hits never touch the breaker.
type guardedEmbedder struct {
	inner   domain.Embedder
	wrapper *resilience.Wrapper
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	return resilience.Do(ctx, g.wrapper, func(ctx context.Context) (domain.EmbeddingResult, error) {
		return g.inner.Embed(ctx, text)
	})
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
