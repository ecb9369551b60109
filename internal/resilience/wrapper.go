package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
)

// Config holds per-dependency resilience settings. Timeout ceilings are
// dependency-specific, not a single global constant.
type Config struct {
	Name             string
	Timeout          time.Duration // per attempt
	MaxRetries       uint          // extra attempts after the first
	RetryBaseDelay   time.Duration // backoff base: base * 2^attempt
	RetryMaxJitter   time.Duration // random addition in [0, jitter)
	FailureThreshold int
	Cooldown         time.Duration
}

// Wrapper guards one downstream dependency with a circuit breaker and an
// exponential-backoff retry budget. Retries apply only to the transient
// error class; CircuitOpen fails fast without a network attempt.
type Wrapper struct {
	cfg     Config
	breaker *Breaker
	logger  *zap.Logger
}

// NewWrapper creates a resilience wrapper for the named dependency.
func NewWrapper(cfg Config, logger *zap.Logger) *Wrapper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxJitter <= 0 {
		cfg.RetryMaxJitter = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wrapper{
		cfg: cfg,
		breaker: NewBreaker(cfg.Name, BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
		}),
		logger: logger,
	}
}

// WithTransitionFunc registers a breaker state observer.
func (w *Wrapper) WithTransitionFunc(fn TransitionFunc) *Wrapper {
	w.breaker.WithTransitionFunc(fn)
	return w
}

// Breaker exposes the underlying breaker, mainly for tests and health checks.
func (w *Wrapper) Breaker() *Breaker { return w.breaker }

// Name returns the dependency name.
func (w *Wrapper) Name() string { return w.cfg.Name }

// Execute runs op with breaker admission, a per-attempt timeout, and a
// bounded retry budget. Only transient errors consume the retry budget;
// permanent errors and misses return immediately.
func (w *Wrapper) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			return w.attempt(ctx, op)
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.MaxRetries+1),
		retry.Delay(w.cfg.RetryBaseDelay),
		retry.MaxJitter(w.cfg.RetryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(domain.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("retrying dependency call",
				zap.String("dependency", w.cfg.Name),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil && attempt > 1 && domain.IsTransient(err) {
		w.logger.Warn("retry budget exhausted",
			zap.String("dependency", w.cfg.Name),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}

func (w *Wrapper) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if err := w.breaker.Allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	err := op(cctx)
	switch {
	case err == nil:
		w.breaker.RecordSuccess()
	case domain.IsTransient(err):
		w.breaker.RecordFailure()
	case errors.Is(err, domain.ErrNotFound):
		// A miss is healthy traffic; it neither trips nor resets the breaker.
	default:
		// Permanent errors indicate a bad request, not a failing dependency.
	}
	return err
}

// Do executes op through w and returns its typed result.
func Do[T any](ctx context.Context, w *Wrapper, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := w.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	return out, err
}
