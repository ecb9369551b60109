// Package pool implements the bounded connection pool shared by stateful
// downstream clients. Checked-out plus idle connections never exceed the
// configured maximum; a saturated checkout blocks up to its deadline and
// then fails with domain.ErrPoolExhausted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/tanyalab/resolver/internal/domain"
)

// ErrClosed signals checkout from a closed pool.
var ErrClosed = errors.New("pool closed")

// Factory opens one connection.
type Factory[T any] func(ctx context.Context) (T, error)

// Config holds pool bounds and identification.
type Config struct {
	Name            string        // dependency name, used in errors and metric labels
	MinSize         int           // connections opened by WarmUp
	MaxSize         int           // hard bound on checked-out + idle
	CheckoutTimeout time.Duration // bound applied when the caller's ctx has no deadline
}

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	Size     int // connections currently in existence
	Idle     int
	InUse    int
	MaxSize  int
	Checkout int64 // total successful checkouts
}

// Pool is a bounded, reusable connection pool for one downstream dependency.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	closeFn func(T) error

	idle      chan T
	permits   chan struct{} // one token per existing connection; cap = MaxSize
	closed    atomic.Bool
	checkouts atomic.Int64

	sizeGauge prometheus.Gauge
	idleGauge prometheus.Gauge
}

// New creates a pool. closeFn may be nil for connections without teardown.
func New[T any](cfg Config, factory Factory[T], closeFn func(T) error) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		closeFn: closeFn,
		idle:    make(chan T, cfg.MaxSize),
		permits: make(chan struct{}, cfg.MaxSize),
	}
}

// WithGauges wires size/idle gauges. Returns the pool for chaining.
func (p *Pool[T]) WithGauges(size, idle prometheus.Gauge) *Pool[T] {
	p.sizeGauge = size
	p.idleGauge = idle
	p.publish()
	return p
}

// WarmUp opens MinSize connections ahead of traffic.
func (p *Pool[T]) WarmUp(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		select {
		case p.permits <- struct{}{}:
		default:
			return nil // already at capacity
		}
		conn, err := p.factory(ctx)
		if err != nil {
			<-p.permits
			return fmt.Errorf("warm up %s pool: %w", p.cfg.Name, err)
		}
		p.idle <- conn
	}
	p.publish()
	return nil
}

// Checkout returns a connection for one unit of work. The caller must hand
// it back with Return or Discard on every path.
func (p *Pool[T]) Checkout(ctx context.Context) (T, error) {
	var zero T
	if p.closed.Load() {
		return zero, ErrClosed
	}

	// Fast path: reuse an idle connection.
	select {
	case conn := <-p.idle:
		p.checkouts.Inc()
		p.publish()
		return conn, nil
	default:
	}

	// Grow if below the bound.
	select {
	case p.permits <- struct{}{}:
		conn, err := p.factory(ctx)
		if err != nil {
			<-p.permits
			return zero, fmt.Errorf("open %s connection: %w", p.cfg.Name, err)
		}
		p.checkouts.Inc()
		p.publish()
		return conn, nil
	default:
	}

	// Saturated: wait for a return, bounded by the caller's deadline or the
	// configured checkout timeout.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
		defer cancel()
	}

	select {
	case conn := <-p.idle:
		p.checkouts.Inc()
		p.publish()
		return conn, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%s pool: %w", p.cfg.Name, domain.ErrPoolExhausted)
	}
}

// Return hands a healthy connection back to the pool.
func (p *Pool[T]) Return(conn T) {
	if p.closed.Load() {
		p.destroy(conn)
		return
	}
	select {
	case p.idle <- conn:
	default:
		// Shouldn't happen while accounting holds; close rather than leak.
		p.destroy(conn)
	}
	p.publish()
}

// Discard closes a broken connection and releases its slot so the pool can
// open a replacement.
func (p *Pool[T]) Discard(conn T) {
	p.destroy(conn)
	p.publish()
}

// Stats reports current accounting.
func (p *Pool[T]) Stats() Stats {
	size := len(p.permits)
	idle := len(p.idle)
	return Stats{
		Size:     size,
		Idle:     idle,
		InUse:    size - idle,
		MaxSize:  p.cfg.MaxSize,
		Checkout: p.checkouts.Load(),
	}
}

// Close tears down all idle connections. In-flight connections are closed as
// they are returned.
func (p *Pool[T]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case conn := <-p.idle:
			p.destroy(conn)
		default:
			p.publish()
			return
		}
	}
}

func (p *Pool[T]) destroy(conn T) {
	select {
	case <-p.permits:
	default:
	}
	if p.closeFn != nil {
		_ = p.closeFn(conn)
	}
}

func (p *Pool[T]) publish() {
	if p.sizeGauge != nil {
		p.sizeGauge.Set(float64(len(p.permits)))
	}
	if p.idleGauge != nil {
		p.idleGauge.Set(float64(len(p.idle)))
	}
}
