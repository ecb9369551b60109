// Package golden persists query clusters and golden answers in the
// relational store. Every statement runs on a pooled connection behind the
// dependency's resilience wrapper.
package golden

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/pool"
	"github.com/tanyalab/resolver/internal/resilience"
)

// Repository reads clusters and mutates golden-answer statistics.
type Repository struct {
	pool    *pool.Pool[*sql.Conn]
	wrapper *resilience.Wrapper
	logger  *zap.Logger
}

// New creates a golden-answer repository.
func New(p *pool.Pool[*sql.Conn], w *resilience.Wrapper, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: p, wrapper: w, logger: logger}
}

// FetchByHash resolves a query hash to its cluster. A hash belongs to at
// most one cluster; a missing hash returns domain.ErrNotFound.
func (r *Repository) FetchByHash(ctx context.Context, hash string) (domain.QueryCluster, error) {
	var cluster domain.QueryCluster
	err := r.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT c.id, c.canonical_question, c.usage_count, c.success_rate
			FROM cluster_members m
			JOIN clusters c ON c.id = m.cluster_id
			WHERE m.query_hash = ?`, hash)
		err := row.Scan(&cluster.ID, &cluster.CanonicalQuestion, &cluster.UsageCount, &cluster.SuccessRate)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("scan cluster: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.QueryCluster{}, err
	}
	return cluster, nil
}

// FetchAnswer loads the golden answer for a cluster.
func (r *Repository) FetchAnswer(ctx context.Context, clusterID string) (domain.GoldenAnswer, error) {
	var (
		ans         domain.GoldenAnswer
		collections string
		hints       string
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT cluster_id, canonical_question, answer, source_collections,
			       routing_hints, usage_count, success_rate, created_at, updated_at
			FROM golden_answers
			WHERE cluster_id = ?`, clusterID)
		err := row.Scan(
			&ans.ClusterID, &ans.CanonicalQuestion, &ans.Answer, &collections,
			&hints, &ans.UsageCount, &ans.SuccessRate, &ans.CreatedAt, &ans.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("scan golden answer: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.GoldenAnswer{}, err
	}

	if err := json.Unmarshal([]byte(collections), &ans.SourceCollections); err != nil {
		r.logger.Warn("Malformed source_collections on golden answer",
			zap.String("cluster_id", clusterID), zap.Error(err))
	}
	if err := json.Unmarshal([]byte(hints), &ans.Hints); err != nil {
		r.logger.Warn("Malformed routing_hints on golden answer",
			zap.String("cluster_id", clusterID), zap.Error(err))
	}
	return ans, nil
}

// IncrementUsage bumps the usage counters of a cluster and its answer.
// Single-statement increments keep concurrent hits linearizable per row:
// no read-modify-write happens on the application side.
func (r *Repository) IncrementUsage(ctx context.Context, clusterID string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin usage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE golden_answers
			SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE cluster_id = ?`, clusterID); err != nil {
			return fmt.Errorf("increment answer usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE clusters
			SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, clusterID); err != nil {
			return fmt.Errorf("increment cluster usage: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit usage tx: %w", err)
		}
		return nil
	})
}

// RecordFeedback folds one confirmation or refutation into the success rate.
// The recompute happens inside the same UPDATE that counts the feedback, so
// concurrent feedback never loses updates. Column references on the right
// side read the pre-update values.
func (r *Repository) RecordFeedback(ctx context.Context, clusterID string, confirmed bool) error {
	delta := 0
	if confirmed {
		delta = 1
	}
	return r.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE golden_answers
			SET feedback_count  = feedback_count + 1,
			    confirmed_count = confirmed_count + ?,
			    success_rate    = CAST(confirmed_count + ? AS REAL) / (feedback_count + 1),
			    updated_at      = CURRENT_TIMESTAMP
			WHERE cluster_id = ?`, delta, delta, clusterID)
		if err != nil {
			return fmt.Errorf("record feedback: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("feedback rows affected: %w", err)
		}
		if n == 0 {
			return domain.ErrNotFound
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE clusters
			SET success_rate = (SELECT success_rate FROM golden_answers WHERE cluster_id = clusters.id),
			    updated_at   = CURRENT_TIMESTAMP
			WHERE id = ?`, clusterID); err != nil {
			return fmt.Errorf("mirror success rate: %w", err)
		}
		return nil
	})
}

// withConn runs fn on a pooled connection behind the resilience wrapper.
// The connection is returned on every path.
func (r *Repository) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return r.wrapper.Execute(ctx, func(ctx context.Context) error {
		conn, err := r.pool.Checkout(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Return(conn)
		return fn(ctx, conn)
	})
}
