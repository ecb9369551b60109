package golden

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/db/sqlite"
	"github.com/tanyalab/resolver/internal/domain"
	"github.com/tanyalab/resolver/internal/pool"
	"github.com/tanyalab/resolver/internal/resilience"
)

func newTestRepo(t *testing.T) (*Repository, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(t.TempDir(), "golden.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	p := pool.New(pool.Config{Name: "sqlite", MaxSize: 4}, store.Conn, func(c *sql.Conn) error {
		return c.Close()
	})
	w := resilience.NewWrapper(resilience.Config{
		Name:             "sqlite",
		Timeout:          2 * time.Second,
		FailureThreshold: 100,
		Cooldown:         time.Second,
	}, zap.NewNop())

	t.Cleanup(func() {
		p.Close()
		_ = store.Close()
	})
	return New(p, w, zap.NewNop()), store
}

func seedCluster(t *testing.T, store *sqlite.Store, id, question, answer string, hashes ...string) {
	t.Helper()

	ctx := context.Background()
	conn, err := store.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO clusters (id, canonical_question) VALUES (?, ?)`, id, question); err != nil {
		t.Fatalf("insert cluster: %v", err)
	}
	for _, h := range hashes {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO cluster_members (query_hash, cluster_id) VALUES (?, ?)`, h, id); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO golden_answers (cluster_id, canonical_question, answer, source_collections, routing_hints)
		VALUES (?, ?, ?, ?, ?)`,
		id, question, answer, `["visa_docs"]`, `{"preferred_tier":"primary","language":"en"}`); err != nil {
		t.Fatalf("insert answer: %v", err)
	}
}

func TestRepository_FetchByHash(t *testing.T) {
	repo, store := newTestRepo(t)
	q := domain.NewQuery("How do I extend my KITAS?")
	seedCluster(t, store, "cl-kitas", "How do I extend my KITAS?", "File form E23 at immigration.", q.Hash())

	cluster, err := repo.FetchByHash(context.Background(), q.Hash())
	if err != nil {
		t.Fatalf("FetchByHash: %v", err)
	}
	if cluster.ID != "cl-kitas" {
		t.Errorf("cluster id = %q, want %q", cluster.ID, "cl-kitas")
	}
	if cluster.CanonicalQuestion != "How do I extend my KITAS?" {
		t.Errorf("canonical question = %q", cluster.CanonicalQuestion)
	}
}

func TestRepository_FetchByHash_Miss(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.FetchByHash(context.Background(), domain.NewQuery("unseen question").Hash())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepository_FetchAnswer(t *testing.T) {
	repo, store := newTestRepo(t)
	seedCluster(t, store, "cl-1", "canonical", "the answer", "h1")

	ans, err := repo.FetchAnswer(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("FetchAnswer: %v", err)
	}
	if ans.Answer != "the answer" {
		t.Errorf("answer = %q", ans.Answer)
	}
	if len(ans.SourceCollections) != 1 || ans.SourceCollections[0] != "visa_docs" {
		t.Errorf("source collections = %v", ans.SourceCollections)
	}
	if ans.Hints.PreferredTier != "primary" || ans.Hints.Language != "en" {
		t.Errorf("hints = %+v", ans.Hints)
	}
}

func TestRepository_FetchAnswer_Miss(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.FetchAnswer(context.Background(), "no-such-cluster")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepository_IncrementUsage_Concurrent(t *testing.T) {
	repo, store := newTestRepo(t)
	seedCluster(t, store, "cl-1", "canonical", "the answer", "h1")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := repo.IncrementUsage(context.Background(), "cl-1"); err != nil {
				t.Errorf("IncrementUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	ans, err := repo.FetchAnswer(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("FetchAnswer: %v", err)
	}
	if ans.UsageCount != n {
		t.Errorf("usage count = %d, want %d", ans.UsageCount, n)
	}
	cluster, err := repo.FetchByHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("FetchByHash: %v", err)
	}
	if cluster.UsageCount != n {
		t.Errorf("cluster usage count = %d, want %d", cluster.UsageCount, n)
	}
}

func TestRepository_RecordFeedback(t *testing.T) {
	repo, store := newTestRepo(t)
	seedCluster(t, store, "cl-1", "canonical", "the answer", "h1")
	ctx := context.Background()

	// 3 confirmations, 1 refutation.
	for _, confirmed := range []bool{true, true, false, true} {
		if err := repo.RecordFeedback(ctx, "cl-1", confirmed); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}

	ans, err := repo.FetchAnswer(ctx, "cl-1")
	if err != nil {
		t.Fatalf("FetchAnswer: %v", err)
	}
	if ans.SuccessRate != 0.75 {
		t.Errorf("success rate = %v, want 0.75", ans.SuccessRate)
	}
	cluster, err := repo.FetchByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("FetchByHash: %v", err)
	}
	if cluster.SuccessRate != 0.75 {
		t.Errorf("cluster success rate = %v, want 0.75", cluster.SuccessRate)
	}
}

func TestRepository_RecordFeedback_UnknownCluster(t *testing.T) {
	repo, _ := newTestRepo(t)

	err := repo.RecordFeedback(context.Background(), "no-such-cluster", true)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
