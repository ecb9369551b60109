package rerankhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
)

func candidates() []domain.Candidate {
	return []domain.Candidate{
		{ID: "a", Score: 0.9, Content: "KITAS extension steps", Collection: "visa_docs"},
		{ID: "b", Score: 0.8, Content: "KITAS sponsor letter", Collection: "visa_docs"},
		{ID: "c", Score: 0.7, Content: "Unrelated tax form", Collection: "tax_docs"},
	}
}

func TestReranker_ReordersByScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "how do i extend my kitas" {
			t.Errorf("query = %q", req.Query)
		}
		if len(req.Candidates) != 3 {
			t.Errorf("candidates = %d, want 3", len(req.Candidates))
		}

		// Rank "b" above "a", drop "c".
		json.NewEncoder(w).Encode(map[string]any{
			"ranking": []map[string]any{
				{"id": "a", "score": 0.55},
				{"id": "b", "score": 0.97},
			},
		})
	}))
	defer server.Close()

	rr := NewReranker(Config{Endpoint: server.URL, Logger: zap.NewNop()})
	out, err := rr.Rerank(context.Background(), "how do i extend my kitas", candidates(), 0)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].ID != "b" || out[0].RerankScore != 0.97 {
		t.Errorf("first = %+v", out[0])
	}
	if out[1].ID != "a" {
		t.Errorf("second = %+v", out[1])
	}
	// Original retrieval score preserved alongside the rerank score.
	if out[0].Score != 0.8 {
		t.Errorf("first retrieval score = %v", out[0].Score)
	}
}

func TestReranker_TopNTruncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ranking": []map[string]any{
				{"id": "a", "score": 0.9},
				{"id": "b", "score": 0.8},
				{"id": "c", "score": 0.7},
			},
		})
	}))
	defer server.Close()

	rr := NewReranker(Config{Endpoint: server.URL, Logger: zap.NewNop()})
	out, err := rr.Rerank(context.Background(), "q", candidates(), 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d results, want 2", len(out))
	}
}

func TestReranker_UnknownIDsDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ranking": []map[string]any{
				{"id": "ghost", "score": 0.99},
				{"id": "a", "score": 0.5},
			},
		})
	}))
	defer server.Close()

	rr := NewReranker(Config{Endpoint: server.URL, Logger: zap.NewNop()})
	out, err := rr.Rerank(context.Background(), "q", candidates(), 0)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a" {
		t.Errorf("out = %+v", out)
	}
}

func TestReranker_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rr := NewReranker(Config{Endpoint: server.URL, Logger: zap.NewNop()})
	_, err := rr.Rerank(context.Background(), "q", candidates(), 0)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestReranker_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	rr := NewReranker(Config{Endpoint: server.URL, Logger: zap.NewNop()})
	_, err := rr.Rerank(context.Background(), "q", candidates(), 0)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestReranker_EmptyInput(t *testing.T) {
	rr := NewReranker(Config{Endpoint: "http://unused", Logger: zap.NewNop()})
	out, err := rr.Rerank(context.Background(), "q", nil, 0)
	if err != nil || out != nil {
		t.Errorf("out = %v, err = %v", out, err)
	}
}
