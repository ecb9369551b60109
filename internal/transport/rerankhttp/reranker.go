// Package rerankhttp calls an external cross-encoder reranking service.
//
// Request body:  {"query":"...","candidates":[{"id":"","text":"..."}],"top_n":10}
// Response body: {"ranking":[{"id":"","score":0.93}]}
package rerankhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
)

// Config holds the reranking service settings.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Reranker scores candidates against the query with a cross-encoder.
type Reranker struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewReranker creates an HTTP reranking client.
func NewReranker(cfg Config) *Reranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

type rerankReq struct {
	Query      string            `json:"query"`
	Candidates []rerankCandidate `json:"candidates"`
	TopN       int               `json:"top_n,omitempty"`
}

type rerankCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankResp struct {
	Ranking []struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	} `json:"ranking"`
}

// Rerank returns the candidates reordered by cross-encoder score, descending,
// with RerankScore filled in. Candidates the service does not rank are
// dropped. Failures surface as errors; the caller owns the degrade policy.
func (r *Reranker) Rerank(ctx context.Context, query string, in []domain.Candidate, topN int) ([]domain.Candidate, error) {
	if len(in) == 0 {
		return nil, nil
	}

	req := rerankReq{Query: query, TopN: topN}
	req.Candidates = make([]rerankCandidate, 0, len(in))
	idx := make(map[string]int, len(in))
	for i, c := range in {
		idx[c.ID] = i
		req.Candidates = append(req.Candidates, rerankCandidate{ID: c.ID, Text: c.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %v: %w", err, domain.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("Rerank service returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("rerank status %d: %w", resp.StatusCode, domain.ErrRateLimited)
		}
		return nil, fmt.Errorf("rerank status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}

	var rr rerankResp
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(rr.Ranking) == 0 {
		return nil, fmt.Errorf("empty ranking: %w", domain.ErrUnavailable)
	}

	out := make([]domain.Candidate, 0, len(rr.Ranking))
	for _, ranked := range rr.Ranking {
		i, ok := idx[ranked.ID]
		if !ok {
			continue
		}
		c := in[i]
		c.RerankScore = ranked.Score
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankScore > out[j].RerankScore })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}
