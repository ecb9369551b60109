package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	healthuc "github.com/tanyalab/resolver/internal/usecase/health"
	"github.com/tanyalab/resolver/internal/usecase/resolve"
)

type fakeResolver struct {
	lastReq resolve.Request
	answer  domain.ResolvedAnswer
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, req resolve.Request) (domain.ResolvedAnswer, error) {
	f.lastReq = req
	if f.err != nil {
		return domain.ResolvedAnswer{}, f.err
	}
	return f.answer, nil
}

type fakeFeedback struct {
	clusterID string
	confirmed bool
	err       error
}

func (f *fakeFeedback) Feedback(_ context.Context, clusterID string, confirmed bool) error {
	f.clusterID = clusterID
	f.confirmed = confirmed
	return f.err
}

type okPinger struct{ err error }

func (p *okPinger) Ping(_ context.Context) error { return p.err }

func newTestServer(resolver *fakeResolver, feedback *fakeFeedback, goldenErr error) *httptest.Server {
	health := healthuc.New(&okPinger{err: goldenErr}, nil, nil)
	srv := NewServer(resolver, feedback, health, zap.NewNop())

	r := chi.NewRouter()
	srv.Routes(r)
	return httptest.NewServer(r)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestServer_Resolve(t *testing.T) {
	resolver := &fakeResolver{answer: domain.ResolvedAnswer{
		Source: domain.SourceSearch,
		Answer: "KITAS extension requires a sponsor.",
		Candidates: []domain.Candidate{
			{ID: "v1", Score: 0.8, RerankScore: 0.91, Collection: "visa_docs", Content: "KITAS extension requires a sponsor."},
		},
		Reranked: true,
	}}
	ts := newTestServer(resolver, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/resolve", map[string]any{
		"query":   "How do I extend my KITAS?",
		"tier":    "primary",
		"filters": map[string]string{"language": "en"},
		"limit":   5,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Source != "search" || !body.Reranked {
		t.Errorf("body = %+v", body)
	}
	if len(body.Candidates) != 1 || body.Candidates[0].RerankScore != 0.91 {
		t.Errorf("candidates = %+v", body.Candidates)
	}

	if resolver.lastReq.Tier != "primary" || resolver.lastReq.Limit != 5 {
		t.Errorf("request passed through = %+v", resolver.lastReq)
	}
	if resolver.lastReq.Filters["language"] != "en" {
		t.Errorf("filters = %v", resolver.lastReq.Filters)
	}
}

func TestServer_Resolve_Validation(t *testing.T) {
	ts := newTestServer(&fakeResolver{}, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/resolve", map[string]any{"query": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_Resolve_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid_request", domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"all_collections_failed", domain.NewAllCollectionsFailed(map[string]error{"a": errors.New("down")}), http.StatusBadGateway, "search_unavailable"},
		{"provider", domain.ErrProviderUnavailable, http.StatusBadGateway, "embedding_provider_error"},
		{"circuit_open", domain.ErrCircuitOpen, http.StatusServiceUnavailable, "dependency_unavailable"},
		{"pool_exhausted", domain.ErrPoolExhausted, http.StatusServiceUnavailable, "dependency_unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"rate_limited", domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(&fakeResolver{err: tt.err}, &fakeFeedback{}, nil)
			defer ts.Close()

			resp := postJSON(t, ts.URL+"/v1/resolve", map[string]any{"query": "q"})
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

func TestServer_Feedback(t *testing.T) {
	feedback := &fakeFeedback{}
	ts := newTestServer(&fakeResolver{}, feedback, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/feedback", map[string]any{"cluster_id": "cl-1", "confirmed": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if feedback.clusterID != "cl-1" || !feedback.confirmed {
		t.Errorf("feedback = %+v", feedback)
	}
}

func TestServer_Feedback_Errors(t *testing.T) {
	t.Run("missing cluster_id", func(t *testing.T) {
		ts := newTestServer(&fakeResolver{}, &fakeFeedback{}, nil)
		defer ts.Close()

		resp := postJSON(t, ts.URL+"/v1/feedback", map[string]any{"confirmed": true})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
	t.Run("unknown cluster", func(t *testing.T) {
		ts := newTestServer(&fakeResolver{}, &fakeFeedback{err: domain.ErrNotFound}, nil)
		defer ts.Close()

		resp := postJSON(t, ts.URL+"/v1/feedback", map[string]any{"cluster_id": "nope"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestServer_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(&fakeResolver{}, &fakeFeedback{}, nil)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
	t.Run("degraded", func(t *testing.T) {
		ts := newTestServer(&fakeResolver{}, &fakeFeedback{}, errors.New("db down"))
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(&fakeResolver{}, &fakeFeedback{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
