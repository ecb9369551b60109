// Package chi exposes the resolution engine over HTTP.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tanyalab/resolver/internal/domain"
	healthuc "github.com/tanyalab/resolver/internal/usecase/health"
	"github.com/tanyalab/resolver/internal/usecase/resolve"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Feedbacker records explicit feedback on a served golden answer.
type Feedbacker interface {
	Feedback(ctx context.Context, clusterID string, confirmed bool) error
}

// Resolver runs the resolution pipeline.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (domain.ResolvedAnswer, error)
}

// Server handles the HTTP API.
type Server struct {
	resolver      Resolver
	feedback      Feedbacker
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(resolver Resolver, feedback Feedbacker, health *healthuc.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		resolver: resolver,
		feedback: feedback,
		health:   health,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, "not_found"),
		sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"),
		sentinelHandler(domain.ErrSearchUnavailable, http.StatusBadGateway, "search_unavailable"),
		sentinelHandler(domain.ErrProviderUnavailable, http.StatusBadGateway, "embedding_provider_error"),
		sentinelHandler(domain.ErrCircuitOpen, http.StatusServiceUnavailable, "dependency_unavailable"),
		sentinelHandler(domain.ErrPoolExhausted, http.StatusServiceUnavailable, "dependency_unavailable"),
		sentinelHandler(domain.ErrUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"),
		sentinelHandler(context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"),
	}
	return s
}

// Routes mounts the API onto a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/v1/resolve", s.handleResolve)
	r.Post("/v1/feedback", s.handleFeedback)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
}

type resolveRequest struct {
	Query   string            `json:"query"`
	Tier    string            `json:"tier,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

type candidateResponse struct {
	ID          string  `json:"id"`
	Score       float64 `json:"score"`
	RerankScore float64 `json:"rerank_score,omitempty"`
	Collection  string  `json:"collection"`
	Content     string  `json:"content"`
}

type resolveResponse struct {
	Source     string              `json:"source"`
	Answer     string              `json:"answer"`
	ClusterID  string              `json:"cluster_id,omitempty"`
	Candidates []candidateResponse `json:"candidates,omitempty"`
	Reranked   bool                `json:"reranked"`
	EarlyExit  bool                `json:"early_exit"`
}

// handleResolve handles POST /v1/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Query is required")
		return
	}

	answer, err := s.resolver.Resolve(r.Context(), resolve.Request{
		Query:   req.Query,
		Tier:    req.Tier,
		Filters: req.Filters,
		Limit:   req.Limit,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolvedToResponse(answer))
}

type feedbackRequest struct {
	ClusterID string `json:"cluster_id"`
	Confirmed bool   `json:"confirmed"`
}

// handleFeedback handles POST /v1/feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.ClusterID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "cluster_id is required")
		return
	}

	if err := s.feedback.Feedback(r.Context(), req.ClusterID, req.Confirmed); err != nil {
		s.handleDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status != healthuc.Healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	})
}

func resolvedToResponse(answer domain.ResolvedAnswer) resolveResponse {
	resp := resolveResponse{
		Source:    string(answer.Source),
		Answer:    answer.Answer,
		ClusterID: answer.ClusterID,
		Reranked:  answer.Reranked,
		EarlyExit: answer.EarlyExit,
	}
	if len(answer.Candidates) > 0 {
		resp.Candidates = make([]candidateResponse, len(answer.Candidates))
		for i, c := range answer.Candidates {
			resp.Candidates[i] = candidateResponse{
				ID:          c.ID,
				Score:       c.Score,
				RerankScore: c.RerankScore,
				Collection:  c.Collection,
				Content:     c.Content,
			}
		}
	}
	return resp
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidRequest,
		domain.ErrNotFound,
		domain.ErrRateLimited,
		domain.ErrSearchUnavailable,
		domain.ErrProviderUnavailable,
		domain.ErrCircuitOpen,
		domain.ErrPoolExhausted,
		domain.ErrUnavailable,
		context.DeadlineExceeded,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
