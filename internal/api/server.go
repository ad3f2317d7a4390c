// Package api serves the review HTTP interface over coverage assertions,
// staged discoveries, document hashes and URL health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/store"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
)

// Assertions is satisfied by *coverage.Reconciler.
type Assertions interface {
	UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error)
	AssertionsForTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error)
	Conflicts(ctx context.Context) ([]coverage.ConflictGroup, error)
	Review(ctx context.Context, assertionID string, status model.ReviewStatus, reviewer string) error
}

// Discoveries reads and reviews staged discoveries.
type Discoveries interface {
	ListDiscoveries(ctx context.Context, status model.DiscoveryStatus, limit int) ([]model.StagedDiscovery, error)
	ReviewDiscovery(ctx context.Context, id string, status model.DiscoveryStatus, reviewer, notes string) error
}

// Documents reads stored document hashes and their revision history.
type Documents interface {
	GetDocumentHash(ctx context.Context, policyID string) (*model.DocumentHashRecord, error)
	ListDocumentHashes(ctx context.Context, filter store.DocumentFilter) ([]model.DocumentHashRecord, error)
	DocumentRevisions(ctx context.Context, policyID string, limit int) ([]model.DocumentRevision, error)
}

// Health is satisfied by *health.Tracker.
type Health interface {
	UnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error)
}

// Deps wires the server to its backends.
type Deps struct {
	Assertions  Assertions
	Discoveries Discoveries
	Documents   Documents
	Health      Health
	// Metrics serves GET /metrics when set.
	Metrics     http.Handler
	CORSOrigins []string
}

// Server wires HTTP handlers to the reconciler and stores.
type Server struct {
	router chi.Router
	deps   Deps
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  zap.L().With(zap.String("component", "api")),
	}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/conflicts", s.listConflicts)
		r.Route("/assertions", func(r chi.Router) {
			r.Get("/", s.listAssertions)
			r.Post("/", s.upsertAssertion)
			r.Post("/{id}/review", s.reviewAssertion)
		})
		r.Route("/discoveries", func(r chi.Router) {
			r.Get("/", s.listDiscoveries)
			r.Post("/{id}/review", s.reviewDiscovery)
		})
		if deps.Documents != nil {
			r.Route("/documents", func(r chi.Router) {
				r.Get("/", s.listDocuments)
				r.Get("/{id}", s.getDocument)
				r.Get("/{id}/revisions", s.listRevisions)
			})
		}
		r.Get("/urls/unhealthy", s.listUnhealthy)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listAssertions(w http.ResponseWriter, r *http.Request) {
	testID := strings.TrimSpace(r.URL.Query().Get("test_id"))
	if testID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}
	out, err := s.deps.Assertions.AssertionsForTest(r.Context(), testID)
	if err != nil {
		s.internalError(w, "list assertions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assertions": nonNil(out)})
}

func (s *Server) upsertAssertion(w http.ResponseWriter, r *http.Request) {
	var a model.CoverageAssertion
	if !decodeBody(w, r, &a) {
		return
	}
	saved, err := s.deps.Assertions.UpsertAssertion(r.Context(), a)
	if err != nil {
		s.writeDomainError(w, "upsert assertion", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type reviewRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) reviewAssertion(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Assertions.Review(r.Context(), id, model.ReviewStatus(req.Status), req.Reviewer); err != nil {
		s.writeDomainError(w, "review assertion", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assertion_id": id, "review_status": req.Status})
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Assertions.Conflicts(r.Context())
	if err != nil {
		s.internalError(w, "list conflicts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(groups)})
}

func (s *Server) listDiscoveries(w http.ResponseWriter, r *http.Request) {
	status := model.DiscoveryStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.DiscoveryPending
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	out, err := s.deps.Discoveries.ListDiscoveries(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list discoveries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discoveries": nonNil(out)})
}

func (s *Server) reviewDiscovery(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := model.DiscoveryStatus(req.Status)
	if !status.Valid() || status == model.DiscoveryPending {
		writeError(w, http.StatusBadRequest, "status must be approved, rejected or ignored")
		return
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Discoveries.ReviewDiscovery(r.Context(), id, status, req.Reviewer, req.Notes); err != nil {
		s.writeDomainError(w, "review discovery", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"discovery_id": id, "status": req.Status})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DocumentFilter{PayerID: strings.TrimSpace(q.Get("payer_id"))}
	if raw := q.Get("min_priority"); raw != "" {
		p, err := model.ParsePriority(strings.ToLower(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_priority must be none, low, medium or high")
			return
		}
		filter.MinPriority = p
	}
	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	filter.Limit = limit

	out, err := s.deps.Documents.ListDocumentHashes(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": nonNil(out)})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Documents.GetDocumentHash(r.Context(), id)
	if err != nil {
		s.internalError(w, "get document", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listRevisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	out, err := s.deps.Documents.DocumentRevisions(r.Context(), id, limit)
	if err != nil {
		s.internalError(w, "list revisions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy_id": id, "revisions": nonNil(out)})
}

func (s *Server) listUnhealthy(w http.ResponseWriter, r *http.Request) {
	threshold, ok := intParam(w, r, "threshold", 0)
	if !ok {
		return
	}
	recs, err := s.deps.Health.UnhealthyURLs(r.Context(), threshold)
	if err != nil {
		s.internalError(w, "list unhealthy urls", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": nonNil(recs)})
}

func (s *Server) writeDomainError(w http.ResponseWriter, action string, err error) {
	var verr *coverage.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.internalError(w, action, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.log.Error("api: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
