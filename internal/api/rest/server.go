package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/service/extraction"
	"github.com/chronicle-archive/chronicle-backend/internal/service/queryrouting"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Archive *archive.Router
	Query   *queryrouting.Router
	Cascade *extraction.Cascade
	DLQ     *extraction.DeadLetterQueue
}

// Server serves the platform's HTTP API.
type Server struct {
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server

	// Instrument wraps each handler; the binary installs prometheus
	// instrumentation here. Identity when nil.
	Instrument func(name string, h http.HandlerFunc) http.HandlerFunc
}

// NewServer builds the server. Call Handler for the mux, Start to
// listen with graceful shutdown.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	wrap := s.Instrument
	if wrap == nil {
		wrap = func(_ string, h http.HandlerFunc) http.HandlerFunc { return h }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", wrap("healthz", s.handleHealth))
	mux.HandleFunc("GET /api/v1/captures", wrap("captures", s.handleCaptures))
	mux.HandleFunc("POST /api/v1/query", wrap("query", s.handleQuery))
	mux.HandleFunc("POST /api/v1/extract", wrap("extract", s.handleExtract))
	mux.HandleFunc("GET /api/v1/dead-letters", wrap("dead_letters", s.handleDeadLetters))
	return mux
}

// Start listens on addr until ctx is cancelled, then drains in-flight
// requests for up to 30 seconds.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("http server draining")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Archive != nil {
		resp["archive"] = s.deps.Archive.Health()
	}
	if s.deps.Query != nil {
		pools := make(map[string]string)
		for name, state := range s.deps.Query.PoolHealth() {
			pools[name] = state.String()
		}
		resp["pools"] = pools
	}
	writeJSON(w, http.StatusOK, resp)
}

type capturesResponse struct {
	Captures []capture.Capture `json:"captures"`
	Stats    archive.Stats     `json:"stats"`
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	domain := q.Get("domain")
	if domain == "" {
		s.writeError(w, errors.NewClientError("MISSING_DOMAIN", "domain query parameter is required"))
		return
	}

	req := archive.Request{
		Domain: domain,
		From:   q.Get("from"),
		To:     q.Get("to"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, errors.NewClientError("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		req.Limit = limit
	}

	pref := archive.PreferenceHybrid
	if raw := q.Get("preference"); raw != "" {
		pref = archive.Preference(raw)
		switch pref {
		case archive.PreferenceWayback, archive.PreferenceCommonCrawl, archive.PreferenceHybrid:
		default:
			s.writeError(w, errors.NewClientError("INVALID_PREFERENCE", "preference must be WAYBACK, COMMON_CRAWL, or HYBRID"))
			return
		}
	}

	deadline := 2 * time.Minute
	if raw := q.Get("deadline_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			s.writeError(w, errors.NewClientError("INVALID_DEADLINE", "deadline_ms must be a positive integer"))
			return
		}
		deadline = time.Duration(ms) * time.Millisecond
	}

	handle := s.deps.Archive.StartQuery(r.Context(), req, pref, deadline)
	captures := make([]capture.Capture, 0, 64)
	for c := range handle.Stream() {
		captures = append(captures, c)
	}
	if err := handle.Err(); err != nil {
		var asf *archive.AllSourcesFailed
		if stderrors.As(err, &asf) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":    "all archive sources failed",
				"domain":   asf.Domain,
				"outcomes": asf.Outcomes,
			})
			return
		}
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, capturesResponse{Captures: captures, Stats: handle.Stats()})
}

type queryRequest struct {
	SQL        string `json:"sql"`
	Priority   string `json:"priority"`
	UseCache   *bool  `json:"use_cache"`
	ContextKey string `json:"context_key"`
}

type queryResponse struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Engine   string   `json:"engine"`
	Degraded bool     `json:"degraded"`
	Cached   bool     `json:"cached"`
	Type     string   `json:"query_type"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Query == nil {
		s.writeError(w, errors.NewServiceDegradedError("query routing is not configured"))
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewClientError("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if req.SQL == "" {
		s.writeError(w, errors.NewClientError("MISSING_SQL", "sql is required"))
		return
	}

	opts := queryrouting.Options{
		Priority:   queryrouting.PriorityNormal,
		UseCache:   true,
		ContextKey: req.ContextKey,
	}
	if req.Priority != "" {
		opts.Priority = queryrouting.Priority(req.Priority)
	}
	if req.UseCache != nil {
		opts.UseCache = *req.UseCache
	}

	res, err := s.deps.Query.Route(r.Context(), req.SQL, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Columns:  res.Columns,
		Rows:     res.Rows,
		Engine:   string(res.Engine),
		Degraded: res.Degraded,
		Cached:   res.Cached,
		Type:     string(res.Plan.QueryType),
	})
}

type extractRequest struct {
	Captures []capture.Capture `json:"captures"`
	Workers  int               `json:"workers"`
}

type extractResult struct {
	Capture  capture.Capture `json:"capture"`
	Text     string          `json:"text,omitempty"`
	TierUsed string          `json:"tier_used,omitempty"`
	Cached   bool            `json:"cached"`
	Failed   bool            `json:"failed"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewClientError("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if len(req.Captures) == 0 {
		s.writeError(w, errors.NewClientError("MISSING_CAPTURES", "captures is required"))
		return
	}

	results, err := s.deps.Cascade.ExtractBatch(r.Context(), req.Captures, req.Workers)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]extractResult, 0, len(results))
	for _, br := range results {
		er := extractResult{Capture: br.Capture}
		if br.Err != nil {
			er.Failed = true
			er.Error = br.Err.Error()
		} else {
			er.Text = br.Result.Text
			er.TierUsed = br.Result.TierUsed
			er.Cached = br.Result.Cached
			er.Failed = br.Result.Failed
		}
		out = append(out, er)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, errors.NewClientError("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": s.deps.DLQ.Drain(n)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errors.GetStatusCode(err)
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		writeJSON(w, status, map[string]any{"error": appErr})
		return
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
