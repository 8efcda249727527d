// Package api serves a read-only HTTP view of runs and the exported dataset.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/export"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/monitoring"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// Reader is the store surface the API reads from.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error)
	ExportRows(ctx context.Context, filter store.ExportFilter) ([]model.ExportRow, error)
}

// Pinger is implemented by stores that can report database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the middleware stack.
type Options struct {
	RatePerSec  float64
	Burst       int
	CORSOrigins []string
}

// OptionsFromConfig maps the server config section.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{RatePerSec: cfg.RatePerSec, Burst: cfg.Burst, CORSOrigins: cfg.CORSOrigins}
}

// Server holds the handler dependencies.
type Server struct {
	store     Reader
	metrics   *monitoring.Metrics
	collector *monitoring.Collector
	opts      Options
}

// New creates a Server. metrics may be nil, in which case /metrics is not
// mounted.
func New(st Reader, metrics *monitoring.Metrics, opts Options) *Server {
	return &Server{
		store:     st,
		metrics:   metrics,
		collector: monitoring.NewCollector(st, 0),
		opts:      opts,
	}
}

// Router builds the chi router with CORS, rate limiting and request logging.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if s.opts.RatePerSec > 0 {
		r.Use(RateLimit(s.opts.RatePerSec, s.opts.Burst))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/export", s.handleExport)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// RateLimit rejects requests with 429 once the shared token bucket is empty.
func RateLimit(perSec float64, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = int(math.Ceil(perSec))
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1/perSec))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// handleHealth pings the store when it supports it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			zap.L().Warn("health check failed", zap.String("component", "api"), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		s.internalError(w, "collect status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	switch filter.Status {
	case "", model.RunStatusCreated, model.RunStatusRunning, model.RunStatusSuccess, model.RunStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunDetail is the body of GET /runs/{id}.
type RunDetail struct {
	Run      *model.Run          `json:"run"`
	Failures []model.UnitFailure `json:"failures"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	failures, err := s.store.ListUnitFailures(r.Context(), id)
	if err != nil {
		s.internalError(w, "list unit failures", err)
		return
	}
	if failures == nil {
		failures = []model.UnitFailure{}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Failures: failures})
}

// handleExport streams matching rows as JSON Lines.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseExportFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.ExportRows(r.Context(), filter)
	if err != nil {
		s.internalError(w, "export rows", err)
		return
	}
	lines := make([]export.Line, len(rows))
	for i, row := range rows {
		lines[i] = export.LineFrom(row)
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := export.WriteLines(w, lines); err != nil {
		zap.L().Warn("export stream interrupted", zap.String("component", "api"), zap.Error(err))
	}
}

// ParseExportFilter reads run_id, tickers (comma separated), from, to
// (YYYY-MM-DD) and labeled_only from query values.
func ParseExportFilter(q url.Values) (store.ExportFilter, error) {
	get := func(k string) string { return strings.TrimSpace(q.Get(k)) }
	f := store.ExportFilter{RunID: get("run_id")}
	for _, t := range strings.Split(get("tickers"), ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			f.Tickers = append(f.Tickers, t)
		}
	}
	var err error
	if v := get("from"); v != "" {
		if f.From, err = time.Parse(model.DateLayout, v); err != nil {
			return f, eris.Errorf("invalid from date %q", v)
		}
	}
	if v := get("to"); v != "" {
		if f.To, err = time.Parse(model.DateLayout, v); err != nil {
			return f, eris.Errorf("invalid to date %q", v)
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, eris.New("to is before from")
	}
	if v := get("labeled_only"); v != "" {
		if f.LabeledOnly, err = strconv.ParseBool(v); err != nil {
			return f, eris.Errorf("invalid labeled_only %q", v)
		}
	}
	return f, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.New("invalid integer")
	}
	return n, nil
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.String("component", "api"), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
