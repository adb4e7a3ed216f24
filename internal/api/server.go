package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/vyuha/cellscope/internal/ai"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/query"
	"github.com/vyuha/cellscope/internal/storage"
	"github.com/vyuha/cellscope/internal/tail"
	"golang.org/x/time/rate"
)

// Server is the HTTP layer over one Inspector: reads come straight from the
// mirror, writes go through the editor, and every observed change fans out
// over SSE.
type Server struct {
	ins           *inspector.Inspector
	store         *storage.Storage
	sse           *SSEBroadcaster
	mux           *http.ServeMux
	server        *http.Server
	queryLayer    *query.QueryLayer
	jobQueue      *ai.JobQueue
	writeLimiter  *rate.Limiter
	ingestLimiter *rate.Limiter

	activeTailer *tail.Tailer
	tailerMu     sync.Mutex
}

// NewServer wires the server. store may be nil when persistence is
// disabled, jobQueue may be nil when no AI provider is configured.
func NewServer(ins *inspector.Inspector, store *storage.Storage, sse *SSEBroadcaster, jobQueue *ai.JobQueue) *Server {
	if sse == nil {
		sse = NewSSEBroadcaster()
	}
	s := &Server{
		ins:      ins,
		store:    store,
		sse:      sse,
		mux:      http.NewServeMux(),
		jobQueue: jobQueue,
	}

	// Both limiters are per-server, which is enough for a single-instance
	// tool. Ingest takes machine-generated event streams; writes are
	// human-driven and pushed into the live host, so their ceiling is far
	// lower.
	s.ingestLimiter = rate.NewLimiter(rate.Limit(1000), 5000)
	s.writeLimiter = rate.NewLimiter(rate.Limit(100), 200)

	return s
}

// RegisterRoutes wires up every API endpoint.
func (s *Server) RegisterRoutes() {
	// Cells
	s.mux.HandleFunc("GET /api/cells", s.handleCellList)
	s.mux.HandleFunc("GET /api/cells/", s.handleCellDetail)
	s.mux.HandleFunc("POST /api/cells/write",
		s.withRateLimit(s.writeLimiter, s.handleCellWrite))
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)

	// Persisted change log (requires a store)
	s.mux.HandleFunc("GET /api/changes", s.handleChanges)
	s.mux.HandleFunc("GET /api/churn", s.handleChurn)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// Snapshots and scenarios
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshotExport)
	s.mux.HandleFunc("POST /api/snapshot", s.handleSnapshotImport)
	s.mux.HandleFunc("GET /api/snapshot/validate", s.handleSnapshotValidate)
	s.mux.HandleFunc("GET /api/scenarios", s.handleScenarioList)
	s.mux.HandleFunc("POST /api/scenarios", s.handleScenarioCreate)
	s.mux.HandleFunc("GET /api/scenarios/", s.handleScenarioGet)
	s.mux.HandleFunc("PUT /api/scenarios/", s.handleScenarioPut)
	s.mux.HandleFunc("DELETE /api/scenarios/", s.handleScenarioDelete)
	s.mux.HandleFunc("POST /api/scenarios/", s.handleScenarioApply)

	// Event ingestion
	s.mux.HandleFunc("POST /api/ingest/event",
		s.withRateLimit(s.ingestLimiter, s.handleIngestEvent))
	s.mux.HandleFunc("POST /api/ingest/events",
		s.withRateLimit(s.ingestLimiter, s.handleIngestEvents))
	s.mux.HandleFunc("POST /api/ingest/watch", s.handleWatchStart)
	s.mux.HandleFunc("DELETE /api/ingest/watch", s.handleWatchStop)
	s.mux.HandleFunc("GET /api/ingest/watch", s.handleWatchStatus)

	// AI and natural-language queries
	s.mux.HandleFunc("POST /api/ai/query", s.handleAIQuery)
	s.mux.HandleFunc("POST /api/ai/explain/", s.handleAIExplainCell)
	s.mux.HandleFunc("POST /api/ai/churn/", s.handleAIWhyChurning)
	s.mux.HandleFunc("POST /api/ai/overview", s.handleAIOverview)
	s.mux.HandleFunc("POST /api/ai/embed", s.handleAIEmbedAll)
	s.mux.HandleFunc("POST /api/ai/embed/", s.handleAIEmbedCell)
	s.mux.HandleFunc("GET /api/ai/similar", s.handleAISimilar)
	s.mux.HandleFunc("GET /api/ai/jobs", s.handleAIJobList)
	s.mux.HandleFunc("GET /api/ai/jobs/", s.handleAIJobStatus)

	// Live event stream
	s.mux.HandleFunc("GET /api/events", s.handleSSE)

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.serveFrontend()
}

// serveFrontend mounts the built SPA when a frontend/dist directory exists,
// next to the working directory or the binary. Without one the API still
// works; the Vite dev server handles the UI in development.
func (s *Server) serveFrontend() {
	distDir := findDistDir()
	if distDir == "" {
		slog.Warn("frontend dist not found, SPA not served (use Vite dev server)")
		return
	}

	absDir, _ := filepath.Abs(distDir)
	slog.Info("serving frontend", "dir", absDir)

	distFS := os.DirFS(distDir)
	fileServer := http.FileServerFS(distFS)

	// API routes are more specific patterns and win; everything else tries
	// the file tree first and falls back to index.html for client-side
	// routing.
	s.mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}
		if f, err := fs.Stat(distFS, path); err == nil && !f.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

func findDistDir() string {
	candidates := []string{"frontend/dist"}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "frontend", "dist"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return ""
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoveryMiddleware(h)
	h = loggingMiddleware(h)
	h = corsMiddleware(h)
	return h
}

// ListenAndServe blocks serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the active tailer, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopActiveTailer()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "cellscope",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope every endpoint shares: a message for
// humans and a stable code for the frontend.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// corsMiddleware admits any localhost origin, which covers the Vite dev
// server on 5173. Non-localhost origins get no CORS headers at all.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "http://localhost:5173"
		}
		if strings.HasPrefix(origin, "http://localhost:") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the downstream status code for the request log.
// It forwards Flush so SSE streams survive the middleware chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error":"internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects with 429 once the token bucket runs dry.
func (s *Server) withRateLimit(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit",
				fmt.Sprintf("%.0f", float64(limiter.Limit())))
			w.Header().Set("X-RateLimit-Remaining",
				fmt.Sprintf("%d", int(limiter.Tokens())))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limit exceeded","retry_after_ms":1000}`)
			slog.Warn("rate limit exceeded",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			return
		}
		next(w, r)
	}
}
