package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/reactive"
	"github.com/vyuha/cellscope/internal/storage"
	"golang.org/x/time/rate"
)

// testServer builds a server over a small live graph: two settable cells
// and one derived. No store, no AI.
func testServer(t *testing.T) (*Server, *reactive.Graph) {
	t.Helper()

	g := reactive.NewGraph()
	g.Provide("user.name", "Agent Smith")
	g.Provide("score", 10)
	if _, err := g.Derive("score.doubled", []string{"score"}, func(in map[string]any) any {
		return toFloat(in["score"]) * 2
	}); err != nil {
		t.Fatalf("Derive(score.doubled) error: %v", err)
	}

	sse := NewSSEBroadcaster()
	ins := inspector.New(inspector.Config{Broadcaster: NewInspectorBroadcaster(sse)})
	ins.RegisterObserver(g)

	srv := NewServer(ins, nil, sse, nil)
	srv.RegisterRoutes()
	return srv, g
}

// storeServer is testServer plus SQLite persistence.
func storeServer(t *testing.T) (*Server, *reactive.Graph, *storage.Storage) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "cellscope.db"))
	if err != nil {
		t.Fatalf("storage.New error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	g := reactive.NewGraph()
	g.Provide("user.name", "Agent Smith")
	g.Provide("score", 10)
	if _, err := g.Derive("score.doubled", []string{"score"}, func(in map[string]any) any {
		return toFloat(in["score"]) * 2
	}); err != nil {
		t.Fatalf("Derive(score.doubled) error: %v", err)
	}

	sse := NewSSEBroadcaster()
	ins := inspector.New(inspector.Config{
		Broadcaster: NewInspectorBroadcaster(sse),
		Store:       store,
	})
	ins.RegisterObserver(g)

	srv := NewServer(ins, store, sse, nil)
	srv.RegisterRoutes()
	return srv, g, store
}

// toFloat widens ints so derive computes survive API writes, which always
// arrive as float64.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// doRequest runs one request through the full middleware chain.
func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the {"data": ...} envelope into a map.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %s", rec.Body.String())
	}
	return data
}

// errorCode extracts the code field of a JSON error response.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error response: %v (body %s)", err, rec.Body.String())
	}
	return body["code"]
}

// --- health ---

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want %q", body["status"], "ok")
	}
	if body["service"] != "cellscope" {
		t.Errorf("service field = %q, want %q", body["service"], "cellscope")
	}
}

// --- middleware ---

func TestCORSPreflight(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/cells", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:5173")
	}
}

func TestCORSRejectsNonLocalhost(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/cells", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestWriteRateLimit(t *testing.T) {
	srv, _ := testServer(t)
	// A one-token limiter makes the 429 path deterministic.
	srv.writeLimiter = rate.NewLimiter(rate.Limit(1), 1)
	srv.mux = http.NewServeMux()
	srv.RegisterRoutes()

	body := map[string]interface{}{"name": "score", "value": 11}

	rec := doRequest(t, srv, http.MethodPost, "/api/cells/write", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first write status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/cells/write", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second write status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want %q", got, "1")
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %s, want rate limit message", rec.Body.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	srv.mux.HandleFunc("GET /panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := doRequest(t, srv, http.MethodGet, "/panic", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("body = %s, want internal server error", rec.Body.String())
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/definitely/not/here", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
