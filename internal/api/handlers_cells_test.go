package api

import (
	"net/http"
	"testing"

	"github.com/vyuha/cellscope/internal/inspector"
)

// --- cell listing and detail ---

func TestCellListReturnsMirror(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cells", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	data := decodeData(t, rec)
	if got := data["total"].(float64); got != 3 {
		t.Fatalf("total = %v, want 3", got)
	}

	cells := data["cells"].([]interface{})
	first := cells[0].(map[string]interface{})
	if first["name"] != "score" {
		t.Errorf("cells[0].name = %v, want score (sorted order)", first["name"])
	}
	if first["kind"] != "settable" {
		t.Errorf("cells[0].kind = %v, want settable", first["kind"])
	}
	if got := first["last_value"].(float64); got != 10 {
		t.Errorf("cells[0].last_value = %v, want 10", got)
	}
}

func TestCellDetail(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cells/score", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	data := decodeData(t, rec)
	cell := data["cell"].(map[string]interface{})
	if cell["name"] != "score" {
		t.Errorf("cell.name = %v, want score", cell["name"])
	}
	if data["writable"] != true {
		t.Errorf("writable = %v, want true", data["writable"])
	}
}

func TestCellDetailDerivedNotWritable(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cells/score.doubled", nil)
	data := decodeData(t, rec)
	if data["writable"] != false {
		t.Errorf("writable = %v, want false for derived cell", data["writable"])
	}
}

func TestCellDetailNotFound(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cells/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := errorCode(t, rec); got != "CELL_NOT_FOUND" {
		t.Errorf("code = %q, want CELL_NOT_FOUND", got)
	}
}

func TestCellHistoryEndpoint(t *testing.T) {
	srv, g := testServer(t)
	if err := g.Set("score", 15); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := g.Set("score", 25); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/cells/score/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	data := decodeData(t, rec)
	if data["cell_name"] != "score" {
		t.Errorf("cell_name = %v, want score", data["cell_name"])
	}
	// Two updates, newest first; the initial add is not a value change.
	if got := data["total"].(float64); got != 2 {
		t.Fatalf("total = %v, want 2", got)
	}
	events := data["events"].([]interface{})
	newest := events[0].(map[string]interface{})
	if newest["type"] != "updated" {
		t.Errorf("events[0].type = %v, want updated", newest["type"])
	}

	// The limit parameter caps the slice.
	rec = doRequest(t, srv, http.MethodGet, "/api/cells/score/history?limit=1", nil)
	data = decodeData(t, rec)
	if got := data["total"].(float64); got != 1 {
		t.Errorf("limited total = %v, want 1", got)
	}
}

// --- writes ---

func TestCellWriteRoundTrip(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/cells/write",
		map[string]interface{}{"name": "score", "value": 25})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	data := decodeData(t, rec)
	if data["written"] != true {
		t.Fatalf("written = %v, want true", data["written"])
	}

	// The host accepted the write and the mirror caught the update.
	rec = doRequest(t, srv, http.MethodGet, "/api/cells/score", nil)
	cell := decodeData(t, rec)["cell"].(map[string]interface{})
	if got := cell["last_value"].(float64); got != 25 {
		t.Errorf("score = %v, want 25", got)
	}

	// Derived cells recompute off the written value.
	rec = doRequest(t, srv, http.MethodGet, "/api/cells/score.doubled", nil)
	cell = decodeData(t, rec)["cell"].(map[string]interface{})
	if got := cell["last_value"].(float64); got != 50 {
		t.Errorf("score.doubled = %v, want 50", got)
	}
}

func TestCellWriteTextDecodes(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/cells/write",
		map[string]interface{}{"name": "user.name", "text": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/cells/user.name", nil)
	cell := decodeData(t, rec)["cell"].(map[string]interface{})
	if cell["last_value"] != "hello" {
		t.Errorf("user.name = %v, want hello", cell["last_value"])
	}
}

func TestCellWriteErrors(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name:       "derived cell",
			body:       map[string]interface{}{"name": "score.doubled", "value": 99},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "NOT_WRITABLE",
		},
		{
			name:       "unknown cell",
			body:       map[string]interface{}{"name": "ghost", "value": 1},
			wantStatus: http.StatusNotFound,
			wantCode:   "CELL_NOT_FOUND",
		},
		{
			name:       "missing name",
			body:       map[string]interface{}{"value": 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   "MISSING_NAME",
		},
		{
			name:       "missing value and text",
			body:       map[string]interface{}{"name": "score"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "MISSING_VALUE",
		},
		{
			name:       "invalid json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/api/cells/write", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestCellWriteBestEffort(t *testing.T) {
	srv, _ := testServer(t)

	// A refused best-effort write still answers 200 with written=false.
	rec := doRequest(t, srv, http.MethodPost, "/api/cells/write",
		map[string]interface{}{"name": "score.doubled", "value": 99, "best_effort": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	data := decodeData(t, rec)
	if data["written"] != false {
		t.Errorf("written = %v, want false", data["written"])
	}
}

func TestCellWriteNoHost(t *testing.T) {
	// An inspector that mirrors remote events has no host to write through.
	ins := inspector.New(inspector.Config{})
	srv := NewServer(ins, nil, NewSSEBroadcaster(), nil)
	srv.RegisterRoutes()

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/event",
		map[string]interface{}{"op": "add", "handle": "r-1", "name": "remote.flag", "kind": "settable", "value": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/cells/write",
		map[string]interface{}{"name": "remote.flag", "value": false})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if got := errorCode(t, rec); got != "NO_HOST" {
		t.Errorf("code = %q, want NO_HOST", got)
	}
}

// --- search ---

func TestSearchByKind(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/search?kind=number", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	data := decodeData(t, rec)
	if got := data["total"].(float64); got != 2 {
		t.Errorf("total = %v, want 2 (score, score.doubled)", got)
	}
}

func TestSearchByContent(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/search?q=smith", nil)
	data := decodeData(t, rec)
	if got := data["total"].(float64); got != 1 {
		t.Fatalf("total = %v, want 1", got)
	}
	cells := data["cells"].([]interface{})
	cell := cells[0].(map[string]interface{})
	if cell["name"] != "user.name" {
		t.Errorf("match = %v, want user.name", cell["name"])
	}
}

func TestSearchValidation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "MISSING_QUERY" {
		t.Errorf("code = %q, want MISSING_QUERY", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/search?kind=quantum", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "INVALID_KIND" {
		t.Errorf("code = %q, want INVALID_KIND", got)
	}
}

// --- summary and history ---

func TestSummaryEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/summary", nil)
	data := decodeData(t, rec)
	if got := data["cell_count"].(float64); got != 3 {
		t.Errorf("cell_count = %v, want 3", got)
	}
	if got := data["settable_count"].(float64); got != 2 {
		t.Errorf("settable_count = %v, want 2", got)
	}
	if got := data["derived_count"].(float64); got != 1 {
		t.Errorf("derived_count = %v, want 1", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, g := testServer(t)
	if err := g.Set("score", 15); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	// The score update and its derived recompute; adds never enter history.
	rec := doRequest(t, srv, http.MethodGet, "/api/history", nil)
	data := decodeData(t, rec)
	if got := data["total"].(float64); got != 2 {
		t.Fatalf("total = %v, want 2", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/history?cell=user.name", nil)
	data = decodeData(t, rec)
	if got := data["total"].(float64); got != 0 {
		t.Errorf("per-cell total = %v, want 0 for a never-updated cell", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/history?limit=1", nil)
	data = decodeData(t, rec)
	if got := data["total"].(float64); got != 1 {
		t.Errorf("limited total = %v, want 1", got)
	}
}

// --- persistence-backed endpoints ---

func TestChangesRequireStore(t *testing.T) {
	srv, _ := testServer(t)

	for _, path := range []string{"/api/changes", "/api/churn", "/api/stats"} {
		rec := doRequest(t, srv, http.MethodGet, path, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusServiceUnavailable)
		}
		if got := errorCode(t, rec); got != "NO_STORE" {
			t.Errorf("%s code = %q, want NO_STORE", path, got)
		}
	}
}

func TestChangesEndpoint(t *testing.T) {
	srv, g, _ := storeServer(t)
	if err := g.Set("score", 15); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/changes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	data := decodeData(t, rec)
	if got := data["total"].(float64); got != 5 {
		t.Errorf("total = %v, want 5", got)
	}
	if data["window"] != "24h" {
		t.Errorf("window = %v, want 24h", data["window"])
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/changes?cell=score", nil)
	data = decodeData(t, rec)
	if got := data["total"].(float64); got != 2 {
		t.Errorf("per-cell total = %v, want 2 (added + updated)", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/changes?window=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad window status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "INVALID_WINDOW" {
		t.Errorf("code = %q, want INVALID_WINDOW", got)
	}
}

func TestChurnEndpoint(t *testing.T) {
	srv, g, _ := storeServer(t)
	for i := 0; i < 3; i++ {
		if err := g.Set("score", 20+i); err != nil {
			t.Fatalf("Set error: %v", err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/churn", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	data := decodeData(t, rec)
	churn := data["churn"].([]interface{})
	if len(churn) == 0 {
		t.Fatal("churn list is empty")
	}
	top := churn[0].(map[string]interface{})
	if top["cell_name"] != "score" && top["cell_name"] != "score.doubled" {
		t.Errorf("top churner = %v, want score or score.doubled", top["cell_name"])
	}
	if got := top["update_count"].(float64); got != 3 {
		t.Errorf("top update_count = %v, want 3", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, g, _ := storeServer(t)
	if err := g.Set("score", 15); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	data := decodeData(t, rec)
	if got := data["change_count"].(float64); got != 5 {
		t.Errorf("change_count = %v, want 5", got)
	}
	if got := data["scenario_count"].(float64); got != 0 {
		t.Errorf("scenario_count = %v, want 0", got)
	}
}
