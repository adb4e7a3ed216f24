package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- single event ingestion ---

func TestIngestEventLifecycle(t *testing.T) {
	srv, _ := testServer(t)

	// Add a remote cell alongside the three host cells.
	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/event", map[string]interface{}{
		"op":     "add",
		"handle": "r-1",
		"name":   "remote.flag",
		"kind":   "settable",
		"value":  true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	data := decodeData(t, rec)
	if data["handle"] != "r-1" {
		t.Errorf("handle = %v, want r-1", data["handle"])
	}
	if data["status"] != "accepted" {
		t.Errorf("status = %v, want accepted", data["status"])
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/cells/remote.flag", nil)
	cell := decodeData(t, rec)["cell"].(map[string]interface{})
	if cell["last_value"] != true {
		t.Errorf("last_value = %v, want true", cell["last_value"])
	}

	// Update by handle.
	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/event", map[string]interface{}{
		"op":     "update",
		"handle": "r-1",
		"value":  false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d (body %s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/cells/remote.flag", nil)
	cell = decodeData(t, rec)["cell"].(map[string]interface{})
	if cell["last_value"] != false {
		t.Errorf("last_value after update = %v, want false", cell["last_value"])
	}

	// Dispose removes it from the mirror.
	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/event", map[string]interface{}{
		"op":     "dispose",
		"handle": "r-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("dispose status = %d (body %s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/cells/remote.flag", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after dispose = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestIngestEventFallsBackToName(t *testing.T) {
	srv, _ := testServer(t)

	// No handle: the cell name doubles as its identity.
	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/event", map[string]interface{}{
		"op":    "add",
		"name":  "remote.plain",
		"value": "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := decodeData(t, rec)["handle"]; got != "remote.plain" {
		t.Errorf("handle = %v, want remote.plain", got)
	}
}

func TestIngestEventUnknownHandleUpdateIsDropped(t *testing.T) {
	srv, _ := testServer(t)

	// Updates for handles the mirror never saw are absorbed, not failed.
	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/event", map[string]interface{}{
		"op":     "update",
		"handle": "nobody",
		"value":  1,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestIngestEventValidation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/event",
		map[string]interface{}{"handle": "r-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing op status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "MISSING_FIELDS" {
		t.Errorf("code = %q, want MISSING_FIELDS", got)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/event",
		map[string]interface{}{"op": "explode", "handle": "r-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad op status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "INGEST_ERROR" {
		t.Errorf("code = %q, want INGEST_ERROR", got)
	}
}

// --- batch ingestion ---

func TestIngestBatch(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/events", map[string]interface{}{
		"events": []map[string]interface{}{
			{"op": "explode", "handle": "b-0"},
			{"op": "add", "handle": "b-1", "name": "batch.one", "value": 1},
			{"op": "add", "handle": "b-2", "name": "batch.two", "value": 2},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	data := decodeData(t, rec)
	if got := data["accepted"].(float64); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := data["failed"].(float64); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	errs := data["errors"].([]interface{})
	if len(errs) != 1 {
		t.Fatalf("len(errors) = %d, want 1", len(errs))
	}
	if msg := errs[0].(string); msg == "" || msg[:8] != "event[0]" {
		t.Errorf("errors[0] = %q, want event[0] prefix", msg)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/cells", nil)
	if got := decodeData(t, rec)["total"].(float64); got != 5 {
		t.Errorf("total after batch = %v, want 5", got)
	}
}

func TestIngestBatchLimits(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/events",
		map[string]interface{}{"events": []map[string]interface{}{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := errorCode(t, rec); got != "EMPTY_BATCH" {
		t.Errorf("code = %q, want EMPTY_BATCH", got)
	}

	oversized := make([]map[string]interface{}, 1001)
	for i := range oversized {
		oversized[i] = map[string]interface{}{"op": "add", "name": fmt.Sprintf("bulk.%d", i)}
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/events",
		map[string]interface{}{"events": oversized})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized batch status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

// --- file watching ---

func TestWatchEndToEnd(t *testing.T) {
	srv, _ := testServer(t)
	t.Cleanup(srv.stopActiveTailer)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/watch",
		map[string]interface{}{"file_path": path})
	if rec.Code != http.StatusOK {
		t.Fatalf("watch status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := decodeData(t, rec)["status"]; got != "watching" {
		t.Errorf("status = %v, want watching", got)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"op":"add","handle":"w-1","name":"watched.cell","kind":"settable","value":123}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	// The tailer polls on a short cadence; wait for the event to land.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doRequest(t, srv, http.MethodGet, "/api/cells/watched.cell", nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tailed event never reached the mirror")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cell := decodeData(t, rec)["cell"].(map[string]interface{})
	if got := cell["last_value"].(float64); got != 123 {
		t.Errorf("last_value = %v, want 123", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/ingest/watch", nil)
	status := decodeData(t, rec)
	if status["active"] != true {
		t.Errorf("active = %v, want true", status["active"])
	}
	if status["file_path"] != path {
		t.Errorf("file_path = %v, want %s", status["file_path"], path)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/ingest/watch", nil)
	if got := decodeData(t, rec)["status"]; got != "stopped" {
		t.Errorf("stop status = %v, want stopped", got)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/ingest/watch", nil)
	if got := decodeData(t, rec)["active"]; got != false {
		t.Errorf("active after stop = %v, want false", got)
	}
}

func TestWatchValidation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/ingest/watch",
		map[string]interface{}{})
	if got := errorCode(t, rec); got != "MISSING_FILE_PATH" {
		t.Errorf("code = %q, want MISSING_FILE_PATH", got)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/watch",
		map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "absent.jsonl")})
	if got := errorCode(t, rec); got != "FILE_NOT_FOUND" {
		t.Errorf("code = %q, want FILE_NOT_FOUND", got)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/ingest/watch",
		map[string]interface{}{"file_path": t.TempDir()})
	if got := errorCode(t, rec); got != "NOT_A_FILE" {
		t.Errorf("code = %q, want NOT_A_FILE", got)
	}
}
