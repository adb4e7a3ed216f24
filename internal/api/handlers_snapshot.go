package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/storage"
)

// ---------------------------------------------------------------------------
// GET /api/snapshot  — export the current mirror as a document
// ---------------------------------------------------------------------------

func (s *Server) handleSnapshotExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": s.ins.ExportSnapshot(),
	})
}

// ---------------------------------------------------------------------------
// POST /api/snapshot  — import a snapshot document into the live host
// ---------------------------------------------------------------------------

// The body is a snapshot document as produced by the export endpoint.
// Entries apply independently; refusals are reported per cell, never as a
// request failure.
func (s *Server) handleSnapshotImport(w http.ResponseWriter, r *http.Request) {
	// Limit snapshot body to 10 MB.
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY",
			"failed to read request body: "+err.Error())
		return
	}
	if len(doc) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_BODY",
			"snapshot document must not be empty")
		return
	}

	result, err := s.ins.ImportSnapshot(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SNAPSHOT",
			"snapshot document rejected: "+err.Error())
		return
	}

	s.sse.Broadcast(SSEEvent{
		Event: "snapshot_imported",
		Data: map[string]interface{}{
			"attempted": result.Attempted,
			"applied":   result.Applied,
			"failed":    len(result.Failures),
		},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
	})
}

// ---------------------------------------------------------------------------
// GET /api/snapshot/validate  — which cells would import lossily
// ---------------------------------------------------------------------------

func (s *Server) handleSnapshotValidate(w http.ResponseWriter, r *http.Request) {
	lossy := s.ins.Validate()
	if lossy == nil {
		lossy = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"lossy": lossy,
			"count": len(lossy),
			"clean": len(lossy) == 0,
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/scenarios  — list saved scenarios
// ---------------------------------------------------------------------------

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.ins.ListScenarios(r.Context())
	if err != nil {
		status, code := scenarioErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	if scenarios == nil {
		scenarios = []storage.Scenario{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"scenarios": scenarios,
			"total":     len(scenarios),
		},
	})
}

// ---------------------------------------------------------------------------
// POST /api/scenarios  — save the current mirror under a name
// ---------------------------------------------------------------------------

type scenarioCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleScenarioCreate(w http.ResponseWriter, r *http.Request) {
	var req scenarioCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME",
			"name is required")
		return
	}

	sc, err := s.ins.CreateScenario(r.Context(), req.Name, req.Description)
	if err != nil {
		status, code := scenarioErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": sc,
	})
}

// ---------------------------------------------------------------------------
// GET /api/scenarios/:name  — scenario metadata plus its saved document
// ---------------------------------------------------------------------------

func (s *Server) handleScenarioGet(w http.ResponseWriter, r *http.Request) {
	name := extractPathParam(r.URL.Path, "/api/scenarios/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SCENARIO_NAME",
			"scenario name is required in the URL path")
		return
	}

	sc, err := s.ins.GetScenario(r.Context(), name)
	if err != nil {
		status, code := scenarioErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"scenario": sc,
			"snapshot": json.RawMessage(sc.Doc),
		},
	})
}

// ---------------------------------------------------------------------------
// PUT /api/scenarios/:name  — store a caller-supplied snapshot document
// ---------------------------------------------------------------------------

func (s *Server) handleScenarioPut(w http.ResponseWriter, r *http.Request) {
	name := extractPathParam(r.URL.Path, "/api/scenarios/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SCENARIO_NAME",
			"scenario name is required in the URL path")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY",
			"failed to read request body: "+err.Error())
		return
	}

	sc, err := s.ins.PutScenario(r.Context(), name, doc)
	if err != nil {
		if errors.Is(err, inspector.ErrNoStore) {
			writeError(w, http.StatusServiceUnavailable, "NO_STORE", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_SNAPSHOT",
			"scenario document rejected: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": sc,
	})
}

// ---------------------------------------------------------------------------
// DELETE /api/scenarios/:name
// ---------------------------------------------------------------------------

func (s *Server) handleScenarioDelete(w http.ResponseWriter, r *http.Request) {
	name := extractPathParam(r.URL.Path, "/api/scenarios/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SCENARIO_NAME",
			"scenario name is required in the URL path")
		return
	}

	if err := s.ins.DeleteScenario(r.Context(), name); err != nil {
		status, code := scenarioErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"status": "deleted",
			"name":   name,
		},
	})
}

// ---------------------------------------------------------------------------
// POST /api/scenarios/:name/apply  — import a saved scenario into the host
// ---------------------------------------------------------------------------

func (s *Server) handleScenarioApply(w http.ResponseWriter, r *http.Request) {
	// Path: /api/scenarios/{name}/apply
	path := r.URL.Path
	const prefix = "/api/scenarios/"
	const suffix = "/apply"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		writeError(w, http.StatusBadRequest, "INVALID_PATH",
			"expected /api/scenarios/{name}/apply")
		return
	}

	name := path[len(prefix) : len(path)-len(suffix)]
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SCENARIO_NAME",
			"scenario name is required in the URL path")
		return
	}

	result, err := s.ins.ApplyScenario(r.Context(), name)
	if err != nil {
		status, code := scenarioErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	s.sse.Broadcast(SSEEvent{
		Event: "scenario_applied",
		Data: map[string]interface{}{
			"name":      name,
			"attempted": result.Attempted,
			"applied":   result.Applied,
			"failed":    len(result.Failures),
		},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
	})
}

// scenarioErrorStatus maps scenario sentinels onto HTTP status codes.
func scenarioErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, inspector.ErrNoStore):
		return http.StatusServiceUnavailable, "NO_STORE"
	case errors.Is(err, inspector.ErrScenarioNotFound):
		return http.StatusNotFound, "SCENARIO_NOT_FOUND"
	default:
		return http.StatusInternalServerError, "SCENARIO_ERROR"
	}
}
