package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
)

// ---------------------------------------------------------------------------
// GET /api/cells  — list every mirrored cell
// ---------------------------------------------------------------------------

func (s *Server) handleCellList(w http.ResponseWriter, r *http.Request) {
	cells := s.ins.Cells()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cells": cells,
			"total": len(cells),
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/cells/:name  — single cell detail
// GET /api/cells/:name/history  — per-cell change history
// ---------------------------------------------------------------------------

func (s *Server) handleCellDetail(w http.ResponseWriter, r *http.Request) {
	name := extractPathParam(r.URL.Path, "/api/cells/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CELL_NAME",
			"cell name is required in the URL path")
		return
	}

	// The /history suffix routes to the per-cell event log. Cell names may
	// themselves contain slashes; the suffix check runs first, so a cell
	// literally named "x/history" is reachable only through /api/history.
	if strings.HasSuffix(name, "/history") {
		s.cellHistory(w, r, strings.TrimSuffix(name, "/history"))
		return
	}

	c, ok := s.ins.GetCell(name)
	if !ok {
		writeError(w, http.StatusNotFound, "CELL_NOT_FOUND",
			"no tracked cell with that name")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cell":     c,
			"writable": s.ins.Writable(name),
		},
	})
}

// cellHistory serves the change log of one cell, newest first. Disposed
// cells keep their history, so this intentionally does not 404 on names
// missing from the mirror.
func (s *Server) cellHistory(w http.ResponseWriter, r *http.Request, name string) {
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CELL_NAME",
			"cell name is required in the URL path")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v >= 1 {
			limit = v
		}
	}
	if limit > 100 {
		limit = 100
	}

	events := s.ins.CellEvents(name, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cell_name": name,
			"events":    events,
			"total":     len(events),
		},
	})
}

// ---------------------------------------------------------------------------
// POST /api/cells/write  — push a value into a settable cell
// ---------------------------------------------------------------------------

// cellWriteRequest carries either a JSON value or plain text. Text goes
// through the codec's forgiving decoder ("100" becomes a number, "hello"
// a string). With best_effort the response reports success as a boolean
// instead of failing the request.
type cellWriteRequest struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Text       string          `json:"text,omitempty"`
	BestEffort bool            `json:"best_effort,omitempty"`
}

func (s *Server) handleCellWrite(w http.ResponseWriter, r *http.Request) {
	var req cellWriteRequest
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

	var value codec.Value
	switch {
	case len(req.Value) > 0:
		v, err := codec.Parse(string(req.Value))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_VALUE",
				"value is not valid JSON: "+err.Error())
			return
		}
		value = v
	case req.Text != "":
		value = codec.DecodeText(req.Text)
	default:
		writeError(w, http.StatusBadRequest, "MISSING_VALUE",
			"one of value or text is required")
		return
	}

	if req.BestEffort {
		ok := s.ins.RequestWrite(req.Name, value)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"name":    req.Name,
				"written": ok,
			},
		})
		return
	}

	if err := s.ins.Write(req.Name, value); err != nil {
		status, code := writeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"name":    req.Name,
			"written": true,
		},
	})
}

// writeErrorStatus maps editor sentinels onto HTTP status codes.
func writeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, inspector.ErrCellNotFound):
		return http.StatusNotFound, "CELL_NOT_FOUND"
	case errors.Is(err, inspector.ErrNotWritable):
		return http.StatusUnprocessableEntity, "NOT_WRITABLE"
	case errors.Is(err, inspector.ErrNoHost):
		return http.StatusServiceUnavailable, "NO_HOST"
	case errors.Is(err, inspector.ErrHostWrite):
		return http.StatusBadGateway, "HOST_WRITE_FAILED"
	default:
		return http.StatusInternalServerError, "WRITE_ERROR"
	}
}

// ---------------------------------------------------------------------------
// GET /api/search?q=...&kind=...  — find cells by content or value kind
// ---------------------------------------------------------------------------

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	kind := r.URL.Query().Get("kind")

	if q == "" && kind == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY",
			"one of q or kind is required")
		return
	}

	if kind != "" {
		if !isValidValueKind(kind) {
			writeError(w, http.StatusBadRequest, "INVALID_KIND",
				"kind must be one of: null, bool, number, string, list, map, async, opaque")
			return
		}
		names := s.ins.FindByValueKind(codec.Kind(kind))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"cells": s.cellsByName(names),
				"kind":  kind,
				"total": len(names),
			},
		})
		return
	}

	names := s.ins.FindContaining(q)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cells": s.cellsByName(names),
			"q":     q,
			"total": len(names),
		},
	})
}

// cellsByName resolves names back to cell copies, dropping any that were
// disposed between the find and the lookup.
func (s *Server) cellsByName(names []string) []state.Cell {
	cells := make([]state.Cell, 0, len(names))
	for _, name := range names {
		if c, ok := s.ins.GetCell(name); ok {
			cells = append(cells, c)
		}
	}
	return cells
}

// ---------------------------------------------------------------------------
// GET /api/summary  — aggregate mirror counts
// ---------------------------------------------------------------------------

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": s.ins.GetSummary(),
	})
}

// ---------------------------------------------------------------------------
// GET /api/history?limit=N&cell=name  — in-memory change history
// ---------------------------------------------------------------------------

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v >= 1 {
			limit = v
		}
	}
	if limit > 100 {
		limit = 100
	}

	var events []state.ChangeEvent
	if cell := r.URL.Query().Get("cell"); cell != "" {
		events = s.ins.CellEvents(cell, limit)
	} else {
		events = s.ins.RecentEvents(limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"events": events,
			"total":  len(events),
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/changes?window=24h&limit=N&cell=name  — persisted change log
// ---------------------------------------------------------------------------

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_STORE",
			"persistence is not configured")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = clampInt(v, 1, 1000)
		}
	}

	ctx := r.Context()

	if cell := r.URL.Query().Get("cell"); cell != "" {
		events, err := s.store.ChangesForCell(ctx, cell, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
				"failed to query changes: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"changes": events,
				"cell":    cell,
				"total":   len(events),
			},
		})
		return
	}

	windowStr := r.URL.Query().Get("window")
	if windowStr == "" {
		windowStr = "24h"
	}
	window, err := parseWindow(windowStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WINDOW",
			"window must be a valid duration like 1h, 24h, 7d")
		return
	}

	events, err := s.store.RecentChanges(ctx, window, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
			"failed to query changes: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"changes": events,
			"window":  windowStr,
			"total":   len(events),
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/churn?window=24h&limit=N  — most frequently updated cells
// ---------------------------------------------------------------------------

func (s *Server) handleChurn(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_STORE",
			"persistence is not configured")
		return
	}

	windowStr := r.URL.Query().Get("window")
	if windowStr == "" {
		windowStr = "24h"
	}
	window, err := parseWindow(windowStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WINDOW",
			"window must be a valid duration like 1h, 24h, 7d")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = clampInt(v, 1, 100)
		}
	}

	stats, err := s.store.TopChurningCells(r.Context(), window, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
			"failed to query churn: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"churn":  stats,
			"window": windowStr,
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/stats  — storage-level counters
// ---------------------------------------------------------------------------

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_STORE",
			"persistence is not configured")
		return
	}

	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
			"failed to query stats: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": st,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// extractPathParam pulls the trailing path segment after a known prefix.
// Returns "" if the path doesn't match the prefix.
func extractPathParam(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

// clampInt bounds val to [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// parseWindow converts shorthand duration strings (e.g. "1h", "24h", "7d")
// to time.Duration.
func parseWindow(s string) (time.Duration, error) {
	// Handle day suffix.
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		days, err := strconv.Atoi(numStr)
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid day value: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	// Fall back to Go's time.ParseDuration.
	return time.ParseDuration(s)
}

// isValidValueKind reports whether k names one of the codec's value kinds.
func isValidValueKind(k string) bool {
	switch codec.Kind(k) {
	case codec.KindNull, codec.KindBool, codec.KindNumber, codec.KindString,
		codec.KindList, codec.KindMap, codec.KindAsync, codec.KindOpaque:
		return true
	}
	return false
}
