package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/state"
	"github.com/vyuha/cellscope/internal/tail"
)

// ---------------------------------------------------------------------------
// POST /api/ingest/event  — single cell lifecycle event
// ---------------------------------------------------------------------------

// cellEventRequest matches the incoming JSON for a single cell lifecycle
// event from a remote host process.
type cellEventRequest struct {
	Op        string          `json:"op"`     // add | update | dispose
	Handle    string          `json:"handle"` // host-assigned cell identity
	Name      string          `json:"name"`
	Kind      string          `json:"kind"` // settable | derived
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"` // RFC 3339, informational
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req cellEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	if req.Op == "" || (req.Handle == "" && req.Name == "") {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS",
			"op and one of handle or name are required")
		return
	}

	handle, err := s.applyCellEvent(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INGEST_ERROR",
			"failed to process event: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"handle": handle,
			"status": "accepted",
		},
	})
}

// ---------------------------------------------------------------------------
// POST /api/ingest/events  — batch event ingestion
// ---------------------------------------------------------------------------

type batchEventRequest struct {
	Events []cellEventRequest `json:"events"`
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	// Limit batch request body to 10 MB.
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	var req batchEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	const maxBatchSize = 1000
	if len(req.Events) > maxBatchSize {
		http.Error(w,
			fmt.Sprintf(`{"error":"batch too large: max %d events"}`, maxBatchSize),
			http.StatusRequestEntityTooLarge,
		)
		return
	}

	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_BATCH",
			"events array must not be empty")
		return
	}

	ctx := r.Context()
	var accepted, failed int
	var errors []string

	for i, ev := range req.Events {
		if _, err := s.applyCellEvent(ctx, ev); err != nil {
			failed++
			errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
		} else {
			accepted++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"accepted": accepted,
			"failed":   failed,
			"errors":   errors,
		},
	})
}

// ---------------------------------------------------------------------------
// applyCellEvent — core logic shared by single, batch and tailed ingestion
// ---------------------------------------------------------------------------

// applyCellEvent routes one remote lifecycle event into the mirror through
// the same observer path a local host uses. Updates and disposals for
// handles the mirror never saw are dropped and counted by the inspector,
// not failed here.
func (s *Server) applyCellEvent(ctx context.Context, req cellEventRequest) (string, error) {
	// ---- 1. Resolve the cell handle ----------------------------------
	// Hosts that don't assign handles fall back to the cell name; names
	// are unique per host, so identity still holds.
	handle := req.Handle
	if handle == "" {
		handle = req.Name
	}
	if handle == "" {
		return "", fmt.Errorf("handle or name required")
	}

	// ---- 2. Decode the value ------------------------------------------
	value := codec.Null()
	if len(req.Value) > 0 {
		v, err := codec.Parse(string(req.Value))
		if err != nil {
			// Not valid JSON; keep the raw text as a string value.
			v = codec.DecodeText(string(req.Value))
		}
		value = v
	}

	// ---- 3. Resolve the cell kind -------------------------------------
	kind := state.CellKind(req.Kind)
	if kind != state.KindSettable && kind != state.KindDerived {
		kind = state.KindSettable
	}

	// ---- 4. Route into the mirror -------------------------------------
	switch req.Op {
	case tail.OpAdd:
		s.ins.ObserveAdded(state.CellID(handle), req.Name, kind, value)
	case tail.OpUpdate:
		s.ins.ObserveUpdated(state.CellID(handle), value)
	case tail.OpDispose:
		s.ins.ObserveDisposed(state.CellID(handle))
	default:
		return "", fmt.Errorf("unknown op %q", req.Op)
	}

	return handle, nil
}

// ---------------------------------------------------------------------------
// POST /api/ingest/watch  — start tailing an event log file
// ---------------------------------------------------------------------------

type watchRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FILE_PATH",
			"file_path is required")
		return
	}

	// Validate file exists and is readable.
	info, err := os.Stat(req.FilePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "FILE_NOT_FOUND",
			"file not found or not accessible: "+err.Error())
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "NOT_A_FILE",
			"path is a directory, not a file")
		return
	}

	// Stop any existing tailer first.
	s.stopActiveTailer()

	// Create ingestor with a handler that routes through applyCellEvent.
	ingestor := tail.NewIngestor(func(ctx context.Context, event tail.CellEvent) error {
		_, procErr := s.applyCellEvent(ctx, cellEventRequest{
			Op:        event.Op,
			Handle:    event.Handle,
			Name:      event.Name,
			Kind:      event.Kind,
			Value:     event.Value,
			Timestamp: event.Timestamp,
		})
		return procErr
	})

	// Create and start the tailer. The read loop must outlive this request,
	// so it runs under the background context; Stop or Shutdown ends it.
	tailer := tail.NewTailer(req.FilePath, ingestor)
	if err := tailer.Start(context.Background()); err != nil {
		writeError(w, http.StatusInternalServerError, "TAILER_START_ERROR",
			"failed to start file tailer: "+err.Error())
		return
	}

	s.tailerMu.Lock()
	s.activeTailer = tailer
	s.tailerMu.Unlock()

	slog.Info("file watch started", "file", req.FilePath)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"status": "watching",
			"file":   req.FilePath,
		},
	})
}

// ---------------------------------------------------------------------------
// DELETE /api/ingest/watch  — stop the active file tailer
// ---------------------------------------------------------------------------

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	s.stopActiveTailer()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"status": "stopped",
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/ingest/watch  — get tailer status
// ---------------------------------------------------------------------------

func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	s.tailerMu.Lock()
	tailer := s.activeTailer
	s.tailerMu.Unlock()

	if tailer == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"active": false,
			},
		})
		return
	}

	status := tailer.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": status,
	})
}

// stopActiveTailer stops and clears the current tailer, if any.
func (s *Server) stopActiveTailer() {
	s.tailerMu.Lock()
	tailer := s.activeTailer
	s.activeTailer = nil
	s.tailerMu.Unlock()

	if tailer != nil {
		tailer.Stop()
		slog.Info("file watch stopped", "file", tailer.FilePath())
	}
}
