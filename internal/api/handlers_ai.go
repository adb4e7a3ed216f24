package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vyuha/cellscope/internal/ai"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/query"
)

// ---------------------------------------------------------------------------
// SSE adapters for the ai and inspector packages
// ---------------------------------------------------------------------------

// sseBroadcasterAdapter wraps an SSEBroadcaster so it satisfies the
// ai.Broadcaster interface used by the query and AI packages.
type sseBroadcasterAdapter struct {
	inner *SSEBroadcaster
}

func (a *sseBroadcasterAdapter) Broadcast(event ai.BroadcastEvent) {
	a.inner.Broadcast(SSEEvent{
		Event: event.Event,
		Data:  event.Data,
	})
}

// SSEBroadcasterAsAI returns an ai.Broadcaster backed by the server's SSE hub.
func (s *Server) SSEBroadcasterAsAI() ai.Broadcaster {
	return &sseBroadcasterAdapter{inner: s.sse}
}

// NewAIBroadcaster creates an ai.Broadcaster backed by the given SSE hub.
// Use this when you need a broadcaster before the Server is constructed.
func NewAIBroadcaster(sse *SSEBroadcaster) ai.Broadcaster {
	return &sseBroadcasterAdapter{inner: sse}
}

// inspectorBroadcasterAdapter wraps an SSEBroadcaster so it satisfies the
// inspector.Broadcaster interface. A separate type from the ai adapter
// because the two packages declare their own event structs.
type inspectorBroadcasterAdapter struct {
	inner *SSEBroadcaster
}

func (a *inspectorBroadcasterAdapter) Broadcast(event inspector.BroadcastEvent) {
	a.inner.Broadcast(SSEEvent{
		Event: event.Event,
		Data:  event.Data,
	})
}

// NewInspectorBroadcaster creates an inspector.Broadcaster backed by the
// given SSE hub, so every observed cell change fans out to live clients.
func NewInspectorBroadcaster(sse *SSEBroadcaster) inspector.Broadcaster {
	return &inspectorBroadcasterAdapter{inner: sse}
}

// ---------------------------------------------------------------------------
// SetQueryLayer attaches the query layer after construction.
// ---------------------------------------------------------------------------

func (s *Server) SetQueryLayer(ql *query.QueryLayer) {
	s.queryLayer = ql
}

// ---------------------------------------------------------------------------
// POST /api/ai/query  — natural-language question
// ---------------------------------------------------------------------------

type aiQueryRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	if s.queryLayer == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI query layer is not configured (no AI provider set)")
		return
	}

	var req aiQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUESTION",
			"question field is required")
		return
	}

	ctx := r.Context()
	result, err := s.queryLayer.HandleQuestion(ctx, req.Question)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
			"query failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
	})
}

// ---------------------------------------------------------------------------
// POST /api/ai/explain/:name  — enqueue an explain-cell job
// ---------------------------------------------------------------------------

func (s *Server) handleAIExplainCell(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	name := extractPathParam(r.URL.Path, "/api/ai/explain/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CELL_NAME",
			"cell name is required in the URL path")
		return
	}

	c, ok := s.ins.GetCell(name)
	if !ok {
		writeError(w, http.StatusNotFound, "CELL_NOT_FOUND",
			"no tracked cell with that name")
		return
	}

	msgs := ai.ExplainCellPrompt(c, s.ins.CellEvents(name, 20))
	s.enqueueGenerateJob(w, ai.JobExplainCell, msgs)
}

// ---------------------------------------------------------------------------
// POST /api/ai/churn/:name  — enqueue a churn-diagnosis job
// ---------------------------------------------------------------------------

func (s *Server) handleAIWhyChurning(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	name := extractPathParam(r.URL.Path, "/api/ai/churn/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CELL_NAME",
			"cell name is required in the URL path")
		return
	}

	c, ok := s.ins.GetCell(name)
	if !ok {
		writeError(w, http.StatusNotFound, "CELL_NOT_FOUND",
			"no tracked cell with that name")
		return
	}

	msgs := ai.WhyChurningPrompt(c, s.ins.CellEvents(name, 50))
	s.enqueueGenerateJob(w, ai.JobWhyChurning, msgs)
}

// ---------------------------------------------------------------------------
// POST /api/ai/overview  — enqueue a whole-state overview job
// ---------------------------------------------------------------------------

func (s *Server) handleAIOverview(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	msgs := ai.StateOverviewPrompt(s.ins.GetSummary(), s.ins.Cells(), s.ins.RecentEvents(10))
	s.enqueueGenerateJob(w, ai.JobStateOverview, msgs)
}

// enqueueGenerateJob marshals a prepared conversation into job params,
// enqueues it, and replies 202 with the job ID.
func (s *Server) enqueueGenerateJob(w http.ResponseWriter, kind ai.JobKind, msgs []ai.Message) {
	params, err := json.Marshal(map[string]interface{}{
		"messages": msgs,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"failed to encode job params: "+err.Error())
		return
	}
	s.enqueueJob(w, kind, params)
}

// enqueueJob puts params on the job queue and writes the accepted response.
func (s *Server) enqueueJob(w http.ResponseWriter, kind ai.JobKind, params json.RawMessage) {
	jobID, err := s.jobQueue.Enqueue(kind, params)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL",
			"job queue is full: "+err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"job_id": jobID,
			"kind":   kind,
			"status": "pending",
		},
	})
}

// ---------------------------------------------------------------------------
// POST /api/ai/embed  — enqueue embedding of every tracked cell
// ---------------------------------------------------------------------------

type embedRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleAIEmbedAll(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	// Body is optional; an empty body means force=false.
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	params, err := json.Marshal(map[string]interface{}{
		"force": req.Force,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"failed to encode job params: "+err.Error())
		return
	}
	s.enqueueJob(w, ai.JobEmbedAll, params)
}

// ---------------------------------------------------------------------------
// POST /api/ai/embed/:name  — enqueue embedding of a single cell
// ---------------------------------------------------------------------------

func (s *Server) handleAIEmbedCell(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	name := extractPathParam(r.URL.Path, "/api/ai/embed/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CELL_NAME",
			"cell name is required in the URL path")
		return
	}

	if _, ok := s.ins.GetCell(name); !ok {
		writeError(w, http.StatusNotFound, "CELL_NOT_FOUND",
			"no tracked cell with that name")
		return
	}

	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON",
			"invalid request body: "+err.Error())
		return
	}

	params, err := json.Marshal(map[string]interface{}{
		"cell_name": name,
		"force":     req.Force,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"failed to encode job params: "+err.Error())
		return
	}
	s.enqueueJob(w, ai.JobEmbedCell, params)
}

// ---------------------------------------------------------------------------
// GET /api/ai/similar?q=...&k=N  — synchronous semantic search
// ---------------------------------------------------------------------------

func (s *Server) handleAISimilar(w http.ResponseWriter, r *http.Request) {
	if s.queryLayer == nil || !s.queryLayer.HasEmbeddings() {
		writeError(w, http.StatusServiceUnavailable, "EMBEDDINGS_NOT_CONFIGURED",
			"semantic search requires an embedding provider")
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY",
			"q is required")
		return
	}

	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			k = clampInt(parsed, 1, 20)
		}
	}

	results, err := s.queryLayer.SimilaritySearch(r.Context(), q, k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_ERROR",
			"semantic search failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"results": results,
			"total":   len(results),
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/ai/jobs?limit=N  — list AI jobs, newest first
// ---------------------------------------------------------------------------

func (s *Server) handleAIJobList(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v >= 1 {
			limit = v
		}
	}

	jobs := s.jobQueue.ListJobs(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		},
	})
}

// ---------------------------------------------------------------------------
// GET /api/ai/jobs/:job_id  — AI job status
// ---------------------------------------------------------------------------

func (s *Server) handleAIJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.jobQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
			"AI job queue is not configured (no AI provider set)")
		return
	}

	jobID := extractPathParam(r.URL.Path, "/api/ai/jobs/")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_JOB_ID",
			"job_id is required in the URL path")
		return
	}

	job, ok := s.jobQueue.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND",
			"no AI job with that ID")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": job,
	})
}
