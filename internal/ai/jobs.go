package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broadcaster pushes events to connected clients. api.SSEBroadcaster
// satisfies it; the indirection keeps this package from importing api.
type Broadcaster interface {
	Broadcast(event BroadcastEvent)
}

// BroadcastEvent mirrors the api package's SSE event shape.
type BroadcastEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// JobKind names the work a job performs.
type JobKind string

const (
	JobExplainCell      JobKind = "explain_cell"
	JobWhyChurning      JobKind = "why_churning"
	JobStateOverview    JobKind = "state_overview"
	JobFreeformQuery    JobKind = "freeform_query"
	JobEmbedCell        JobKind = "embed_cell"
	JobEmbedAll         JobKind = "embed_all"
	JobSimilaritySearch JobKind = "similarity_search"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AIJob is one queued, running or finished piece of AI work.
type AIJob struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Status    JobStatus       `json:"status"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	DoneAt    *time.Time      `json:"done_at,omitempty"`
}

const (
	queueCapacity = 256
	jobRetention  = time.Hour
	sweepInterval = 15 * time.Minute
)

// JobQueue runs AI work on a small worker pool so HTTP handlers can return
// a job ID immediately. Finished jobs stay queryable for jobRetention.
type JobQueue struct {
	mu   sync.RWMutex
	jobs map[string]*AIJob

	queue       chan string
	provider    Provider
	embedSvc    *EmbeddingService
	broadcaster Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewJobQueue starts workers plus the retention sweeper. broadcaster may be
// nil when no SSE notifications are wanted.
func NewJobQueue(provider Provider, embedSvc *EmbeddingService, broadcaster Broadcaster, workers int) *JobQueue {
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		jobs:        make(map[string]*AIJob),
		queue:       make(chan string, queueCapacity),
		provider:    provider,
		embedSvc:    embedSvc,
		broadcaster: broadcaster,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.sweepFinishedJobs()

	slog.Info("ai job queue started", "workers", workers)
	return q
}

// Enqueue registers a job and hands it to the workers. The returned ID is
// valid even when the queue is full; the job is then already marked failed.
func (q *JobQueue) Enqueue(kind JobKind, params json.RawMessage) (string, error) {
	job := &AIJob{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    JobStatusPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.queue <- job.ID:
		slog.Debug("ai job enqueued", "job_id", job.ID, "kind", string(kind))
	default:
		now := time.Now().UTC()
		q.mu.Lock()
		job.Status = JobStatusFailed
		job.Error = "queue full"
		job.DoneAt = &now
		q.mu.Unlock()
		return job.ID, fmt.Errorf("ai/jobs: queue full")
	}

	return job.ID, nil
}

// GetJob returns a copy of the job's current state.
func (q *JobQueue) GetJob(id string) (*AIJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// ListJobs returns copies of all known jobs, newest first. A limit of 0
// means no limit.
func (q *JobQueue) ListJobs(limit int) []*AIJob {
	q.mu.RLock()
	all := make([]*AIJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		cp := *j
		all = append(all, &cp)
	}
	q.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Close stops the workers and waits for in-flight jobs. Safe to call more
// than once.
func (q *JobQueue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		close(q.queue)
		q.wg.Wait()
		slog.Info("ai job queue shut down")
	})
}

func (q *JobQueue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case jobID, ok := <-q.queue:
			if !ok {
				return
			}
			q.processJob(jobID, id)
		}
	}
}

func (q *JobQueue) processJob(jobID string, workerID int) {
	job, ok := q.markRunning(jobID)
	if !ok {
		return
	}

	slog.Debug("ai job processing", "worker", workerID, "job_id", jobID, "kind", string(job.Kind))
	q.broadcast("ai:job_started", map[string]interface{}{
		"job_id": jobID,
		"kind":   job.Kind,
	})

	result, err := q.executeJob(q.ctx, job)
	q.finishJob(job, result, err, workerID)

	q.broadcast("ai:job_completed", map[string]interface{}{
		"job_id": jobID,
		"kind":   job.Kind,
		"status": job.Status,
		"error":  job.Error,
	})
}

// markRunning flips a pending job to running. The returned pointer is the
// live map entry; only processJob mutates it past this point.
func (q *JobQueue) markRunning(jobID string) (*AIJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	job.Status = JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	return job, true
}

func (q *JobQueue) finishJob(job *AIJob, result json.RawMessage, err error, workerID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	job.DoneAt = &now
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		slog.Error("ai job failed", "worker", workerID, "job_id", job.ID, "error", err)
		return
	}
	job.Status = JobStatusCompleted
	job.Result = result
	slog.Info("ai job complete", "worker", workerID, "job_id", job.ID, "kind", string(job.Kind))
}

// sweepFinishedJobs drops completed and failed jobs once they age past
// jobRetention, so the map cannot grow without bound.
func (q *JobQueue) sweepFinishedJobs() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-jobRetention)
			var evicted, remaining int

			q.mu.Lock()
			for id, job := range q.jobs {
				done := job.Status == JobStatusCompleted || job.Status == JobStatusFailed
				if done && job.DoneAt != nil && job.DoneAt.Before(cutoff) {
					delete(q.jobs, id)
					evicted++
				}
			}
			remaining = len(q.jobs)
			q.mu.Unlock()

			if evicted > 0 {
				slog.Debug("job eviction", "evicted", evicted, "remaining", remaining)
			}
		}
	}
}

func (q *JobQueue) executeJob(ctx context.Context, job *AIJob) (json.RawMessage, error) {
	switch job.Kind {
	case JobExplainCell, JobWhyChurning, JobStateOverview, JobFreeformQuery:
		return q.runGenerateJob(ctx, job)
	case JobEmbedCell:
		return q.runEmbedCellJob(ctx, job)
	case JobEmbedAll:
		return q.runEmbedAllJob(ctx, job)
	case JobSimilaritySearch:
		return q.runSimilaritySearchJob(ctx, job)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// The text-generation kinds share one runner; they differ only in the
// prompt the enqueuing handler built.

type generateJobParams struct {
	Messages []Message       `json:"messages"`
	Options  GenerateOptions `json:"options,omitempty"`
}

type generateJobResult struct {
	Response string `json:"response"`
}

func (q *JobQueue) runGenerateJob(ctx context.Context, job *AIJob) (json.RawMessage, error) {
	var params generateJobParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	opts := params.Options
	if opts.MaxTokens == 0 {
		opts = DefaultGenerateOptions()
	}

	msg, err := q.provider.Generate(ctx, params.Messages, opts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generateJobResult{Response: msg.Content})
}

type embedCellParams struct {
	CellName string `json:"cell_name"`
	Force    bool   `json:"force,omitempty"`
}

type embedCellResult struct {
	EmbeddingID string `json:"embedding_id"`
	Dimensions  int    `json:"dimensions"`
}

func (q *JobQueue) runEmbedCellJob(ctx context.Context, job *AIJob) (json.RawMessage, error) {
	if q.embedSvc == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}

	var params embedCellParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}

	emb, err := q.embedSvc.EmbedCell(ctx, params.CellName, params.Force)
	if err != nil {
		return nil, err
	}
	return json.Marshal(embedCellResult{
		EmbeddingID: emb.ID,
		Dimensions:  emb.Dimensions,
	})
}

type embedAllParams struct {
	Force bool `json:"force,omitempty"`
}

type embedAllResult struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (q *JobQueue) runEmbedAllJob(ctx context.Context, job *AIJob) (json.RawMessage, error) {
	if q.embedSvc == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}

	var params embedAllParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}

	// Progress callbacks stream to SSE clients; the final callback value
	// doubles as the job result.
	var last EmbedProgress
	err := q.embedSvc.EmbedAll(ctx, params.Force, func(p EmbedProgress) {
		last = p
		q.broadcast("ai:embed_progress", map[string]interface{}{
			"job_id":    job.ID,
			"total":     p.Total,
			"completed": p.Completed,
			"skipped":   p.Skipped,
			"errors":    p.Errors,
		})
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(embedAllResult{
		Total:     last.Total,
		Completed: last.Completed,
		Skipped:   last.Skipped,
		Errors:    last.Errors,
	})
}

type similaritySearchParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (q *JobQueue) runSimilaritySearchJob(ctx context.Context, job *AIJob) (json.RawMessage, error) {
	if q.embedSvc == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}

	var params similaritySearchParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}

	results, err := q.embedSvc.SimilaritySearch(ctx, params.Query, params.TopK)
	if err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

func (q *JobQueue) broadcast(event string, data interface{}) {
	if q.broadcaster == nil {
		return
	}
	q.broadcaster.Broadcast(BroadcastEvent{Event: event, Data: data})
}
