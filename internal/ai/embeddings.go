package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
	"github.com/vyuha/cellscope/internal/storage"
)

const embeddingWorkers = 5

// EmbeddingService embeds tracked cells for semantic search. Vectors come
// from the Provider, persist in storage and stay cached in memory; searches
// never touch the database.
type EmbeddingService struct {
	provider Provider
	store    *storage.Storage
	ins      *inspector.Inspector

	mu    sync.RWMutex
	cache []*storage.CellEmbedding

	// Learned from the first vector. Mixing embedding models produces
	// vectors of different lengths, which would poison the search.
	expectedDimensions int
}

// NewEmbeddingService loads previously stored embeddings into the cache.
func NewEmbeddingService(ctx context.Context, provider Provider, store *storage.Storage, ins *inspector.Inspector) (*EmbeddingService, error) {
	svc := &EmbeddingService{
		provider: provider,
		store:    store,
		ins:      ins,
	}

	all, err := store.AllCellEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("ai/embeddings: preload: %w", err)
	}
	svc.cache = all
	slog.Info("cell embeddings loaded", "count", len(all))

	return svc, nil
}

// EmbedCell embeds one cell and persists the vector. A stored embedding is
// reused unless force is set.
func (s *EmbeddingService) EmbedCell(ctx context.Context, name string, force bool) (*storage.CellEmbedding, error) {
	c, ok := s.ins.GetCell(name)
	if !ok {
		return nil, fmt.Errorf("ai/embeddings: cell %q not found", name)
	}

	if !force {
		if existing, err := s.store.GetCellEmbedding(ctx, name); err == nil && existing != nil {
			return existing, nil
		}
	}

	content := cellEmbeddingText(c)
	vec, err := s.provider.Embed(ctx, content, "")
	if err != nil {
		return nil, fmt.Errorf("ai/embeddings: embed cell %q: %w", name, err)
	}

	if s.expectedDimensions == 0 && len(vec) > 0 {
		s.expectedDimensions = len(vec)
		slog.Info("embedding dimensions set",
			"dimensions", s.expectedDimensions,
			"model", s.provider.Name(),
		)
	}
	if s.expectedDimensions > 0 && len(vec) != s.expectedDimensions {
		return nil, fmt.Errorf(
			"embedding dimension mismatch: expected %d got %d, embedding model changed mid-run",
			s.expectedDimensions, len(vec),
		)
	}

	emb := &storage.CellEmbedding{
		ID:         uuid.New().String(),
		CellName:   name,
		Content:    content,
		Vector:     vec,
		Model:      s.provider.Name(),
		Dimensions: len(vec),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveCellEmbedding(ctx, emb); err != nil {
		return nil, fmt.Errorf("ai/embeddings: save: %w", err)
	}
	s.cachePut(emb)

	slog.Debug("cell embedded", "cell", name, "dimensions", len(vec))
	return emb, nil
}

// cachePut keeps one cached vector per cell, matching the store's
// INSERT OR REPLACE semantics.
func (s *EmbeddingService) cachePut(emb *storage.CellEmbedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.cache {
		if e.CellName == emb.CellName {
			s.cache[i] = emb
			return
		}
	}
	s.cache = append(s.cache, emb)
}

func (s *EmbeddingService) cacheHas(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.cache {
		if e.CellName == name {
			return true
		}
	}
	return false
}

// EmbedProgress is the running tally of an EmbedAll batch.
type EmbedProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// EmbedAll embeds every cell currently in the mirror on a small worker
// pool. progress, when non-nil, is called after each cell under the tally
// lock, so callbacks see consistent counts.
func (s *EmbeddingService) EmbedAll(ctx context.Context, force bool, progress func(EmbedProgress)) error {
	cells := s.ins.Cells()

	work := make(chan state.Cell, len(cells))
	for _, c := range cells {
		work <- c
	}
	close(work)

	prog := EmbedProgress{Total: len(cells)}
	var tallyMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < embeddingWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				if ctx.Err() != nil {
					return
				}
				had := s.cacheHas(c.Name)
				_, err := s.EmbedCell(ctx, c.Name, force)

				tallyMu.Lock()
				switch {
				case err != nil:
					prog.Errors++
					slog.Warn("embedding error", "cell", c.Name, "error", err)
				case !force && had:
					prog.Skipped++
				default:
					prog.Completed++
				}
				if progress != nil {
					progress(prog)
				}
				tallyMu.Unlock()
			}
		}()
	}
	wg.Wait()

	slog.Info("embedding batch complete",
		"total", prog.Total,
		"completed", prog.Completed,
		"skipped", prog.Skipped,
		"errors", prog.Errors,
	)
	return nil
}

// SimilarityResult is one semantic search hit.
type SimilarityResult struct {
	CellName string  `json:"cell_name"`
	CellKind string  `json:"cell_kind"`
	Score    float64 `json:"score"`
	Content  string  `json:"content"`
}

// SimilaritySearch embeds the query and ranks cached cell vectors by cosine
// similarity, best first.
func (s *EmbeddingService) SimilaritySearch(ctx context.Context, query string, topK int) ([]SimilarityResult, error) {
	if topK <= 0 {
		topK = 10
	}

	queryVec, err := s.provider.Embed(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("ai/embeddings: embed query: %w", err)
	}

	s.mu.RLock()
	cached := make([]*storage.CellEmbedding, len(s.cache))
	copy(cached, s.cache)
	s.mu.RUnlock()

	type hit struct {
		emb   *storage.CellEmbedding
		score float64
	}
	hits := make([]hit, 0, len(cached))
	for _, emb := range cached {
		sim, err := cosineSimilarity(queryVec, emb.Vector)
		if err != nil {
			slog.Debug("skipping embedding", "cell", emb.CellName, "error", err.Error())
			continue
		}
		hits = append(hits, hit{emb: emb, score: sim})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]SimilarityResult, 0, len(hits))
	for _, h := range hits {
		kind := ""
		if c, found := s.ins.GetCell(h.emb.CellName); found {
			kind = string(c.Kind)
		}
		out = append(out, SimilarityResult{
			CellName: h.emb.CellName,
			CellKind: kind,
			Score:    h.score,
			Content:  h.emb.Content,
		})
	}
	return out, nil
}

// ReloadCache re-reads every stored embedding, replacing the cache.
func (s *EmbeddingService) ReloadCache(ctx context.Context) error {
	all, err := s.store.AllCellEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("ai/embeddings: reload: %w", err)
	}
	s.mu.Lock()
	s.cache = all
	s.mu.Unlock()

	if mismatched, expected := dimensionDrift(all); mismatched > 0 {
		slog.Warn("embedding dimension inconsistency in cache",
			"mismatched", mismatched,
			"total", len(all),
			"expected_dimensions", expected,
		)
	}
	return nil
}

// dimensionDrift counts vectors whose length differs from the first one.
func dimensionDrift(all []*storage.CellEmbedding) (mismatched, expected int) {
	for _, emb := range all {
		if expected == 0 {
			expected = len(emb.Vector)
			continue
		}
		if len(emb.Vector) != expected {
			mismatched++
		}
	}
	return mismatched, expected
}

// CacheSize returns the number of cached embeddings.
func (s *EmbeddingService) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// cellEmbeddingText renders a cell as the text that gets embedded. Name,
// kinds, a value preview and churn all carry signal for semantic queries.
func cellEmbeddingText(c state.Cell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", c.Kind, c.Name)
	fmt.Fprintf(&b, "ValueKind: %s\n", c.ValueKind())
	fmt.Fprintf(&b, "Value: %s\n", c.LastValue.Preview(400))
	fmt.Fprintf(&b, "Updates: %d\n", c.UpdateCount)
	return b.String()
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("empty vector: len(a)=%d len(b)=%d", len(a), len(b))
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf(
			"dimension mismatch: query has %d dims, stored has %d dims",
			len(a), len(b),
		)
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}
