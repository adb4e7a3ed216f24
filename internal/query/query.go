package query

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/vyuha/cellscope/internal/ai"
	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
	"github.com/vyuha/cellscope/internal/storage"
)

// ---------------------------------------------------------------------------
// QueryLayer
// ---------------------------------------------------------------------------

// QueryLayer is the single entry point for natural-language questions about
// the observed state. It routes each question to a direct lookup, a history
// or churn scan, the AI assistant, or the tool-using agent.
type QueryLayer struct {
	ins         *inspector.Inspector
	store       *storage.Storage
	provider    ai.Provider
	embeddings  *ai.EmbeddingService
	broadcaster ai.Broadcaster
	agent       *StateAgent
}

// NewQueryLayer wires the query subsystems together. store, provider,
// embeddings and broadcaster may each be nil; the affected modes degrade to
// structured fallbacks.
func NewQueryLayer(
	ins *inspector.Inspector,
	store *storage.Storage,
	provider ai.Provider,
	embeddings *ai.EmbeddingService,
	broadcaster ai.Broadcaster,
) *QueryLayer {
	ql := &QueryLayer{
		ins:         ins,
		store:       store,
		provider:    provider,
		embeddings:  embeddings,
		broadcaster: broadcaster,
	}

	ql.agent = NewStateAgent(provider, ins, store, embeddings, broadcaster)

	return ql
}

const (
	answerPreview = 200
	churnWindow   = 24 * time.Hour
	churnLimit    = 10
)

// ---------------------------------------------------------------------------
// Query modes
// ---------------------------------------------------------------------------

// QueryMode determines how a question is answered.
type QueryMode string

const (
	ModeSummary  QueryMode = "summary"
	ModeValue    QueryMode = "value"
	ModeRecent   QueryMode = "recent"
	ModeSearch   QueryMode = "search"
	ModeChurn    QueryMode = "churn"
	ModeFreeform QueryMode = "freeform"
	ModeAgent    QueryMode = "agent"
)

// ---------------------------------------------------------------------------
// QueryDecision
// ---------------------------------------------------------------------------

// QueryDecision captures the routing decision for a question.
type QueryDecision struct {
	Mode       QueryMode `json:"mode"`
	TargetCell string    `json:"target_cell,omitempty"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}

// ---------------------------------------------------------------------------
// QueryResult
// ---------------------------------------------------------------------------

// QueryResult is the unified response for any query. At most one of the
// payload slices is populated, matching the mode that actually answered.
type QueryResult struct {
	Mode     QueryMode             `json:"mode"`
	Answer   string                `json:"answer"`
	Cells    []state.Cell          `json:"cells,omitempty"`
	Events   []state.ChangeEvent   `json:"events,omitempty"`
	Matches  []ai.SimilarityResult `json:"matches,omitempty"`
	Churn    []storage.ChurnStat   `json:"churn,omitempty"`
	Summary  *inspector.Summary    `json:"summary,omitempty"`
	AgentRun *AgentRun             `json:"agent_run,omitempty"`
	Duration time.Duration         `json:"duration_ms"`
	Decision QueryDecision         `json:"decision"`
}

// ---------------------------------------------------------------------------
// HandleQuestion
// ---------------------------------------------------------------------------

// HandleQuestion routes a natural-language question to the best answering
// strategy and returns a unified QueryResult.
func (ql *QueryLayer) HandleQuestion(ctx context.Context, question string) (*QueryResult, error) {
	start := time.Now()

	ql.broadcastProgress("query_start", map[string]string{
		"question": question,
	})

	// 1. Classify the question.
	decision := ql.classifyQuestion(question)

	ql.broadcastProgress("query_classified", map[string]interface{}{
		"mode":       decision.Mode,
		"confidence": decision.Confidence,
		"reasoning":  decision.Reasoning,
	})

	// 2. If the question names a cell, resolve it. The agent and the
	// freeform assistant do their own lookups.
	if decision.TargetCell == "" && decision.Mode != ModeFreeform && decision.Mode != ModeAgent {
		if name := ql.resolveTarget(ctx, question); name != "" {
			decision.TargetCell = name
		}
	}

	// 3. Execute based on mode.
	var result *QueryResult
	var err error

	switch decision.Mode {
	case ModeSummary:
		result, err = ql.executeSummary(ctx, question, decision)
	case ModeValue:
		result, err = ql.executeValue(ctx, question, decision)
	case ModeRecent:
		result, err = ql.executeRecent(ctx, question, decision)
	case ModeSearch:
		result, err = ql.executeSearch(ctx, question, decision)
	case ModeChurn:
		result, err = ql.executeChurn(ctx, question, decision)
	case ModeAgent:
		result, err = ql.executeAgent(ctx, question, decision)
	default:
		result, err = ql.executeFreeform(ctx, question, decision)
	}

	if err != nil {
		ql.broadcastProgress("query_error", map[string]string{"error": err.Error()})
		return nil, err
	}

	result.Duration = time.Since(start)
	result.Decision = decision

	ql.broadcastProgress("query_done", map[string]interface{}{
		"mode":     result.Mode,
		"duration": result.Duration.Milliseconds(),
	})

	return result, nil
}

// ---------------------------------------------------------------------------
// Question classification
// ---------------------------------------------------------------------------

// classifyQuestion analyses the question text and picks a QueryMode.
func (ql *QueryLayer) classifyQuestion(question string) QueryDecision {
	q := strings.ToLower(question)

	// Pattern: multi-step investigation. Checked first so investigative
	// phrasing wins over the topic patterns below.
	if matchesAny(q, "investigate", "diagnose", "root cause", "figure out", "dig into", "step by step", "debug") {
		return QueryDecision{
			Mode:       ModeAgent,
			Confidence: 0.75,
			Reasoning:  "Question asks for an investigation; routing to the agent for multi-step reasoning.",
		}
	}

	// Pattern: state overview
	if matchesAny(q, "overview", "summary", "how many", "status", "health", "state of") {
		return QueryDecision{
			Mode:       ModeSummary,
			Confidence: 0.85,
			Reasoning:  "Question asks for an overall state summary.",
		}
	}

	// Pattern: churn / update frequency
	if matchesAny(q, "churn", "frequen", "most.*updat", "noisy", "hot cells", "often") {
		return QueryDecision{
			Mode:       ModeChurn,
			Confidence: 0.80,
			Reasoning:  "Question asks about update frequency.",
		}
	}

	// Pattern: recent changes / history
	if matchesAny(q, "recent", "changed", "what happened", "history", "last.*chang", "just now") {
		return QueryDecision{
			Mode:       ModeRecent,
			Confidence: 0.80,
			Reasoning:  "Question asks about recent changes or history.",
		}
	}

	// Pattern: search for cells
	if matchesAny(q, "find", "search", "which cells", "containing", "where is", "related to") {
		return QueryDecision{
			Mode:       ModeSearch,
			Confidence: 0.75,
			Reasoning:  "Question asks to locate cells.",
		}
	}

	// Pattern: current value lookup
	if matchesAny(q, "value of", "what is", "what's", "current", "show me", "equal") {
		return QueryDecision{
			Mode:       ModeValue,
			Confidence: 0.70,
			Reasoning:  "Question asks for a cell's current value.",
		}
	}

	// Default: freeform for open-ended questions.
	return QueryDecision{
		Mode:       ModeFreeform,
		Confidence: 0.50,
		Reasoning:  "Question is open-ended; routing to the AI assistant.",
	}
}

// matchesAny checks if the text contains any of the given patterns.
// Simple substring matching with basic glob support.
func matchesAny(text string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(p, ".*") {
			// Simple regex-like: split on .* and check both parts exist in order.
			parts := strings.SplitN(p, ".*", 2)
			idx := strings.Index(text, parts[0])
			if idx >= 0 && len(parts) > 1 {
				rest := text[idx+len(parts[0]):]
				if strings.Contains(rest, parts[1]) {
					return true
				}
			}
		} else if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Target resolution
// ---------------------------------------------------------------------------

// resolveTarget attempts to identify a tracked cell named in the question.
// It tries fuzzy name matching first and embedding similarity second.
func (ql *QueryLayer) resolveTarget(ctx context.Context, question string) string {
	// 1. Extract potential names from the question.
	candidates := extractCandidateNames(question)

	// 2. Try exact/fuzzy match against the registry.
	for _, name := range candidates {
		if hit := ql.fuzzyFindCell(name); hit != "" {
			return hit
		}
	}

	// 3. Fall back to embedding similarity search if available.
	if ql.embeddings != nil {
		results, err := ql.embeddings.SimilaritySearch(ctx, question, 1)
		if err == nil && len(results) > 0 && results[0].Score > 0.7 {
			return results[0].CellName
		}
	}

	return ""
}

// extractCandidateNames pulls potential cell names from the question.
func extractCandidateNames(question string) []string {
	var names []string
	words := strings.Fields(question)
	for _, w := range words {
		// Heuristic: cell names have dots, underscores, slashes, or mixed case.
		clean := strings.Trim(w, "?.,!;:'\"()")
		if len(clean) < 2 {
			continue
		}
		if strings.ContainsAny(clean, "._/") ||
			(hasUpper(clean) && hasLower(clean)) {
			names = append(names, clean)
		}
	}
	return names
}

func hasUpper(s string) bool {
	for _, c := range s {
		if c >= 'A' && c <= 'Z' {
			return true
		}
	}
	return false
}

func hasLower(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			return true
		}
	}
	return false
}

// fuzzyFindCell searches tracked cell names for a match.
func (ql *QueryLayer) fuzzyFindCell(name string) string {
	lower := strings.ToLower(name)
	names := ql.ins.ListNames()

	for _, n := range names {
		if strings.ToLower(n) == lower {
			return n
		}
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), lower) {
			return n
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Mode executors
// ---------------------------------------------------------------------------

func (ql *QueryLayer) executeSummary(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	sum := ql.ins.GetSummary()

	var sb strings.Builder
	sb.WriteString("State summary:\n")
	sb.WriteString(fmt.Sprintf("- Tracked cells: %d (%d settable, %d derived)\n",
		sum.CellCount, sum.SettableCount, sum.DerivedCount))
	sb.WriteString(fmt.Sprintf("- History entries: %d\n", sum.HistoryEntryCount))
	sb.WriteString(fmt.Sprintf("- Writes: %d requested, %d succeeded\n",
		sum.WritesRequested, sum.WritesSucceeded))

	if len(sum.ValueKinds) > 0 {
		sb.WriteString("- Cells by value kind:\n")
		kinds := make([]string, 0, len(sum.ValueKinds))
		for k := range sum.ValueKinds {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			sb.WriteString(fmt.Sprintf("  - %s: %d\n", k, sum.ValueKinds[codec.Kind(k)]))
		}
	}

	return &QueryResult{
		Mode:    ModeSummary,
		Answer:  sb.String(),
		Summary: &sum,
	}, nil
}

func (ql *QueryLayer) executeValue(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	if decision.TargetCell == "" {
		// Couldn't resolve a cell; fall back to search.
		log.Printf("query: value mode but no cell resolved, falling back to search")
		return ql.executeSearch(ctx, question, decision)
	}

	c, ok := ql.ins.GetCell(decision.TargetCell)
	if !ok {
		return nil, fmt.Errorf("query: cell %q not found", decision.TargetCell)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s = %s\n", c.Name, c.LastValue.Preview(answerPreview)))
	sb.WriteString(fmt.Sprintf("Kind: %s, value kind: %s\n", c.Kind, c.ValueKind()))
	sb.WriteString(fmt.Sprintf("Updates observed: %d (last at %s)\n",
		c.UpdateCount, c.UpdatedAt.Format("15:04:05")))

	return &QueryResult{
		Mode:   ModeValue,
		Answer: sb.String(),
		Cells:  []state.Cell{c},
	}, nil
}

func (ql *QueryLayer) executeRecent(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	var events []state.ChangeEvent
	if decision.TargetCell != "" {
		events = ql.ins.CellEvents(decision.TargetCell, 20)
	} else {
		events = ql.ins.RecentEvents(20)
	}

	if len(events) == 0 {
		return &QueryResult{
			Mode:   ModeRecent,
			Answer: "No changes recorded yet.",
		}, nil
	}

	var sb strings.Builder
	if decision.TargetCell != "" {
		sb.WriteString(fmt.Sprintf("Recent changes to %s (newest first):\n", decision.TargetCell))
	} else {
		sb.WriteString("Recent changes (newest first):\n")
	}
	for _, e := range events {
		sb.WriteString(formatEventLine(e))
	}

	return &QueryResult{
		Mode:   ModeRecent,
		Answer: sb.String(),
		Events: events,
	}, nil
}

func (ql *QueryLayer) executeSearch(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	q := strings.ToLower(question)

	// Kind-based search ("which cells hold numbers").
	for _, kw := range []struct {
		keyword string
		kind    codec.Kind
	}{
		{"numbers", codec.KindNumber},
		{"numeric", codec.KindNumber},
		{"strings", codec.KindString},
		{"booleans", codec.KindBool},
		{"bools", codec.KindBool},
		{"lists", codec.KindList},
		{"arrays", codec.KindList},
		{"maps", codec.KindMap},
		{"objects", codec.KindMap},
		{"async", codec.KindAsync},
		{"loading", codec.KindAsync},
		{"opaque", codec.KindOpaque},
	} {
		if strings.Contains(q, kw.keyword) {
			names := ql.ins.FindByValueKind(kw.kind)
			return ql.searchResult(fmt.Sprintf("Cells holding %s values", kw.kind), names), nil
		}
	}

	// Needle search against cell names and serialized values.
	needle := searchNeedle(question)
	if needle != "" {
		seen := make(map[string]bool)
		var names []string
		for _, n := range ql.ins.FindContaining(needle) {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		lower := strings.ToLower(needle)
		for _, n := range ql.ins.ListNames() {
			if !seen[n] && strings.Contains(strings.ToLower(n), lower) {
				seen[n] = true
				names = append(names, n)
			}
		}
		if len(names) > 0 {
			return ql.searchResult(fmt.Sprintf("Cells matching %q", needle), names), nil
		}
	}

	// Semantic fallback when embeddings are available.
	if ql.embeddings != nil {
		matches, err := ql.embeddings.SimilaritySearch(ctx, question, 10)
		if err != nil {
			log.Printf("query: similarity search failed: %v", err)
		} else if len(matches) > 0 {
			var sb strings.Builder
			sb.WriteString("Semantically similar cells:\n")
			for _, m := range matches {
				sb.WriteString(fmt.Sprintf("- %s (%s, score %.2f)\n", m.CellName, m.CellKind, m.Score))
			}
			return &QueryResult{
				Mode:    ModeSearch,
				Answer:  sb.String(),
				Matches: matches,
			}, nil
		}
	}

	if needle != "" {
		return &QueryResult{
			Mode:   ModeSearch,
			Answer: fmt.Sprintf("No cells matched %q.", needle),
		}, nil
	}
	return &QueryResult{
		Mode:   ModeSearch,
		Answer: "No cells matched the question.",
	}, nil
}

// searchResult formats a list of cell names into a search answer.
func (ql *QueryLayer) searchResult(header string, names []string) *QueryResult {
	if len(names) == 0 {
		return &QueryResult{
			Mode:   ModeSearch,
			Answer: header + ": none found.",
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%d):\n", header, len(names)))
	limit := len(names)
	if limit > 50 {
		limit = 50
		sb.WriteString("(showing first 50)\n")
	}

	cells := make([]state.Cell, 0, limit)
	for _, name := range names[:limit] {
		c, ok := ql.ins.GetCell(name)
		if !ok {
			continue
		}
		cells = append(cells, c)
		sb.WriteString(fmt.Sprintf("- %s (%s, %s) = %s\n",
			c.Name, c.Kind, c.ValueKind(), c.LastValue.Preview(80)))
	}

	return &QueryResult{
		Mode:   ModeSearch,
		Answer: sb.String(),
		Cells:  cells,
	}
}

func (ql *QueryLayer) executeChurn(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	if ql.store != nil {
		stats, err := ql.store.TopChurningCells(ctx, churnWindow, churnLimit)
		if err != nil {
			return nil, fmt.Errorf("query: top churning cells: %w", err)
		}
		if len(stats) > 0 {
			var sb strings.Builder
			sb.WriteString("Most frequently updated cells (last 24h):\n")
			for i, s := range stats {
				sb.WriteString(fmt.Sprintf("%d. %s: %d updates (last %s)\n",
					i+1, s.CellName, s.UpdateCount,
					s.LastUpdate.Format("2006-01-02 15:04:05")))
			}
			return &QueryResult{
				Mode:   ModeChurn,
				Answer: sb.String(),
				Churn:  stats,
			}, nil
		}
	}

	// No store, or nothing persisted yet: rank live cells by update count.
	cells := ql.ins.Cells()
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].UpdateCount > cells[j].UpdateCount
	})

	var top []state.Cell
	for _, c := range cells {
		if c.UpdateCount == 0 {
			continue
		}
		top = append(top, c)
		if len(top) >= churnLimit {
			break
		}
	}

	if len(top) == 0 {
		return &QueryResult{
			Mode:   ModeChurn,
			Answer: "No cell updates observed yet.",
		}, nil
	}

	var sb strings.Builder
	sb.WriteString("Most frequently updated cells (since start):\n")
	for i, c := range top {
		sb.WriteString(fmt.Sprintf("%d. %s: %d updates (last %s)\n",
			i+1, c.Name, c.UpdateCount, c.UpdatedAt.Format("15:04:05")))
	}

	return &QueryResult{
		Mode:   ModeChurn,
		Answer: sb.String(),
		Cells:  top,
	}, nil
}

func (ql *QueryLayer) executeAgent(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	if ql.provider == nil {
		// AI provider not configured: degrade to the single-shot path, which
		// itself degrades to the structured summary.
		log.Printf("query: agent mode requested but no AI provider configured, falling back to freeform")
		return ql.executeFreeform(ctx, question, decision)
	}

	run, err := ql.agent.Run(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("query: agent run: %w", err)
	}

	return &QueryResult{
		Mode:     ModeAgent,
		Answer:   run.Answer,
		AgentRun: run,
	}, nil
}

func (ql *QueryLayer) executeFreeform(ctx context.Context, question string, decision QueryDecision) (*QueryResult, error) {
	if ql.provider == nil {
		// AI provider not configured: fall back to the structured summary.
		log.Printf("query: freeform mode requested but no AI provider configured, falling back to summary")
		return ql.executeSummary(ctx, question, decision)
	}

	// Build state context for the LLM.
	var b strings.Builder
	b.WriteString(fmt.Sprintf("User question: %s\n\n", question))

	sum := ql.ins.GetSummary()
	b.WriteString(fmt.Sprintf("Tracked cells: %d (%d settable, %d derived)\n",
		sum.CellCount, sum.SettableCount, sum.DerivedCount))

	cells := ql.ins.Cells()
	limit := len(cells)
	if limit > 50 {
		limit = 50
	}
	if limit > 0 {
		b.WriteString("\nCurrent cells:\n")
		for _, c := range cells[:limit] {
			b.WriteString(fmt.Sprintf("- %s (%s, %s) = %s\n",
				c.Name, c.Kind, c.ValueKind(), c.LastValue.Preview(answerPreview)))
		}
	}

	if events := ql.ins.RecentEvents(10); len(events) > 0 {
		b.WriteString("\nRecent changes (newest first):\n")
		for _, e := range events {
			b.WriteString(formatEventLine(e))
		}
	}

	messages := ai.BuildConversation(
		ai.StateAssistantPrompt(),
		ai.Message{
			Role:    ai.RoleUser,
			Content: b.String(),
		},
	)

	opts := ai.DefaultGenerateOptions()
	opts.MaxTokens = 2048

	resp, err := ql.provider.Generate(ctx, messages, opts)
	if err != nil {
		return nil, fmt.Errorf("query: freeform answer: %w", err)
	}

	return &QueryResult{
		Mode:   ModeFreeform,
		Answer: resp.Content,
	}, nil
}

// formatEventLine renders one change event as an answer bullet.
func formatEventLine(e state.ChangeEvent) string {
	ts := e.Timestamp.Format("15:04:05.000")
	switch e.Type {
	case state.EventAdded:
		return fmt.Sprintf("- [%s] added %s = %s\n", ts, e.CellName, e.Next.Preview(60))
	case state.EventDisposed:
		return fmt.Sprintf("- [%s] disposed %s (was %s)\n", ts, e.CellName, e.Previous.Preview(60))
	default:
		return fmt.Sprintf("- [%s] updated %s %s -> %s\n",
			ts, e.CellName, e.Previous.Preview(60), e.Next.Preview(60))
	}
}

// searchNeedle picks the search term from a question: a quoted span first,
// then a name-like token, then the longest plain word.
func searchNeedle(question string) string {
	for _, quote := range []string{`"`, `'`} {
		if i := strings.Index(question, quote); i >= 0 {
			if j := strings.Index(question[i+1:], quote); j > 0 {
				return question[i+1 : i+1+j]
			}
		}
	}

	if names := extractCandidateNames(question); len(names) > 0 {
		return names[0]
	}

	var best string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		clean := strings.Trim(w, "?.,!;:'\"()")
		if len(clean) <= 3 || searchStopwords[clean] {
			continue
		}
		if len(clean) > len(best) {
			best = clean
		}
	}
	return best
}

var searchStopwords = map[string]bool{
	"cells": true, "cell": true, "find": true, "search": true,
	"which": true, "that": true, "with": true, "contain": true,
	"containing": true, "contains": true, "holding": true, "hold": true,
	"value": true, "values": true, "where": true, "show": true,
	"what": true, "whose": true, "related": true, "about": true,
}

// ---------------------------------------------------------------------------
// ExplainCell
// ---------------------------------------------------------------------------

// ExplainCell generates an AI explanation of one tracked cell.
func (ql *QueryLayer) ExplainCell(ctx context.Context, name string) (string, error) {
	if ql.provider == nil {
		return "", fmt.Errorf("query: no AI provider configured")
	}
	c, ok := ql.ins.GetCell(name)
	if !ok {
		return "", fmt.Errorf("query: cell %q not found", name)
	}

	events := ql.ins.CellEvents(name, 20)
	messages := ai.ExplainCellPrompt(c, events)

	resp, err := ql.provider.Generate(ctx, messages, ai.DefaultGenerateOptions())
	if err != nil {
		return "", fmt.Errorf("query: explain cell: %w", err)
	}
	return resp.Content, nil
}

// ---------------------------------------------------------------------------
// WhyChurning
// ---------------------------------------------------------------------------

// WhyChurning generates an AI diagnosis of why a cell updates so often.
func (ql *QueryLayer) WhyChurning(ctx context.Context, name string) (string, error) {
	if ql.provider == nil {
		return "", fmt.Errorf("query: no AI provider configured")
	}
	c, ok := ql.ins.GetCell(name)
	if !ok {
		return "", fmt.Errorf("query: cell %q not found", name)
	}

	events := ql.ins.CellEvents(name, 50)
	messages := ai.WhyChurningPrompt(c, events)

	opts := ai.DefaultGenerateOptions()
	opts.MaxTokens = 2048

	resp, err := ql.provider.Generate(ctx, messages, opts)
	if err != nil {
		return "", fmt.Errorf("query: churn diagnosis: %w", err)
	}
	return resp.Content, nil
}

// ---------------------------------------------------------------------------
// SimilaritySearch
// ---------------------------------------------------------------------------

// SimilaritySearch finds cells semantically similar to the query.
func (ql *QueryLayer) SimilaritySearch(ctx context.Context, query string, topK int) ([]ai.SimilarityResult, error) {
	if ql.embeddings == nil {
		return nil, fmt.Errorf("query: embedding service not configured")
	}
	return ql.embeddings.SimilaritySearch(ctx, query, topK)
}

// HasEmbeddings reports whether semantic search is available.
func (ql *QueryLayer) HasEmbeddings() bool {
	return ql.embeddings != nil
}

// ---------------------------------------------------------------------------
// Broadcast helper
// ---------------------------------------------------------------------------

func (ql *QueryLayer) broadcastProgress(event string, data interface{}) {
	if ql.broadcaster == nil {
		return
	}
	ql.broadcaster.Broadcast(ai.BroadcastEvent{
		Event: event,
		Data:  data,
	})
}
