package query

import (
	"context"
	"encoding/json"
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
// Agent
// ---------------------------------------------------------------------------

const maxAgentSteps = 6

// AgentTool wraps an ai.Tool with its execution function.
type AgentTool struct {
	Definition ai.Tool
	Execute    func(ctx context.Context, args string) (string, error)
}

// AgentStep records a single iteration of the tool-use loop.
type AgentStep struct {
	StepNum   int           `json:"step"`
	ToolCalls []ai.ToolCall `json:"tool_calls,omitempty"`
	Results   []string      `json:"results,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AgentRun holds the complete result of an agent execution.
type AgentRun struct {
	Question string        `json:"question"`
	Answer   string        `json:"answer"`
	Steps    []AgentStep   `json:"steps"`
	Duration time.Duration `json:"duration_ms"`
}

// StateAgent answers questions about the mirrored state with tool calls
// backed by the live registry, the archive, and the embedding index.
type StateAgent struct {
	provider    ai.Provider
	ins         *inspector.Inspector
	store       *storage.Storage
	embeddings  *ai.EmbeddingService
	broadcaster ai.Broadcaster
	tools       []AgentTool
}

// NewStateAgent creates an agent wired to all required dependencies. store
// and embeddings may be nil; the affected tools degrade to explanatory
// results instead of failing.
func NewStateAgent(
	provider ai.Provider,
	ins *inspector.Inspector,
	store *storage.Storage,
	embeddings *ai.EmbeddingService,
	broadcaster ai.Broadcaster,
) *StateAgent {
	a := &StateAgent{
		provider:    provider,
		ins:         ins,
		store:       store,
		embeddings:  embeddings,
		broadcaster: broadcaster,
	}
	a.tools = a.buildTools()
	return a
}

// ---------------------------------------------------------------------------
// Run — main agent loop
// ---------------------------------------------------------------------------

// Run executes the agent loop for the given question. It sends SSE progress
// events via the broadcaster and returns the full AgentRun.
func (a *StateAgent) Run(ctx context.Context, question string) (*AgentRun, error) {
	start := time.Now()

	a.broadcast("agent_start", map[string]string{
		"question": question,
	})

	// Build initial conversation.
	messages := ai.BuildConversation(ai.AgentSystemPrompt(),
		ai.Message{Role: ai.RoleUser, Content: question},
	)

	// Convert tools to ai.Tool slice.
	aiTools := make([]ai.Tool, len(a.tools))
	for i, t := range a.tools {
		aiTools[i] = t.Definition
	}

	opts := ai.DefaultGenerateOptions()
	opts.MaxTokens = 4096
	opts.Temperature = 0.2

	var steps []AgentStep

	for step := 0; step < maxAgentSteps; step++ {
		a.broadcast("agent_step", map[string]interface{}{
			"step":  step + 1,
			"total": maxAgentSteps,
		})

		resp, err := a.provider.GenerateWithTools(ctx, messages, aiTools, opts)
		if err != nil {
			a.broadcast("agent_error", map[string]string{"error": err.Error()})
			return nil, fmt.Errorf("query/agent: step %d generate error: %w", step+1, err)
		}

		// If there are no tool calls, the model has produced a final answer.
		if len(resp.ToolCalls) == 0 {
			steps = append(steps, AgentStep{
				StepNum:   step + 1,
				Reasoning: resp.Content,
				Timestamp: time.Now(),
			})

			run := &AgentRun{
				Question: question,
				Answer:   resp.Content,
				Steps:    steps,
				Duration: time.Since(start),
			}

			a.broadcast("agent_done", map[string]interface{}{
				"answer": resp.Content,
				"steps":  len(steps),
			})

			return run, nil
		}

		// Execute each tool call.
		stepRecord := AgentStep{
			StepNum:   step + 1,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		}

		// Append assistant message with tool calls.
		messages = append(messages, *resp)

		for _, tc := range resp.ToolCalls {
			a.broadcast("agent_tool_call", map[string]string{
				"tool": tc.Name,
				"args": tc.Arguments,
			})

			result, execErr := a.executeTool(ctx, tc)
			if execErr != nil {
				result = fmt.Sprintf("Error: %v", execErr)
			}

			stepRecord.Results = append(stepRecord.Results, result)

			// Append tool response message.
			messages = append(messages, ai.Message{
				Role:       ai.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})

			a.broadcast("agent_tool_result", map[string]interface{}{
				"tool":   tc.Name,
				"length": len(result),
			})
		}

		steps = append(steps, stepRecord)
	}

	// If we exhausted steps, ask for a final summary.
	messages = append(messages, ai.Message{
		Role:    ai.RoleUser,
		Content: "You've used all available tool steps. Please provide your best answer with the information gathered so far.",
	})

	resp, err := a.provider.Generate(ctx, messages, opts)
	if err != nil {
		return nil, fmt.Errorf("query/agent: final summary error: %w", err)
	}

	run := &AgentRun{
		Question: question,
		Answer:   resp.Content,
		Steps:    steps,
		Duration: time.Since(start),
	}

	a.broadcast("agent_done", map[string]interface{}{
		"answer": resp.Content,
		"steps":  len(steps),
	})

	return run, nil
}

// ---------------------------------------------------------------------------
// Tool execution
// ---------------------------------------------------------------------------

func (a *StateAgent) executeTool(ctx context.Context, tc ai.ToolCall) (string, error) {
	for _, t := range a.tools {
		if t.Definition.Name == tc.Name {
			return t.Execute(ctx, tc.Arguments)
		}
	}
	return "", fmt.Errorf("unknown tool %q", tc.Name)
}

// ---------------------------------------------------------------------------
// Tool definitions
// ---------------------------------------------------------------------------

func (a *StateAgent) buildTools() []AgentTool {
	return []AgentTool{
		a.toolGetSummary(),
		a.toolListCells(),
		a.toolGetCell(),
		a.toolGetCellHistory(),
		a.toolSearchCells(),
		a.toolGetChurn(),
		a.toolFindSimilar(),
	}
}

// -- get_summary ------------------------------------------------------------

func (a *StateAgent) toolGetSummary() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "get_summary",
			Description: "Get counts for the whole mirrored state: tracked cells by kind, history size, write statistics, and cells per value kind.",
			Parameters: mustJSON(map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			sum := a.ins.GetSummary()

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("Tracked cells: %d (%d settable, %d derived)\n",
				sum.CellCount, sum.SettableCount, sum.DerivedCount))
			sb.WriteString(fmt.Sprintf("History entries: %d\n", sum.HistoryEntryCount))
			sb.WriteString(fmt.Sprintf("Events seen: %d (dropped: %d)\n",
				sum.EventsSeen, sum.EventsDropped))
			sb.WriteString(fmt.Sprintf("Writes: %d requested, %d succeeded\n",
				sum.WritesRequested, sum.WritesSucceeded))

			if len(sum.ValueKinds) > 0 {
				sb.WriteString("Cells by value kind:\n")
				kinds := make([]string, 0, len(sum.ValueKinds))
				for k := range sum.ValueKinds {
					kinds = append(kinds, string(k))
				}
				sort.Strings(kinds)
				for _, k := range kinds {
					sb.WriteString(fmt.Sprintf("- %s: %d\n", k, sum.ValueKinds[codec.Kind(k)]))
				}
			}
			return sb.String(), nil
		},
	}
}

// -- list_cells -------------------------------------------------------------

func (a *StateAgent) toolListCells() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "list_cells",
			Description: "List tracked cells with kind, value kind, and a value preview. Optionally filter by name prefix.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"prefix": map[string]interface{}{
						"type":        "string",
						"description": "Only list cells whose name starts with this prefix",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of cells to return (default 50)",
					},
				},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Prefix string `json:"prefix"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if p.Limit <= 0 {
				p.Limit = 50
			}

			cells := a.ins.Cells()
			sort.Slice(cells, func(i, j int) bool { return cells[i].Name < cells[j].Name })

			var matches []state.Cell
			for _, c := range cells {
				if p.Prefix != "" && !strings.HasPrefix(c.Name, p.Prefix) {
					continue
				}
				matches = append(matches, c)
				if len(matches) >= p.Limit {
					break
				}
			}
			if len(matches) == 0 {
				if p.Prefix != "" {
					return "No cells found with prefix: " + p.Prefix, nil
				}
				return "No cells tracked yet.", nil
			}
			return formatCellList(matches), nil
		},
	}
}

// -- get_cell ---------------------------------------------------------------

func (a *StateAgent) toolGetCell() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "get_cell",
			Description: "Get a detailed view of one cell: kind, current value, timestamps, update count, and its most recent changes.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Name of the cell (partial names are matched case-insensitively)",
					},
				},
				"required": []string{"name"},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}

			c, ok := a.resolveCell(p.Name)
			if !ok {
				return "No cell found matching: " + p.Name + ". Use list_cells or search_cells to find the right name.", nil
			}

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("%s (kind=%s, handle=%s)\n", c.Name, c.Kind, c.Handle))
			sb.WriteString(fmt.Sprintf("Value kind: %s\n", c.ValueKind()))
			sb.WriteString(fmt.Sprintf("Current value: %s\n", c.LastValue.Preview(400)))
			sb.WriteString(fmt.Sprintf("First seen: %s, last updated: %s\n",
				c.AddedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339)))
			sb.WriteString(fmt.Sprintf("Updates observed: %d\n", c.UpdateCount))

			if events := a.ins.CellEvents(c.Name, 5); len(events) > 0 {
				sb.WriteString("\nRecent changes (newest first):\n")
				for _, e := range events {
					sb.WriteString(formatEventLine(e))
				}
			}
			return sb.String(), nil
		},
	}
}

// -- get_cell_history -------------------------------------------------------

func (a *StateAgent) toolGetCellHistory() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "get_cell_history",
			Description: "Get the recorded change events for one cell, newest first, with previous and next values.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Name of the cell",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of events to return (default 20)",
					},
				},
				"required": []string{"name"},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Name  string `json:"name"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if p.Limit <= 0 {
				p.Limit = 20
			}

			c, ok := a.resolveCell(p.Name)
			if !ok {
				return "No cell found matching: " + p.Name, nil
			}

			events := a.ins.CellEvents(c.Name, p.Limit)
			if len(events) == 0 {
				return "No recorded changes for cell: " + c.Name, nil
			}

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("Changes to %s (newest first):\n", c.Name))
			for _, e := range events {
				sb.WriteString(formatEventLine(e))
			}
			return sb.String(), nil
		},
	}
}

// -- search_cells -----------------------------------------------------------

func (a *StateAgent) toolSearchCells() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "search_cells",
			Description: "Search tracked cells by a text fragment of their name or serialized value, or list all cells of one value kind.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Text to look for in cell names and values",
					},
					"value_kind": map[string]interface{}{
						"type":        "string",
						"description": "Restrict to one value kind: null, bool, number, string, list, map, async, or opaque",
					},
				},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query     string `json:"query"`
				ValueKind string `json:"value_kind"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if p.Query == "" && p.ValueKind == "" {
				return "", fmt.Errorf("either query or value_kind is required")
			}

			if p.ValueKind != "" {
				kind := codec.Kind(strings.ToLower(p.ValueKind))
				names := a.ins.FindByValueKind(kind)
				if len(names) == 0 {
					return "No cells holding " + string(kind) + " values.", nil
				}
				return formatCellList(a.cellsByName(names)), nil
			}

			seen := make(map[string]bool)
			var names []string
			for _, n := range a.ins.FindContaining(p.Query) {
				if !seen[n] {
					seen[n] = true
					names = append(names, n)
				}
			}
			lower := strings.ToLower(p.Query)
			for _, n := range a.ins.ListNames() {
				if !seen[n] && strings.Contains(strings.ToLower(n), lower) {
					seen[n] = true
					names = append(names, n)
				}
			}
			if len(names) == 0 {
				return "No cells matched: " + p.Query, nil
			}
			return formatCellList(a.cellsByName(names)), nil
		},
	}
}

// -- get_churn --------------------------------------------------------------

func (a *StateAgent) toolGetChurn() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "get_churn",
			Description: "Rank the most frequently updated cells, from the archive when available or from live update counts otherwise.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"window_hours": map[string]interface{}{
						"type":        "integer",
						"description": "Archive window to rank over, in hours (default 24)",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of cells to return (default 10)",
					},
				},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				WindowHours int `json:"window_hours"`
				Limit       int `json:"limit"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if p.WindowHours <= 0 {
				p.WindowHours = 24
			}
			if p.Limit <= 0 {
				p.Limit = 10
			}

			if a.store != nil {
				stats, err := a.store.TopChurningCells(ctx,
					time.Duration(p.WindowHours)*time.Hour, p.Limit)
				if err != nil {
					return "", err
				}
				if len(stats) > 0 {
					var sb strings.Builder
					sb.WriteString(fmt.Sprintf("Most frequently updated cells (last %dh):\n", p.WindowHours))
					for i, s := range stats {
						sb.WriteString(fmt.Sprintf("%d. %s: %d updates (last %s)\n",
							i+1, s.CellName, s.UpdateCount,
							s.LastUpdate.Format("2006-01-02 15:04:05")))
					}
					return sb.String(), nil
				}
			}

			// No archive, or nothing persisted yet: rank live update counts.
			cells := a.ins.Cells()
			sort.Slice(cells, func(i, j int) bool {
				return cells[i].UpdateCount > cells[j].UpdateCount
			})

			var sb strings.Builder
			count := 0
			for _, c := range cells {
				if c.UpdateCount == 0 {
					continue
				}
				count++
				if count == 1 {
					sb.WriteString("Most frequently updated cells (since start):\n")
				}
				sb.WriteString(fmt.Sprintf("%d. %s: %d updates (last %s)\n",
					count, c.Name, c.UpdateCount, c.UpdatedAt.Format("15:04:05")))
				if count >= p.Limit {
					break
				}
			}
			if count == 0 {
				return "No cell updates observed yet.", nil
			}
			return sb.String(), nil
		},
	}
}

// -- find_similar -----------------------------------------------------------

func (a *StateAgent) toolFindSimilar() AgentTool {
	return AgentTool{
		Definition: ai.Tool{
			Name:        "find_similar",
			Description: "Find cells semantically similar to a description, using the embedding index.",
			Parameters: mustJSON(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Natural-language description of the cells to find",
					},
					"top_k": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of matches to return (default 5)",
					},
				},
				"required": []string{"query"},
			}),
		},
		Execute: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query string `json:"query"`
				TopK  int    `json:"top_k"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if p.TopK <= 0 {
				p.TopK = 5
			}

			if a.embeddings == nil {
				return "Semantic search is not available; use search_cells instead.", nil
			}

			matches, err := a.embeddings.SimilaritySearch(ctx, p.Query, p.TopK)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No similar cells found for: " + p.Query, nil
			}

			var sb strings.Builder
			sb.WriteString("Semantically similar cells:\n")
			for _, m := range matches {
				sb.WriteString(fmt.Sprintf("- %s (%s, score %.2f)\n",
					m.CellName, m.CellKind, m.Score))
			}
			return sb.String(), nil
		},
	}
}

// ---------------------------------------------------------------------------
// Lookup and formatting helpers
// ---------------------------------------------------------------------------

// resolveCell finds a cell by exact name first, then case-insensitive equal,
// then substring match.
func (a *StateAgent) resolveCell(name string) (state.Cell, bool) {
	if c, ok := a.ins.GetCell(name); ok {
		return c, true
	}
	lower := strings.ToLower(name)
	names := a.ins.ListNames()
	for _, n := range names {
		if strings.ToLower(n) == lower {
			return a.ins.GetCell(n)
		}
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), lower) {
			return a.ins.GetCell(n)
		}
	}
	return state.Cell{}, false
}

// cellsByName resolves a list of names against the registry, skipping cells
// disposed since the names were collected.
func (a *StateAgent) cellsByName(names []string) []state.Cell {
	cells := make([]state.Cell, 0, len(names))
	for _, n := range names {
		if c, ok := a.ins.GetCell(n); ok {
			cells = append(cells, c)
		}
	}
	return cells
}

func formatCellList(cells []state.Cell) string {
	var sb strings.Builder
	for _, c := range cells {
		sb.WriteString(fmt.Sprintf("- %s (%s, %s) = %s",
			c.Name, c.Kind, c.ValueKind(), c.LastValue.Preview(80)))
		if c.UpdateCount > 0 {
			sb.WriteString(fmt.Sprintf(", updates=%d", c.UpdateCount))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("query/agent: mustJSON: %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// broadcast helper
// ---------------------------------------------------------------------------

func (a *StateAgent) broadcast(event string, data interface{}) {
	if a.broadcaster == nil {
		return
	}
	a.broadcaster.Broadcast(ai.BroadcastEvent{
		Event: event,
		Data:  data,
	})
}
