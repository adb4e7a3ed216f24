package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
)

// ---------------------------------------------------------------------------
// Prompt templates
// ---------------------------------------------------------------------------

const previewLimit = 200

// ExplainCellPrompt builds a prompt that asks the LLM to explain a tracked
// cell: what it holds, how it behaves over time, and what its history shows.
func ExplainCellPrompt(c state.Cell, events []state.ChangeEvent) []Message {
	var context strings.Builder
	context.WriteString(fmt.Sprintf("Cell: %s\n", c.Name))
	context.WriteString(fmt.Sprintf("Kind: %s\n", c.Kind))
	context.WriteString(fmt.Sprintf("Value kind: %s\n", c.ValueKind()))
	context.WriteString(fmt.Sprintf("Current value: %s\n", c.LastValue.Preview(previewLimit)))
	context.WriteString(fmt.Sprintf("First seen: %s\n", c.AddedAt.Format(time.RFC3339)))
	context.WriteString(fmt.Sprintf("Last updated: %s\n", c.UpdatedAt.Format(time.RFC3339)))
	context.WriteString(fmt.Sprintf("Updates observed: %d\n", c.UpdateCount))

	writeEventLines(&context, events, 20)

	return BuildConversation(
		"You are a debugging assistant for a live application state inspector. "+
			"Explain what this cell likely represents, how its value has evolved, "+
			"and anything notable about its update pattern. Be precise and concise.",
		Message{
			Role:    RoleUser,
			Content: context.String(),
		},
	)
}

// WhyChurningPrompt builds a prompt to diagnose why a cell is updating at a
// high rate, based on its recent change events.
func WhyChurningPrompt(c state.Cell, events []state.ChangeEvent) []Message {
	var context strings.Builder
	context.WriteString(fmt.Sprintf("Cell: %s (kind=%s, value_kind=%s, updates=%d)\n",
		c.Name, c.Kind, c.ValueKind(), c.UpdateCount))
	context.WriteString(fmt.Sprintf("Current value: %s\n", c.LastValue.Preview(previewLimit)))

	writeEventLines(&context, events, 30)

	return BuildConversation(
		"You are a performance analyst for a live application state inspector. "+
			"The cell below is updating frequently. Analyze the change cadence and "+
			"the value deltas, characterise the churn pattern (oscillation, "+
			"monotonic counter, redundant rewrites of equal values, bursts), and "+
			"suggest what in the host application could cause it.",
		Message{
			Role:    RoleUser,
			Content: context.String(),
		},
	)
}

// StateOverviewPrompt builds a prompt to summarise the whole mirrored state.
func StateOverviewPrompt(sum inspector.Summary, cells []state.Cell, recent []state.ChangeEvent) []Message {
	var context strings.Builder
	context.WriteString(fmt.Sprintf("Tracked cells: %d (%d settable, %d derived)\n",
		sum.CellCount, sum.SettableCount, sum.DerivedCount))
	if len(sum.ValueKinds) > 0 {
		context.WriteString("Value kinds:\n")
		for k, n := range sum.ValueKinds {
			context.WriteString(fmt.Sprintf("- %s: %d\n", k, n))
		}
	}
	context.WriteString(fmt.Sprintf("Events seen: %d (dropped: %d)\n",
		sum.EventsSeen, sum.EventsDropped))
	context.WriteString(fmt.Sprintf("Writes: %d requested, %d succeeded\n",
		sum.WritesRequested, sum.WritesSucceeded))

	if len(cells) > 0 {
		context.WriteString("\nCells:\n")
		limit := len(cells)
		if limit > 50 {
			limit = 50
		}
		for _, c := range cells[:limit] {
			context.WriteString(fmt.Sprintf("- %s (%s, %s) = %s\n",
				c.Name, c.Kind, c.ValueKind(), c.LastValue.Preview(60)))
		}
	}

	writeEventLines(&context, recent, 20)

	return BuildConversation(
		"You are a software architect reviewing the live state of a running "+
			"application through its state inspector. Describe what kind of "+
			"application this appears to be, group the cells into logical areas, "+
			"and call out anything unusual (stale async values, hot cells, "+
			"orphaned-looking names).",
		Message{
			Role:    RoleUser,
			Content: context.String(),
		},
	)
}

// StateAssistantPrompt returns the system prompt for freeform questions
// about the mirrored state.
func StateAssistantPrompt() string {
	return `You are CELLSCOPE, an assistant for inspecting the live reactive
state of a running application. The state is a set of named cells: settable
leaves that the host application writes, and derived cells computed from
other cells. Every cell carries a serialized value (null, bool, number,
string, list, map, async, or opaque) plus timestamps and an update count,
and a bounded history of recent change events is kept.

When the user asks about the state, you can:
1. Explain what individual cells hold and how they change.
2. Spot relationships between cells from their names and values.
3. Diagnose churn, stale async values, and suspicious update patterns.
4. Suggest which cells to watch or edit to reproduce a behavior.

Be precise, cite cell names exactly as given, and keep answers concise.
Only state facts supported by the provided state context; say so when the
context is insufficient.`
}

// AgentSystemPrompt returns the system prompt for the tool-using agent that
// investigates the mirrored state step by step.
func AgentSystemPrompt() string {
	return `You are CELLSCOPE, an assistant for inspecting the live reactive
state of a running application. The state is a set of named cells: settable
leaves that the host application writes, and derived cells computed from
other cells. Every cell carries a serialized value (null, bool, number,
string, list, map, async, or opaque) plus timestamps and an update count,
and a bounded history of recent change events is kept.

You answer questions by calling tools to look at the real state. Typical
moves:
1. Start from get_summary or list_cells to see what is tracked.
2. Use search_cells or find_similar to locate cells by name or content.
3. Use get_cell and get_cell_history to inspect one cell in depth.
4. Use get_churn to find cells that update suspiciously often.

Call one or more tools per step until you have enough evidence, then give
a final plain-text answer. Be precise, cite cell names exactly as the
tools return them, and only state facts a tool result supports; say so
when the state does not answer the question.`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// writeEventLines appends up to limit history lines, one per event.
func writeEventLines(b *strings.Builder, events []state.ChangeEvent, limit int) {
	if len(events) == 0 {
		return
	}
	b.WriteString("\nRecent change events (newest first):\n")
	if limit > len(events) {
		limit = len(events)
	}
	for _, e := range events[:limit] {
		b.WriteString(fmt.Sprintf("- [%s] %s %s",
			e.Timestamp.Format("15:04:05.000"), e.Type, e.CellName))
		switch e.Type {
		case state.EventUpdated:
			b.WriteString(fmt.Sprintf(" %s -> %s",
				e.Previous.Preview(60), e.Next.Preview(60)))
		case state.EventAdded:
			b.WriteString(fmt.Sprintf(" = %s", e.Next.Preview(60)))
		case state.EventDisposed:
			b.WriteString(fmt.Sprintf(" (was %s)", e.Previous.Preview(60)))
		}
		b.WriteString("\n")
	}
}
