package ai

import (
	"strings"
	"testing"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
)

func promptText(t *testing.T, msgs []Message) (system, user string) {
	t.Helper()
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (system + user)", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Fatalf("msgs[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[1].Role != RoleUser {
		t.Fatalf("msgs[1].Role = %q, want user", msgs[1].Role)
	}
	return msgs[0].Content, msgs[1].Content
}

func sampleEvents() []state.ChangeEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []state.ChangeEvent{
		{Type: state.EventUpdated, CellName: "score", Timestamp: base.Add(2 * time.Second),
			Previous: codec.Number(10), Next: codec.Number(20)},
		{Type: state.EventAdded, CellName: "score", Timestamp: base,
			Previous: codec.Null(), Next: codec.Number(10)},
	}
}

func TestExplainCellPrompt(t *testing.T) {
	c := *state.NewCell("score", state.KindSettable, "h-1", codec.Number(20))
	c.UpdateCount = 3

	_, user := promptText(t, ExplainCellPrompt(c, sampleEvents()))

	for _, want := range []string{"Cell: score", "Kind: settable", "Value kind: number", "Updates observed: 3"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
	if !strings.Contains(user, "10 -> 20") {
		t.Errorf("prompt missing update delta line:\n%s", user)
	}
}

func TestWhyChurningPrompt(t *testing.T) {
	c := *state.NewCell("system.heartbeat", state.KindSettable, "h-2", codec.Number(941))
	c.UpdateCount = 941

	sys, user := promptText(t, WhyChurningPrompt(c, sampleEvents()))

	if !strings.Contains(sys, "updating frequently") {
		t.Errorf("system prompt does not frame churn:\n%s", sys)
	}
	if !strings.Contains(user, "system.heartbeat") || !strings.Contains(user, "updates=941") {
		t.Errorf("prompt missing cell identity:\n%s", user)
	}
}

func TestStateOverviewPrompt(t *testing.T) {
	sum := inspector.Summary{
		CellCount:     2,
		SettableCount: 1,
		DerivedCount:  1,
		ValueKinds:    map[codec.Kind]int{codec.KindNumber: 2},
	}
	cells := []state.Cell{
		*state.NewCell("score", state.KindSettable, "h-1", codec.Number(10)),
		*state.NewCell("score.doubled", state.KindDerived, "h-2", codec.Number(20)),
	}

	_, user := promptText(t, StateOverviewPrompt(sum, cells, nil))

	if !strings.Contains(user, "Tracked cells: 2 (1 settable, 1 derived)") {
		t.Errorf("prompt missing summary line:\n%s", user)
	}
	if !strings.Contains(user, "score.doubled") {
		t.Errorf("prompt missing cell listing:\n%s", user)
	}
}

func TestStateAssistantPromptMentionsCellModel(t *testing.T) {
	p := StateAssistantPrompt()
	for _, want := range []string{"cells", "derived", "settable"} {
		if !strings.Contains(p, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}
