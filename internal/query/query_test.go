package query

import (
	"context"
	"strings"
	"testing"

	"github.com/vyuha/cellscope/internal/ai"
	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/state"
)

// fakeProvider answers every generate call with a fixed string. When script
// is set, GenerateWithTools replays it one message per call, then falls back
// to the fixed string.
type fakeProvider struct {
	resp   string
	script []*ai.Message
	calls  int
}

func (p *fakeProvider) Generate(ctx context.Context, messages []ai.Message, opts ai.GenerateOptions) (*ai.Message, error) {
	return &ai.Message{Role: ai.RoleAssistant, Content: p.resp}, nil
}

func (p *fakeProvider) StreamGenerate(ctx context.Context, messages []ai.Message, opts ai.GenerateOptions) (<-chan ai.StreamDelta, error) {
	ch := make(chan ai.StreamDelta, 2)
	ch <- ai.StreamDelta{Content: p.resp}
	ch <- ai.StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) GenerateWithTools(ctx context.Context, messages []ai.Message, tools []ai.Tool, opts ai.GenerateOptions) (*ai.Message, error) {
	if p.calls < len(p.script) {
		msg := p.script[p.calls]
		p.calls++
		return msg, nil
	}
	return &ai.Message{Role: ai.RoleAssistant, Content: p.resp}, nil
}

func (p *fakeProvider) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Close() error { return nil }

type progressCapture struct {
	events []string
}

func (c *progressCapture) Broadcast(ev ai.BroadcastEvent) {
	c.events = append(c.events, ev.Event)
}

// queryRig builds a layer over a small live registry: two settable cells,
// one derived, and a couple of score updates in the history.
func queryRig(t *testing.T) (*QueryLayer, *inspector.Inspector) {
	t.Helper()
	ins := inspector.New(inspector.Config{})
	ins.ObserveAdded("h-name", "user.name", state.KindSettable, codec.String("Agent Smith"))
	ins.ObserveAdded("h-score", "score", state.KindSettable, codec.Number(10))
	ins.ObserveAdded("h-doubled", "score.doubled", state.KindDerived, codec.Number(20))
	ins.ObserveUpdated("h-score", codec.Number(15))
	ins.ObserveUpdated("h-score", codec.Number(25))

	return NewQueryLayer(ins, nil, nil, nil, nil), ins
}

// --- classification ---

func TestClassifyQuestion(t *testing.T) {
	ql, _ := queryRig(t)

	tests := []struct {
		question string
		want     QueryMode
	}{
		{"give me an overview", ModeSummary},
		{"how many cells are tracked?", ModeSummary},
		{"which cells update most frequently?", ModeChurn},
		{"why is score.doubled changing so often?", ModeChurn},
		{"what changed recently?", ModeRecent},
		{"show the history of score", ModeRecent},
		{"find cells containing smith", ModeSearch},
		{"which cells hold numbers?", ModeSearch},
		{"what is the value of score?", ModeValue},
		{"why does the dashboard feel sluggish?", ModeFreeform},
		{"investigate why score keeps climbing", ModeAgent},
		{"diagnose the flapping uplink cell", ModeAgent},
	}

	for _, tt := range tests {
		got := ql.classifyQuestion(tt.question)
		if got.Mode != tt.want {
			t.Errorf("classifyQuestion(%q) = %s, want %s", tt.question, got.Mode, tt.want)
		}
		if got.Confidence <= 0 || got.Reasoning == "" {
			t.Errorf("classifyQuestion(%q) missing confidence/reasoning: %+v", tt.question, got)
		}
	}
}

func TestMatchesAnyGlob(t *testing.T) {
	if !matchesAny("the most updated cells", "most.*updat") {
		t.Error("in-order glob should match")
	}
	if matchesAny("updated the most", "most.*updat") {
		t.Error("out-of-order glob should not match")
	}
	if !matchesAny("plain churn text", "churn") {
		t.Error("plain substring should match")
	}
}

// --- target resolution ---

func TestResolveTargetExactName(t *testing.T) {
	ql, _ := queryRig(t)
	got := ql.resolveTarget(context.Background(), "what is user.name right now?")
	if got != "user.name" {
		t.Errorf("resolveTarget = %q, want user.name", got)
	}
}

func TestResolveTargetFuzzy(t *testing.T) {
	ql, _ := queryRig(t)
	// Mixed case marks "Doubled" as a candidate; substring match lands it.
	got := ql.resolveTarget(context.Background(), "show me the Doubled cell")
	if got != "score.doubled" {
		t.Errorf("resolveTarget = %q, want score.doubled", got)
	}
}

func TestExtractCandidateNames(t *testing.T) {
	names := extractCandidateNames("is user.name or plain words here?")
	if len(names) != 1 || names[0] != "user.name" {
		t.Errorf("extractCandidateNames = %v, want [user.name]", names)
	}
}

func TestSearchNeedle(t *testing.T) {
	tests := []struct {
		question string
		want     string
	}{
		{`find cells containing "Agent Smith"`, "Agent Smith"},
		{"where is user.name stored?", "user.name"},
		{"find cells containing smith", "smith"},
	}
	for _, tt := range tests {
		if got := searchNeedle(tt.question); got != tt.want {
			t.Errorf("searchNeedle(%q) = %q, want %q", tt.question, got, tt.want)
		}
	}
}

// --- mode execution ---

func TestHandleQuestionValue(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "what is the value of user.name?")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeValue {
		t.Fatalf("Mode = %s, want value", res.Mode)
	}
	if !strings.Contains(res.Answer, `user.name = "Agent Smith"`) {
		t.Errorf("answer missing value line:\n%s", res.Answer)
	}
	if len(res.Cells) != 1 || res.Cells[0].Name != "user.name" {
		t.Errorf("Cells = %+v, want single user.name", res.Cells)
	}
	if res.Decision.TargetCell != "user.name" {
		t.Errorf("Decision.TargetCell = %q, want user.name", res.Decision.TargetCell)
	}
}

func TestHandleQuestionRecent(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "what changed recently?")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeRecent {
		t.Fatalf("Mode = %s, want recent", res.Mode)
	}
	// The two score updates; adds do not enter history.
	if len(res.Events) != 2 {
		t.Errorf("len(Events) = %d, want 2", len(res.Events))
	}
	if !strings.Contains(res.Answer, "updated score 15 -> 25") {
		t.Errorf("answer missing newest update:\n%s", res.Answer)
	}
}

func TestHandleQuestionKindSearch(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "which cells hold numbers?")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeSearch {
		t.Fatalf("Mode = %s, want search", res.Mode)
	}
	if len(res.Cells) != 2 {
		t.Fatalf("len(Cells) = %d, want 2 number cells", len(res.Cells))
	}
	if !strings.Contains(res.Answer, "Cells holding number values (2):") {
		t.Errorf("answer missing header:\n%s", res.Answer)
	}
}

func TestHandleQuestionValueSearch(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "find cells containing smith")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeSearch {
		t.Fatalf("Mode = %s, want search", res.Mode)
	}
	if len(res.Cells) != 1 || res.Cells[0].Name != "user.name" {
		t.Errorf("Cells = %+v, want single user.name", res.Cells)
	}
}

func TestHandleQuestionChurnInMemory(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "which cells churn the most?")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeChurn {
		t.Fatalf("Mode = %s, want churn", res.Mode)
	}
	// Only score has live updates; store is nil so ranking is in-memory.
	if len(res.Cells) != 1 || res.Cells[0].Name != "score" {
		t.Errorf("Cells = %+v, want single score", res.Cells)
	}
	if !strings.Contains(res.Answer, "1. score: 2 updates") {
		t.Errorf("answer missing ranking:\n%s", res.Answer)
	}
}

func TestHandleQuestionFreeformFallsBackToSummary(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "please reflect on everything")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeSummary {
		t.Fatalf("Mode = %s, want summary fallback without a provider", res.Mode)
	}
	if !strings.Contains(res.Answer, "Tracked cells: 3 (2 settable, 1 derived)") {
		t.Errorf("answer missing counts:\n%s", res.Answer)
	}
	if res.Decision.Mode != ModeFreeform {
		t.Errorf("Decision.Mode = %s, want freeform", res.Decision.Mode)
	}
}

func TestHandleQuestionFreeformWithProvider(t *testing.T) {
	_, ins := queryRig(t)
	ql := NewQueryLayer(ins, nil, &fakeProvider{resp: "the state looks healthy"}, nil, nil)

	res, err := ql.HandleQuestion(context.Background(), "ponder the meaning of this graph")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeFreeform {
		t.Fatalf("Mode = %s, want freeform", res.Mode)
	}
	if res.Answer != "the state looks healthy" {
		t.Errorf("Answer = %q, want provider response", res.Answer)
	}
}

func TestHandleQuestionBroadcastsProgress(t *testing.T) {
	_, ins := queryRig(t)
	bc := &progressCapture{}
	ql := NewQueryLayer(ins, nil, nil, nil, bc)

	if _, err := ql.HandleQuestion(context.Background(), "overview please"); err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}

	want := []string{"query_start", "query_classified", "query_done"}
	if len(bc.events) != len(want) {
		t.Fatalf("events = %v, want %v", bc.events, want)
	}
	for i, ev := range want {
		if bc.events[i] != ev {
			t.Errorf("events[%d] = %q, want %q", i, bc.events[i], ev)
		}
	}
}

// --- agent mode ---

func TestAgentRunExecutesTools(t *testing.T) {
	_, ins := queryRig(t)
	bc := &progressCapture{}
	provider := &fakeProvider{
		resp: "score churns because the host rewrites it every tick",
		script: []*ai.Message{
			{
				Role:    ai.RoleAssistant,
				Content: "Checking churn and the cell itself.",
				ToolCalls: []ai.ToolCall{
					{ID: "tc-1", Name: "get_churn", Arguments: "{}"},
					{ID: "tc-2", Name: "get_cell", Arguments: `{"name":"score"}`},
				},
			},
		},
	}
	agent := NewStateAgent(provider, ins, nil, nil, bc)

	run, err := agent.Run(context.Background(), "investigate score churn")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Answer != "score churns because the host rewrites it every tick" {
		t.Errorf("Answer = %q, want scripted final answer", run.Answer)
	}
	// Step 1 executes the two tools, step 2 is the final answer.
	if len(run.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(run.Steps))
	}
	if got := len(run.Steps[0].Results); got != 2 {
		t.Fatalf("step 1 results = %d, want 2", got)
	}
	if !strings.Contains(run.Steps[0].Results[0], "1. score: 2 updates") {
		t.Errorf("get_churn result missing ranking:\n%s", run.Steps[0].Results[0])
	}
	if !strings.Contains(run.Steps[0].Results[1], "Current value: 25") {
		t.Errorf("get_cell result missing value:\n%s", run.Steps[0].Results[1])
	}

	want := []string{
		"agent_start", "agent_step",
		"agent_tool_call", "agent_tool_result",
		"agent_tool_call", "agent_tool_result",
		"agent_step", "agent_done",
	}
	if len(bc.events) != len(want) {
		t.Fatalf("events = %v, want %v", bc.events, want)
	}
	for i, ev := range want {
		if bc.events[i] != ev {
			t.Errorf("events[%d] = %q, want %q", i, bc.events[i], ev)
		}
	}
}

func TestAgentRunStepLimit(t *testing.T) {
	_, ins := queryRig(t)

	// Every scripted turn requests another tool call, so the loop runs out of
	// steps and asks for a plain final answer.
	script := make([]*ai.Message, maxAgentSteps)
	for i := range script {
		script[i] = &ai.Message{
			Role:      ai.RoleAssistant,
			ToolCalls: []ai.ToolCall{{ID: "tc", Name: "get_summary", Arguments: "{}"}},
		}
	}
	provider := &fakeProvider{resp: "best effort answer", script: script}
	agent := NewStateAgent(provider, ins, nil, nil, nil)

	run, err := agent.Run(context.Background(), "keep digging")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Steps) != maxAgentSteps {
		t.Errorf("len(Steps) = %d, want %d", len(run.Steps), maxAgentSteps)
	}
	if run.Answer != "best effort answer" {
		t.Errorf("Answer = %q, want fallback summary answer", run.Answer)
	}
}

func TestAgentToolErrorsBecomeResults(t *testing.T) {
	_, ins := queryRig(t)
	provider := &fakeProvider{
		resp: "done",
		script: []*ai.Message{
			{
				Role:      ai.RoleAssistant,
				ToolCalls: []ai.ToolCall{{ID: "tc-1", Name: "read_tea_leaves", Arguments: "{}"}},
			},
		},
	}
	agent := NewStateAgent(provider, ins, nil, nil, nil)

	run, err := agent.Run(context.Background(), "use a tool that does not exist")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Steps) < 1 || len(run.Steps[0].Results) != 1 {
		t.Fatalf("Steps = %+v, want one result in step 1", run.Steps)
	}
	if !strings.Contains(run.Steps[0].Results[0], `unknown tool "read_tea_leaves"`) {
		t.Errorf("result = %q, want unknown tool error", run.Steps[0].Results[0])
	}
}

func TestAgentToolGetCellFuzzy(t *testing.T) {
	_, ins := queryRig(t)
	agent := NewStateAgent(nil, ins, nil, nil, nil)

	out, err := agent.executeTool(context.Background(),
		ai.ToolCall{Name: "get_cell", Arguments: `{"name":"Doubled"}`})
	if err != nil {
		t.Fatalf("executeTool: %v", err)
	}
	if !strings.Contains(out, "score.doubled (kind=derived") {
		t.Errorf("get_cell output missing resolved cell:\n%s", out)
	}
}

func TestAgentToolSearchCellsByKind(t *testing.T) {
	_, ins := queryRig(t)
	agent := NewStateAgent(nil, ins, nil, nil, nil)

	out, err := agent.executeTool(context.Background(),
		ai.ToolCall{Name: "search_cells", Arguments: `{"value_kind":"number"}`})
	if err != nil {
		t.Fatalf("executeTool: %v", err)
	}
	if !strings.Contains(out, "score (settable, number)") ||
		!strings.Contains(out, "score.doubled (derived, number)") {
		t.Errorf("search_cells output missing number cells:\n%s", out)
	}

	if _, err := agent.executeTool(context.Background(),
		ai.ToolCall{Name: "search_cells", Arguments: `{}`}); err == nil {
		t.Error("search_cells with no args: want error, got nil")
	}
}

func TestAgentToolFindSimilarUnavailable(t *testing.T) {
	_, ins := queryRig(t)
	agent := NewStateAgent(nil, ins, nil, nil, nil)

	out, err := agent.executeTool(context.Background(),
		ai.ToolCall{Name: "find_similar", Arguments: `{"query":"player stats"}`})
	if err != nil {
		t.Fatalf("executeTool: %v", err)
	}
	if !strings.Contains(out, "not available") {
		t.Errorf("find_similar output = %q, want unavailable notice", out)
	}
}

func TestHandleQuestionAgent(t *testing.T) {
	_, ins := queryRig(t)
	provider := &fakeProvider{
		resp: "the score cell is hot",
		script: []*ai.Message{
			{
				Role:      ai.RoleAssistant,
				ToolCalls: []ai.ToolCall{{ID: "tc-1", Name: "get_summary", Arguments: "{}"}},
			},
		},
	}
	ql := NewQueryLayer(ins, nil, provider, nil, nil)

	res, err := ql.HandleQuestion(context.Background(), "investigate why score churns")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	if res.Mode != ModeAgent {
		t.Fatalf("Mode = %s, want agent", res.Mode)
	}
	if res.Answer != "the score cell is hot" {
		t.Errorf("Answer = %q, want final agent answer", res.Answer)
	}
	if res.AgentRun == nil || len(res.AgentRun.Steps) != 2 {
		t.Fatalf("AgentRun = %+v, want two steps", res.AgentRun)
	}
	if !strings.Contains(res.AgentRun.Steps[0].Results[0], "Tracked cells: 3 (2 settable, 1 derived)") {
		t.Errorf("get_summary result missing counts:\n%s", res.AgentRun.Steps[0].Results[0])
	}
}

func TestHandleQuestionAgentFallsBackWithoutProvider(t *testing.T) {
	ql, _ := queryRig(t)

	res, err := ql.HandleQuestion(context.Background(), "investigate everything")
	if err != nil {
		t.Fatalf("HandleQuestion: %v", err)
	}
	// No provider: agent degrades to freeform, freeform degrades to summary.
	if res.Mode != ModeSummary {
		t.Fatalf("Mode = %s, want summary fallback", res.Mode)
	}
	if res.Decision.Mode != ModeAgent {
		t.Errorf("Decision.Mode = %s, want agent", res.Decision.Mode)
	}
}

// --- convenience wrappers ---

func TestExplainCellRequiresProvider(t *testing.T) {
	ql, _ := queryRig(t)
	if _, err := ql.ExplainCell(context.Background(), "score"); err == nil {
		t.Fatal("ExplainCell without provider: want error, got nil")
	}
}

func TestExplainCellWithProvider(t *testing.T) {
	_, ins := queryRig(t)
	ql := NewQueryLayer(ins, nil, &fakeProvider{resp: "score holds the player total"}, nil, nil)

	got, err := ql.ExplainCell(context.Background(), "score")
	if err != nil {
		t.Fatalf("ExplainCell: %v", err)
	}
	if got != "score holds the player total" {
		t.Errorf("ExplainCell = %q, want provider response", got)
	}

	if _, err := ql.ExplainCell(context.Background(), "ghost"); err == nil {
		t.Error("ExplainCell(ghost): want error, got nil")
	}
}

func TestWhyChurningWithProvider(t *testing.T) {
	_, ins := queryRig(t)
	ql := NewQueryLayer(ins, nil, &fakeProvider{resp: "a timer drives it"}, nil, nil)

	got, err := ql.WhyChurning(context.Background(), "score")
	if err != nil {
		t.Fatalf("WhyChurning: %v", err)
	}
	if got != "a timer drives it" {
		t.Errorf("WhyChurning = %q, want provider response", got)
	}
}

func TestSimilaritySearchRequiresEmbeddings(t *testing.T) {
	ql, _ := queryRig(t)
	if _, err := ql.SimilaritySearch(context.Background(), "anything", 5); err == nil {
		t.Fatal("SimilaritySearch without embeddings: want error, got nil")
	}
}
