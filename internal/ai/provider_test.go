package ai

import (
	"context"
	"strings"
	"testing"
)

// stubProvider is an in-process Provider for tests. Generate returns a fixed
// response; Embed maps text to a vector via embedFn.
type stubProvider struct {
	generateResp string
	embedFn      func(text string) []float32
}

func (p *stubProvider) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Message, error) {
	return &Message{Role: RoleAssistant, Content: p.generateResp}, nil
}

func (p *stubProvider) StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamDelta, error) {
	ch := make(chan StreamDelta, 2)
	ch <- StreamDelta{Content: p.generateResp}
	ch <- StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

func (p *stubProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []Tool, opts GenerateOptions) (*Message, error) {
	return &Message{Role: RoleAssistant, Content: p.generateResp}, nil
}

func (p *stubProvider) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	if p.embedFn == nil {
		return []float32{1, 0, 0}, nil
	}
	return p.embedFn(text), nil
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Close() error { return nil }

// --- BuildConversation ---

func TestBuildConversationPrependsSystem(t *testing.T) {
	msgs := BuildConversation("  be brief  ",
		Message{Role: RoleUser, Content: "hello"},
	)

	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("msgs[0].Role = %q, want %q", msgs[0].Role, RoleSystem)
	}
	if msgs[0].Content != "be brief" {
		t.Errorf("system content = %q, want trimmed %q", msgs[0].Content, "be brief")
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "hello" {
		t.Errorf("msgs[1] = %+v, want user hello", msgs[1])
	}
}

func TestBuildConversationEmptySystem(t *testing.T) {
	msgs := BuildConversation("", Message{Role: RoleUser, Content: "q"})
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (no system turn)", len(msgs))
	}
	if msgs[0].Role != RoleUser {
		t.Errorf("msgs[0].Role = %q, want %q", msgs[0].Role, RoleUser)
	}
}

// --- ProviderConfig validation ---

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr bool
	}{
		{"bedrock ok", ProviderConfig{Kind: ProviderBedrock, Region: "us-east-1"}, false},
		{"bedrock missing region", ProviderConfig{Kind: ProviderBedrock}, true},
		{"ollama ok", ProviderConfig{Kind: ProviderOllama, OllamaURL: "http://localhost:11434"}, false},
		{"ollama missing url", ProviderConfig{Kind: ProviderOllama}, true},
		{"unknown kind", ProviderConfig{Kind: "gpt"}, true},
		{"empty kind", ProviderConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProviderRejectsInvalidConfig(t *testing.T) {
	_, err := NewProvider(context.Background(), ProviderConfig{Kind: "nope"})
	if err == nil {
		t.Fatal("NewProvider with unknown kind: want error, got nil")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error %q does not name the bad kind", err)
	}
}

// --- DefaultGenerateOptions ---

func TestDefaultGenerateOptions(t *testing.T) {
	opts := DefaultGenerateOptions()
	if opts.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", opts.MaxTokens)
	}
	if opts.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", opts.Temperature)
	}
}
