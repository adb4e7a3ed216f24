package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider abstracts the model backend. Two implementations exist: Claude
// via AWS Bedrock for production use and a local Ollama daemon for
// development without cloud credentials.
type Provider interface {
	// Generate runs one complete turn and returns the assistant message.
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Message, error)

	// StreamGenerate returns a channel of response chunks. The channel is
	// closed after the final chunk; the caller must drain it.
	StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamDelta, error)

	// GenerateWithTools runs one turn in which the model may answer with
	// tool calls instead of text. The caller executes the calls and feeds
	// the results back as RoleTool messages on a later turn.
	GenerateWithTools(ctx context.Context, messages []Message, tools []Tool, opts GenerateOptions) (*Message, error)

	// Embed maps text to a vector using the given embedding model.
	Embed(ctx context.Context, text string, model string) ([]float32, error)

	Name() string
	Close() error
}

// Role tags a Message with its speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation. Assistant turns may carry tool
// calls; tool turns carry the ID of the call they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool declares a callable function to the model. Parameters holds a JSON
// Schema document describing the argument object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a single invocation requested by the model. Arguments is the
// raw JSON argument object as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamDelta is one chunk of a streamed response. Done marks the final
// chunk, which may also carry a stop reason.
type StreamDelta struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Done       bool       `json:"done"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// GenerateOptions tunes a single request. Zero values fall back to the
// provider's defaults.
type GenerateOptions struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	StopWords   []string `json:"stop_words,omitempty"`
}

// DefaultGenerateOptions suits short analytical answers over state data.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxTokens:   2048,
		Temperature: 0.3,
		TopP:        0.9,
	}
}

// ProviderKind selects a backend implementation.
type ProviderKind string

const (
	ProviderBedrock ProviderKind = "bedrock"
	ProviderOllama  ProviderKind = "ollama"
)

// ProviderConfig carries everything NewProvider needs. Region applies to
// Bedrock and OllamaURL to Ollama; Model and EmbeddingModel override the
// per-backend defaults when set.
type ProviderConfig struct {
	Kind           ProviderKind `json:"kind"`
	Region         string       `json:"region,omitempty"`
	Model          string       `json:"model,omitempty"`
	EmbeddingModel string       `json:"embedding_model,omitempty"`
	OllamaURL      string       `json:"ollama_url,omitempty"`
}

func (c ProviderConfig) Validate() error {
	switch c.Kind {
	case ProviderBedrock:
		if c.Region == "" {
			return fmt.Errorf("ai: bedrock needs an AWS region")
		}
	case ProviderOllama:
		if c.OllamaURL == "" {
			return fmt.Errorf("ai: ollama needs a base URL")
		}
	default:
		return fmt.Errorf("ai: unknown provider kind %q", c.Kind)
	}
	return nil
}

// NewProvider validates cfg and constructs the matching backend.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == ProviderOllama {
		return newOllamaProvider(cfg)
	}
	return newBedrockProvider(ctx, cfg)
}

// BuildConversation prepends a trimmed system turn, when one is given, to
// the remaining turns.
func BuildConversation(system string, turns ...Message) []Message {
	msgs := make([]Message, 0, 1+len(turns))
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: strings.TrimSpace(system)})
	}
	msgs = append(msgs, turns...)
	return msgs
}
