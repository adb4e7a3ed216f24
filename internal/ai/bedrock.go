package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	defaultBedrockModel     = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultBedrockEmbedding = "amazon.titan-embed-text-v2:0"
	titanEmbedDimensions    = 1024
	messagesAPIVersion      = "bedrock-2023-05-31"
)

// bedrockProvider drives Claude through InvokeModel with the Anthropic
// Messages body format, and Titan for embeddings.
type bedrockProvider struct {
	client         *bedrockruntime.Client
	defaultModel   string
	embeddingModel string
}

func newBedrockProvider(ctx context.Context, cfg ProviderConfig) (*bedrockProvider, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: load aws config: %w", err)
	}
	p := &bedrockProvider{
		client:         bedrockruntime.NewFromConfig(awsCfg),
		defaultModel:   cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}
	if p.defaultModel == "" {
		p.defaultModel = defaultBedrockModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultBedrockEmbedding
	}
	return p, nil
}

func (b *bedrockProvider) Name() string { return "bedrock" }

func (b *bedrockProvider) Close() error { return nil }

// Generate implements Provider.
func (b *bedrockProvider) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Message, error) {
	return b.complete(ctx, messages, nil, opts)
}

// GenerateWithTools implements Provider. Tool declarations ride along in the
// request body; any tool_use blocks in the reply come back as ToolCalls.
func (b *bedrockProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []Tool, opts GenerateOptions) (*Message, error) {
	return b.complete(ctx, messages, tools, opts)
}

// complete is the shared non-streaming path.
func (b *bedrockProvider) complete(ctx context.Context, messages []Message, tools []Tool, opts GenerateOptions) (*Message, error) {
	body, err := json.Marshal(b.buildRequest(messages, tools, opts))
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: encode request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.resolveModel(opts.Model)),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: invoke model: %w", err)
	}

	msg, err := parseClaudeMessage(out.Body)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 && len(msg.ToolCalls) > 0 {
		log.Printf("ai/bedrock: model requested %d tool calls", len(msg.ToolCalls))
	}
	return msg, nil
}

// StreamGenerate implements Provider via InvokeModelWithResponseStream.
func (b *bedrockProvider) StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamDelta, error) {
	body, err := json.Marshal(b.buildRequest(messages, nil, opts))
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: encode stream request: %w", err)
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx,
		&bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(b.resolveModel(opts.Model)),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: invoke model stream: %w", err)
	}

	ch := make(chan StreamDelta, 64)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			if chunk, ok := event.(*types.ResponseStreamMemberChunk); ok {
				forwardStreamEvents(chunk.Value.Bytes, ch)
			}
		}
		// The consumer always gets a terminal delta, even on an abrupt end.
		ch <- StreamDelta{Done: true}
	}()

	return ch, nil
}

// forwardStreamEvents decodes one chunk of newline-delimited Claude stream
// events and pushes the interesting ones onto ch.
func forwardStreamEvents(data []byte, ch chan<- StreamDelta) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type       string `json:"type"`
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			// Some chunks arrive as a single JSON object rather than lines.
			if err2 := json.Unmarshal(data, &ev); err2 != nil {
				continue
			}
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				ch <- StreamDelta{Content: ev.Delta.Text}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				ch <- StreamDelta{Done: true, StopReason: ev.Delta.StopReason}
			}
		case "message_stop":
			ch <- StreamDelta{Done: true}
		}
	}
}

// Embed implements Provider using Titan Embedding V2.
func (b *bedrockProvider) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	if model == "" {
		model = b.embeddingModel
	}

	body, err := json.Marshal(titanRequest{
		InputText:  text,
		Dimensions: titanEmbedDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: encode embed request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("ai/bedrock: invoke embed model: %w", err)
	}

	var res titanResponse
	if err := json.Unmarshal(out.Body, &res); err != nil {
		return nil, fmt.Errorf("ai/bedrock: decode embed response: %w", err)
	}
	return res.Embedding, nil
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Wire format of the Anthropic Messages API as accepted by InvokeModel.

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Tools            []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

// claudeBlock is a content block of any type: text, tool_use or tool_result.
// Only the fields matching Type are populated.
type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Content      []claudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
}

func (b *bedrockProvider) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return b.defaultModel
}

func (b *bedrockProvider) buildRequest(messages []Message, tools []Tool, opts GenerateOptions) claudeRequest {
	req := claudeRequest{
		AnthropicVersion: messagesAPIVersion,
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		StopSequences:    opts.StopWords,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 2048
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	// System turns leave the messages array and join the top-level system
	// field; tool results become user-role tool_result blocks, which is how
	// the Messages API expects them.
	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			req.Messages = append(req.Messages, claudeMessage{
				Role:    "user",
				Content: []claudeBlock{{Type: "text", Text: m.Content}},
			})
		case RoleAssistant:
			req.Messages = append(req.Messages, claudeMessage{
				Role:    "assistant",
				Content: assistantBlocks(m),
			})
		case RoleTool:
			req.Messages = append(req.Messages, claudeMessage{
				Role: "user",
				Content: []claudeBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}
	req.System = strings.Join(system, "\n\n")

	return req
}

// assistantBlocks renders an assistant turn. A turn that only carries tool
// calls gets no text block; the API rejects empty text.
func assistantBlocks(m Message) []claudeBlock {
	var blocks []claudeBlock
	if m.Content != "" || len(m.ToolCalls) == 0 {
		blocks = append(blocks, claudeBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, claudeBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: json.RawMessage(tc.Arguments),
		})
	}
	return blocks
}

func parseClaudeMessage(body []byte) (*Message, error) {
	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ai/bedrock: decode response: %w", err)
	}

	msg := &Message{Role: RoleAssistant}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return msg, nil
}
