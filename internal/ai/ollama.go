package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultOllamaModel     = "llama3"
	defaultOllamaEmbedding = "nomic-embed-text"
	ollamaTimeout          = 120 * time.Second
)

// ollamaProvider talks to a local Ollama daemon over its HTTP API. It keeps
// development usable without AWS credentials; quality depends on the model
// pulled locally.
type ollamaProvider struct {
	baseURL        string
	httpClient     *http.Client
	defaultModel   string
	embeddingModel string
}

func newOllamaProvider(cfg ProviderConfig) (*ollamaProvider, error) {
	p := &ollamaProvider{
		baseURL:        strings.TrimRight(cfg.OllamaURL, "/"),
		httpClient:     &http.Client{Timeout: ollamaTimeout},
		defaultModel:   cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}
	if p.defaultModel == "" {
		p.defaultModel = defaultOllamaModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultOllamaEmbedding
	}
	return p, nil
}

func (o *ollamaProvider) Name() string { return "ollama" }

func (o *ollamaProvider) Close() error { return nil }

// Wire types for POST /api/chat and POST /api/embeddings.

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	// The daemon emits float64; Embed narrows to float32 for storage.
	Embedding []float64 `json:"embedding"`
}

// Generate implements Provider with a single non-streaming chat call.
func (o *ollamaProvider) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Message, error) {
	var resp chatResponse
	err := o.postJSON(ctx, "/api/chat", chatRequest{
		Model:    o.resolveModel(opts.Model),
		Messages: flattenTurns(messages),
		Options:  chatTuning(opts),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("ai/ollama: chat: %w", err)
	}
	return &Message{Role: RoleAssistant, Content: resp.Message.Content}, nil
}

// StreamGenerate implements Provider. With stream=true the chat endpoint
// answers with newline-delimited JSON chunks.
func (o *ollamaProvider) StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamDelta, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.resolveModel(opts.Model),
		Messages: flattenTurns(messages),
		Stream:   true,
		Options:  chatTuning(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("ai/ollama: encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai/ollama: build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai/ollama: stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ai/ollama: stream status %d", resp.StatusCode)
	}

	ch := make(chan StreamDelta, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				log.Printf("ai/ollama: bad stream chunk: %v", err)
				continue
			}
			ch <- StreamDelta{Content: chunk.Message.Content, Done: chunk.Done}
			if chunk.Done {
				return
			}
		}
		// Terminal delta even when the connection drops mid-stream.
		ch <- StreamDelta{Done: true}
	}()

	return ch, nil
}

// GenerateWithTools implements Provider. Ollama has no tool_use protocol,
// so tools are described in an injected system prompt and the reply is
// scanned for fenced tool_call JSON.
func (o *ollamaProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []Tool, opts GenerateOptions) (*Message, error) {
	merged := Message{Role: RoleSystem, Content: toolInstructions(tools)}
	turns := make([]Message, 0, len(messages)+1)
	turns = append(turns, merged)
	for _, m := range messages {
		if m.Role == RoleSystem {
			// Fold caller system prompts into the injected one so the
			// conversation keeps a single system turn.
			turns[0].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, m)
	}

	result, err := o.Generate(ctx, turns, opts)
	if err != nil {
		return nil, err
	}
	if calls := extractToolCalls(result.Content); len(calls) > 0 {
		result.ToolCalls = calls
	}
	return result, nil
}

// Embed implements Provider.
func (o *ollamaProvider) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	if model == "" {
		model = o.embeddingModel
	}

	var resp embedResponse
	err := o.postJSON(ctx, "/api/embeddings", embedRequest{Model: model, Prompt: text}, &resp)
	if err != nil {
		return nil, fmt.Errorf("ai/ollama: embeddings: %w", err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (o *ollamaProvider) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(detail))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (o *ollamaProvider) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return o.defaultModel
}

// flattenTurns maps conversation turns onto Ollama's flat role/content
// pairs. Tool calls and call IDs have no representation here and are
// dropped; GenerateWithTools carries them textually instead.
func flattenTurns(msgs []Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func chatTuning(opts GenerateOptions) *chatOptions {
	co := &chatOptions{
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stop:        opts.StopWords,
	}
	if opts.MaxTokens > 0 {
		co.NumPredict = opts.MaxTokens
	}
	return co
}

// toolInstructions renders the tool list as prompt text. The reply protocol
// matches what extractToolCalls parses.
func toolInstructions(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You can call the tools listed below. To call one, answer with a fenced JSON block:\n")
	b.WriteString("```json\n{\"tool_call\": {\"id\": \"<uuid>\", \"name\": \"<tool_name>\", \"arguments\": {<args>}}}\n```\n\n")
	b.WriteString("Tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- **%s**: %s\n  Parameters: %s\n", t.Name, t.Description, string(t.Parameters))
	}
	b.WriteString("\nAnswer with plain text when no tool is needed.\n")
	return b.String()
}

// extractToolCalls scans model output for ```json fences holding a
// tool_call object. Calls without an ID get a generated one so the result
// can be matched back in the conversation.
func extractToolCalls(text string) []ToolCall {
	var calls []ToolCall

	rest := text
	for {
		start := strings.Index(rest, "```json")
		if start == -1 {
			break
		}
		rest = rest[start+7:]
		end := strings.Index(rest, "```")
		if end == -1 {
			break
		}
		block := strings.TrimSpace(rest[:end])
		rest = rest[end+3:]

		var parsed struct {
			ToolCall *struct {
				ID        string          `json:"id"`
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"tool_call"`
		}
		if err := json.Unmarshal([]byte(block), &parsed); err != nil || parsed.ToolCall == nil {
			continue
		}

		id := parsed.ToolCall.ID
		if id == "" {
			id = uuid.New().String()
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      parsed.ToolCall.Name,
			Arguments: string(parsed.ToolCall.Arguments),
		})
	}

	return calls
}
