package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/config"
)

// OllamaProvider implements Provider against a locally-hosted Ollama
// server's /api/chat endpoint. There is no Go SDK worth carrying; the API
// is a single JSON POST.
type OllamaProvider struct {
	cfg    *config.LLMConfig
	client *http.Client
	host   string
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider creates a provider from config.
func NewOllamaProvider(cfg *config.LLMConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ollama: config is required")
	}
	host := cfg.BaseURL
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaProvider{
		cfg:    cfg,
		client: &http.Client{},
		host:   host,
	}, nil
}

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, messages []Message, functions []FunctionSchema, cc CompletionConfig) (*Response, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req := ollamaChatRequest{
		Model:  p.cfg.Model,
		Stream: false,
		Options: map[string]any{
			"temperature": cc.Temperature,
		},
	}
	if cc.MaxTokens > 0 {
		req.Options["num_predict"] = cc.MaxTokens
	}
	if len(cc.StopSequences) > 0 {
		req.Options["stop"] = cc.StopSequences
	}

	for _, msg := range messages {
		m := ollamaMessage{Role: string(msg.Role), Content: msg.Content}
		out := &m
		if msg.Role == RoleAssistant && msg.FunctionName != "" {
			var call ollamaToolCall
			call.Function.Name = msg.FunctionName
			call.Function.Arguments = json.RawMessage(msg.ArgumentsJSON)
			out.ToolCalls = []ollamaToolCall{call}
		}
		req.Messages = append(req.Messages, *out)
	}

	for _, fn := range functions {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewProviderError("ollama", ErrorMalformed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", ErrorMalformed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", ErrorNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, NewProviderError("ollama", classifyStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, NewProviderError("ollama", ErrorMalformed, err)
	}
	if chat.Error != "" {
		return nil, NewProviderError("ollama", ErrorModelUnavailable, fmt.Errorf("%s", chat.Error))
	}

	out := &Response{
		TokensIn:  chat.PromptEvalCount,
		TokensOut: chat.EvalCount,
	}

	if len(chat.Message.ToolCalls) > 0 {
		call := chat.Message.ToolCalls[0]
		out.Kind = ResponseFunctionCall
		out.FunctionName = call.Function.Name
		out.ArgumentsJSON = string(call.Function.Arguments)
		return out, nil
	}
	if chat.Message.Content == "" {
		out.Kind = ResponseEmpty
		return out, nil
	}

	out.Kind = ResponseTextOnly
	out.Text = chat.Message.Content
	return out, nil
}

// ModelName implements Provider.
func (p *OllamaProvider) ModelName() string { return p.cfg.Model }

// Close implements Provider.
func (p *OllamaProvider) Close() error { return nil }
