package llms

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelsec/kestrel/pkg/config"
)

// OpenAIProvider implements Provider against the OpenAI chat completions
// API. It is the default backing for the fast slot.
type OpenAIProvider struct {
	client *openai.Client
	cfg    *config.LLMConfig
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("openai: config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, functions []FunctionSchema, cc CompletionConfig) (*Response, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: float32(cc.Temperature),
		MaxTokens:   cc.MaxTokens,
		Stop:        cc.StopSequences,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}

	if len(functions) > 0 {
		tools := make([]openai.Tool, len(functions))
		for i, fn := range functions {
			tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        fn.Name,
					Description: fn.Description,
					Parameters:  fn.Parameters,
				},
			}
		}
		req.Tools = tools
		if cc.ForceFunctionCall {
			req.ToolChoice = "required"
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Response{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}

	if len(resp.Choices) == 0 {
		out.Kind = ResponseEmpty
		return out, nil
	}

	choice := resp.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		call := choice.ToolCalls[0]
		out.Kind = ResponseFunctionCall
		out.CallID = call.ID
		out.FunctionName = call.Function.Name
		out.ArgumentsJSON = call.Function.Arguments
		return out, nil
	}

	if choice.Content == "" {
		out.Kind = ResponseEmpty
		return out, nil
	}

	out.Kind = ResponseTextOnly
	out.Text = choice.Content
	return out, nil
}

// ModelName implements Provider.
func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

// Close implements Provider.
func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError("openai", classifyStatus(apiErr.HTTPStatusCode), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError("openai", ErrorNetwork, err)
	}
	return NewProviderError("openai", ErrorNetwork, err)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case RoleAssistant:
			if msg.FunctionName != "" {
				m.ToolCalls = []openai.ToolCall{{
					ID:   msg.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.FunctionName,
						Arguments: msg.ArgumentsJSON,
					},
				}}
			}
		case RoleTool:
			m.ToolCallID = msg.ToolCallID
			m.Name = msg.ToolName
		}
		out = append(out, m)
	}
	return out
}
