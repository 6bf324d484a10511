package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrelsec/kestrel/pkg/config"
)

// AnthropicProvider implements Provider against the Anthropic messages
// API. It is the default backing for the deep slot.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    *config.LLMConfig
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("anthropic: config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		cfg:    cfg,
	}, nil
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, functions []FunctionSchema, cc CompletionConfig) (*Response, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	maxTokens := cc.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(maxTokens),
	}
	if cc.Temperature > 0 {
		params.Temperature = anthropic.Float(cc.Temperature)
	}
	if len(cc.StopSequences) > 0 {
		params.StopSequences = cc.StopSequences
	}

	system, converted, err := toAnthropicMessages(messages)
	if err != nil {
		return nil, NewProviderError("anthropic", ErrorMalformed, err)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = converted

	if len(functions) > 0 {
		tools, err := toAnthropicTools(functions)
		if err != nil {
			return nil, NewProviderError("anthropic", ErrorMalformed, err)
		}
		params.Tools = tools
		if cc.ForceFunctionCall {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfAny: &anthropic.ToolChoiceAnyParam{},
			}
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	out := &Response{
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}

	var text string
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			out.Kind = ResponseFunctionCall
			out.CallID = variant.ID
			out.FunctionName = variant.Name
			out.ArgumentsJSON = string(variant.Input)
			return out, nil
		}
	}

	if text == "" {
		out.Kind = ResponseEmpty
		return out, nil
	}

	out.Kind = ResponseTextOnly
	out.Text = text
	return out, nil
}

// ModelName implements Provider.
func (p *AnthropicProvider) ModelName() string { return p.cfg.Model }

// Close implements Provider.
func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError("anthropic", classifyStatus(apiErr.StatusCode), err)
	}
	return NewProviderError("anthropic", ErrorNetwork, err)
}

// toAnthropicMessages splits out the system prompt (Anthropic keeps it
// outside the message list) and converts the rest.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if msg.FunctionName != "" {
				var input map[string]any
				if err := json.Unmarshal([]byte(msg.ArgumentsJSON), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(msg.ToolCallID, input, msg.FunctionName))
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(content...))

		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			return "", nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return system, out, nil
}

func toAnthropicTools(functions []FunctionSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(functions))
	for _, fn := range functions {
		raw, err := json.Marshal(fn.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", fn.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", fn.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, fn.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s: missing tool definition", fn.Name)
		}
		param.OfTool.Description = anthropic.String(fn.Description)
		out = append(out, param)
	}
	return out, nil
}
