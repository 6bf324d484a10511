// Package llms abstracts function-calling-capable LLM backends behind a
// single Provider interface. Two routed implementations back it: a fast
// tactical model and a deep strategic model. An Ollama implementation
// serves locally-hosted models; the agent loop is indifferent.
package llms

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one element of the conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID and ToolName link a tool-role message to the function
	// call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// FunctionName and ArgumentsJSON record an assistant-issued call so
	// the transcript replays correctly across providers.
	FunctionName  string `json:"function_name,omitempty"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// FunctionSchema describes one callable function in the provider-neutral
// JSON-schema form every backend accepts.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionConfig carries per-call generation settings.
type CompletionConfig struct {
	Temperature       float64
	MaxTokens         int
	StopSequences     []string
	ForceFunctionCall bool
}

// ResponseKind tags the provider response variant.
type ResponseKind string

const (
	ResponseTextOnly     ResponseKind = "text"
	ResponseFunctionCall ResponseKind = "function_call"
	ResponseEmpty        ResponseKind = "empty"
)

// Response is the tagged result of one completion.
// ArgumentsJSON may be malformed; callers must handle parse failure.
type Response struct {
	Kind ResponseKind

	// Text is set for ResponseTextOnly.
	Text string

	// FunctionName, CallID and ArgumentsJSON are set for ResponseFunctionCall.
	FunctionName  string
	CallID        string
	ArgumentsJSON string

	TokensIn  int
	TokensOut int
}

// Provider is a function-calling-capable LLM backend.
type Provider interface {
	// Complete runs one completion over the transcript. The context
	// carries cancellation and the deadline; implementations must
	// terminate the request when it fires.
	Complete(ctx context.Context, messages []Message, functions []FunctionSchema, cfg CompletionConfig) (*Response, error)

	// ModelName returns the backing model identifier.
	ModelName() string

	Close() error
}
