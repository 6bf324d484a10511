// Package scan owns the scan lifecycle: the controller that creates and
// cancels scans, and the agent loop that drives each one from objective
// to terminal state.
package scan

import (
	"time"
)

// Status is the scan lifecycle state. The terminal states are monotonic;
// once entered they never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Scan is the top-level unit of work. It exclusively owns its steps and
// findings; it is retained forever once created.
type Scan struct {
	ID        string  `json:"id"`
	Target    string  `json:"target"`
	Objective string  `json:"objective,omitempty"`
	Profile   Profile `json:"profile"`
	Status    Status  `json:"status"`

	// EnableAI false runs the fixed recon pipeline instead of the agent.
	EnableAI bool `json:"enable_ai"`
	// Tools restricts the agent to a subset of the toolbox when set.
	Tools []string `json:"tools,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CurrentTool  string `json:"current_tool,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Summary      string `json:"summary,omitempty"`

	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ToolCall records a validated tool invocation inside a step.
type ToolCall struct {
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	ValidatedArgs map[string]any `json:"validated_arguments"`
}

// ToolResult records the execution outcome inside a step. Error is set
// when the tool failed to run or ran abnormally.
type ToolResult struct {
	RawOutput    string `json:"raw_output"`
	FindingCount int    `json:"finding_count"`
	ExitCode     int    `json:"exit_code"`
	DurationMS   int64  `json:"duration_ms"`
	Truncated    bool   `json:"truncated"`
	Error        string `json:"error,omitempty"`
}

// AgentStep is one iteration of the loop. A step with a tool call always
// carries a result, even for a tool that failed to run; steps with
// neither are reasoning-only turns or the terminal assessment.
type AgentStep struct {
	ScanID    string `json:"scan_id"`
	Index     int    `json:"index"`
	ModelUsed string `json:"model_used"`
	Reasoning string `json:"reasoning,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Profile selects scan intensity.
type Profile string

const (
	ProfileQuick      Profile = "quick"
	ProfileNormal     Profile = "normal"
	ProfileAggressive Profile = "aggressive"
)

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileQuick, ProfileNormal, ProfileAggressive:
		return true
	default:
		return false
	}
}

// IterationCap bounds the loop for this profile given the configured
// default. Quick scans stop early; aggressive scans get headroom.
func (p Profile) IterationCap(configured int) int {
	switch p {
	case ProfileQuick:
		if configured > 8 {
			return 8
		}
		return configured
	case ProfileAggressive:
		return configured + configured/2
	default:
		return configured
	}
}
