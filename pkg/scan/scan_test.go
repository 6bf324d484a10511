package scan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/router"
)

func TestProfileIterationCap(t *testing.T) {
	assert.Equal(t, 8, ProfileQuick.IterationCap(15))
	assert.Equal(t, 5, ProfileQuick.IterationCap(5))
	assert.Equal(t, 15, ProfileNormal.IterationCap(15))
	assert.Equal(t, 22, ProfileAggressive.IterationCap(15))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNormalizedArgsKeyIsOrderInsensitive(t *testing.T) {
	a := normalizedArgsKey("nmap", map[string]any{"target": "example.com", "ports": "1-1024"})
	b := normalizedArgsKey("nmap", map[string]any{"ports": "1-1024", "target": "example.com"})
	assert.Equal(t, a, b)
	assert.Equal(t, "nmap|ports=1-1024|target=example.com", a)

	c := normalizedArgsKey("nmap", map[string]any{"target": "example.com", "ports": "80,443"})
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, normalizedArgsKey("httpx", map[string]any{"target": "example.com", "ports": "1-1024"}))
}

func TestIntentTags(t *testing.T) {
	assert.Equal(t, []string{"plan"}, intentTags("Plan the engagement against staging"))
	assert.Equal(t, []string{"prioritize"}, intentTags("prioritize remediation work"))
	assert.Equal(t, []string{"plan", "summarize"}, intentTags("plan and summarize"))
	assert.Equal(t, []string{"tactical"}, intentTags("find SQL injection on the login form"))
	assert.Equal(t, []string{"tactical"}, intentTags(""))
}

func TestComplexityOf(t *testing.T) {
	assert.Equal(t, router.ComplexityLow, complexityOf(0, 0))
	assert.Equal(t, router.ComplexityLow, complexityOf(5, 10))
	assert.Equal(t, router.ComplexityMedium, complexityOf(6, 0))
	assert.Equal(t, router.ComplexityMedium, complexityOf(0, 11))
	assert.Equal(t, router.ComplexityHigh, complexityOf(21, 0))
	assert.Equal(t, router.ComplexityHigh, complexityOf(0, 51))
}

func TestCostTracker(t *testing.T) {
	pricing := map[string]config.ModelPrice{
		"deep-model": {InputPer1K: 0.01, OutputPer1K: 0.03},
	}
	tracker := newCostTracker(pricing, 0.05)

	cost := tracker.add("deep-model", 2000, 1000)
	assert.InDelta(t, 0.05, cost, 1e-9)
	assert.Equal(t, 2000, tracker.tokensIn)
	assert.Equal(t, 1000, tracker.tokensOut)
	assert.True(t, tracker.deepExhausted())

	// Unknown models accumulate tokens but cost nothing.
	assert.Zero(t, tracker.add("mystery-model", 500, 500))
	assert.Equal(t, 2500, tracker.tokensIn)

	unlimited := newCostTracker(pricing, 0)
	unlimited.add("deep-model", 1_000_000, 1_000_000)
	assert.False(t, unlimited.deepExhausted())
}

func TestEstimateTokensGrowsWithPrompt(t *testing.T) {
	short := estimateTokens([]llms.Message{{Role: llms.RoleUser, Content: "hi"}})
	long := estimateTokens([]llms.Message{
		{Role: llms.RoleSystem, Content: "You are an authorized penetration-testing agent operating against one engagement target."},
		{Role: llms.RoleUser, Content: "Begin the assessment and report everything you find in detail."},
	})
	assert.Positive(t, short)
	assert.Greater(t, long, short)
}

func TestToolResultMessageCapsListedFindings(t *testing.T) {
	res := &ToolResult{ExitCode: 0, DurationMS: 1200, Truncated: true}
	var produced []findings.Finding
	for i := 0; i < 25; i++ {
		produced = append(produced, findings.Finding{
			Severity:       findings.SeverityInfo,
			Title:          fmt.Sprintf("Subdomain host%02d.example.com", i),
			AffectedTarget: fmt.Sprintf("host%02d.example.com", i),
		})
	}

	msg := toolResultMessage("subfinder", res, produced)
	assert.Contains(t, msg, "25 new findings")
	assert.Contains(t, msg, "output truncated")
	assert.Contains(t, msg, "host19.example.com")
	assert.NotContains(t, msg, "host20.example.com")
	assert.Contains(t, msg, "and 5 more")
}

func TestSystemPromptNamesTheEngagement(t *testing.T) {
	s := &Scan{Target: "example.com", Objective: "map the API surface", Profile: ProfileQuick}
	prompt := systemPrompt(s, 8, []string{"subfinder", "nmap"})
	assert.Contains(t, prompt, "example.com")
	assert.Contains(t, prompt, "map the API surface")
	assert.Contains(t, prompt, "subfinder, nmap")
	assert.Contains(t, prompt, "8 tool runs")
	assert.Contains(t, prompt, completionTool)
}
