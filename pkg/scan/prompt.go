package scan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/router"
)

// completionTool is the reserved function the model calls to declare the
// assessment finished.
const completionTool = "complete_assessment"

// completionSentinel is the fallback phrase recognized in plain text
// responses from models that narrate instead of calling the reserved
// function.
const completionSentinel = "ASSESSMENT COMPLETE"

// completionSchema is appended to the toolbox schemas on every call.
func completionSchema() llms.FunctionSchema {
	return llms.FunctionSchema{
		Name:        completionTool,
		Description: "Declare the assessment finished. Call this once no further tool runs would add value.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Concise assessment of the target and the key findings",
				},
			},
			"required": []string{"summary"},
		},
	}
}

// systemPrompt frames the engagement for the model.
func systemPrompt(s *Scan, iterationCap int, toolNames []string) string {
	var b strings.Builder
	b.WriteString("You are an authorized penetration-testing agent. ")
	b.WriteString("You operate only against the engagement target below; scanning anything else is forbidden.\n\n")
	fmt.Fprintf(&b, "Target: %s\n", s.Target)
	if s.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", s.Objective)
	} else {
		b.WriteString("Objective: broad security assessment of the target\n")
	}
	fmt.Fprintf(&b, "Profile: %s\n", s.Profile)
	fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(toolNames, ", "))
	fmt.Fprintf(&b, "Iteration budget: %d tool runs.\n\n", iterationCap)
	b.WriteString("Each turn, either call exactly one tool with valid arguments, ")
	b.WriteString("or assess the current findings in plain text. ")
	fmt.Fprintf(&b, "When nothing further is worth running, call %s with your summary.\n", completionTool)
	b.WriteString("There are no findings yet; start with reconnaissance.")
	return b.String()
}

// intentTags derives query intent from the objective text.
func intentTags(objective string) []string {
	lower := strings.ToLower(objective)
	var tags []string
	if strings.Contains(lower, "plan") {
		tags = append(tags, "plan")
	}
	if strings.Contains(lower, "priorit") {
		tags = append(tags, "prioritize")
	}
	if strings.Contains(lower, "summar") {
		tags = append(tags, "summarize")
	}
	if len(tags) == 0 {
		tags = append(tags, "tactical")
	}
	return tags
}

// complexityOf grades the target by the breadth of discovered surface.
func complexityOf(targetCount, subdomainCount int) router.Complexity {
	switch {
	case subdomainCount > 50 || targetCount > 20:
		return router.ComplexityHigh
	case subdomainCount > 10 || targetCount > 5:
		return router.ComplexityMedium
	default:
		return router.ComplexityLow
	}
}

// toolResultMessage renders an execution outcome for the transcript.
// Raw output is excerpted; the model reasons over findings, not dumps.
func toolResultMessage(tool string, res *ToolResult, produced []findings.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s finished (exit %d, %dms", tool, res.ExitCode, res.DurationMS)
	if res.Truncated {
		b.WriteString(", output truncated")
	}
	fmt.Fprintf(&b, "). %d new findings.", len(produced))

	for i, f := range produced {
		if i == 20 {
			fmt.Fprintf(&b, "\n... and %d more", len(produced)-i)
			break
		}
		fmt.Fprintf(&b, "\n[%s] %s (%s)", f.Severity, f.Title, f.AffectedTarget)
	}
	return b.String()
}

// chainHintMessage renders the suggested-next-step note. The model
// remains the decider.
func chainHintMessage(candidates []string) string {
	return fmt.Sprintf(
		"The latest findings could feed these tools you have not run yet: %s. Consider them for the next step, or proceed differently if you see a better move.",
		strings.Join(candidates, ", "))
}

// normalizedArgsKey builds the duplicate-detection key for a tool call:
// sorted key=value pairs joined under the tool name.
func normalizedArgsKey(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tool)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, args[k])
	}
	return b.String()
}
