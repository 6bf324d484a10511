package router

import (
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

// handoffReasoningDepth bounds how many prior reasoning excerpts cross a
// model switch.
const handoffReasoningDepth = 3

// HandoffContext summarizes the scan so a model switch preserves
// reasoning continuity without replaying the full transcript.
type HandoffContext struct {
	Objective         string
	RecentReasoning   []string
	DiscoveredTargets []string
	SeverityCounts    map[findings.Severity]int
}

// NewHandoff assembles a handoff from accumulated state. Only the last
// three reasoning excerpts are carried.
func NewHandoff(objective string, reasoning []string, targets []string, counts map[findings.Severity]int) HandoffContext {
	if len(reasoning) > handoffReasoningDepth {
		reasoning = reasoning[len(reasoning)-handoffReasoningDepth:]
	}
	return HandoffContext{
		Objective:         objective,
		RecentReasoning:   reasoning,
		DiscoveredTargets: targets,
		SeverityCounts:    counts,
	}
}

// Render produces the prompt block prepended to the new model's first
// message after a switch.
func (h HandoffContext) Render() string {
	var b strings.Builder
	b.WriteString("Context handoff from the previous model:\n")
	fmt.Fprintf(&b, "Objective: %s\n", h.Objective)

	if len(h.RecentReasoning) > 0 {
		b.WriteString("Recent reasoning:\n")
		for _, r := range h.RecentReasoning {
			fmt.Fprintf(&b, "- %s\n", excerpt(r))
		}
	}
	if len(h.DiscoveredTargets) > 0 {
		fmt.Fprintf(&b, "Discovered targets: %s\n", strings.Join(h.DiscoveredTargets, ", "))
	}
	if len(h.SeverityCounts) > 0 {
		b.WriteString("Findings so far:")
		for _, sev := range findings.Severities() {
			if n := h.SeverityCounts[sev]; n > 0 {
				fmt.Fprintf(&b, " %s=%d", sev, n)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func excerpt(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) > 240 {
		s = s[:240] + "..."
	}
	return s
}
