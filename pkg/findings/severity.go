package findings

import "strings"

// Severity is the normalized severity scale, totally ordered.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the severity's position in the total order, info first.
// Unknown severities rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the five normalized severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity maps a raw severity label through the given map, falling
// back to info. Lookup is case-insensitive.
func ParseSeverity(raw string, severityMap map[string]Severity) Severity {
	if sev, ok := severityMap[strings.ToLower(strings.TrimSpace(raw))]; ok && sev.Valid() {
		return sev
	}
	return SeverityInfo
}

// Severities lists the normalized scale in ascending order.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}
