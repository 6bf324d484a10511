package toolbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func sqlmapDescriptor() *Descriptor {
	minLevel, maxLevel := 1, 5
	minRisk, maxRisk := 1, 3
	return &Descriptor{
		Name:        "sqlmap",
		Binary:      "sqlmap",
		Description: "SQL injection probe. Tests the parameters of a specific URL for injectable inputs. Use only on URLs with query or form parameters.",
		Args: map[string]ArgSpec{
			"url": {
				Type:        ArgString,
				Description: "URL including the parameters to test, e.g. https://example.com/item?id=1",
				Required:    true,
				Target:      true,
			},
			"data": {
				Type:        ArgString,
				Description: "POST body to test instead of query parameters",
			},
			"level": {
				Type:        ArgInteger,
				Description: "Test thoroughness, 1 to 5",
				Default:     1,
				Min:         &minLevel,
				Max:         &maxLevel,
			},
			"risk": {
				Type:        ArgInteger,
				Description: "Risk of the payloads used, 1 to 3",
				Default:     1,
				Min:         &minRisk,
				Max:         &maxRisk,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			argv := []string{
				"sqlmap", "--batch",
				"-u", argString(args, "url"),
				"--level", strconv.Itoa(argInt(args, "level", 1)),
				"--risk", strconv.Itoa(argInt(args, "risk", 1)),
			}
			if data := argString(args, "data"); data != "" {
				argv = append(argv, "--data", data)
			}
			return argv
		},
		Parse:            parseSqlmapText,
		ChainInputs:      []string{findings.KindWebPath},
		ChainOutputs:     []string{findings.KindSQLInjection},
		DefaultTimeout:   15 * time.Minute,
		MaxOutputBytes:   2 << 20,
		SuccessExitCodes: []int{1},
		SeverityMap: map[string]findings.Severity{
			"injectable": findings.SeverityCritical,
			"possible":   findings.SeverityMedium,
		},
	}
}

// parseSqlmapText scrapes sqlmap's console output. Confirmed injections
// appear as "Parameter: id (GET)" blocks followed by indented
// Type/Title/Payload lines; heuristic hits appear as "... might be
// injectable" warnings.
func parseSqlmapText(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding

	target := ""
	param := ""
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(stripLogPrefix(line))

		if strings.HasPrefix(trimmed, "testing URL ") {
			target = strings.Trim(strings.TrimPrefix(trimmed, "testing URL "), "'\"")
			continue
		}

		if strings.HasPrefix(trimmed, "Parameter:") {
			param = strings.TrimSpace(strings.TrimPrefix(trimmed, "Parameter:"))
			continue
		}
		if param != "" && strings.HasPrefix(trimmed, "Type:") {
			injType := strings.TrimSpace(strings.TrimPrefix(trimmed, "Type:"))
			out = append(out, findings.RawFinding{
				Title:          fmt.Sprintf("SQL injection in parameter %s: %s", param, injType),
				Description:    fmt.Sprintf("sqlmap confirmed %s injection via parameter %s", injType, param),
				Evidence:       trimmed,
				AffectedTarget: target,
				RawSeverity:    "injectable",
				Kind:           findings.KindSQLInjection,
			})
			continue
		}
		if param != "" && strings.HasPrefix(trimmed, "Payload:") && len(out) > 0 {
			out[len(out)-1].Evidence = strings.TrimSpace(strings.TrimPrefix(trimmed, "Payload:"))
			continue
		}

		if strings.Contains(trimmed, "might be injectable") {
			name := extractQuoted(trimmed)
			if name == "" {
				name = "unknown"
			}
			out = append(out, findings.RawFinding{
				Title:          fmt.Sprintf("Possible SQL injection in parameter %s", name),
				Description:    trimmed,
				Evidence:       trimmed,
				AffectedTarget: target,
				RawSeverity:    "possible",
				Kind:           findings.KindSQLInjection,
			})
		}
	}
	return out, nil
}

// stripLogPrefix removes sqlmap's "[12:34:56] [INFO]" prefix when
// present.
func stripLogPrefix(line string) string {
	rest := line
	for i := 0; i < 2; i++ {
		trimmed := strings.TrimSpace(rest)
		if strings.HasPrefix(trimmed, "[") {
			if idx := strings.Index(trimmed, "]"); idx >= 0 {
				rest = trimmed[idx+1:]
				continue
			}
		}
		break
	}
	return rest
}

func extractQuoted(s string) string {
	first := strings.Index(s, "'")
	if first < 0 {
		return ""
	}
	second := strings.Index(s[first+1:], "'")
	if second < 0 {
		return ""
	}
	return s[first+1 : first+1+second]
}
