package toolbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func whatwebDescriptor() *Descriptor {
	minAggr, maxAggr := 1, 4
	return &Descriptor{
		Name:        "whatweb",
		Binary:      "whatweb",
		Description: "Web technology fingerprinter. Identifies frameworks, CMSes, servers and versions on a live web service.",
		Args: map[string]ArgSpec{
			"target": {
				Type:        ArgString,
				Description: "URL or host to fingerprint",
				Required:    true,
				Target:      true,
			},
			"aggression": {
				Type:        ArgInteger,
				Description: "Aggression level, 1 (stealthy) to 4 (heavy)",
				Default:     1,
				Min:         &minAggr,
				Max:         &maxAggr,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			return []string{
				"whatweb", "--quiet", "--log-json=-",
				"-a", strconv.Itoa(argInt(args, "aggression", 1)),
				argString(args, "target"),
			}
		},
		Parse:          parseWhatwebJSON,
		ChainInputs:    []string{findings.KindLiveHost},
		ChainOutputs:   []string{findings.KindTechnology},
		DefaultTimeout: 3 * time.Minute,
		MaxOutputBytes: 2 << 20,
		SeverityMap: map[string]findings.Severity{
			"identified": findings.SeverityInfo,
		},
	}
}

type whatwebRecord struct {
	Target     string                    `json:"target"`
	HTTPStatus int                       `json:"http_status"`
	Plugins    map[string]whatwebPlugin  `json:"plugins"`
}

type whatwebPlugin struct {
	Version []any `json:"version"`
	String  []any `json:"string"`
}

// parseWhatwebJSON reads whatweb --log-json output. Depending on the
// version this is a JSON array or one object per line; both are handled.
func parseWhatwebJSON(raw string) ([]findings.RawFinding, error) {
	var records []whatwebRecord

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("whatweb json: %w", err)
		}
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "{") {
				continue
			}
			var rec whatwebRecord
			if err := json.Unmarshal([]byte(line), &rec); err == nil {
				records = append(records, rec)
			}
		}
	}

	var out []findings.RawFinding
	for _, rec := range records {
		if rec.Target == "" {
			continue
		}
		for name, plugin := range rec.Plugins {
			switch name {
			case "HTTPServer", "IP", "Country", "Title", "UncommonHeaders":
				continue
			}
			label := name
			if v := firstString(plugin.Version); v != "" {
				label += " " + v
			}
			out = append(out, findings.RawFinding{
				Title:          fmt.Sprintf("Technology detected: %s", label),
				Description:    fmt.Sprintf("%s identified on %s", label, rec.Target),
				Evidence:       name,
				AffectedTarget: rec.Target,
				RawSeverity:    "identified",
				Kind:           findings.KindTechnology,
			})
		}
	}
	return out, nil
}

func firstString(items []any) string {
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
