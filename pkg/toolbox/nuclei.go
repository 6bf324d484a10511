package toolbox

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func nucleiDescriptor() *Descriptor {
	minRate, maxRate := 1, 1000
	return &Descriptor{
		Name:        "nuclei",
		Binary:      "nuclei",
		Description: "Template-based vulnerability scanner. Run it against live web services to detect known CVEs, misconfigurations and exposures.",
		Args: map[string]ArgSpec{
			"target": {
				Type:        ArgString,
				Description: "URL or host to scan",
				Required:    true,
				Target:      true,
			},
			"severity": {
				Type:        ArgList,
				Description: "Only run templates of these severities (info, low, medium, high, critical)",
			},
			"tags": {
				Type:        ArgList,
				Description: "Only run templates carrying these tags, e.g. cve, exposure, misconfig",
			},
			"rate_limit": {
				Type:        ArgInteger,
				Description: "Maximum requests per second",
				Default:     150,
				Min:         &minRate,
				Max:         &maxRate,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			argv := []string{"nuclei", "-silent", "-jsonl", "-u", argString(args, "target")}
			if sev := argList(args, "severity"); len(sev) > 0 {
				argv = append(argv, "-severity", strings.Join(sev, ","))
			}
			if tags := argList(args, "tags"); len(tags) > 0 {
				argv = append(argv, "-tags", strings.Join(tags, ","))
			}
			argv = append(argv, "-rate-limit", strconv.Itoa(argInt(args, "rate_limit", 150)))
			return argv
		},
		Parse:          parseNucleiJSONL,
		ChainInputs:    []string{findings.KindLiveHost, findings.KindTechnology},
		ChainOutputs:   []string{findings.KindVulnerability},
		DefaultTimeout: 15 * time.Minute,
		MaxOutputBytes: 8 << 20,
		SeverityMap: map[string]findings.Severity{
			"info":     findings.SeverityInfo,
			"low":      findings.SeverityLow,
			"medium":   findings.SeverityMedium,
			"high":     findings.SeverityHigh,
			"critical": findings.SeverityCritical,
			"unknown":  findings.SeverityInfo,
		},
	}
}

type nucleiRecord struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Host       string `json:"host"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Remediation    string `json:"remediation"`
		Classification struct {
			CVEID     []string  `json:"cve-id"`
			CVSSScore float64   `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
}

// parseNucleiJSONL reads nuclei -jsonl output, one result per line.
func parseNucleiJSONL(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec nucleiRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.TemplateID == "" {
			continue
		}

		target := rec.MatchedAt
		if target == "" {
			target = rec.Host
		}
		f := findings.RawFinding{
			Title:          rec.Info.Name,
			Description:    rec.Info.Description,
			Evidence:       rec.TemplateID,
			AffectedTarget: target,
			RawSeverity:    rec.Info.Severity,
			Remediation:    rec.Info.Remediation,
			CVSSScore:      rec.Info.Classification.CVSSScore,
			Kind:           findings.KindVulnerability,
		}
		if len(rec.Info.Classification.CVEID) > 0 {
			f.CVE = strings.ToUpper(rec.Info.Classification.CVEID[0])
		}
		out = append(out, f)
	}
	return out, nil
}
