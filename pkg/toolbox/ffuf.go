package toolbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func ffufDescriptor() *Descriptor {
	minThreads, maxThreads := 1, 100
	return &Descriptor{
		Name:        "ffuf",
		Binary:      "ffuf",
		Description: "Web content fuzzer. Brute-forces paths on a live web service to discover hidden files and directories.",
		Args: map[string]ArgSpec{
			"url": {
				Type:        ArgString,
				Description: "Base URL to fuzz; FUZZ is appended as a path segment if absent",
				Required:    true,
				Target:      true,
			},
			"wordlist": {
				Type:        ArgString,
				Description: "Wordlist file on the scanner host",
				Default:     "/usr/share/wordlists/dirb/common.txt",
			},
			"match_codes": {
				Type:        ArgString,
				Description: "Comma-separated HTTP status codes that count as hits",
				Default:     "200,204,301,302,307,401,403",
			},
			"threads": {
				Type:        ArgInteger,
				Description: "Concurrent request threads",
				Default:     40,
				Min:         &minThreads,
				Max:         &maxThreads,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			url := argString(args, "url")
			if !strings.Contains(url, "FUZZ") {
				url = strings.TrimSuffix(url, "/") + "/FUZZ"
			}
			return []string{
				"ffuf", "-s",
				"-u", url,
				"-w", argString(args, "wordlist"),
				"-mc", argString(args, "match_codes"),
				"-t", strconv.Itoa(argInt(args, "threads", 40)),
				"-o", "/dev/stdout", "-of", "json",
			}
		},
		Parse:          parseFfufJSON,
		ChainInputs:    []string{findings.KindLiveHost},
		ChainOutputs:   []string{findings.KindWebPath},
		DefaultTimeout: 10 * time.Minute,
		MaxOutputBytes: 4 << 20,
		SeverityMap: map[string]findings.Severity{
			"accessible": findings.SeverityInfo,
			"restricted": findings.SeverityLow,
		},
	}
}

type ffufReport struct {
	Results []struct {
		URL    string            `json:"url"`
		Status int               `json:"status"`
		Length int               `json:"length"`
		Input  map[string]string `json:"input"`
	} `json:"results"`
}

// parseFfufJSON reads the ffuf JSON report. The -s flag suppresses the
// banner so stdout holds the report alone.
func parseFfufJSON(raw string) ([]findings.RawFinding, error) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return nil, nil
	}
	var report ffufReport
	if err := json.Unmarshal([]byte(raw[start:]), &report); err != nil {
		return nil, fmt.Errorf("ffuf json: %w", err)
	}

	var out []findings.RawFinding
	for _, res := range report.Results {
		if res.URL == "" {
			continue
		}
		severity := "accessible"
		if res.Status == 401 || res.Status == 403 {
			severity = "restricted"
		}
		path := res.Input["FUZZ"]
		out = append(out, findings.RawFinding{
			Title:          fmt.Sprintf("Discovered path: /%s (%d)", path, res.Status),
			Description:    fmt.Sprintf("Fuzzing found %s responding with HTTP %d (%d bytes)", res.URL, res.Status, res.Length),
			Evidence:       res.URL,
			AffectedTarget: res.URL,
			RawSeverity:    severity,
			Kind:           findings.KindWebPath,
		})
	}
	return out, nil
}
