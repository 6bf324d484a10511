package toolbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func httpxDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "httpx",
		Binary:      "httpx",
		Description: "HTTP probe. Checks which hosts expose a live web service and captures status, title, server and detected technologies.",
		Args: map[string]ArgSpec{
			"targets": {
				Type:        ArgList,
				Description: "Hosts, host:port pairs or URLs to probe",
				Required:    true,
				Target:      true,
			},
			"follow_redirects": {
				Type:        ArgBoolean,
				Description: "Follow HTTP redirects when probing",
				Default:     true,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			argv := []string{"httpx", "-silent", "-json", "-title", "-tech-detect", "-server"}
			if argBool(args, "follow_redirects") {
				argv = append(argv, "-follow-redirects")
			}
			argv = append(argv, "-u", strings.Join(argList(args, "targets"), ","))
			return argv
		},
		Parse:          parseHttpxJSONL,
		ChainInputs:    []string{findings.KindSubdomain, findings.KindOpenPort},
		ChainOutputs:   []string{findings.KindLiveHost, findings.KindTechnology, findings.KindTLSEndpoint},
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 4 << 20,
		SeverityMap: map[string]findings.Severity{
			"live": findings.SeverityInfo,
		},
	}
}

type httpxRecord struct {
	URL        string   `json:"url"`
	StatusCode int      `json:"status_code"`
	Title      string   `json:"title"`
	WebServer  string   `json:"webserver"`
	Tech       []string `json:"tech"`
	Scheme     string   `json:"scheme"`
	Host       string   `json:"host"`
}

// parseHttpxJSONL reads httpx -json output, one JSON object per line.
// Unparseable lines are skipped; httpx mixes warnings into stdout on
// some versions.
func parseHttpxJSONL(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec httpxRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.URL == "" {
			continue
		}

		kind := findings.KindLiveHost
		if rec.Scheme == "https" {
			kind = findings.KindTLSEndpoint
		}
		desc := fmt.Sprintf("HTTP %d", rec.StatusCode)
		if rec.Title != "" {
			desc += fmt.Sprintf(", title %q", rec.Title)
		}
		if rec.WebServer != "" {
			desc += fmt.Sprintf(", server %s", rec.WebServer)
		}
		out = append(out, findings.RawFinding{
			Title:          fmt.Sprintf("Live web service: %s", rec.URL),
			Description:    desc,
			Evidence:       line,
			AffectedTarget: rec.URL,
			RawSeverity:    "live",
			Kind:           kind,
		})

		for _, tech := range rec.Tech {
			out = append(out, findings.RawFinding{
				Title:          fmt.Sprintf("Technology detected: %s", tech),
				Description:    fmt.Sprintf("%s identified on %s", tech, rec.URL),
				Evidence:       tech,
				AffectedTarget: rec.URL,
				RawSeverity:    "live",
				Kind:           findings.KindTechnology,
			})
		}
	}
	return out, nil
}
