package toolbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func nmapDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "nmap",
		Binary:      "nmap",
		Description: "TCP port scanner with service and version detection. Use it to map open ports on a host or IP before probing further.",
		Args: map[string]ArgSpec{
			"target": {
				Type:        ArgString,
				Description: "Hostname or IP address to scan",
				Required:    true,
				Target:      true,
			},
			"ports": {
				Type:        ArgString,
				Description: "Port list or range, e.g. \"80,443\" or \"1-1024\"",
				Default:     "1-1024",
			},
			"service_detection": {
				Type:        ArgBoolean,
				Description: "Probe open ports for service and version banners",
				Default:     true,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			argv := []string{"nmap", "-Pn", "-T4", "-oG", "-"}
			if argBool(args, "service_detection") {
				argv = append(argv, "-sV")
			}
			argv = append(argv, "-p", argString(args, "ports"), argString(args, "target"))
			return argv
		},
		Parse:          parseNmapGrepable,
		ChainInputs:    []string{findings.KindSubdomain, findings.KindLiveHost},
		ChainOutputs:   []string{findings.KindOpenPort, findings.KindTLSEndpoint},
		DefaultTimeout: 10 * time.Minute,
		MaxOutputBytes: 1 << 20,
		SeverityMap: map[string]findings.Severity{
			"open": findings.SeverityInfo,
		},
	}
}

// parseNmapGrepable reads nmap's -oG output. Port entries look like
// "80/open/tcp//http//nginx 1.18.0/" separated by ", " after a "Ports:"
// field.
func parseNmapGrepable(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "Host:") {
			continue
		}
		_, portsField, found := strings.Cut(line, "Ports:")
		if !found {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Host:"))
		if len(fields) == 0 {
			continue
		}
		host := fields[0]

		if idx := strings.Index(portsField, "\tIgnored"); idx >= 0 {
			portsField = portsField[:idx]
		}
		for _, entry := range strings.Split(portsField, ",") {
			entry = strings.TrimSpace(entry)
			parts := strings.Split(entry, "/")
			if len(parts) < 5 || parts[1] != "open" {
				continue
			}
			port, proto, service := parts[0], parts[2], parts[4]
			version := ""
			if len(parts) >= 7 {
				version = strings.TrimSpace(parts[6])
			}

			title := fmt.Sprintf("Open port %s/%s", port, proto)
			if service != "" {
				title += fmt.Sprintf(" (%s)", service)
			}
			kind := findings.KindOpenPort
			if service == "https" || strings.Contains(service, "ssl") || port == "443" {
				kind = findings.KindTLSEndpoint
			}
			desc := fmt.Sprintf("Port %s/%s is open on %s", port, proto, host)
			if version != "" {
				desc += fmt.Sprintf(", running %s", version)
			}
			out = append(out, findings.RawFinding{
				Title:          title,
				Description:    desc,
				Evidence:       entry,
				AffectedTarget: host,
				RawSeverity:    "open",
				Kind:           kind,
			})
		}
	}
	return out, nil
}
