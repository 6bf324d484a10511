package toolbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func sslscanDescriptor() *Descriptor {
	minPort, maxPort := 1, 65535
	return &Descriptor{
		Name:        "sslscan",
		Binary:      "sslscan",
		Description: "TLS configuration scanner. Reports enabled legacy protocols, weak ciphers and certificate problems on a TLS endpoint.",
		Args: map[string]ArgSpec{
			"target": {
				Type:        ArgString,
				Description: "Hostname or IP of the TLS endpoint",
				Required:    true,
				Target:      true,
			},
			"port": {
				Type:        ArgInteger,
				Description: "TLS port",
				Default:     443,
				Min:         &minPort,
				Max:         &maxPort,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			host := fmt.Sprintf("%s:%d", argString(args, "target"), argInt(args, "port", 443))
			return []string{"sslscan", "--no-colour", host}
		},
		Parse:          parseSslscanText,
		ChainInputs:    []string{findings.KindTLSEndpoint},
		ChainOutputs:   []string{findings.KindVulnerability},
		DefaultTimeout: 3 * time.Minute,
		MaxOutputBytes: 1 << 20,
		SeverityMap: map[string]findings.Severity{
			"sslv2":        findings.SeverityHigh,
			"sslv3":        findings.SeverityHigh,
			"tlsv1.0":      findings.SeverityMedium,
			"tlsv1.1":      findings.SeverityLow,
			"weak_cipher":  findings.SeverityMedium,
			"expired_cert": findings.SeverityHigh,
		},
	}
}

var legacyProtocols = []string{"SSLv2", "SSLv3", "TLSv1.0", "TLSv1.1"}

var weakCipherMarkers = []string{"RC4", "DES", "NULL", "EXP", "ANON"}

// parseSslscanText scrapes sslscan's plain text report. Only negative
// observations become findings; a clean endpoint produces none.
func parseSslscanText(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding
	target := ""

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "Connected to ") {
			target = strings.TrimPrefix(line, "Connected to ")
			continue
		}
		if strings.HasPrefix(line, "Testing SSL server ") {
			rest := strings.TrimPrefix(line, "Testing SSL server ")
			if host, port, found := strings.Cut(rest, " on port "); found {
				port = strings.Fields(port)[0]
				target = strings.TrimSpace(host) + ":" + port
			}
			continue
		}

		for _, proto := range legacyProtocols {
			if strings.HasPrefix(line, proto) && strings.Contains(line, "enabled") {
				out = append(out, findings.RawFinding{
					Title:          fmt.Sprintf("Legacy protocol enabled: %s", proto),
					Description:    fmt.Sprintf("The endpoint accepts %s connections", proto),
					Evidence:       line,
					AffectedTarget: target,
					RawSeverity:    strings.ToLower(proto),
					Kind:           findings.KindVulnerability,
				})
			}
		}

		if strings.HasPrefix(line, "Accepted") || strings.HasPrefix(line, "Preferred") {
			for _, marker := range weakCipherMarkers {
				if strings.Contains(line, marker) {
					fields := strings.Fields(line)
					cipher := fields[len(fields)-1]
					if len(fields) >= 5 {
						cipher = fields[4]
					}
					out = append(out, findings.RawFinding{
						Title:          fmt.Sprintf("Weak cipher accepted: %s", cipher),
						Description:    fmt.Sprintf("The endpoint accepts the weak cipher suite %s", cipher),
						Evidence:       line,
						AffectedTarget: target,
						RawSeverity:    "weak_cipher",
						Kind:           findings.KindVulnerability,
					})
					break
				}
			}
		}

		if strings.Contains(line, "Not valid after:") {
			if expiryExceeded(line) {
				out = append(out, findings.RawFinding{
					Title:          "TLS certificate expired",
					Description:    line,
					Evidence:       line,
					AffectedTarget: target,
					RawSeverity:    "expired_cert",
					Kind:           findings.KindVulnerability,
				})
			}
		}
	}
	return out, nil
}

// expiryExceeded parses sslscan's "Not valid after:  Mon DD HH:MM:SS YYYY GMT"
// line and reports whether the date is in the past.
func expiryExceeded(line string) bool {
	_, value, found := strings.Cut(line, "Not valid after:")
	if !found {
		return false
	}
	value = strings.TrimSpace(value)
	formats := []string{
		"Jan 2 15:04:05 2006 MST",
		"Jan  2 15:04:05 2006 MST",
	}
	for _, layout := range formats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Before(time.Now())
		}
	}
	// Fall back to a year comparison when the full form does not parse.
	fields := strings.Fields(value)
	for _, f := range fields {
		if year, err := strconv.Atoi(f); err == nil && year > 1990 && year < 2100 {
			return year < time.Now().Year()
		}
	}
	return false
}
