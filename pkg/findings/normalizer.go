package findings

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalizer converts raw tool findings into Finding records and
// deduplicates them within a scan. One Normalizer serves one scan and is
// not safe for concurrent use; the agent loop calls it from a single
// goroutine.
type Normalizer struct {
	scanID string
	seen   map[string]struct{}
}

// NewNormalizer creates a normalizer for one scan.
func NewNormalizer(scanID string) *Normalizer {
	return &Normalizer{
		scanID: scanID,
		seen:   make(map[string]struct{}),
	}
}

// Normalize converts raw findings into Finding records, assigning severity
// through the tool's severity map and dropping in-scan duplicates. The
// returned slice contains only findings not seen before in this scan.
func (n *Normalizer) Normalize(stepIndex int, toolSource string, raws []RawFinding, severityMap map[string]Severity) []Finding {
	out := make([]Finding, 0, len(raws))
	for _, raw := range raws {
		target := NormalizeTarget(raw.AffectedTarget)
		title := strings.TrimSpace(raw.Title)
		if title == "" {
			continue
		}

		fp := ComputeFingerprint(toolSource, title, target)
		if _, dup := n.seen[fp]; dup {
			continue
		}
		n.seen[fp] = struct{}{}

		f := Finding{
			ID:             uuid.NewString(),
			ScanID:         n.scanID,
			StepIndex:      stepIndex,
			ToolSource:     toolSource,
			Severity:       ParseSeverity(raw.RawSeverity, severityMap),
			Title:          title,
			Description:    raw.Description,
			Evidence:       raw.Evidence,
			AffectedTarget: target,
			CVSSScore:      clampCVSS(raw.CVSSScore),
			Remediation:    raw.Remediation,
			Fingerprint:    fp,
			CreatedAt:      time.Now().UTC(),
			Kind:           raw.Kind,
		}
		if ValidCVE(raw.CVE) {
			f.CVE = raw.CVE
		}
		out = append(out, f)
	}
	return out
}

// Count returns the number of unique findings seen so far.
func (n *Normalizer) Count() int {
	return len(n.seen)
}

func clampCVSS(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// NormalizeTarget canonicalizes an affected target: hostnames lowercased,
// URLs stripped of default ports and trailing slashes, IPs canonicalized.
func NormalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	if t == "" {
		return t
	}

	if strings.Contains(t, "://") {
		if u, err := url.Parse(t); err == nil && u.Host != "" {
			u.Host = stripDefaultPort(strings.ToLower(u.Host), u.Scheme)
			u.Path = strings.TrimSuffix(u.Path, "/")
			return u.String()
		}
	}

	if ip := net.ParseIP(t); ip != nil {
		return ip.String()
	}

	return strings.TrimSuffix(strings.ToLower(t), ".")
}

func stripDefaultPort(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return h
	}
	return host
}
