// Package findings defines the normalized finding model and the normalizer
// that converts raw tool output records into deduplicated findings.
package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// Finding is a single normalized observation about the target.
type Finding struct {
	ID             string    `json:"id"`
	ScanID         string    `json:"scan_id"`
	StepIndex      int       `json:"step_index"`
	ToolSource     string    `json:"tool_source"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Evidence       string    `json:"evidence,omitempty"`
	AffectedTarget string    `json:"affected_target"`
	CVE            string    `json:"cve,omitempty"`
	CVSSScore      float64   `json:"cvss_score,omitempty"`
	Remediation    string    `json:"remediation,omitempty"`
	Fingerprint    string    `json:"fingerprint"`
	CreatedAt      time.Time `json:"created_at"`

	// Kind tags the finding for chain hinting (e.g. "subdomain",
	// "live_host", "open_port", "tls_endpoint", "vulnerability").
	Kind string `json:"kind,omitempty"`
}

// RawFinding is what a tool parser emits: tool-specific keys, not yet
// normalized. Severity is the tool's native label.
type RawFinding struct {
	Title          string
	Description    string
	Evidence       string
	AffectedTarget string
	RawSeverity    string
	CVE            string
	CVSSScore      float64
	Remediation    string
	Kind           string
}

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d+$`)

// ValidCVE reports whether id has the syntactic CVE form.
func ValidCVE(id string) bool {
	return cvePattern.MatchString(id)
}

// ComputeFingerprint derives the stable dedupe hash from the identity
// triple. The NUL separator keeps ("a","bc") distinct from ("ab","c").
func ComputeFingerprint(toolSource, title, affectedTarget string) string {
	h := sha256.New()
	h.Write([]byte(toolSource))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(affectedTarget))
	return hex.EncodeToString(h.Sum(nil))
}
