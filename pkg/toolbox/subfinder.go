package toolbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

func subfinderDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "subfinder",
		Binary:      "subfinder",
		Description: "Passive subdomain enumerator. Use it first against a registered domain to widen the attack surface.",
		Args: map[string]ArgSpec{
			"domain": {
				Type:        ArgString,
				Description: "Registered domain to enumerate, e.g. example.com",
				Required:    true,
				Target:      true,
			},
			"recursive": {
				Type:        ArgBoolean,
				Description: "Also enumerate subdomains of discovered subdomains",
				Default:     false,
			},
		},
		BuildArgv: func(args map[string]any) []string {
			argv := []string{"subfinder", "-silent", "-d", argString(args, "domain")}
			if argBool(args, "recursive") {
				argv = append(argv, "-recursive")
			}
			return argv
		},
		Parse:          parseSubfinderLines,
		ChainOutputs:   []string{findings.KindSubdomain},
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 1 << 20,
		SeverityMap: map[string]findings.Severity{
			"discovered": findings.SeverityInfo,
		},
	}
}

// parseSubfinderLines reads subfinder -silent output, one subdomain per
// line.
func parseSubfinderLines(raw string) ([]findings.RawFinding, error) {
	var out []findings.RawFinding
	for _, line := range strings.Split(raw, "\n") {
		sub := strings.ToLower(strings.TrimSpace(line))
		if sub == "" || strings.ContainsAny(sub, " \t") {
			continue
		}
		out = append(out, findings.RawFinding{
			Title:          fmt.Sprintf("Subdomain discovered: %s", sub),
			Description:    fmt.Sprintf("Passive sources report %s as a registered subdomain", sub),
			Evidence:       sub,
			AffectedTarget: sub,
			RawSeverity:    "discovered",
			Kind:           findings.KindSubdomain,
		})
	}
	return out, nil
}
