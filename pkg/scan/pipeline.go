package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/llms"
)

// runPipeline is the non-AI scan path: a fixed reconnaissance chain run
// against the target. It emits the same event kinds as the agent loop,
// minus model selection and reasoning.
func (r *run) runPipeline(ctx context.Context) {
	host := targetHost(r.scan.Target)

	type stage struct {
		tool string
		args map[string]any
	}
	var stages []stage
	if isDomain(host) {
		stages = append(stages, stage{"subfinder", map[string]any{"domain": host}})
	}
	nmapArgs := map[string]any{"target": host}
	if r.scan.Profile == ProfileAggressive {
		nmapArgs["ports"] = "1-65535"
	}
	stages = append(stages,
		stage{"nmap", nmapArgs},
		stage{"httpx", map[string]any{"targets": []string{host}}},
		stage{"nuclei", map[string]any{"target": r.scan.Target}},
	)

	ran := 0
	for _, st := range stages {
		if r.interrupted(ctx) {
			return
		}
		if r.allowed != nil && !r.allowed[st.tool] {
			continue
		}
		validated, err := r.ctrl.toolbox.Validate(st.tool, st.args)
		if err != nil {
			r.logger.Warn("skipping pipeline stage", "tool", st.tool, "error", err)
			continue
		}

		argsJSON, _ := json.Marshal(st.args)
		resp := &llms.Response{
			Kind:          llms.ResponseFunctionCall,
			FunctionName:  st.tool,
			ArgumentsJSON: string(argsJSON),
		}
		if oc := r.execTool(ctx, "", resp, st.tool, st.args, validated); oc != outcomeContinue {
			return
		}
		ran++
	}

	if r.interrupted(ctx) {
		return
	}
	r.completeScan(ctx, fmt.Sprintf(
		"Automated pipeline finished: %d findings across %d tool runs against %s.",
		r.normalizer.Count(), ran, r.scan.Target))
}

// targetHost reduces a scan target to its bare host.
func targetHost(target string) string {
	t := strings.TrimSpace(target)
	if strings.Contains(t, "://") {
		if u, err := url.Parse(t); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	if h, _, err := net.SplitHostPort(t); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(t)
}

// isDomain reports whether host looks like a registrable DNS name, which
// is what subdomain enumeration needs.
func isDomain(host string) bool {
	if host == "" || net.ParseIP(host) != nil {
		return false
	}
	return strings.Contains(host, ".")
}
