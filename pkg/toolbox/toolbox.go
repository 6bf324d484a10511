package toolbox

import (
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/registry"
)

// pipelineOrder fixes the order in which tools are suggested by chain
// hints, roughly recon first, exploitation last.
var pipelineOrder = []string{
	"subfinder", "nmap", "httpx", "whatweb", "sslscan", "nuclei", "ffuf", "sqlmap",
}

// Toolbox holds the registered descriptors.
type Toolbox struct {
	*registry.BaseRegistry[*Descriptor]
}

// New creates an empty toolbox.
func New() *Toolbox {
	return &Toolbox{BaseRegistry: registry.NewBaseRegistry[*Descriptor]()}
}

// NewDefault creates a toolbox with the builtin tool set registered.
func NewDefault() (*Toolbox, error) {
	tb := New()
	for _, d := range builtins() {
		if err := tb.Register(d.Name, d); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

// Active returns enabled descriptors in pipeline order, followed by any
// registered tool not named in the pipeline.
func (tb *Toolbox) Active() []*Descriptor {
	out := make([]*Descriptor, 0, tb.Len())
	seen := make(map[string]bool)
	for _, name := range pipelineOrder {
		if d, ok := tb.Get(name); ok && !d.Disabled {
			out = append(out, d)
			seen[name] = true
		}
	}
	for _, name := range tb.Names() {
		if seen[name] {
			continue
		}
		if d, ok := tb.Get(name); ok && !d.Disabled {
			out = append(out, d)
		}
	}
	return out
}

// Describe renders every enabled tool as an LLM function schema.
func (tb *Toolbox) Describe() []llms.FunctionSchema {
	active := tb.Active()
	out := make([]llms.FunctionSchema, 0, len(active))
	for _, d := range active {
		out = append(out, d.Schema())
	}
	return out
}

// Validate looks up the tool and validates raw arguments against its
// schema.
func (tb *Toolbox) Validate(tool string, raw map[string]any) (map[string]any, error) {
	d, ok := tb.Get(tool)
	if !ok {
		return nil, &ValidationError{Tool: tool, Reason: "unknown tool"}
	}
	if d.Disabled {
		return nil, &ValidationError{Tool: tool, Reason: "tool is disabled"}
	}
	return d.Validate(raw)
}

// CheckTargets applies the target policy to the tool's validated
// arguments.
func (tb *Toolbox) CheckTargets(tool string, args map[string]any, allowPrivate bool) error {
	d, ok := tb.Get(tool)
	if !ok {
		return &ValidationError{Tool: tool, Reason: "unknown tool"}
	}
	return d.CheckTargets(args, allowPrivate)
}

// ChainHint maps the kinds of freshly produced findings to the tools
// that can consume them, in pipeline order. It is a pure function of the
// registered descriptors and its input.
func (tb *Toolbox) ChainHint(produced []findings.Finding) []string {
	kinds := make(map[string]bool)
	for _, f := range produced {
		if f.Kind != "" {
			kinds[f.Kind] = true
		}
	}
	if len(kinds) == 0 {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, d := range tb.Active() {
		if seen[d.Name] {
			continue
		}
		for _, input := range d.ChainInputs {
			if kinds[input] {
				out = append(out, d.Name)
				seen[d.Name] = true
				break
			}
		}
	}
	return out
}

// ApplyOverrides merges per-tool configuration into the registered
// descriptors. Overrides for unknown tools are errors so that a typo in
// config does not pass silently.
func (tb *Toolbox) ApplyOverrides(overrides map[string]config.ToolOverride) error {
	for name, ov := range overrides {
		d, ok := tb.Get(name)
		if !ok {
			return fmt.Errorf("tool override for unknown tool %q (known: %s)",
				name, strings.Join(tb.Names(), ", "))
		}
		if ov.Command != "" {
			d.Binary = ov.Command
		}
		if ov.Timeout > 0 {
			d.DefaultTimeout = ov.Timeout
		}
		if ov.MaxOutputBytes > 0 {
			d.MaxOutputBytes = ov.MaxOutputBytes
		}
		if ov.Disabled {
			d.Disabled = true
		}
		for arg, def := range ov.Defaults {
			spec, ok := d.Args[arg]
			if !ok {
				return fmt.Errorf("tool %q has no argument %q", name, arg)
			}
			coerced, err := coerce(spec, def)
			if err != nil {
				return fmt.Errorf("tool %q default for %q: %w", name, arg, err)
			}
			spec.Default = coerced
			d.Args[arg] = spec
		}
	}
	return nil
}
