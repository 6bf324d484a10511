// Package toolbox is the authoritative catalog of security tools the
// agent may invoke. Each tool is a Descriptor: an argument schema the
// LLM sees as a callable function, an argv builder, and a parser that
// turns tool output into raw findings.
package toolbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/executor"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
)

// ArgType is the JSON-schema type of one tool argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgBoolean ArgType = "boolean"
	ArgList    ArgType = "array"
)

// ArgSpec declares one argument of a tool.
type ArgSpec struct {
	Type        ArgType
	Description string
	Required    bool
	Default     any
	Enum        []string
	Min, Max    *int

	// Target marks arguments that name scan targets (hosts, domains,
	// URLs). Their values pass the executor's target policy before the
	// tool runs.
	Target bool
}

// Descriptor declares a tool: its schema, how to build its argv, and how
// to parse its output.
type Descriptor struct {
	Name        string
	Binary      string
	Description string
	Args        map[string]ArgSpec

	// BuildArgv turns validated args into a full argv. The first element
	// is the binary; every value is its own element, never a shell string.
	BuildArgv func(args map[string]any) []string

	// Parse converts raw tool output into raw findings. Severity and
	// target normalization happen later in the findings package.
	Parse func(raw string) ([]findings.RawFinding, error)

	// ChainInputs and ChainOutputs name the finding kinds this tool
	// consumes and produces; they drive chain hints between iterations.
	ChainInputs  []string
	ChainOutputs []string

	DefaultTimeout   time.Duration
	MaxOutputBytes   int64
	SeverityMap      map[string]findings.Severity
	SuccessExitCodes []int
	Disabled         bool

	// AllowPrivate lets this tool scan loopback and private address
	// space even when the global executor policy forbids it.
	AllowPrivate bool
}

// ValidationError reports a rejected tool invocation. It is recoverable:
// the loop reports it back to the model and continues.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

// Validate checks raw arguments against the descriptor's schema. Unknown
// keys are dropped silently to tolerate model over-reach; missing
// required keys are errors; numbers are clamped into their declared
// bounds; lists accept both JSON arrays and comma-separated strings.
func (d *Descriptor) Validate(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(d.Args))
	for name, spec := range d.Args {
		val, present := raw[name]
		if !present || val == nil {
			if spec.Required {
				return nil, &ValidationError{Tool: d.Name, Reason: fmt.Sprintf("missing required argument %q", name)}
			}
			if spec.Default != nil {
				out[name] = spec.Default
			}
			continue
		}
		coerced, err := coerce(spec, val)
		if err != nil {
			return nil, &ValidationError{Tool: d.Name, Reason: fmt.Sprintf("argument %q: %v", name, err)}
		}
		out[name] = coerced
	}
	return out, nil
}

// CheckTargets runs every target-typed argument through the executor's
// target policy. The values are model-chosen, so they get the same
// loopback/private screening as the scan's own target.
func (d *Descriptor) CheckTargets(args map[string]any, allowPrivate bool) error {
	allowPrivate = allowPrivate || d.AllowPrivate
	for name, spec := range d.Args {
		if !spec.Target {
			continue
		}
		switch v := args[name].(type) {
		case string:
			if _, err := executor.ValidateTarget(v, allowPrivate); err != nil {
				return &ValidationError{Tool: d.Name, Reason: fmt.Sprintf("argument %q: %v", name, err)}
			}
		case []string:
			for _, item := range v {
				if _, err := executor.ValidateTarget(item, allowPrivate); err != nil {
					return &ValidationError{Tool: d.Name, Reason: fmt.Sprintf("argument %q: %v", name, err)}
				}
			}
		}
	}
	return nil
}

func coerce(spec ArgSpec, val any) (any, error) {
	switch spec.Type {
	case ArgString:
		s, err := toString(val)
		if err != nil {
			return nil, err
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(spec.Enum, ", "))
		}
		return s, nil

	case ArgInteger:
		n, err := toInt(val)
		if err != nil {
			return nil, err
		}
		if spec.Min != nil && n < *spec.Min {
			n = *spec.Min
		}
		if spec.Max != nil && n > *spec.Max {
			n = *spec.Max
		}
		return n, nil

	case ArgBoolean:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected boolean, got %T", val)
		}

	case ArgList:
		switch v := val.(type) {
		case []string:
			return v, nil
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				s, err := toString(item)
				if err != nil {
					return nil, err
				}
				items = append(items, s)
			}
			return items, nil
		case string:
			var items []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					items = append(items, part)
				}
			}
			return items, nil
		default:
			return nil, fmt.Errorf("expected list, got %T", val)
		}
	}
	return nil, fmt.Errorf("unsupported argument type %q", spec.Type)
}

func toString(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", val)
	}
}

func toInt(val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", val)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Schema renders the descriptor as an LLM function schema.
func (d *Descriptor) Schema() llms.FunctionSchema {
	properties := make(map[string]any, len(d.Args))
	var required []string
	for name, spec := range d.Args {
		prop := map[string]any{
			"type":        string(spec.Type),
			"description": spec.Description,
		}
		if spec.Type == ArgList {
			prop["items"] = map[string]any{"type": "string"}
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		if spec.Min != nil {
			prop["minimum"] = *spec.Min
		}
		if spec.Max != nil {
			prop["maximum"] = *spec.Max
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llms.FunctionSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  params,
	}
}

// Command builds the subprocess invocation for validated args. A
// configured Binary replaces the builder's default argv[0], which lets
// operators point a tool at a wrapper or an absolute path.
func (d *Descriptor) Command(args map[string]any) executor.Command {
	argv := d.BuildArgv(args)
	if len(argv) > 0 && d.Binary != "" {
		argv[0] = d.Binary
	}
	return executor.Command{
		Tool:             d.Name,
		Argv:             argv,
		Timeout:          d.DefaultTimeout,
		MaxOutputBytes:   d.MaxOutputBytes,
		SuccessExitCodes: d.SuccessExitCodes,
	}
}

// argString reads a validated string argument, empty if absent.
func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string, fallback int) int {
	if n, ok := args[name].(int); ok {
		return n
	}
	return fallback
}

func argBool(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

func argList(args map[string]any, name string) []string {
	l, _ := args[name].([]string)
	return l
}
