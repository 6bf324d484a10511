package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ToolOverride carries per-tool descriptor overrides from the config file.
// Fields left at their zero value keep the compiled-in descriptor value.
type ToolOverride struct {
	// Command replaces the binary invoked for the tool.
	Command string `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`

	// Timeout replaces the descriptor's default timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`

	// MaxOutputBytes replaces the descriptor's output cap.
	MaxOutputBytes int64 `yaml:"max_output_bytes,omitempty" json:"max_output_bytes,omitempty" mapstructure:"max_output_bytes"`

	// Disabled removes the tool from the toolbox.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty" mapstructure:"disabled"`

	// Defaults overrides argument defaults by field name.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty" mapstructure:"defaults"`
}

// DecodeToolOverrides converts a loosely-typed overrides map (as parsed from
// YAML) into typed ToolOverride values. Unknown keys are an error so config
// typos surface at startup instead of silently keeping defaults.
func DecodeToolOverrides(raw map[string]any) (map[string]ToolOverride, error) {
	out := make(map[string]ToolOverride, len(raw))
	for name, entry := range raw {
		var override ToolOverride
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &override,
			ErrorUnused:      true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(entry); err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		out[name] = override
	}
	return out, nil
}
