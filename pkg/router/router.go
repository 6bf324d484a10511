// Package router chooses between the fast and deep model on every agent
// step. The decision is a pure function of the routing context; the
// router also fronts both providers with an optional bounded response
// cache.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
)

// Mode selects one of the two provider slots.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeDeep Mode = "deep"
)

// Complexity grades how involved a target is, derived from the breadth
// of discovered surface.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RoutingContext is the accumulated scan state the policy decides on.
type RoutingContext struct {
	ForcedMode       Mode
	Escalated        bool
	CompletionStep   bool
	FindingCount     int
	MaxSeverity      findings.Severity
	SubdomainCount   int
	TargetComplexity Complexity
	QueryIntentTags  []string
}

// Decision is the routing outcome for one step.
type Decision struct {
	Mode   Mode
	Reason string
}

// Router resolves modes to providers and applies the deterministic
// policy.
type Router struct {
	fast   llms.Provider
	deep   llms.Provider
	cfg    *config.RouterConfig
	cache  *expirable.LRU[string, *llms.Response]
	logger *slog.Logger
}

// New creates a router over the two provider slots.
func New(fast, deep llms.Provider, cfg *config.RouterConfig, logger *slog.Logger) (*Router, error) {
	if fast == nil || deep == nil {
		return nil, fmt.Errorf("router requires both a fast and a deep provider")
	}
	if cfg == nil {
		return nil, fmt.Errorf("router config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{fast: fast, deep: deep, cfg: cfg, logger: logger}
	if cfg.CacheEnabled {
		r.cache = expirable.NewLRU[string, *llms.Response](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r, nil
}

// Decide applies the routing policy in order. It is deterministic and
// side-effect free.
func (r *Router) Decide(rc RoutingContext) Decision {
	switch {
	case rc.ForcedMode != "":
		return Decision{Mode: rc.ForcedMode, Reason: "forced_mode"}

	case rc.Escalated:
		return Decision{Mode: ModeDeep, Reason: "escalation requested by agent loop"}

	case rc.CompletionStep:
		return Decision{Mode: ModeDeep, Reason: "scan completion summarization"}

	case rc.FindingCount >= r.cfg.FindingThreshold && rc.MaxSeverity.AtLeast(findings.SeverityHigh):
		return Decision{
			Mode:   ModeDeep,
			Reason: fmt.Sprintf("finding volume %d with severity %s", rc.FindingCount, rc.MaxSeverity),
		}

	case rc.SubdomainCount >= r.cfg.SubdomainThreshold:
		return Decision{
			Mode:   ModeDeep,
			Reason: fmt.Sprintf("subdomain volume %d exceeds threshold", rc.SubdomainCount),
		}

	case rc.TargetComplexity == ComplexityHigh:
		return Decision{Mode: ModeDeep, Reason: "high target complexity"}

	case hasIntent(rc.QueryIntentTags, "plan") || hasIntent(rc.QueryIntentTags, "prioritize"):
		return Decision{Mode: ModeDeep, Reason: "planning or prioritization intent"}

	default:
		return Decision{Mode: ModeFast, Reason: "default"}
	}
}

func hasIntent(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

// Provider returns the provider backing a mode.
func (r *Router) Provider(mode Mode) llms.Provider {
	if mode == ModeDeep {
		return r.deep
	}
	return r.fast
}

// Complete calls the provider for mode. When cacheable is true the
// response may be served from, or stored into, the router cache; steps
// whose prompt embeds newly discovered findings must pass false.
func (r *Router) Complete(ctx context.Context, mode Mode, messages []llms.Message, functions []llms.FunctionSchema, cc llms.CompletionConfig, cacheable bool) (*llms.Response, error) {
	var key string
	if cacheable && r.cache != nil {
		key = PromptFingerprint(mode, messages)
		if cached, ok := r.cache.Get(key); ok {
			r.logger.Debug("router cache hit", "mode", mode)
			return cached, nil
		}
	}

	resp, err := r.Provider(mode).Complete(ctx, messages, functions, cc)
	if err != nil {
		return nil, err
	}
	if key != "" {
		r.cache.Add(key, resp)
	}
	return resp, nil
}

// PromptFingerprint hashes a prompt for cache keying. Role and content
// are separated by NUL so concatenation cannot collide.
func PromptFingerprint(mode Mode, messages []llms.Message) string {
	h := sha256.New()
	h.Write([]byte(mode))
	for _, msg := range messages {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
		h.Write([]byte(msg.ArgumentsJSON))
	}
	return hex.EncodeToString(h.Sum(nil))
}
