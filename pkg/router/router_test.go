package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
)

type countingProvider struct {
	model string
	calls int
	resp  *llms.Response
	err   error
}

func (p *countingProvider) Complete(ctx context.Context, messages []llms.Message, functions []llms.FunctionSchema, cc llms.CompletionConfig) (*llms.Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}
func (p *countingProvider) ModelName() string { return p.model }
func (p *countingProvider) Close() error      { return nil }

func testRouterConfig() *config.RouterConfig {
	cfg := &config.RouterConfig{}
	cfg.SetDefaults()
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.RouterConfig) (*Router, *countingProvider, *countingProvider) {
	t.Helper()
	fast := &countingProvider{model: "fast-model", resp: &llms.Response{Kind: llms.ResponseTextOnly, Text: "fast"}}
	deep := &countingProvider{model: "deep-model", resp: &llms.Response{Kind: llms.ResponseTextOnly, Text: "deep"}}
	r, err := New(fast, deep, cfg, nil)
	require.NoError(t, err)
	return r, fast, deep
}

func TestDecidePolicyOrder(t *testing.T) {
	r, _, _ := newTestRouter(t, testRouterConfig())

	cases := []struct {
		name       string
		rc         RoutingContext
		wantMode   Mode
		wantReason string
	}{
		{
			name:       "forced mode wins over everything",
			rc:         RoutingContext{ForcedMode: ModeFast, CompletionStep: true, SubdomainCount: 1000},
			wantMode:   ModeFast,
			wantReason: "forced_mode",
		},
		{
			name:     "escalation latch",
			rc:       RoutingContext{Escalated: true},
			wantMode: ModeDeep,
		},
		{
			name:     "completion summarization is deep",
			rc:       RoutingContext{CompletionStep: true},
			wantMode: ModeDeep,
		},
		{
			name:     "finding volume with high severity",
			rc:       RoutingContext{FindingCount: 20, MaxSeverity: findings.SeverityHigh},
			wantMode: ModeDeep,
		},
		{
			name:     "finding volume without high severity stays fast",
			rc:       RoutingContext{FindingCount: 50, MaxSeverity: findings.SeverityMedium},
			wantMode: ModeFast,
		},
		{
			name:       "subdomain volume",
			rc:         RoutingContext{SubdomainCount: 150},
			wantMode:   ModeDeep,
			wantReason: "subdomain volume 150 exceeds threshold",
		},
		{
			name:     "high complexity",
			rc:       RoutingContext{TargetComplexity: ComplexityHigh},
			wantMode: ModeDeep,
		},
		{
			name:     "plan intent",
			rc:       RoutingContext{QueryIntentTags: []string{"recon", "plan"}},
			wantMode: ModeDeep,
		},
		{
			name:       "default",
			rc:         RoutingContext{FindingCount: 3, MaxSeverity: findings.SeverityLow},
			wantMode:   ModeFast,
			wantReason: "default",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := r.Decide(tc.rc)
			assert.Equal(t, tc.wantMode, d.Mode)
			if tc.wantReason != "" {
				assert.Equal(t, tc.wantReason, d.Reason)
			}
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	r, _, _ := newTestRouter(t, testRouterConfig())
	rc := RoutingContext{FindingCount: 25, MaxSeverity: findings.SeverityCritical}
	first := r.Decide(rc)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Decide(rc))
	}
}

func TestCompleteRoutesToProvider(t *testing.T) {
	r, fast, deep := newTestRouter(t, testRouterConfig())

	msgs := []llms.Message{{Role: llms.RoleUser, Content: "go"}}
	resp, err := r.Complete(context.Background(), ModeFast, msgs, nil, llms.CompletionConfig{}, false)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Text)

	resp, err = r.Complete(context.Background(), ModeDeep, msgs, nil, llms.CompletionConfig{}, false)
	require.NoError(t, err)
	assert.Equal(t, "deep", resp.Text)

	assert.Equal(t, 1, fast.calls)
	assert.Equal(t, 1, deep.calls)
}

func TestCompleteCaching(t *testing.T) {
	cfg := testRouterConfig()
	cfg.CacheEnabled = true
	cfg.CacheSize = 16
	cfg.CacheTTL = time.Minute
	r, fast, _ := newTestRouter(t, cfg)

	msgs := []llms.Message{{Role: llms.RoleUser, Content: "same prompt"}}
	for i := 0; i < 3; i++ {
		_, err := r.Complete(context.Background(), ModeFast, msgs, nil, llms.CompletionConfig{}, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fast.calls, "identical cacheable prompts hit the cache")

	// Prompts carrying fresh findings must bypass the cache.
	for i := 0; i < 2; i++ {
		_, err := r.Complete(context.Background(), ModeFast, msgs, nil, llms.CompletionConfig{}, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fast.calls)
}

func TestPromptFingerprintDistinguishesModeAndContent(t *testing.T) {
	msgs := []llms.Message{{Role: llms.RoleUser, Content: "a"}}
	other := []llms.Message{{Role: llms.RoleUser, Content: "b"}}

	assert.NotEqual(t, PromptFingerprint(ModeFast, msgs), PromptFingerprint(ModeDeep, msgs))
	assert.NotEqual(t, PromptFingerprint(ModeFast, msgs), PromptFingerprint(ModeFast, other))
	assert.Equal(t, PromptFingerprint(ModeFast, msgs), PromptFingerprint(ModeFast, msgs))
}

func TestHandoffRender(t *testing.T) {
	h := NewHandoff(
		"Assess example.com for exposed services",
		[]string{"step one", "step two", "step three", "step four"},
		[]string{"example.com", "api.example.com"},
		map[findings.Severity]int{
			findings.SeverityHigh: 2,
			findings.SeverityInfo: 9,
		},
	)

	assert.Len(t, h.RecentReasoning, 3)
	assert.Equal(t, "step two", h.RecentReasoning[0])

	text := h.Render()
	assert.Contains(t, text, "Objective: Assess example.com")
	assert.Contains(t, text, "api.example.com")
	assert.Contains(t, text, "high=2")
	assert.Contains(t, text, "info=9")
	assert.NotContains(t, text, "step one")
}
