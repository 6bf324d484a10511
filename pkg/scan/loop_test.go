package scan_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/executor"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/router"
	"github.com/kestrelsec/kestrel/pkg/scan"
	"github.com/kestrelsec/kestrel/pkg/storage"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// scriptProvider pops pre-scripted responses. When the script runs out it
// declares the assessment complete so a miscounted test terminates
// instead of spinning.
type scriptProvider struct {
	mu    sync.Mutex
	model string
	queue []scriptedCall
	calls [][]llms.Message
}

type scriptedCall struct {
	resp *llms.Response
	err  error
}

func (p *scriptProvider) Complete(_ context.Context, messages []llms.Message, _ []llms.FunctionSchema, _ llms.CompletionConfig) (*llms.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, snapshot)

	if len(p.queue) == 0 {
		return &llms.Response{
			Kind:          llms.ResponseFunctionCall,
			FunctionName:  "complete_assessment",
			ArgumentsJSON: `{"summary":"script exhausted"}`,
			TokensIn:      10, TokensOut: 5,
		}, nil
	}
	call := p.queue[0]
	p.queue = p.queue[1:]
	return call.resp, call.err
}

func (p *scriptProvider) ModelName() string { return p.model }
func (p *scriptProvider) Close() error      { return nil }

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptProvider) callText(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	for _, msg := range p.calls[i] {
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func toolCall(tool, argsJSON string) scriptedCall {
	return scriptedCall{resp: &llms.Response{
		Kind:          llms.ResponseFunctionCall,
		FunctionName:  tool,
		CallID:        "call-" + tool,
		ArgumentsJSON: argsJSON,
		TokensIn:      100, TokensOut: 20,
	}}
}

func textResponse(text string) scriptedCall {
	return scriptedCall{resp: &llms.Response{
		Kind: llms.ResponseTextOnly, Text: text,
		TokensIn: 100, TokensOut: 40,
	}}
}

func completionCall(summary string) scriptedCall {
	return scriptedCall{resp: &llms.Response{
		Kind:          llms.ResponseFunctionCall,
		FunctionName:  "complete_assessment",
		ArgumentsJSON: fmt.Sprintf(`{"summary":%q}`, summary),
		TokensIn:      100, TokensOut: 10,
	}}
}

// fakeRunner scripts subprocess outcomes per tool.
type fakeRunner struct {
	mu       sync.Mutex
	byTool   map[string]fakeExec
	executed []executor.Command
}

type fakeExec struct {
	lines  []string
	raw    string
	result *executor.Result
	err    error
	hang   bool
}

func (f *fakeRunner) Execute(ctx context.Context, cmd executor.Command, lines chan<- executor.Line) (*executor.Result, error) {
	f.mu.Lock()
	spec := f.byTool[cmd.Tool]
	f.executed = append(f.executed, cmd)
	f.mu.Unlock()

	for _, text := range spec.lines {
		select {
		case lines <- executor.Line{Stream: executor.StreamStdout, Text: text}:
		case <-ctx.Done():
			return nil, executor.NewError(cmd.Tool, executor.KindCancelled, ctx.Err())
		}
	}
	if spec.hang {
		<-ctx.Done()
		return nil, executor.NewError(cmd.Tool, executor.KindCancelled, ctx.Err())
	}
	if spec.err != nil {
		return spec.result, spec.err
	}
	if spec.result != nil {
		return spec.result, nil
	}
	return &executor.Result{ExitCode: 0, RawOutput: spec.raw, Duration: 5 * time.Millisecond}, nil
}

func (f *fakeRunner) executedTools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	for i, cmd := range f.executed {
		out[i] = cmd.Tool
	}
	return out
}

type harness struct {
	cfg    *config.Config
	ctrl   *scan.Controller
	bus    *eventbus.Bus
	store  scan.Store
	fast   *scriptProvider
	deep   *scriptProvider
	runner *fakeRunner
}

func newHarness(t *testing.T, fast, deep *scriptProvider, runner *fakeRunner, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Executor.AllowPrivateTargets = true
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(cfg.Scan.MaxLag, cfg.Scan.EventRetention, logger)
	t.Cleanup(bus.Close)

	store := storage.NewMemory()
	tb, err := toolbox.NewDefault()
	require.NoError(t, err)
	rt, err := router.New(fast, deep, &cfg.Router, logger)
	require.NoError(t, err)

	ctrl := scan.NewController(cfg, store, bus, rt, tb, runner, observability.New(), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	return &harness{cfg: cfg, ctrl: ctrl, bus: bus, store: store, fast: fast, deep: deep, runner: runner}
}

// runToTerminal starts the scan and collects its full event log. The
// subscriber channel closes once the terminal event has been delivered.
func (h *harness) runToTerminal(t *testing.T, req scan.CreateRequest) (*scan.Scan, []eventbus.Event) {
	t.Helper()
	s, err := h.ctrl.CreateScan(context.Background(), req)
	require.NoError(t, err)
	return s, h.collect(t, s.ID, nil)
}

// collect drains the scan's event stream until it closes. onEvent, when
// set, observes each event as it arrives.
func (h *harness) collect(t *testing.T, scanID string, onEvent func(eventbus.Event)) []eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := h.bus.Subscribe(ctx, scanID, 0)
	require.NoError(t, err)

	var events []eventbus.Event
	for ev := range ch {
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
	require.NotEmpty(t, events, "scan produced no events before the deadline")
	return events
}

func kindCount(events []eventbus.Event, kind eventbus.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func eventsOf(events []eventbus.Event, kind eventbus.Kind) []eventbus.Event {
	var out []eventbus.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func terminalEvent(t *testing.T, events []eventbus.Event) eventbus.Event {
	t.Helper()
	last := events[len(events)-1]
	require.True(t, eventbus.TerminalKind(last.Kind), "last event %s is not terminal", last.Kind)
	for _, ev := range events[:len(events)-1] {
		require.False(t, eventbus.TerminalKind(ev.Kind), "extra terminal event %s", ev.Kind)
	}
	return last
}

func TestScanHappyPath(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("subfinder", `{"domain":"example.com"}`),
		completionCall("Two subdomains discovered, nothing exploitable."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("Final assessment: the attack surface is two subdomains, both unremarkable."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"subfinder": {
			lines: []string{"api.example.com", "dev.example.com"},
			raw:   "api.example.com\ndev.example.com\n",
		},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	s, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	assert.Equal(t, eventbus.KindScanStarted, events[0].Kind)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, s.ID, ev.ScanID)
	}

	calls := eventsOf(events, eventbus.KindToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "subfinder", calls[0].Payload["tool"])
	assert.Equal(t, "fast", calls[0].Model)

	assert.Equal(t, 2, kindCount(events, eventbus.KindToolOutput))
	assert.Equal(t, 2, kindCount(events, eventbus.KindFinding))

	completed := eventsOf(events, eventbus.KindToolCompleted)
	require.Len(t, completed, 1)
	assert.EqualValues(t, 2, completed[0].Payload["finding_count"])
	assert.EqualValues(t, 0, completed[0].Payload["exit_code"])

	term := terminalEvent(t, events)
	require.Equal(t, eventbus.KindScanCompleted, term.Kind)
	assert.Contains(t, term.Payload["summary"], "Final assessment")
	counts, ok := term.Payload["counts_by_severity"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"info": 2, "low": 0, "medium": 0, "high": 0, "critical": 0}, counts)

	ctx := context.Background()
	stored, err := h.ctrl.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Positive(t, stored.TokensIn)

	steps, err := h.ctrl.Steps(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.NotNil(t, steps[0].ToolCall)
	assert.Equal(t, "subfinder", steps[0].ToolCall.ToolName)
	require.NotNil(t, steps[0].ToolResult)
	assert.Equal(t, 2, steps[0].ToolResult.FindingCount)
	assert.Nil(t, steps[1].ToolCall)
	assert.NotEmpty(t, steps[1].Reasoning)

	found, err := h.ctrl.Findings(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestScanEscalatesOnSubdomainVolume(t *testing.T) {
	var raw strings.Builder
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&raw, "host%03d.example.com\n", i)
	}

	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("subfinder", `{"domain":"example.com"}`),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		completionCall("Large subdomain estate, prioritized the externally exposed hosts."),
		textResponse("150 subdomains mapped; start with the exposed API hosts."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"subfinder": {raw: raw.String()},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	assert.Equal(t, 150, kindCount(events, eventbus.KindFinding))

	selected := eventsOf(events, eventbus.KindModelSelected)
	require.GreaterOrEqual(t, len(selected), 2)
	assert.Equal(t, "fast", selected[0].Payload["mode"])
	assert.Equal(t, "deep", selected[1].Payload["mode"])
	assert.Contains(t, selected[1].Payload["reason"], "subdomain")

	escalations := eventsOf(events, eventbus.KindEscalation)
	require.NotEmpty(t, escalations)
	assert.Equal(t, "fast", escalations[0].Payload["from_mode"])
	assert.Equal(t, "deep", escalations[0].Payload["to_mode"])

	// The switched-to model receives the accumulated context.
	require.Positive(t, deep.callCount())
	handoff := deep.callText(0)
	assert.Contains(t, handoff, "Context handoff")
	assert.Contains(t, handoff, "info=150")

	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestScanRefusesThirdDuplicateCall(t *testing.T) {
	nmapArgs := `{"target":"example.com"}`
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", nmapArgs),
		toolCall("nmap", nmapArgs),
	}}
	// The identical repeat escalates, so the third attempt and the rest of
	// the scan come from the deep slot.
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		toolCall("nmap", nmapArgs),
		completionCall("Port scan exhausted, nothing further to try."),
		textResponse("Only a port scan was productive here."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"nmap": {raw: "Host: 93.184.216.34 (example.com)\tPorts: 80/open/tcp//http///\n"},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	s, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	assert.Equal(t, 2, kindCount(events, eventbus.KindToolCall),
		"the third identical invocation must not execute")
	assert.Len(t, h.runner.executedTools(), 2)

	var sawDuplicate bool
	for _, ev := range eventsOf(events, eventbus.KindError) {
		if msg, _ := ev.Payload["message"].(string); strings.Contains(msg, "duplicate_tool_call") {
			sawDuplicate = true
			assert.Equal(t, "ValidationError", ev.Payload["kind"])
			assert.Equal(t, true, ev.Payload["recoverable"])
		}
	}
	assert.True(t, sawDuplicate, "expected a duplicate_tool_call error event")

	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)

	stored, err := h.ctrl.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, stored.Status)
}

func TestScanFailsOnProviderAuthError(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		{err: llms.NewProviderError("openai", llms.ErrorInvalidAPIKey, fmt.Errorf("401 unauthorized"))},
	}}
	deep := &scriptProvider{model: "deep-model"}
	h := newHarness(t, fast, deep, &fakeRunner{}, nil)

	s, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	assert.Zero(t, kindCount(events, eventbus.KindToolCall))
	term := terminalEvent(t, events)
	require.Equal(t, eventbus.KindScanFailed, term.Kind)
	assert.Equal(t, "ProviderError", term.Payload["kind"])
	assert.Contains(t, term.Payload["message"], "invalid_api_key")

	stored, err := h.ctrl.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusFailed, stored.Status)
	assert.Equal(t, "ProviderError", stored.ErrorKind)
}

func TestScanCancelledMidTool(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", `{"target":"example.com"}`),
	}}
	deep := &scriptProvider{model: "deep-model"}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"nmap": {lines: []string{"Starting Nmap"}, hang: true},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	s, err := h.ctrl.CreateScan(context.Background(), scan.CreateRequest{Target: "example.com"})
	require.NoError(t, err)

	var once sync.Once
	events := h.collect(t, s.ID, func(ev eventbus.Event) {
		if ev.Kind == eventbus.KindToolOutput {
			once.Do(func() {
				go func() { _, _ = h.ctrl.Cancel(context.Background(), s.ID) }()
			})
		}
	})

	term := terminalEvent(t, events)
	assert.Equal(t, eventbus.KindScanCancelled, term.Kind)

	stored, err := h.ctrl.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCancelled, stored.Status)

	// Cancelling again is a no-op on a terminal scan.
	status, err := h.ctrl.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCancelled, status)
}

func TestScanFailsAfterConsecutiveEmptyResponses(t *testing.T) {
	empty := scriptedCall{resp: &llms.Response{Kind: llms.ResponseEmpty}}
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{empty, empty, empty}}
	deep := &scriptProvider{model: "deep-model"}
	h := newHarness(t, fast, deep, &fakeRunner{}, nil)

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	term := terminalEvent(t, events)
	require.Equal(t, eventbus.KindScanFailed, term.Kind)
	assert.Contains(t, term.Payload["message"], "empty")
	assert.Equal(t, 3, kindCount(events, eventbus.KindError))
}

func TestScanRecoversFromInvalidArguments(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", `{}`), // missing required target
		toolCall("nmap", `{"target":"example.com"}`),
		completionCall("Scan done."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("One open port."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"nmap": {raw: "Host: 93.184.216.34 (example.com)\tPorts: 80/open/tcp//http///\n"},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	errs := eventsOf(events, eventbus.KindError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "ValidationError", errs[0].Payload["kind"])
	assert.Contains(t, errs[0].Payload["message"], "target")

	// The corrected re-issue executed within the same iteration.
	assert.Equal(t, 1, kindCount(events, eventbus.KindToolCall))
	assert.Equal(t, []string{"nmap"}, h.runner.executedTools())
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestScanRejectsPrivateToolTarget(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", `{"target":"127.0.0.1"}`),
		toolCall("nmap", `{"target":"example.com"}`),
		completionCall("Scan done."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("One open port."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"nmap": {raw: "Host: 93.184.216.34 (example.com)\tPorts: 80/open/tcp//http///\n"},
	}}
	h := newHarness(t, fast, deep, runner, func(cfg *config.Config) {
		cfg.Executor.AllowPrivateTargets = false
	})

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	errs := eventsOf(events, eventbus.KindError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "ValidationError", errs[0].Payload["kind"])
	assert.Contains(t, errs[0].Payload["message"], "private")

	// Only the corrected call reached the executor.
	require.Equal(t, []string{"nmap"}, h.runner.executedTools())
	assert.NotContains(t, h.runner.executed[0].Argv, "127.0.0.1")
	assert.Contains(t, h.runner.executed[0].Argv, "example.com")
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestScanRecoversFromMalformedArguments(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", `{"target": `), // truncated JSON
		toolCall("nmap", `{"target":"example.com"}`),
		completionCall("Scan done."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("One open port."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"nmap": {raw: "Host: 93.184.216.34 (example.com)\tPorts: 80/open/tcp//http///\n"},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	errs := eventsOf(events, eventbus.KindError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "ProviderError", errs[0].Payload["kind"])
	assert.Equal(t, true, errs[0].Payload["recoverable"])
	assert.Contains(t, errs[0].Payload["message"], "not valid JSON")

	assert.Equal(t, 1, kindCount(events, eventbus.KindToolCall))
	assert.Equal(t, []string{"nmap"}, h.runner.executedTools())
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestScanReportsToolNotInstalled(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("sslscan", `{"target":"example.com"}`),
		completionCall("Could not assess TLS, sslscan missing."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("TLS posture unknown; install sslscan and rerun."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"sslscan": {err: executor.NewError("sslscan", executor.KindNotInstalled, fmt.Errorf(`"sslscan" not found in PATH`))},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	s, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	errs := eventsOf(events, eventbus.KindError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "ToolError/not_installed", errs[0].Payload["kind"])
	assert.Zero(t, kindCount(events, eventbus.KindToolCompleted))
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)

	steps, err := h.ctrl.Steps(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	require.NotNil(t, steps[0].ToolCall)
	require.NotNil(t, steps[0].ToolResult, "a failed run still records its result")
	assert.Equal(t, -1, steps[0].ToolResult.ExitCode)
	assert.Contains(t, steps[0].ToolResult.Error, "not found in PATH")
	assert.Zero(t, steps[0].ToolResult.FindingCount)
}

func TestScanSummarizesWhenIterationBudgetExhausted(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("subfinder", `{"domain":"example.com"}`),
		toolCall("nmap", `{"target":"api.example.com"}`),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("Budget spent; one subdomain and one open port found."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"subfinder": {raw: "api.example.com\n"},
		"nmap":      {raw: "Host: 93.184.216.34 (api.example.com)\tPorts: 443/open/tcp//https///\n"},
	}}
	h := newHarness(t, fast, deep, runner, func(cfg *config.Config) {
		cfg.Scan.MaxIterations = 2
	})

	_, events := h.runToTerminal(t, scan.CreateRequest{Target: "example.com"})

	var sawBudget bool
	for _, ev := range eventsOf(events, eventbus.KindError) {
		if ev.Payload["kind"] == "MaxIterationsReached" {
			sawBudget = true
			assert.Equal(t, true, ev.Payload["recoverable"])
		}
	}
	assert.True(t, sawBudget, "expected a MaxIterationsReached warning")

	term := terminalEvent(t, events)
	require.Equal(t, eventbus.KindScanCompleted, term.Kind)
	assert.Contains(t, term.Payload["summary"], "Budget spent")
}

func TestScanClampsDeepWhenBudgetExhausted(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		completionCall("Nothing to plan, done."),
		textResponse("Fast summary under budget pressure."),
	}}
	deep := &scriptProvider{model: "deep-model"}
	h := newHarness(t, fast, deep, &fakeRunner{}, func(cfg *config.Config) {
		cfg.Scan.BudgetUSD = 0.0001
		cfg.Pricing["deep-model"] = config.ModelPrice{InputPer1K: 1.0, OutputPer1K: 1.0}
	})

	// A planning objective would normally route deep.
	_, events := h.runToTerminal(t, scan.CreateRequest{
		Target:    "example.com",
		Objective: "plan the assessment",
	})

	assert.Zero(t, deep.callCount())
	selected := eventsOf(events, eventbus.KindModelSelected)
	require.NotEmpty(t, selected)
	for _, ev := range selected {
		assert.Equal(t, "fast", ev.Payload["mode"])
	}
	assert.Contains(t, selected[0].Payload["reason"], "budget")
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestScanRestrictedToolSubset(t *testing.T) {
	fast := &scriptProvider{model: "fast-model", queue: []scriptedCall{
		toolCall("nmap", `{"target":"example.com"}`), // not in the subset
		toolCall("subfinder", `{"domain":"example.com"}`),
		completionCall("Subdomain sweep only, as requested."),
	}}
	deep := &scriptProvider{model: "deep-model", queue: []scriptedCall{
		textResponse("Enumeration-only engagement finished."),
	}}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"subfinder": {raw: "api.example.com\n"},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	_, events := h.runToTerminal(t, scan.CreateRequest{
		Target: "example.com",
		Tools:  []string{"subfinder"},
	})

	assert.Equal(t, []string{"subfinder"}, h.runner.executedTools())
	errs := eventsOf(events, eventbus.KindError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Payload["message"], "not enabled")
	assert.Equal(t, eventbus.KindScanCompleted, terminalEvent(t, events).Kind)
}

func TestPipelineScanWithoutAI(t *testing.T) {
	fast := &scriptProvider{model: "fast-model"}
	deep := &scriptProvider{model: "deep-model"}
	runner := &fakeRunner{byTool: map[string]fakeExec{
		"subfinder": {raw: "api.example.com\n"},
		"nmap":      {raw: "Host: 93.184.216.34 (example.com)\tPorts: 80/open/tcp//http///\n"},
		"httpx":     {raw: `{"url":"http://example.com","status_code":200,"webserver":"nginx","scheme":"http","host":"example.com"}` + "\n"},
		"nuclei":    {raw: ""},
	}}
	h := newHarness(t, fast, deep, runner, nil)

	enable := false
	s, events := h.runToTerminal(t, scan.CreateRequest{
		Target:   "example.com",
		EnableAI: &enable,
	})

	assert.Equal(t, []string{"subfinder", "nmap", "httpx", "nuclei"}, h.runner.executedTools())
	assert.Zero(t, fast.callCount())
	assert.Zero(t, deep.callCount())
	assert.Zero(t, kindCount(events, eventbus.KindModelSelected))
	assert.Equal(t, 4, kindCount(events, eventbus.KindToolCompleted))

	term := terminalEvent(t, events)
	require.Equal(t, eventbus.KindScanCompleted, term.Kind)
	assert.Contains(t, term.Payload["summary"], "pipeline")

	stored, err := h.ctrl.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, stored.EnableAI)
	assert.Equal(t, scan.StatusCompleted, stored.Status)
}

func TestCreateScanValidation(t *testing.T) {
	fast := &scriptProvider{model: "fast-model"}
	deep := &scriptProvider{model: "deep-model"}
	h := newHarness(t, fast, deep, &fakeRunner{}, func(cfg *config.Config) {
		cfg.Executor.AllowPrivateTargets = false
	})
	ctx := context.Background()

	cases := []struct {
		name string
		req  scan.CreateRequest
		want string
	}{
		{"empty target", scan.CreateRequest{}, "target"},
		{"private target", scan.CreateRequest{Target: "127.0.0.1"}, "target"},
		{"bad profile", scan.CreateRequest{Target: "example.com", Profile: "turbo"}, "profile"},
		{"unknown tool", scan.CreateRequest{Target: "example.com", Tools: []string{"hydra"}}, "tool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ctrl.CreateScan(ctx, tc.req)
			var reqErr *scan.RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, scan.ErrKindValidation, reqErr.Kind)
			assert.Contains(t, reqErr.Message, tc.want)
		})
	}

	_, err := h.ctrl.Cancel(ctx, "no-such-scan")
	var reqErr *scan.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, scan.ErrKindNotFound, reqErr.Kind)
}
