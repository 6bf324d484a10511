package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/router"
)

// outcome is the result of one loop iteration.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeComplete
	outcomeFailed
	outcomeCancelled
)

// fixupAttempts bounds the malformed-arguments retry per iteration.
const fixupAttempts = 2

// run drives one scan from pending to a terminal state. All fields are
// owned by the single loop goroutine.
type run struct {
	ctrl   *Controller
	scan   *Scan
	logger *slog.Logger

	functions []llms.FunctionSchema
	allowed   map[string]bool

	transcript []llms.Message
	normalizer *findings.Normalizer
	cost       *costTracker

	reasonings       []string
	targets          map[string]bool
	sevCounts        map[findings.Severity]int
	subdomains       int
	maxSeverity      findings.Severity
	callCounts       map[string]int
	lastCallKey      string
	toolsRun         map[string]bool
	escalate         bool
	lastMode         router.Mode
	freshFindings    bool
	consecutiveEmpty int
	stepIndex        int
	summarySeed      string
	finished         bool

	// Per-step usage, reset when a step is recorded.
	stepTokensIn  int
	stepTokensOut int
	stepCost      float64
}

func newRun(ctrl *Controller, s *Scan) *run {
	r := &run{
		ctrl:       ctrl,
		scan:       s,
		logger:     ctrl.logger.With("scan_id", s.ID),
		normalizer: findings.NewNormalizer(s.ID),
		cost:       newCostTracker(ctrl.cfg.Pricing, ctrl.cfg.Scan.BudgetUSD),
		targets:    make(map[string]bool),
		sevCounts:  make(map[findings.Severity]int),
		callCounts: make(map[string]int),
		toolsRun:   make(map[string]bool),
	}
	if len(s.Tools) > 0 {
		r.allowed = make(map[string]bool, len(s.Tools))
		for _, name := range s.Tools {
			r.allowed[name] = true
		}
	}
	for _, schema := range ctrl.toolbox.Describe() {
		if r.allowed == nil || r.allowed[schema.Name] {
			r.functions = append(r.functions, schema)
		}
	}
	r.functions = append(r.functions, completionSchema())
	return r
}

// execute is the scan's goroutine body.
func (r *run) execute(ctx context.Context) {
	s := r.scan
	now := time.Now().UTC()
	s.Status = StatusRunning
	s.StartedAt = &now
	r.persist(ctx)

	r.ctrl.metrics.ScansStarted.WithLabelValues(string(s.Profile)).Inc()
	r.publish(eventbus.KindScanStarted, map[string]any{
		"target":  s.Target,
		"profile": string(s.Profile),
	})

	ctx, cancel := context.WithTimeout(ctx, r.ctrl.cfg.Scan.MaxDuration)
	defer cancel()

	if !s.EnableAI {
		r.runPipeline(ctx)
		return
	}

	iterCap := s.Profile.IterationCap(r.ctrl.cfg.Scan.MaxIterations)
	toolNames := make([]string, 0, len(r.functions)-1)
	for _, fn := range r.functions[:len(r.functions)-1] {
		toolNames = append(toolNames, fn.Name)
	}
	r.transcript = []llms.Message{
		{Role: llms.RoleSystem, Content: systemPrompt(s, iterCap, toolNames)},
		{Role: llms.RoleUser, Content: "Begin the assessment."},
	}

	for iter := 1; iter <= iterCap; iter++ {
		if r.interrupted(ctx) {
			return
		}
		switch r.iteration(ctx) {
		case outcomeContinue:
		case outcomeComplete:
			r.summarize(ctx, "the model declared the assessment complete")
			return
		case outcomeFailed, outcomeCancelled:
			return
		}
	}

	r.publishError("MaxIterationsReached",
		fmt.Sprintf("iteration budget of %d exhausted", iterCap), true)
	r.summarize(ctx, "the iteration budget was exhausted")
}

// iteration performs one route-complete-dispatch cycle.
func (r *run) iteration(ctx context.Context) outcome {
	mode, _ := r.route(false)

	resp, oc := r.complete(ctx, mode)
	if resp == nil {
		return oc
	}
	return r.dispatch(ctx, mode, resp, 0)
}

// route runs the routing policy, applies the budget clamp, and emits
// model_selected plus the handoff on a switch.
func (r *run) route(completion bool) (router.Mode, string) {
	rc := router.RoutingContext{
		Escalated:        r.escalate,
		CompletionStep:   completion,
		FindingCount:     r.normalizer.Count(),
		MaxSeverity:      r.maxSeverity,
		SubdomainCount:   r.subdomains,
		TargetComplexity: complexityOf(len(r.targets), r.subdomains),
		QueryIntentTags:  intentTags(r.scan.Objective),
	}
	decision := r.ctrl.router.Decide(rc)
	r.escalate = false

	mode, reason := decision.Mode, decision.Reason
	if mode == router.ModeDeep && r.deepOverBudget() {
		mode, reason = router.ModeFast, "budget cap reached, deep model disabled"
	}

	r.publishModel(eventbus.KindModelSelected, mode, map[string]any{
		"mode":   string(mode),
		"reason": reason,
	})

	if r.lastMode != "" && r.lastMode != mode {
		handoff := router.NewHandoff(r.objective(), r.reasonings, r.targetList(), r.sevCounts)
		r.transcript = append(r.transcript, llms.Message{
			Role:    llms.RoleUser,
			Content: handoff.Render(),
		})
		r.publishModel(eventbus.KindEscalation, mode, map[string]any{
			"from_mode": string(r.lastMode),
			"to_mode":   string(mode),
			"reason":    reason,
		})
	}
	r.lastMode = mode
	return mode, reason
}

// deepOverBudget projects the next deep call against the remaining
// budget. Already exhausted budgets clamp outright.
func (r *run) deepOverBudget() bool {
	if r.ctrl.cfg.Scan.BudgetUSD <= 0 {
		return false
	}
	if r.cost.deepExhausted() {
		return true
	}
	model := r.ctrl.router.Provider(router.ModeDeep).ModelName()
	price, ok := r.ctrl.cfg.Pricing[model]
	if !ok {
		return false
	}
	projected := float64(estimateTokens(r.transcript)) / 1000 * price.InputPer1K
	return r.cost.totalUSD+projected >= r.ctrl.cfg.Scan.BudgetUSD
}

// complete calls the routed provider, retrying once on recoverable
// failures. A nil response means the iteration resolved to the returned
// outcome.
func (r *run) complete(ctx context.Context, mode router.Mode) (*llms.Response, outcome) {
	cacheable := !r.freshFindings
	r.freshFindings = false
	cc := r.ctrl.completionConfig(mode)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := r.ctrl.router.Complete(ctx, mode, r.transcript, r.functions, cc, cacheable)
		if err == nil {
			model := r.ctrl.router.Provider(mode).ModelName()
			stepCost := r.cost.add(model, resp.TokensIn, resp.TokensOut)
			r.scan.TokensIn = r.cost.tokensIn
			r.scan.TokensOut = r.cost.tokensOut
			r.scan.EstimatedCost = r.cost.totalUSD
			r.stepTokensIn += resp.TokensIn
			r.stepTokensOut += resp.TokensOut
			r.stepCost += stepCost

			m := r.ctrl.metrics
			m.ModelCalls.WithLabelValues(string(mode)).Inc()
			m.TokensUsed.WithLabelValues(string(mode), "in").Add(float64(resp.TokensIn))
			m.TokensUsed.WithLabelValues(string(mode), "out").Add(float64(resp.TokensOut))
			m.EstimatedUSD.Add(stepCost)
			return resp, outcomeContinue
		}

		if r.interrupted(ctx) {
			return nil, outcomeCancelled
		}
		if llms.Terminal(err) {
			r.fail(ctx, ErrKindProvider, err.Error())
			return nil, outcomeFailed
		}
		lastErr = err
		r.publishError(ErrKindProvider, err.Error(), true)
	}

	r.logger.Warn("provider unavailable for iteration, skipping", "error", lastErr)
	return nil, outcomeContinue
}

// dispatch handles one provider response. depth counts fix-up retries
// within the same iteration.
func (r *run) dispatch(ctx context.Context, mode router.Mode, resp *llms.Response, depth int) outcome {
	switch resp.Kind {
	case llms.ResponseFunctionCall:
		r.consecutiveEmpty = 0
		if resp.FunctionName == completionTool {
			var args struct {
				Summary string `json:"summary"`
			}
			_ = json.Unmarshal([]byte(resp.ArgumentsJSON), &args)
			r.summarySeed = args.Summary
			return outcomeComplete
		}
		return r.handleToolCall(ctx, mode, resp, depth)

	case llms.ResponseTextOnly:
		r.consecutiveEmpty = 0
		if strings.Contains(strings.ToUpper(resp.Text), completionSentinel) {
			r.summarySeed = resp.Text
			return outcomeComplete
		}
		r.publishModel(eventbus.KindAgentReasoning, mode, map[string]any{
			"text": resp.Text,
			"mode": string(mode),
		})
		r.reasonings = append(r.reasonings, resp.Text)
		r.transcript = append(r.transcript, llms.Message{
			Role:    llms.RoleAssistant,
			Content: resp.Text,
		})
		r.recordStep(ctx, mode, resp.Text, nil, nil)
		return outcomeContinue

	case llms.ResponseEmpty:
		r.consecutiveEmpty++
		r.publishError(ErrKindProvider, "model returned an empty response", true)
		if r.consecutiveEmpty >= r.ctrl.cfg.Scan.MaxConsecutiveEmpty {
			r.fail(ctx, ErrKindProvider,
				fmt.Sprintf("%d consecutive empty model responses", r.consecutiveEmpty))
			return outcomeFailed
		}
		return outcomeContinue
	}
	return outcomeContinue
}

// handleToolCall validates and executes one tool invocation, applying
// the fix-up retry policy for malformed or invalid arguments.
func (r *run) handleToolCall(ctx context.Context, mode router.Mode, resp *llms.Response, depth int) outcome {
	tool := resp.FunctionName

	reject := func(kind, reason string) outcome {
		r.publishError(kind, reason, true)
		if depth+1 >= fixupAttempts {
			r.logger.Warn("skipping iteration after repeated invalid tool call", "tool", tool)
			return outcomeContinue
		}
		r.transcript = append(r.transcript,
			llms.Message{
				Role:    llms.RoleAssistant,
				Content: fmt.Sprintf("Calling %s with %s", tool, resp.ArgumentsJSON),
			},
			llms.Message{
				Role:    llms.RoleUser,
				Content: fmt.Sprintf("That call was rejected: %s. Re-issue the call with corrected arguments.", reason),
			})
		retry, oc := r.complete(ctx, mode)
		if retry == nil {
			return oc
		}
		return r.dispatch(ctx, mode, retry, depth+1)
	}

	if r.allowed != nil && !r.allowed[tool] {
		return reject(ErrKindValidation, fmt.Sprintf("tool %q is not enabled for this scan", tool))
	}

	var rawArgs map[string]any
	if err := json.Unmarshal([]byte(resp.ArgumentsJSON), &rawArgs); err != nil {
		return reject(ErrKindProvider, fmt.Sprintf("arguments for %s are not valid JSON", tool))
	}

	validated, err := r.ctrl.toolbox.Validate(tool, rawArgs)
	if err != nil {
		return reject(ErrKindValidation, err.Error())
	}
	if err := r.ctrl.toolbox.CheckTargets(tool, validated, r.ctrl.cfg.Executor.AllowPrivateTargets); err != nil {
		return reject(ErrKindValidation, err.Error())
	}

	key := normalizedArgsKey(tool, validated)
	if key == r.lastCallKey {
		// An identical repeat is the loop's escalation signal.
		r.escalate = true
	}
	if r.callCounts[key] >= 2 {
		r.publishError(ErrKindValidation,
			fmt.Sprintf("duplicate_tool_call: %s already executed twice with these arguments", tool), true)
		r.transcript = append(r.transcript, llms.Message{
			Role:    llms.RoleUser,
			Content: fmt.Sprintf("You already ran %s twice with those exact arguments. Choose a different tool, different arguments, or declare the assessment complete.", tool),
		})
		r.lastCallKey = key
		return outcomeContinue
	}
	r.callCounts[key]++
	r.lastCallKey = key

	return r.execTool(ctx, mode, resp, tool, rawArgs, validated)
}

// summarize runs the final deep summarization step and completes the
// scan.
func (r *run) summarize(ctx context.Context, why string) {
	if r.interrupted(ctx) {
		return
	}
	mode, _ := r.route(true)

	r.transcript = append(r.transcript, llms.Message{
		Role: llms.RoleUser,
		Content: fmt.Sprintf(
			"The scan is ending because %s. Write the final assessment: what was found, how severe it is, and what to remediate first.", why),
	})

	summary := r.summarySeed
	resp, _ := r.complete(ctx, mode)
	if r.finished || r.interrupted(ctx) {
		return
	}
	if resp != nil && resp.Kind == llms.ResponseTextOnly && resp.Text != "" {
		summary = resp.Text
	}
	if summary == "" {
		summary = fmt.Sprintf("Assessment ended (%s) with %d findings.", why, r.normalizer.Count())
	}

	r.publishModel(eventbus.KindAgentReasoning, mode, map[string]any{
		"text": summary,
		"mode": string(mode),
	})
	r.recordStep(ctx, mode, summary, nil, nil)
	r.completeScan(ctx, summary)
}

// recordStep persists one agent step and advances the dense index.
func (r *run) recordStep(ctx context.Context, mode router.Mode, reasoning string, call *ToolCall, result *ToolResult) int {
	r.stepIndex++
	step := &AgentStep{
		ScanID:        r.scan.ID,
		Index:         r.stepIndex,
		ModelUsed:     string(mode),
		Reasoning:     reasoning,
		ToolCall:      call,
		ToolResult:    result,
		StartedAt:     time.Now().UTC(),
		CompletedAt:   time.Now().UTC(),
		TokensIn:      r.stepTokensIn,
		TokensOut:     r.stepTokensOut,
		EstimatedCost: r.stepCost,
	}
	r.stepTokensIn, r.stepTokensOut, r.stepCost = 0, 0, 0
	if err := r.ctrl.store.AppendStep(ctx, step); err != nil {
		r.logger.Error("failed to persist step", "index", step.Index, "error", err)
	}
	r.persist(ctx)
	return r.stepIndex
}

// interrupted finalizes the scan when its context has fired and reports
// whether it did.
func (r *run) interrupted(ctx context.Context) bool {
	switch ctx.Err() {
	case nil:
		return false
	case context.DeadlineExceeded:
		r.fail(ctx, ErrKindTimeout, "scan exceeded its wall-clock budget")
	default:
		r.cancelled(ctx)
	}
	return true
}

func (r *run) objective() string {
	if r.scan.Objective != "" {
		return r.scan.Objective
	}
	return fmt.Sprintf("broad security assessment of %s", r.scan.Target)
}

func (r *run) targetList() []string {
	out := make([]string, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	return out
}

// finalization

func (r *run) completeScan(ctx context.Context, summary string) {
	if r.finished {
		return
	}
	counts := make(map[string]int, 5)
	for _, sev := range findings.Severities() {
		counts[string(sev)] = r.sevCounts[sev]
	}
	r.scan.Summary = summary
	r.finalize(ctx, StatusCompleted, eventbus.KindScanCompleted, map[string]any{
		"summary":            summary,
		"counts_by_severity": counts,
		"total_cost":         r.cost.totalUSD,
		"total_tokens":       r.cost.tokensIn + r.cost.tokensOut,
	})
}

func (r *run) fail(ctx context.Context, kind, message string) {
	if r.finished {
		return
	}
	r.scan.ErrorKind = kind
	r.scan.ErrorMessage = message
	r.finalize(ctx, StatusFailed, eventbus.KindScanFailed, map[string]any{
		"kind":    kind,
		"message": message,
	})
}

func (r *run) cancelled(ctx context.Context) {
	if r.finished {
		return
	}
	r.finalize(ctx, StatusCancelled, eventbus.KindScanCancelled, map[string]any{})
}

func (r *run) finalize(ctx context.Context, status Status, kind eventbus.Kind, payload map[string]any) {
	r.finished = true
	now := time.Now().UTC()
	s := r.scan
	s.Status = status
	s.CompletedAt = &now
	s.CurrentTool = ""

	// Persist with a fresh context; the scan's own context may already
	// be cancelled.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.ctrl.store.FinalizeScan(persistCtx, s); err != nil {
		r.logger.Error("failed to persist terminal scan state", "error", err)
	}

	if _, err := r.ctrl.bus.Publish(s.ID, kind, payload); err != nil {
		r.logger.Error("failed to publish terminal event", "kind", kind, "error", err)
	}
	r.ctrl.metrics.ScansFinished.WithLabelValues(string(status)).Inc()
	r.logger.Info("scan finished", "status", status, "findings", r.normalizer.Count(),
		"tokens_in", s.TokensIn, "tokens_out", s.TokensOut, "cost_usd", s.EstimatedCost)
}

// event helpers

func (r *run) publish(kind eventbus.Kind, payload map[string]any) {
	r.publishModel(kind, "", payload)
}

func (r *run) publishModel(kind eventbus.Kind, mode router.Mode, payload map[string]any) {
	if _, err := r.ctrl.bus.PublishFrom(r.scan.ID, kind, string(mode), payload); err != nil {
		r.logger.Warn("event publish failed", "kind", kind, "error", err)
	}
}

func (r *run) publishError(kind, message string, recoverable bool) {
	r.publish(eventbus.KindError, map[string]any{
		"kind":        kind,
		"message":     message,
		"recoverable": recoverable,
	})
}

func (r *run) persist(ctx context.Context) {
	if err := r.ctrl.store.PutScan(ctx, r.scan); err != nil {
		r.logger.Error("failed to persist scan", "error", err)
	}
}
