package scan

import (
	"context"
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/executor"
	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/router"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// ToolRunner executes one tool subprocess, streaming output lines into
// the provided channel until it returns. *executor.Engine satisfies it;
// tests substitute fakes.
type ToolRunner interface {
	Execute(ctx context.Context, cmd executor.Command, lines chan<- executor.Line) (*executor.Result, error)
}

// execTool runs one validated tool invocation end to end: events, the
// subprocess, parsing, normalization, persistence and the transcript.
func (r *run) execTool(ctx context.Context, mode router.Mode, resp *llms.Response, tool string, rawArgs, validated map[string]any) outcome {
	desc, ok := r.ctrl.toolbox.Get(tool)
	if !ok {
		// Validate already vouched for the tool; losing it here would be
		// a registry bug.
		r.publishError(ErrKindInternal, fmt.Sprintf("tool %q vanished from the toolbox", tool), true)
		return outcomeContinue
	}

	r.publishModel(eventbus.KindToolCall, mode, map[string]any{
		"tool":      tool,
		"arguments": validated,
	})
	r.scan.CurrentTool = tool
	r.persist(ctx)

	callID := resp.CallID
	if callID == "" {
		callID = fmt.Sprintf("call-%d", r.stepIndex+1)
	}
	if resp.Text != "" {
		r.publishModel(eventbus.KindAgentReasoning, mode, map[string]any{
			"text": resp.Text,
			"mode": string(mode),
		})
		r.reasonings = append(r.reasonings, resp.Text)
	}
	r.transcript = append(r.transcript, llms.Message{
		Role:          llms.RoleAssistant,
		Content:       resp.Text,
		FunctionName:  tool,
		ArgumentsJSON: resp.ArgumentsJSON,
		ToolCallID:    callID,
	})

	res, execErr := r.runSubprocess(ctx, desc, validated)
	r.scan.CurrentTool = ""

	if execErr != nil {
		kind := executor.KindOf(execErr)
		switch kind {
		case executor.KindCancelled:
			if r.interrupted(ctx) {
				return outcomeCancelled
			}
			return outcomeContinue

		case executor.KindNotInstalled:
			r.ctrl.metrics.ToolExecutions.WithLabelValues(tool, string(kind)).Inc()
			r.publishError(toolErrorKind(kind), execErr.Error(), true)
			r.transcript = append(r.transcript, llms.Message{
				Role:       llms.RoleTool,
				ToolCallID: callID,
				ToolName:   tool,
				Content:    fmt.Sprintf("%s is not installed on this host. Pick a different tool.", tool),
			})
			r.recordStep(ctx, mode, resp.Text, &ToolCall{
				ToolName:      tool,
				Arguments:     rawArgs,
				ValidatedArgs: validated,
			}, &ToolResult{ExitCode: -1, Error: execErr.Error()})
			return outcomeContinue

		default:
			// Timeout, non-zero exit and the output cap all leave partial
			// output worth parsing.
			r.publishError(toolErrorKind(kind), execErr.Error(), true)
		}
	}
	if res == nil {
		if r.interrupted(ctx) {
			return outcomeCancelled
		}
		return outcomeContinue
	}

	execKind := "ok"
	if execErr != nil {
		execKind = string(executor.KindOf(execErr))
	}
	m := r.ctrl.metrics
	m.ToolExecutions.WithLabelValues(tool, execKind).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(res.Duration.Seconds())

	raws, perr := desc.Parse(res.RawOutput)
	if perr != nil {
		r.publishError(toolErrorKind(executor.KindParseFailed),
			fmt.Sprintf("%s output could not be parsed: %v", tool, perr), true)
	}

	produced := r.normalizer.Normalize(r.stepIndex+1, tool, raws, desc.SeverityMap)
	r.ingestFindings(ctx, produced)

	r.publish(eventbus.KindToolCompleted, map[string]any{
		"tool":          tool,
		"duration_ms":   res.Duration.Milliseconds(),
		"finding_count": len(produced),
		"exit_code":     res.ExitCode,
		"truncated":     res.Truncated,
	})

	result := &ToolResult{
		RawOutput:    res.RawOutput,
		FindingCount: len(produced),
		ExitCode:     res.ExitCode,
		DurationMS:   res.Duration.Milliseconds(),
		Truncated:    res.Truncated,
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	r.transcript = append(r.transcript, llms.Message{
		Role:       llms.RoleTool,
		ToolCallID: callID,
		ToolName:   tool,
		Content:    toolResultMessage(tool, result, produced),
	})
	r.toolsRun[tool] = true
	r.freshFindings = len(produced) > 0

	if hints := r.chainCandidates(produced); len(hints) > 0 {
		r.transcript = append(r.transcript, llms.Message{
			Role:    llms.RoleUser,
			Content: chainHintMessage(hints),
		})
	}

	r.recordStep(ctx, mode, resp.Text, &ToolCall{
		ToolName:      tool,
		Arguments:     rawArgs,
		ValidatedArgs: validated,
	}, result)
	return outcomeContinue
}

// runSubprocess executes the command while forwarding output lines as
// tool_output events.
func (r *run) runSubprocess(ctx context.Context, desc *toolbox.Descriptor, validated map[string]any) (*executor.Result, error) {
	lines := make(chan executor.Line, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range lines {
			r.publish(eventbus.KindToolOutput, map[string]any{
				"tool":   desc.Name,
				"line":   line.Text,
				"stream": string(line.Stream),
			})
		}
	}()

	res, err := r.ctrl.runner.Execute(ctx, desc.Command(validated), lines)
	close(lines)
	<-done
	return res, err
}

// ingestFindings persists and publishes newly normalized findings and
// updates the routing tallies.
func (r *run) ingestFindings(ctx context.Context, produced []findings.Finding) {
	for i := range produced {
		f := &produced[i]
		if err := r.ctrl.store.UpsertFinding(ctx, f); err != nil {
			r.logger.Error("failed to persist finding", "fingerprint", f.Fingerprint, "error", err)
		}

		payload := map[string]any{
			"id":              f.ID,
			"severity":        string(f.Severity),
			"title":           f.Title,
			"affected_target": f.AffectedTarget,
			"tool_source":     f.ToolSource,
		}
		if f.CVE != "" {
			payload["cve"] = f.CVE
		}
		r.publish(eventbus.KindFinding, payload)

		r.sevCounts[f.Severity]++
		if f.Severity.AtLeast(r.maxSeverity) {
			r.maxSeverity = f.Severity
		}
		if f.Kind == findings.KindSubdomain {
			r.subdomains++
		}
		if f.AffectedTarget != "" {
			r.targets[f.AffectedTarget] = true
		}
		r.ctrl.metrics.FindingsTotal.WithLabelValues(string(f.Severity)).Inc()
	}
}

// chainCandidates filters the toolbox chain hint down to tools this scan
// may still run.
func (r *run) chainCandidates(produced []findings.Finding) []string {
	var out []string
	for _, name := range r.ctrl.toolbox.ChainHint(produced) {
		if r.toolsRun[name] {
			continue
		}
		if r.allowed != nil && !r.allowed[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

func toolErrorKind(kind executor.ErrorKind) string {
	return "ToolError/" + string(kind)
}
