// Package executor runs security tools as sandboxed subprocesses. Each
// execution is argv-only (no shell), runs in its own process group, is
// bounded by a deadline and an output cap, and streams captured output
// lines to the caller through a channel.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

const stderrCap = 8 * 1024

// Stream names a subprocess output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one captured output line, in subprocess emission order.
type Line struct {
	Stream Stream
	Text   string
}

// Command describes one subprocess invocation.
type Command struct {
	Tool             string
	Argv             []string
	Timeout          time.Duration
	MaxOutputBytes   int64
	SuccessExitCodes []int
}

// Result is the outcome of a finished execution. RawOutput holds stdout
// bounded by MaxOutputBytes; Truncated records whether the cap was hit.
type Result struct {
	ExitCode  int
	RawOutput string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// Engine executes commands under a global concurrency limit shared by all
// scans.
type Engine struct {
	sem       *semaphore.Weighted
	killGrace time.Duration
	logger    *slog.Logger
}

// NewEngine creates an engine allowing at most maxConcurrent simultaneous
// subprocesses. killGrace is the SIGTERM-to-SIGKILL escalation delay.
func NewEngine(maxConcurrent int, killGrace time.Duration, logger *slog.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		killGrace: killGrace,
		logger:    logger,
	}
}

// Execute runs cmd and blocks until the subprocess has been fully reaped.
// Captured lines are sent to lines (which may be nil) in emission order.
// On timeout or non-zero exit the partial result is returned alongside
// the classified error so callers can still inspect the output.
func (e *Engine) Execute(ctx context.Context, cmd Command, lines chan<- Line) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, NewError(cmd.Tool, KindNotInstalled, errors.New("empty argv"))
	}

	path, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		return nil, NewError(cmd.Tool, KindNotInstalled, err)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, NewError(cmd.Tool, KindCancelled, err)
	}
	defer e.sem.Release(1)

	var timeoutCtx context.Context = ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	// runCtx additionally fires when the output cap is exceeded.
	runCtx, stop := context.WithCancel(timeoutCtx)
	defer stop()

	proc := exec.Command(path, cmd.Argv[1:]...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, NewError(cmd.Tool, KindNotInstalled, err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, NewError(cmd.Tool, KindNotInstalled, err)
	}

	start := time.Now()
	if err := proc.Start(); err != nil {
		return nil, NewError(cmd.Tool, KindNotInstalled, err)
	}
	pgid := proc.Process.Pid

	reaped := make(chan struct{})
	go e.escalate(runCtx, cmd.Tool, pgid, reaped)

	var (
		out       strings.Builder
		errOut    strings.Builder
		truncated atomic.Bool
		wg        sync.WaitGroup
	)

	capBytes := cmd.MaxOutputBytes
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readStream(runCtx, stdout, StreamStdout, &out, capBytes, &truncated, stop, lines)
	}()
	go func() {
		defer wg.Done()
		e.readStream(runCtx, stderr, StreamStderr, &errOut, stderrCap, nil, nil, lines)
	}()
	wg.Wait()

	waitErr := proc.Wait()
	close(reaped)
	duration := time.Since(start)

	res := &Result{
		RawOutput: out.String(),
		Stderr:    errOut.String(),
		Truncated: truncated.Load(),
		Duration:  duration,
		ExitCode:  exitCode(waitErr),
	}

	switch {
	case ctx.Err() != nil:
		return nil, NewError(cmd.Tool, KindCancelled, ctx.Err())
	case timeoutCtx.Err() == context.DeadlineExceeded:
		return res, NewError(cmd.Tool, KindTimedOut,
			fmt.Errorf("exceeded %s", cmd.Timeout))
	case res.Truncated:
		// Hitting the cap kills the tool. The bounded capture is still
		// returned so callers can parse what was produced.
		res.ExitCode = 0
		return res, NewError(cmd.Tool, KindOutputLimitExceeded,
			fmt.Errorf("output exceeded %d bytes", cmd.MaxOutputBytes))
	case waitErr != nil && !successExit(res.ExitCode, cmd.SuccessExitCodes):
		return res, NewError(cmd.Tool, KindNonZeroExit,
			fmt.Errorf("exit code %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}
	return res, nil
}

// readStream scans r line by line, accumulating up to limit bytes into
// sink and forwarding every captured line to lines. onCap, when non-nil,
// is invoked once when the cap is exceeded; the remainder is drained
// without capture so the pipe never blocks the subprocess.
func (e *Engine) readStream(ctx context.Context, r io.Reader, stream Stream, sink *strings.Builder, limit int64, truncated *atomic.Bool, onCap func(), lines chan<- Line) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	capped := false
	for scanner.Scan() {
		text := scanner.Text()
		if capped {
			continue
		}
		if limit > 0 && int64(sink.Len())+int64(len(text))+1 > limit {
			capped = true
			if truncated != nil {
				truncated.Store(true)
			}
			if onCap != nil {
				onCap()
			}
			continue
		}
		sink.WriteString(text)
		sink.WriteByte('\n')
		if lines != nil {
			select {
			case lines <- Line{Stream: stream, Text: text}:
			case <-ctx.Done():
				capped = true
			}
		}
	}
}

// escalate terminates the process group when ctx fires before the
// subprocess has been reaped: SIGTERM first, SIGKILL after the grace
// period.
func (e *Engine) escalate(ctx context.Context, tool string, pgid int, reaped <-chan struct{}) {
	select {
	case <-reaped:
		return
	case <-ctx.Done():
	}

	e.logger.Debug("terminating tool process group", "tool", tool, "pgid", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-reaped:
	case <-time.After(e.killGrace):
		e.logger.Warn("tool ignored SIGTERM, sending SIGKILL", "tool", tool, "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func successExit(code int, allowed []int) bool {
	if code == 0 {
		return true
	}
	for _, a := range allowed {
		if code == a {
			return true
		}
	}
	return false
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		s = s[:256] + "…"
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}
