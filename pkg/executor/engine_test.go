package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(4, 500*time.Millisecond, nil)
}

func TestExecuteCapturesStdout(t *testing.T) {
	e := newTestEngine()
	res, err := e.Execute(context.Background(), Command{
		Tool: "echo",
		Argv: []string{"echo", "hello"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.RawOutput)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Truncated)
}

func TestExecuteNotInstalled(t *testing.T) {
	e := newTestEngine()
	_, err := e.Execute(context.Background(), Command{
		Tool: "ghost",
		Argv: []string{"definitely-not-a-real-binary-kestrel"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindNotInstalled, KindOf(err))
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := newTestEngine()
	res, err := e.Execute(context.Background(), Command{
		Tool: "sh",
		Argv: []string{"sh", "-c", "echo oops >&2; exit 3"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindNonZeroExit, KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "oops")
}

func TestExecuteSuccessExitCodes(t *testing.T) {
	e := newTestEngine()
	res, err := e.Execute(context.Background(), Command{
		Tool:             "sh",
		Argv:             []string{"sh", "-c", "exit 3"},
		SuccessExitCodes: []int{3},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewEngine(4, 100*time.Millisecond, nil)
	start := time.Now()
	res, err := e.Execute(context.Background(), Command{
		Tool:    "sleep",
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTimedOut, KindOf(err))
	require.NotNil(t, res)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCancellation(t *testing.T) {
	e := NewEngine(4, 100*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, Command{
		Tool: "sleep",
		Argv: []string{"sleep", "10"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestExecuteOutputCap(t *testing.T) {
	e := NewEngine(4, 100*time.Millisecond, nil)
	res, err := e.Execute(context.Background(), Command{
		Tool:           "sh",
		Argv:           []string{"sh", "-c", "i=0; while [ $i -lt 100000 ]; do echo kestrel-line-$i; i=$((i+1)); done"},
		MaxOutputBytes: 1024,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindOutputLimitExceeded, KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.RawOutput), 1024)
	assert.Contains(t, res.RawOutput, "kestrel-line-0")
}

func TestExecuteStreamsLinesInOrder(t *testing.T) {
	e := newTestEngine()
	lines := make(chan Line, 64)

	res, err := e.Execute(context.Background(), Command{
		Tool: "sh",
		Argv: []string{"sh", "-c", "printf 'alpha\\nbeta\\ngamma\\n'"},
	}, lines)
	require.NoError(t, err)
	close(lines)

	var got []string
	for line := range lines {
		if line.Stream == StreamStdout {
			got = append(got, line.Text)
		}
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)
	assert.Equal(t, "alpha\nbeta\ngamma\n", res.RawOutput)
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	e := NewEngine(1, 100*time.Millisecond, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), Command{
				Tool: "sleep",
				Argv: []string{"sleep", "0.2"},
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestValidateTarget(t *testing.T) {
	cases := []struct {
		name         string
		raw          string
		allowPrivate bool
		wantErr      error
	}{
		{"hostname", "example.com", false, nil},
		{"hostname with port", "example.com:8443", false, nil},
		{"public ip", "93.184.216.34", false, nil},
		{"url", "https://example.com/app", false, nil},
		{"trailing dot", "example.com.", false, nil},
		{"empty", "  ", false, ErrInvalidTarget},
		{"bad scheme", "ftp://example.com", false, ErrInvalidTarget},
		{"malformed", "exa mple.com", false, ErrInvalidTarget},
		{"loopback ip", "127.0.0.1", false, ErrPrivateTarget},
		{"private ip", "10.0.0.5", false, ErrPrivateTarget},
		{"link local", "169.254.1.1", false, ErrPrivateTarget},
		{"ipv6 loopback", "::1", false, ErrPrivateTarget},
		{"localhost", "localhost", false, ErrPrivateTarget},
		{"internal suffix", "db.corp.internal", false, ErrPrivateTarget},
		{"private allowed", "10.0.0.5", true, nil},
		{"localhost allowed", "localhost", true, nil},
		{"lab url allowed", "http://192.168.56.101:8080", true, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateTarget(tc.raw, tc.allowPrivate)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tc.raw), got)
		})
	}
}
