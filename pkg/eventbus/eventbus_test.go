package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsDenseSequences(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	for i := 0; i < 5; i++ {
		ev, err := bus.Publish("scan-1", KindAgentReasoning, map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestPublishUnknownScan(t *testing.T) {
	bus := New(0, 0, nil)
	_, err := bus.Publish("nope", KindScanStarted, nil)
	assert.ErrorIs(t, err, ErrUnknownScan)
}

func TestTerminalUniqueness(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	_, err := bus.Publish("scan-1", KindScanCompleted, nil)
	require.NoError(t, err)

	_, err = bus.Publish("scan-1", KindScanCancelled, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = bus.Publish("scan-1", KindToolOutput, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestSubscribeCatchUpThenLive(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	_, err := bus.Publish("scan-1", KindScanStarted, map[string]any{"target": "example.com"})
	require.NoError(t, err)
	_, err = bus.Publish("scan-1", KindToolCall, map[string]any{"tool": "nmap"})
	require.NoError(t, err)

	ch, err := bus.Subscribe(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	go func() {
		bus.Publish("scan-1", KindToolCompleted, map[string]any{"tool": "nmap"})
		bus.Publish("scan-1", KindScanCompleted, nil)
	}()

	events := collect(t, ch, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, KindScanStarted, events[0].Kind)
	assert.Equal(t, KindScanCompleted, events[3].Kind)

	_, open := <-ch
	assert.False(t, open, "channel should close after terminal event")
}

func TestSubscribeResumeAfterSequence(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	for i := 0; i < 4; i++ {
		_, err := bus.Publish("scan-1", KindToolOutput, map[string]any{"line": i})
		require.NoError(t, err)
	}
	_, err := bus.Publish("scan-1", KindScanCompleted, nil)
	require.NoError(t, err)

	ch, err := bus.Subscribe(context.Background(), "scan-1", 3)
	require.NoError(t, err)

	events := collect(t, ch, 2)
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.Equal(t, uint64(5), events[1].Sequence)
}

func TestSubscribeResumeBeyondStream(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))
	_, err := bus.Publish("scan-1", KindScanStarted, nil)
	require.NoError(t, err)

	// A resume point past the end of the stream counts as caught up; the
	// subscriber gets only what is published afterwards.
	ch, err := bus.Subscribe(context.Background(), "scan-1", 100)
	require.NoError(t, err)

	_, err = bus.Publish("scan-1", KindScanCompleted, nil)
	require.NoError(t, err)

	events := collect(t, ch, 1)
	assert.Equal(t, KindScanCompleted, events[0].Kind)
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeUnknownScan(t *testing.T) {
	bus := New(0, 0, nil)
	_, err := bus.Subscribe(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrUnknownScan)
}

func TestSubscriberCancellation(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "scan-1", 0)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not exit on context cancellation")
	}
}

func TestLaggingSubscriberDropped(t *testing.T) {
	bus := New(8, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	// Subscriber that never reads past the channel buffer.
	ch, err := bus.Subscribe(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := bus.Publish("scan-1", KindToolOutput, map[string]any{"line": i})
		require.NoError(t, err)
	}

	var overflow bool
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				assert.True(t, overflow, "expected stream_overflow before close")
				return
			}
			if ev.Kind == KindStreamOverflow {
				overflow = true
			}
		case <-deadline:
			t.Fatal("lagging subscriber was never dropped")
		}
	}
}

func TestRetentionDropsStream(t *testing.T) {
	bus := New(0, 20*time.Millisecond, nil)
	require.NoError(t, bus.Open("scan-1"))
	_, err := bus.Publish("scan-1", KindScanCancelled, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := bus.History("scan-1")
		return err == ErrUnknownScan
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHistorySnapshot(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))
	for i := 0; i < 3; i++ {
		_, err := bus.Publish("scan-1", KindFinding, map[string]any{"n": i})
		require.NoError(t, err)
	}

	events, err := bus.History("scan-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.False(t, bus.Finalized("scan-1"))
}

func TestConcurrentPublishersStayOrdered(t *testing.T) {
	bus := New(0, 0, nil)
	require.NoError(t, bus.Open("scan-1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.Publish("scan-1", KindToolOutput, map[string]any{"src": "a", "i": i})
		}
	}()
	for i := 0; i < 50; i++ {
		bus.Publish("scan-1", KindToolOutput, map[string]any{"src": "b", "i": i})
	}
	<-done

	events, err := bus.History("scan-1")
	require.NoError(t, err)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence, fmt.Sprintf("event %d", i))
	}
}
