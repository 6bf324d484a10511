// Package eventbus delivers a totally-ordered, per-scan event stream to
// any number of subscribers. Events are retained until the scan reaches a
// terminal state plus a grace period, so late subscribers can catch up
// from the beginning of the stream.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindScanStarted    Kind = "scan_started"
	KindModelSelected  Kind = "model_selected"
	KindAgentReasoning Kind = "agent_reasoning"
	KindToolCall       Kind = "tool_call"
	KindToolOutput     Kind = "tool_output"
	KindToolCompleted  Kind = "tool_completed"
	KindFinding        Kind = "finding"
	KindEscalation     Kind = "escalation"
	KindError          Kind = "error"
	KindScanCompleted  Kind = "scan_completed"
	KindScanFailed     Kind = "scan_failed"
	KindScanCancelled  Kind = "scan_cancelled"

	// KindStreamOverflow is delivered only to a subscriber that fell too
	// far behind; it never enters the scan's retained log.
	KindStreamOverflow Kind = "stream_overflow"
)

// TerminalKind reports whether k ends a scan's stream.
func TerminalKind(k Kind) bool {
	switch k {
	case KindScanCompleted, KindScanFailed, KindScanCancelled:
		return true
	default:
		return false
	}
}

// Event is one element of a scan's stream. Sequence values are dense and
// 1-based within a scan.
type Event struct {
	ScanID    string         `json:"scan_id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`
	// Model is the routed model for model-driven events, empty otherwise.
	Model string `json:"model,omitempty"`
}

var (
	ErrUnknownScan  = errors.New("eventbus: unknown scan")
	ErrStreamClosed = errors.New("eventbus: stream already finalized")
)

// Bus multiplexes per-scan streams.
type Bus struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	maxLag    int
	retention time.Duration
	logger    *slog.Logger
	closed    bool
}

type stream struct {
	mu       sync.Mutex
	events   []Event
	notify   chan struct{}
	terminal bool
	reaper   *time.Timer
}

// New creates a bus. maxLag bounds how far a subscriber may fall behind
// before it is dropped; retention is how long a finished stream stays
// available for catch-up.
func New(maxLag int, retention time.Duration, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLag <= 0 {
		maxLag = 1024
	}
	return &Bus{
		streams:   make(map[string]*stream),
		maxLag:    maxLag,
		retention: retention,
		logger:    logger,
	}
}

// Open creates the stream for a scan. Publishing to an unopened scan is
// an error so that a mistyped scan ID cannot silently spawn a stream.
func (b *Bus) Open(scanID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStreamClosed
	}
	if _, exists := b.streams[scanID]; exists {
		return fmt.Errorf("eventbus: stream for scan %s already open", scanID)
	}
	b.streams[scanID] = &stream{notify: make(chan struct{})}
	return nil
}

// Publish appends an event to the scan's stream, assigning the next
// sequence number atomically. Publishing after a terminal event returns
// ErrStreamClosed; at most one terminal event can enter a stream.
func (b *Bus) Publish(scanID string, kind Kind, payload map[string]any) (Event, error) {
	return b.PublishFrom(scanID, kind, "", payload)
}

// PublishFrom is Publish with the originating model attached.
func (b *Bus) PublishFrom(scanID string, kind Kind, model string, payload map[string]any) (Event, error) {
	b.mu.RLock()
	s, exists := b.streams[scanID]
	b.mu.RUnlock()
	if !exists {
		return Event{}, ErrUnknownScan
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return Event{}, ErrStreamClosed
	}

	ev := Event{
		ScanID:    scanID,
		Sequence:  uint64(len(s.events) + 1),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
		Model:     model,
	}
	s.events = append(s.events, ev)

	if TerminalKind(kind) {
		s.terminal = true
		if b.retention > 0 {
			s.reaper = time.AfterFunc(b.retention, func() { b.drop(scanID) })
		}
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return ev, nil
}

// Subscribe returns a channel that replays the stream starting after
// afterSeq (use 0 for the full stream) and then follows it live. The
// channel closes after the terminal event has been delivered, when ctx is
// cancelled, or when the subscriber lags by more than the bus limit; in
// the lag case a best-effort stream_overflow event precedes the close.
func (b *Bus) Subscribe(ctx context.Context, scanID string, afterSeq uint64) (<-chan Event, error) {
	b.mu.RLock()
	s, exists := b.streams[scanID]
	b.mu.RUnlock()
	if !exists {
		return nil, ErrUnknownScan
	}

	out := make(chan Event, 32)
	go b.pump(ctx, scanID, s, afterSeq, out)
	return out, nil
}

func (b *Bus) pump(ctx context.Context, scanID string, s *stream, cursor uint64, out chan<- Event) {
	defer close(out)

	for {
		s.mu.Lock()
		total := uint64(len(s.events))
		if cursor > total {
			// Resume point beyond the stream, e.g. a bogus Last-Event-ID
			// from a client. Treat it as caught up and follow live.
			cursor = total
		}
		pending := make([]Event, total-cursor)
		copy(pending, s.events[cursor:])
		terminal := s.terminal
		notify := s.notify
		s.mu.Unlock()

		if b.lagged(scanID, total, cursor, out) {
			return
		}

		for _, ev := range pending {
			delivered := false
			for !delivered {
				select {
				case out <- ev:
					cursor = ev.Sequence
					delivered = true
				case <-ctx.Done():
					return
				case <-notify:
					// Woken while blocked on a slow consumer; re-check
					// how far behind we are before continuing to wait.
					s.mu.Lock()
					total = uint64(len(s.events))
					notify = s.notify
					s.mu.Unlock()
					if b.lagged(scanID, total, cursor, out) {
						return
					}
				}
			}
		}

		if terminal && cursor == total {
			return
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) lagged(scanID string, total, cursor uint64, out chan<- Event) bool {
	if total <= cursor || int(total-cursor) <= b.maxLag {
		return false
	}
	b.logger.Warn("dropping lagging subscriber",
		"scan_id", scanID, "behind", total-cursor, "max_lag", b.maxLag)
	overflow := Event{
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Kind:      KindStreamOverflow,
		Payload:   map[string]any{"behind": total - cursor},
	}
	// Best effort: give the consumer a moment to take the overflow
	// notice, then abandon it along with the subscription.
	select {
	case out <- overflow:
	case <-time.After(time.Second):
	}
	return true
}

// History returns a copy of the retained events for a scan.
func (b *Bus) History(scanID string) ([]Event, error) {
	b.mu.RLock()
	s, exists := b.streams[scanID]
	b.mu.RUnlock()
	if !exists {
		return nil, ErrUnknownScan
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Finalized reports whether the scan's stream has received its terminal
// event.
func (b *Bus) Finalized(scanID string) bool {
	b.mu.RLock()
	s, exists := b.streams[scanID]
	b.mu.RUnlock()
	if !exists {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (b *Bus) drop(scanID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, scanID)
}

// Close stops retention timers and drops all streams. Live subscribers
// drain whatever was already published.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.streams {
		s.mu.Lock()
		if s.reaper != nil {
			s.reaper.Stop()
		}
		if !s.terminal {
			s.terminal = true
			close(s.notify)
			s.notify = make(chan struct{})
		}
		s.mu.Unlock()
		delete(b.streams, id)
	}
}
