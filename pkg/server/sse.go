package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/scan"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleScanEvents streams a scan's event log as Server-Sent Events. A
// Last-Event-ID header (or last_event_id query parameter) resumes after
// that sequence; the stream replays history first, then follows live
// events, and closes after the terminal event.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scanID")
	if _, err := s.ctrl.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, &scan.RequestError{
			Kind:    scan.ErrKindInternal,
			Message: "response writer does not support streaming",
		})
		return
	}

	after, err := lastEventID(r)
	if err != nil {
		s.writeError(w, &scan.RequestError{Kind: scan.ErrKindValidation, Message: err.Error()})
		return
	}

	events, err := s.bus.Subscribe(r.Context(), id, after)
	if errors.Is(err, eventbus.ErrUnknownScan) {
		// The scan exists but its stream aged out of retention.
		s.writeError(w, &scan.RequestError{
			Kind:    scan.ErrKindNotFound,
			Message: fmt.Sprintf("event stream for scan %s is no longer retained", id),
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse client gone", "scan_id", id, "error", err)
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	return err
}

func lastEventID(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Last-Event-ID %q", raw)
	}
	return id, nil
}
