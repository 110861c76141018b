package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/state"
)

// terminalGrace is how long the stream stays open after forwarding a
// terminal event so late step events already in flight still reach the
// client.
const terminalGrace = 100 * time.Millisecond

// eventBuffer sizes the per-connection event channel. A client that
// cannot drain this many events gets the overflow dropped rather than
// blocking the workflow driver.
const eventBuffer = 256

// handleWorkflowStream serves a live server-sent event feed for one
// workflow run: a connected handshake, a status snapshot, then every
// lifecycle event until the run reaches a terminal state.
func (s *Server) handleWorkflowStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(ctx, w, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "connected", map[string]any{
		"workflowId": id,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})

	// Subscribe before the snapshot so events raced between the two are
	// not lost; anything older than the snapshot is harmless to replay.
	events := make(chan state.Event, eventBuffer)
	cancel := s.wf.Subscribe(id, func(ev state.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	st, err := s.wf.Status(ctx, id)
	if err != nil {
		log.Errorf(ctx, err, "load workflow %s for stream", id)
		writeSSE(w, flusher, "error", map[string]any{"message": "failed to load workflow state"})
		return
	}
	if st == nil {
		writeSSE(w, flusher, "error", map[string]any{"message": fmt.Sprintf("workflow %q not found", id)})
		return
	}
	writeSSE(w, flusher, "status", st)
	if st.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeSSE(w, flusher, string(ev.Type), ev)
			if ev.Type.Terminal() {
				s.drainGrace(ctx, w, flusher, events)
				return
			}
		}
	}
}

// drainGrace forwards whatever is already queued during the close window.
func (s *Server) drainGrace(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan state.Event) {
	timer := time.NewTimer(terminalGrace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev := <-events:
			writeSSE(w, flusher, string(ev.Type), ev)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
