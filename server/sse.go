package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hupe1980/agentgate/core"
)

// eventDone is the frame sent after the terminal event.
const eventDone = "done"

// writeSSE relays stream as Server-Sent Events. Every event is framed as
// "event: <type>" plus its JSON encoding; a final "done" frame follows the
// terminal event. A failed write or client disconnect closes the stream,
// which cancels the engine call and releases any held slot.
func (s *Server) writeSSE(w http.ResponseWriter, r *http.Request, stream *core.Stream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Client disconnected", "stream_id", stream.ID())
			return
		case ev, ok := <-stream.Events():
			if !ok {
				_ = writeSSEEvent(w, flusher, eventDone, map[string]string{"type": eventDone})
				return
			}
			if err := writeSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				s.logger.Debug("Writing event failed", "stream_id", stream.ID(), "error", err)
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}

	flusher.Flush()

	return nil
}
