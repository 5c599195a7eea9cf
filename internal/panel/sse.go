package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fabula-ai/fabula/internal/streaming"
)

// sseHeartbeat keeps idle connections alive through proxies that cut
// quiet streams.
const sseHeartbeat = 15 * time.Second

// handleSSEGlobal streams all run events to the client via Server-Sent
// Events. A kinds query parameter (comma-separated) narrows the stream
// to specific event kinds.
func (s *PanelServer) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{Kinds: kindsParam(r)})
}

// handleSSERun streams events for a specific run.
func (s *PanelServer) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{
		RunID: r.PathValue("id"),
		Kinds: kindsParam(r),
	})
}

func kindsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("kinds")
	if raw == "" {
		return nil
	}
	var kinds []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// serveSSE is the common SSE implementation. Each event carries its log
// sequence as the SSE id, so clients can resume from the event log
// after a dropped connection.
func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		// Subscribe only fails on a bad filter or a dead context.
		http.Error(w, fmt.Sprintf("subscribe failed: %v", err), http.StatusBadRequest)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if event.Seq > 0 {
				fmt.Fprintf(w, "id: %d\n", event.Seq)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}
