package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeat = 15 * time.Second

// TripEventsStreamHandler handles GET /v1/trips/{id}/events/stream (SSE).
// The first event is the current eligibility snapshot.
func (s *Server) TripEventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	p, t, ok := s.loadTrip(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	view, err := s.Trips.Eligibility(r.Context(), p.Tenant, t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(t.ID)
	defer s.Broker.Unsubscribe(t.ID, ch)

	writeSSE(w, "eligibility.snapshot", view)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, evt.Type, evt.Data)
			flusher.Flush()
		case <-ticker.C:
			writeSSE(w, "heartbeat", map[string]string{"tripId": t.ID, "ts": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", b)
}
