package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/logic/engine"
)

// SnapshotFunc returns the current engine status.
type SnapshotFunc func() engine.Status

// Handlers holds dependencies for HTTP handlers. All routes are read-only.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Snapshot    SnapshotFunc
	Heartbeat   time.Duration
}

// NewHandlers creates handlers with the given dependencies.
// If snapshot is nil, GET /status returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, snapshot SnapshotFunc) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Snapshot:    snapshot,
		Heartbeat:   30 * time.Second,
	}
}

// HandleStatus returns the engine snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Snapshot == nil {
		http.Error(w, "engine not attached", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		debug.Error(err)
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
