package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tandemsync/tandem/internal/hub"
	"github.com/tandemsync/tandem/internal/types"
)

// handleStream serves GET /sync/stream/{id} as a Server-Sent Events
// response: one "change" event per entry, a periodic heartbeat, and an
// "overflow" event if the subscription's sink overran. Disconnecting leaves
// the subscription lingering so a reconnect within the window resumes from
// the next undelivered entry.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sync/stream/")
	if id == "" || strings.Contains(id, "/") {
		h.writeError(w, http.StatusBadRequest, "missing subscription id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, ok := h.hub.Attach(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown subscription "+id)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.hub.Detach(id)
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				h.hub.Detach(id)
				return
			}
			flusher.Flush()

		case entry, ok := <-sub.C:
			if !ok {
				// Closed by unsubscribe, linger expiry or overflow.
				if errors.Is(sub.Err(), hub.ErrOverflow) {
					_, _ = fmt.Fprint(w, "event: overflow\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			if err := writeChangeEvent(w, entry); err != nil {
				log.Printf("rpc: stream %s: %v", id, err)
				h.hub.Detach(id)
				return
			}
			flusher.Flush()
		}
	}
}

func writeChangeEvent(w http.ResponseWriter, entry types.ChangeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", entry.Version, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", entry.Version, data)
	return err
}
