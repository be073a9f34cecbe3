// SPDX-License-Identifier: MIT
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ultrasonic/internal/frame"
	"ultrasonic/internal/log"
)

// serveSSE writes an SSE "connected" event, then one "frame" event per
// value received on frames, with a ": heartbeat" comment every
// heartbeatInterval of silence so intermediaries don't time out the
// connection. Returns once the client disconnects or frames closes.
func serveSSE(w http.ResponseWriter, r *http.Request, stableID string, frames <-chan frame.WireFrame) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"stable_id\":%q}\n\n", stableID)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case w2, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrameEvent(w, w2); err != nil {
				log.Warnf("api: sse write for %s: %v", stableID, err)
				return
			}
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrameEvent(w http.ResponseWriter, f frame.WireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("api: marshal wire frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: frame\ndata: %s\n\n", data)
	return err
}
