package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
)

// streamInterval is how often the job is polled for a progress stream.
var streamInterval = 2 * time.Second

// streamHandler serves a Server-Sent Events stream of a job's status. A
// "status" event carries the StatusInfo JSON whenever it changes; a "done"
// event ends the stream once the job is terminal or held for an operator.
func streamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := cfg.Orchestrator.Status(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming not supported", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		var last []byte
		send := func(info *orchestrator.StatusInfo) bool {
			data, err := json.Marshal(info)
			if err != nil {
				return false
			}
			if string(data) != string(last) {
				fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
				last = data
			}
			if info.Status.Terminal() || info.Status == job.StatusStageFailed {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", info.Status)
				flusher.Flush()
				return false
			}
			flusher.Flush()
			return true
		}
		if !send(info) {
			return
		}

		tick := time.NewTicker(streamInterval)
		defer tick.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
			}
			info, err := cfg.Orchestrator.Status(r.Context(), id)
			if err != nil {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", err)
				flusher.Flush()
				return
			}
			if !send(info) {
				return
			}
		}
	}
}
