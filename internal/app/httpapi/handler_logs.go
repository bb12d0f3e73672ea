package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
)

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	records := h.logs.Recent()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"logs":      records,
		"count":     len(records),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.logs.Clear()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

// streamLogs tails the ring buffer over server-sent events. The token rides
// the query string because EventSource cannot set headers.
func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	if h.gate.Enabled() {
		source := httputil.ClientIP(r)
		if err := h.gate.Validate(r.URL.Query().Get("token"), source); err != nil {
			httputil.WriteServiceError(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	records, cancel := h.logs.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-records:
			if !open {
				return
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
