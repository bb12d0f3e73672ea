package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
	"github.com/deskpilot/deskpilot/internal/app/inject"
)

func (h *Handler) injectActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	method, err := h.injector.Inject(r.Context(), "", req.Message)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"method":    string(method),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Message string `json:"message"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	method, err := h.injector.Inject(r.Context(), id, req.Message)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"method":    string(method),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectStatus(w http.ResponseWriter, r *http.Request) {
	avail := h.client.AvailabilityCheck(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"available":        avail.Available,
		"reason":           avail.Reason,
		"preferredMethod":  string(h.injector.PreferredMethod()),
		"availableMethods": h.injector.AvailableMethods(),
		"timestamp":        httputil.Timestamp(),
	})
}

func (h *Handler) injectConfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PreferredMethod string `json:"preferredMethod"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.injector.Configure(inject.Method(req.PreferredMethod)); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"preferredMethod": req.PreferredMethod,
		"timestamp":       httputil.Timestamp(),
	})
}

func (h *Handler) injectStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"stats":     h.injector.Stats(),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	item, err := h.injector.QueueInject(req.SessionID, req.Message)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"item":      item,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectQueueProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	drained, err := h.injector.DrainQueue(r.Context(), req.SessionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"drained":   drained,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectQueueGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	items := h.injector.Queue(id)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"queue":     items,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectQueueDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.injector.RemoveQueued(id); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) injectBestMethod(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"bestMethod": string(h.injector.BestMethod()),
		"timestamp":  httputil.Timestamp(),
	})
}
