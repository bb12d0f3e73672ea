package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
)

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	avail := h.client.AvailabilityCheck(r.Context())
	body := map[string]interface{}{
		"success":   true,
		"status":    "ok",
		"assistant": avail,
		"clients":   h.hub.ClientCount(),
		"timestamp": httputil.Timestamp(),
	}
	if h.usage != nil {
		body["usage"] = h.usage.Snapshot()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	includeHidden := r.URL.Query().Get("includeHidden") == "true"
	convs := h.coordinator.List(r.Context(), includeHidden)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessions":  convs,
		"count":     len(convs),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, cacheHit, err := h.coordinator.Get(r.Context(), id, 0, 50)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(cacheHit))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"session":   detail,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) getSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	detail, cacheHit, err := h.coordinator.Get(r.Context(), id, offset, limit)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(cacheHit))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messages":  detail.Messages,
		"total":     detail.TotalMessages,
		"offset":    detail.Offset,
		"limit":     detail.Limit,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) switchSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		httputil.BadRequest(w, "sessionId required")
		return
	}
	if err := h.coordinator.Switch(r.Context(), req.SessionID); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		httputil.BadRequest(w, "message required")
		return
	}
	method, err := h.coordinator.SendMessage(r.Context(), req.SessionID, req.Message)
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

func (h *Handler) newSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CWD          string `json:"cwd"`
		FirstMessage string `json:"firstMessage"`
		Title        string `json:"title"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	id, err := h.coordinator.Create(r.Context(), req.CWD, req.FirstMessage, adapter.StartOptions{Title: req.Title})
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) archiveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.coordinator.Archive(r.Context(), id); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"timestamp": httputil.Timestamp(),
	})
}
