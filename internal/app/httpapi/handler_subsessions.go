package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
)

func (h *Handler) listSubsessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"subsessions": h.tracker.List(),
		"timestamp":   httputil.Timestamp(),
	})
}

func (h *Handler) linkSubsession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChildID          string `json:"childId"`
		ParentID         string `json:"parentId"`
		ToolInvocationID string `json:"toolInvocationId,omitempty"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	link, err := h.tracker.Link(req.ChildID, req.ParentID, req.ToolInvocationID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"subsession": link,
		"timestamp":  httputil.Timestamp(),
	})
}

func (h *Handler) getSubsession(w http.ResponseWriter, r *http.Request) {
	link, err := h.tracker.Get(mux.Vars(r)["childId"])
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"subsession": link,
		"timestamp":  httputil.Timestamp(),
	})
}

func (h *Handler) unlinkSubsession(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Unlink(mux.Vars(r)["childId"]); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) scanSubsessions(w http.ResponseWriter, r *http.Request) {
	candidates := h.tracker.Scan(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"candidates": candidates,
		"timestamp":  httputil.Timestamp(),
	})
}

// watchSubsession records a parent's tool-spawn moment so the auto-detector
// can link the conversation the assistant creates next.
func (h *Handler) watchSubsession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID string `json:"parentId"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ParentID == "" {
		httputil.BadRequest(w, "parentId required")
		return
	}
	h.tracker.NoteToolSpawn(req.ParentID)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"parentId":  req.ParentID,
		"timestamp": httputil.Timestamp(),
	})
}
