package httpapi

import (
	"net/http"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
)

func (h *Handler) permissionPending(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"pending":   h.broker.ListPending(),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) permissionRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string `json:"requestId"`
		Decision      string `json:"decision"`
		ParamOverride string `json:"paramOverride,omitempty"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		httputil.BadRequest(w, "requestId required")
		return
	}
	err := h.broker.Respond(r.Context(), req.RequestID, adapter.PermissionDecision(req.Decision), req.ParamOverride)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"requestId": req.RequestID,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) questionPending(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"pending":   h.broker.ListQuestions(),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) questionRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID string   `json:"questionId"`
		Answers    []string `json:"answers"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.QuestionID == "" {
		httputil.BadRequest(w, "questionId required")
		return
	}
	if err := h.broker.RespondQuestion(r.Context(), req.QuestionID, req.Answers); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"questionId": req.QuestionID,
		"timestamp":  httputil.Timestamp(),
	})
}
