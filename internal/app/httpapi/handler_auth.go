package httpapi

import (
	"net/http"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
)

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request) {
	source := httputil.ClientIP(r)
	token := extractToken(r)

	authenticated := !h.gate.Enabled()
	if h.gate.Enabled() && token != "" {
		authenticated = h.gate.Validate(token, source) == nil
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"enabled":       h.gate.Enabled(),
		"authenticated": authenticated,
		"timestamp":     httputil.Timestamp(),
	})
}

func (h *Handler) authLogin(w http.ResponseWriter, r *http.Request) {
	if !h.gate.Enabled() {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"enabled":   false,
			"message":   "authentication disabled",
			"timestamp": httputil.Timestamp(),
		})
		return
	}

	var req struct {
		PIN string `json:"pin"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.PIN == "" {
		httputil.BadRequest(w, "pin required")
		return
	}

	source := httputil.ClientIP(r)
	result, err := h.gate.AttemptLogin(source, req.PIN)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) authLogout(w http.ResponseWriter, r *http.Request) {
	h.gate.Logout(extractToken(r))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) authSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := h.gate.SessionInfo(extractToken(r), httputil.ClientIP(r))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"source":    sess.Source,
		"createdAt": sess.CreatedAt.UTC().Format(time.RFC3339),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) authRefresh(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := h.gate.Refresh(extractToken(r), httputil.ClientIP(r))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) authStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"stats":     h.gate.Snapshot(),
		"limiters":  h.gate.LimiterCount(),
		"timestamp": httputil.Timestamp(),
	})
}
