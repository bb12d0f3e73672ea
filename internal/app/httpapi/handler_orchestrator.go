package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
)

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List()
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"templates": list,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if r.URL.Query().Get("resolved") == "true" {
		tmpl, err := h.store.Resolve(id)
		if err != nil {
			httputil.WriteServiceError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"template":  tmpl,
			"resolved":  true,
			"timestamp": httputil.Timestamp(),
		})
		return
	}
	raw, err := h.store.GetRaw(id)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"template":  raw,
		"resolved":  false,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if !httputil.DecodeJSON(w, r, &raw) {
		return
	}
	tmpl, err := h.store.Create(raw)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"template":  tmpl,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var raw map[string]interface{}
	if !httputil.DecodeJSON(w, r, &raw) {
		return
	}
	tmpl, err := h.store.Update(id, raw)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"template":  tmpl,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Delete(id); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) duplicateTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	tmpl, err := h.store.Duplicate(id, req.Name)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"template":  tmpl,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) exportTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.Export(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, raw)
}

func (h *Handler) importTemplate(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if !httputil.DecodeJSON(w, r, &raw) {
		return
	}
	tmpl, err := h.store.Import(raw)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"template":  tmpl,
		"timestamp": httputil.Timestamp(),
	})
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

func (h *Handler) createOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID string `json:"templateId"`
		CWD        string `json:"cwd"`
		Request    string `json:"request"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	inst, err := h.engine.Create(req.TemplateID, req.CWD, req.Request)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"orchestrator": inst,
		"timestamp":    httputil.Timestamp(),
	})
}

func (h *Handler) listOrchestrators(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"orchestrators": h.engine.List(),
		"timestamp":     httputil.Timestamp(),
	})
}

func (h *Handler) getOrchestrator(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"orchestrator": inst,
		"timestamp":    httputil.Timestamp(),
	})
}

func (h *Handler) orchestratorMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Message string `json:"message"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.Message(r.Context(), id, req.Message); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) startOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.orchestratorAction(w, r, h.engine.StartRun)
}

func (h *Handler) confirmTasks(w http.ResponseWriter, r *http.Request) {
	h.orchestratorAction(w, r, h.engine.ConfirmTasks)
}

func (h *Handler) pauseOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.orchestratorAction(w, r, h.engine.Pause)
}

func (h *Handler) resumeOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.orchestratorAction(w, r, h.engine.Resume)
}

func (h *Handler) cancelOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.orchestratorAction(w, r, h.engine.Cancel)
}

func (h *Handler) orchestratorAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := mux.Vars(r)["id"]
	if err := action(id); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	inst, err := h.engine.Get(id)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"orchestrator": inst,
		"timestamp":    httputil.Timestamp(),
	})
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.engine.Workers(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"workers":   workers,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workers, err := h.engine.Workers(vars["id"])
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	for _, worker := range workers {
		if worker.TaskID == vars["taskId"] {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
				"success":   true,
				"worker":    worker,
				"timestamp": httputil.Timestamp(),
			})
			return
		}
	}
	httputil.NotFound(w, "worker not found")
}

func (h *Handler) retryWorker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.RetryWorker(vars["id"], vars["taskId"]); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}

func (h *Handler) cancelWorker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.CancelWorker(vars["id"], vars["taskId"]); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": httputil.Timestamp(),
	})
}
