// Package httpapi exposes the HTTP surface of the remote-control server.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/gate"
	"github.com/deskpilot/deskpilot/internal/app/hub"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/logbuf"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
	"github.com/deskpilot/deskpilot/internal/app/orchestrator"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
	"github.com/deskpilot/deskpilot/internal/app/subsessions"
	"github.com/deskpilot/deskpilot/internal/app/templates"
	"github.com/deskpilot/deskpilot/internal/app/usage"
)

// Handler bundles the HTTP endpoints over the application services.
type Handler struct {
	gate        *gate.Gate
	coordinator *sessions.Coordinator
	broker      *sessions.Broker
	injector    *inject.Engine
	engine      *orchestrator.Engine
	tracker     *subsessions.Tracker
	store       *templates.Store
	client      adapter.Client
	hub         *hub.Hub
	logs        *logbuf.Buffer
	usage       *usage.Tracker
	log         *logging.Logger
}

// Deps collects everything the handler serves.
type Deps struct {
	Gate        *gate.Gate
	Coordinator *sessions.Coordinator
	Injector    *inject.Engine
	Engine      *orchestrator.Engine
	Tracker     *subsessions.Tracker
	Store       *templates.Store
	Client      adapter.Client
	Hub         *hub.Hub
	Logs        *logbuf.Buffer
	Usage       *usage.Tracker
	Log         *logging.Logger
}

// NewHandler builds the router with every endpoint mounted.
func NewHandler(deps Deps) http.Handler {
	h := &Handler{
		gate:        deps.Gate,
		coordinator: deps.Coordinator,
		broker:      deps.Coordinator.Broker(),
		injector:    deps.Injector,
		engine:      deps.Engine,
		tracker:     deps.Tracker,
		store:       deps.Store,
		client:      deps.Client,
		hub:         deps.Hub,
		logs:        deps.Logs,
		usage:       deps.Usage,
		log:         deps.Log,
	}

	r := mux.NewRouter()

	// Websocket upgrade at the root.
	r.HandleFunc("/", h.hub.HandleWS).Methods(http.MethodGet).
		MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
			return req.Header.Get("Upgrade") == "websocket"
		})

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Health (no auth)
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)

	// Auth
	api.HandleFunc("/auth/status", h.authStatus).Methods(http.MethodGet)
	api.HandleFunc("/auth/login", h.authLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.authLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/session-info", h.authSessionInfo).Methods(http.MethodGet)
	api.HandleFunc("/auth/refresh", h.authRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/stats", h.authStats).Methods(http.MethodGet)

	// Sessions
	api.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/session/{id}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/session/{id}/messages", h.getSessionMessages).Methods(http.MethodGet)
	api.HandleFunc("/switch-session", h.switchSession).Methods(http.MethodPost)
	api.HandleFunc("/send", h.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/new-session", h.newSession).Methods(http.MethodPost)
	api.HandleFunc("/archive-session/{id}", h.archiveSession).Methods(http.MethodPost)

	// Injection
	api.HandleFunc("/inject", h.injectActive).Methods(http.MethodPost)
	api.HandleFunc("/session/{id}/inject", h.injectSession).Methods(http.MethodPost)
	api.HandleFunc("/inject/status", h.injectStatus).Methods(http.MethodGet)
	api.HandleFunc("/inject/configure", h.injectConfigure).Methods(http.MethodPost)
	api.HandleFunc("/inject/stats", h.injectStats).Methods(http.MethodGet)
	api.HandleFunc("/inject/queue", h.injectQueue).Methods(http.MethodPost)
	api.HandleFunc("/inject/queue/process", h.injectQueueProcess).Methods(http.MethodPost)
	api.HandleFunc("/inject/queue/{id}", h.injectQueueGet).Methods(http.MethodGet)
	api.HandleFunc("/inject/queue/{id}", h.injectQueueDelete).Methods(http.MethodDelete)
	api.HandleFunc("/inject/best-method", h.injectBestMethod).Methods(http.MethodGet)

	// Permissions / questions
	api.HandleFunc("/permission/pending", h.permissionPending).Methods(http.MethodGet)
	api.HandleFunc("/permission/respond", h.permissionRespond).Methods(http.MethodPost)
	api.HandleFunc("/question/pending", h.questionPending).Methods(http.MethodGet)
	api.HandleFunc("/question/respond", h.questionRespond).Methods(http.MethodPost)

	// Orchestrator templates
	api.HandleFunc("/orchestrator/templates", h.listTemplates).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/templates", h.createTemplate).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/templates/import", h.importTemplate).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/templates/{id}", h.getTemplate).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/templates/{id}", h.updateTemplate).Methods(http.MethodPut)
	api.HandleFunc("/orchestrator/templates/{id}", h.deleteTemplate).Methods(http.MethodDelete)
	api.HandleFunc("/orchestrator/templates/{id}/duplicate", h.duplicateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/templates/{id}/export", h.exportTemplate).Methods(http.MethodGet)

	// Orchestrator instances
	api.HandleFunc("/orchestrator/create", h.createOrchestrator).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator", h.listOrchestrators).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/{id}", h.getOrchestrator).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/{id}/status", h.getOrchestrator).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/{id}/message", h.orchestratorMessage).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/start", h.startOrchestrator).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/confirm-tasks", h.confirmTasks).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/pause", h.pauseOrchestrator).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/resume", h.resumeOrchestrator).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/cancel", h.cancelOrchestrator).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/workers", h.listWorkers).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/{id}/workers/{taskId}", h.getWorker).Methods(http.MethodGet)
	api.HandleFunc("/orchestrator/{id}/workers/{taskId}/retry", h.retryWorker).Methods(http.MethodPost)
	api.HandleFunc("/orchestrator/{id}/workers/{taskId}/cancel", h.cancelWorker).Methods(http.MethodPost)

	// Sub-sessions
	api.HandleFunc("/subsessions", h.listSubsessions).Methods(http.MethodGet)
	api.HandleFunc("/subsessions", h.linkSubsession).Methods(http.MethodPost)
	api.HandleFunc("/subsessions/scan", h.scanSubsessions).Methods(http.MethodPost)
	api.HandleFunc("/subsessions/watch", h.watchSubsession).Methods(http.MethodPost)
	api.HandleFunc("/subsessions/{childId}", h.getSubsession).Methods(http.MethodGet)
	api.HandleFunc("/subsessions/{childId}", h.unlinkSubsession).Methods(http.MethodDelete)

	// Logs
	api.HandleFunc("/logs", h.getLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", h.clearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/logs/stream", h.streamLogs).Methods(http.MethodGet)

	return r
}
