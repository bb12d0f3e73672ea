// Package app wires the long-lived services together and owns their
// lifecycle. Nothing here is a global: every component is constructed once
// and handed to the things that need it.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/gate"
	"github.com/deskpilot/deskpilot/internal/app/httpapi"
	"github.com/deskpilot/deskpilot/internal/app/hub"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/logbuf"
	"github.com/deskpilot/deskpilot/internal/app/orchestrator"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
	"github.com/deskpilot/deskpilot/internal/app/subsessions"
	"github.com/deskpilot/deskpilot/internal/app/system"
	"github.com/deskpilot/deskpilot/internal/app/templates"
	"github.com/deskpilot/deskpilot/internal/app/usage"
	"github.com/deskpilot/deskpilot/pkg/config"
)

// Application is the composed server.
type Application struct {
	cfg config.Config
	log *logging.Logger

	Bus         *events.Bus
	Gate        *gate.Gate
	Adapter     adapter.Client
	Injector    *inject.Engine
	Coordinator *sessions.Coordinator
	Store       *templates.Store
	Engine      *orchestrator.Engine
	Tracker     *subsessions.Tracker
	Hub         *hub.Hub
	Logs        *logbuf.Buffer
	Usage       *usage.Tracker

	manager *system.Manager
	cron    *cron.Cron
}

// New composes the application from configuration.
func New(cfg config.Config, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.New("app", cfg.Logging.Level, cfg.Logging.Format)
	}

	logs := logbuf.New(500)
	log.AddHook(logs)

	bus := events.NewBus(256, logging.New("bus", cfg.Logging.Level, cfg.Logging.Format))

	g := gate.New(gate.Config{
		PIN:               cfg.Auth.PIN,
		SessionTTL:        cfg.Auth.SessionTTL,
		MaxAttempts:       cfg.Auth.MaxAttempts,
		LockdownThreshold: cfg.Auth.LockdownThreshold,
	}, bus, logging.New("gate", cfg.Logging.Level, cfg.Logging.Format))

	client := adapter.NewRodClient(adapter.Config{
		DebuggerURL: cfg.Adapter.DebuggerURL,
		CallTimeout: cfg.Adapter.CallTimeout,
	}, bus, logging.New("adapter", cfg.Logging.Level, cfg.Logging.Format))

	injector := inject.NewEngine(inject.Config{
		PreferredMethod: inject.Method(cfg.Injection.PreferredMethod),
		RetryDelay:      cfg.Injection.RetryDelay,
		QueueDelay:      cfg.Injection.QueueDelay,
		TmuxTarget:      cfg.Injection.TmuxTarget,
	}, client, bus, logging.New("inject", cfg.Logging.Level, cfg.Logging.Format))

	coordinator := sessions.NewCoordinator(sessions.Config{
		CacheTTL:         cfg.Coordinator.CacheTTL,
		ListInterval:     cfg.Coordinator.ListInterval,
		IdleListInterval: cfg.Coordinator.IdleListInterval,
	}, client, injector, bus, logging.New("coordinator", cfg.Logging.Level, cfg.Logging.Format))

	store := templates.NewStore(cfg.Orchestrator.SystemTemplates, cfg.Orchestrator.UserTemplates,
		logging.New("templates", cfg.Logging.Level, cfg.Logging.Format))
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	engine := orchestrator.NewEngine(orchestrator.Config{
		DataFile:        cfg.Orchestrator.DataFile,
		PersistDebounce: cfg.Orchestrator.PersistDebounce,
	}, coordinator, injector, store, client, bus,
		logging.New("orchestrator", cfg.Logging.Level, cfg.Logging.Format))

	tracker := subsessions.NewTracker(subsessions.Config{
		PollInterval:    cfg.Subsessions.PollInterval,
		CompletingAfter: cfg.Subsessions.CompletingAfter,
		CompletedAfter:  cfg.Subsessions.CompletedAfter,
		AutoLink:        cfg.Subsessions.AutoLink,
		AutoLinkWindow:  cfg.Subsessions.AutoLinkWindow,
	}, coordinator, injector, bus, logging.New("subsessions", cfg.Logging.Level, cfg.Logging.Format))

	usageTracker := usage.NewTracker(int32(os.Getpid()))

	// A connected UI counts as a list viewer: the coordinator polls fast
	// while anyone is watching and drops to the idle interval otherwise.
	var viewing bool
	var viewingMu sync.Mutex
	wsHub := hub.New(hub.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		SendBuffer:        cfg.Hub.SendBuffer,
		OnClientChange: func(count int) {
			viewingMu.Lock()
			defer viewingMu.Unlock()
			if count > 0 && !viewing {
				viewing = true
				coordinator.AddViewer()
			} else if count == 0 && viewing {
				viewing = false
				coordinator.RemoveViewer()
			}
		},
	}, g, bus, func() map[string]interface{} {
		return usageTracker.Snapshot().Map()
	}, logging.New("hub", cfg.Logging.Level, cfg.Logging.Format))

	httpSvc := httpapi.NewService(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		httpapi.Deps{
			Gate:        g,
			Coordinator: coordinator,
			Injector:    injector,
			Engine:      engine,
			Tracker:     tracker,
			Store:       store,
			Client:      client,
			Hub:         wsHub,
			Logs:        logs,
			Usage:       usageTracker,
			Log:         logging.New("http", cfg.Logging.Level, cfg.Logging.Format),
		},
		logging.New("http", cfg.Logging.Level, cfg.Logging.Format))

	app := &Application{
		cfg:         cfg,
		log:         log,
		Bus:         bus,
		Gate:        g,
		Adapter:     client,
		Injector:    injector,
		Coordinator: coordinator,
		Store:       store,
		Engine:      engine,
		Tracker:     tracker,
		Hub:         wsHub,
		Logs:        logs,
		Usage:       usageTracker,
	}

	// Engine loads its snapshot before the HTTP service starts serving.
	manager := system.NewManager(log)
	manager.Register(engine)
	manager.Register(coordinator)
	manager.Register(tracker)
	manager.Register(wsHub)
	manager.Register(httpSvc)
	app.manager = manager

	app.cron = cron.New()
	app.scheduleMaintenance()

	return app, nil
}

// scheduleMaintenance registers the periodic housekeeping jobs.
func (a *Application) scheduleMaintenance() {
	// Expired session tokens.
	_, _ = a.cron.AddFunc("@every 1m", func() {
		if purged := a.Gate.PurgeExpired(); purged > 0 {
			a.log.Infof("purged %d expired sessions", purged)
		}
	})
	// Transcript cache sweep.
	_, _ = a.cron.AddFunc("@every 1m", func() {
		a.Coordinator.SweepCache()
	})
	// Usage broadcast.
	_, _ = a.cron.AddFunc("@every 30s", func() {
		a.Bus.Emit(events.KindUsageUpdated, a.Usage.Snapshot().Map())
	})
}

// Start brings every service up in dependency order.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.cron.Start()
	if a.Gate.Enabled() {
		a.log.Info("PIN gate enabled")
	} else {
		a.log.Warn("no PIN configured; authentication is disabled")
	}
	return nil
}

// Stop shuts everything down, bounded by ctx.
func (a *Application) Stop(ctx context.Context) {
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(time.Second):
	}
	a.manager.Stop(ctx)
	_ = a.Adapter.Close()
	a.Bus.Close()
}
