// Package orchestrator drives "Big Tasks": a five-phase state machine over a
// primary conversation that fans work out across parallel worker
// conversations.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
	"github.com/deskpilot/deskpilot/internal/app/templates"
)

// promptGap separates the system prompt from the user prompt of a phase.
const promptGap = 1500 * time.Millisecond

// defaultPhaseTimeout bounds a phase that a template leaves unbounded.
const defaultPhaseTimeout = 5 * time.Minute

// Config tunes the engine.
type Config struct {
	DataFile        string
	PersistDebounce time.Duration
}

// Engine owns every orchestrator instance.
type Engine struct {
	cfg         Config
	coordinator *sessions.Coordinator
	injector    *inject.Engine
	store       *templates.Store
	client      adapter.Client
	bus         *events.Bus
	log         *logging.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	runCancel map[string]context.CancelFunc
	paused    map[string]chan struct{} // closed when resumed

	persist *persister
}

// NewEngine builds the engine.
func NewEngine(cfg Config, coordinator *sessions.Coordinator, injector *inject.Engine, store *templates.Store, client adapter.Client, bus *events.Bus, log *logging.Logger) *Engine {
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	e := &Engine{
		cfg:         cfg,
		coordinator: coordinator,
		injector:    injector,
		store:       store,
		client:      client,
		bus:         bus,
		log:         log,
		instances:   make(map[string]*Instance),
		runCancel:   make(map[string]context.CancelFunc),
		paused:      make(map[string]chan struct{}),
	}
	e.persist = newPersister(cfg.DataFile, cfg.PersistDebounce, e, log)
	return e
}

// Name implements the service lifecycle.
func (e *Engine) Name() string { return "orchestrator" }

// Start loads the snapshot file and begins persistence. Loading happens
// before any handler serves.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadSnapshot(); err != nil {
		return err
	}
	e.persist.start()
	return nil
}

// Stop flushes state and stops every run loop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.runCancel))
	for _, cancel := range e.runCancel {
		cancels = append(cancels, cancel)
	}
	pools := make([]*Pool, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.pool != nil {
			pools = append(pools, inst.pool)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, pool := range pools {
		pool.Stop()
	}
	e.persist.stop()
	return nil
}

// Create builds a new orchestrator from a template.
func (e *Engine) Create(templateID, cwd, request string) (*Instance, error) {
	if request == "" {
		return nil, svcerrors.MissingParameter("request")
	}
	if templateID == "" {
		templateID = "_default"
	}
	tmpl, err := e.store.Resolve(templateID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &Instance{
		ID:          uuid.NewString()[:8],
		TemplateID:  templateID,
		Template:    tmpl,
		CWD:         cwd,
		Request:     request,
		Status:      StatusCreated,
		Phase:       EnginePhaseAnalysis,
		WorkerIndex: make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	e.emit(events.KindOrchestratorCreated, inst, nil)
	e.persist.schedule()
	return inst.snapshot(), nil
}

// List returns snapshots of every instance.
func (e *Engine) List() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.snapshot())
	}
	return out
}

// Get returns one instance snapshot.
func (e *Engine) Get(id string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, svcerrors.NotFound("orchestrator", id)
	}
	return inst.snapshot(), nil
}

// StartRun begins the analysis phase of a created orchestrator.
func (e *Engine) StartRun(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return svcerrors.NotFound("orchestrator", id)
	}
	if inst.Status != StatusCreated {
		e.mu.Unlock()
		return svcerrors.Conflict("orchestrator already started").WithDetails("status", string(inst.Status))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.runCancel[id] = cancel
	e.mu.Unlock()

	go e.runAnalysisAndPlanning(ctx, id, true)
	return nil
}

// ConfirmTasks advances awaiting_confirmation into worker execution.
func (e *Engine) ConfirmTasks(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return svcerrors.NotFound("orchestrator", id)
	}
	if inst.Status != StatusAwaitingConfirmation {
		e.mu.Unlock()
		return svcerrors.Conflict("orchestrator is not awaiting confirmation").WithDetails("status", string(inst.Status))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.runCancel[id] = cancel
	e.mu.Unlock()

	e.emit(events.KindOrchestratorConfirmed, inst, nil)
	go e.runExecution(ctx, id, nil)
	return nil
}

// Pause suspends an active orchestrator, recording the previous status.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return svcerrors.NotFound("orchestrator", id)
	}
	if !inst.Status.IsActive() || inst.Status == StatusPaused {
		return svcerrors.Conflict("orchestrator is not pausable").WithDetails("status", string(inst.Status))
	}
	inst.PrevStatus = inst.Status
	inst.Status = StatusPaused
	inst.UpdatedAt = time.Now()
	e.paused[id] = make(chan struct{})
	e.emitLocked(events.KindOrchestratorPaused, inst, nil)
	e.persist.schedule()
	return nil
}

// Resume restores the status recorded by Pause.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return svcerrors.NotFound("orchestrator", id)
	}
	if inst.Status != StatusPaused {
		return svcerrors.Conflict("orchestrator is not paused").WithDetails("status", string(inst.Status))
	}
	inst.Status = inst.PrevStatus
	inst.PrevStatus = ""
	inst.UpdatedAt = time.Now()
	if gate, ok := e.paused[id]; ok {
		close(gate)
		delete(e.paused, id)
	}
	e.emitLocked(events.KindOrchestratorResumed, inst, nil)
	e.persist.schedule()
	return nil
}

// Cancel terminates the orchestrator and every live worker. Cancelling a
// cancelled orchestrator is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return svcerrors.NotFound("orchestrator", id)
	}
	if inst.Status == StatusCancelled {
		e.mu.Unlock()
		return nil
	}
	if inst.Status.IsTerminal() {
		e.mu.Unlock()
		return svcerrors.Conflict("orchestrator already terminal").WithDetails("status", string(inst.Status))
	}
	inst.Status = StatusCancelled
	inst.UpdatedAt = time.Now()
	cancel := e.runCancel[id]
	delete(e.runCancel, id)
	if gate, ok := e.paused[id]; ok {
		close(gate)
		delete(e.paused, id)
	}
	pool := inst.pool
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.CancelAll()
	}
	e.emit(events.KindOrchestratorCancelled, inst, nil)
	e.persist.schedule()
	return nil
}

// Message injects text into the orchestrator's main conversation.
func (e *Engine) Message(ctx context.Context, id, text string) error {
	inst, err := e.Get(id)
	if err != nil {
		return err
	}
	if inst.MainConversationID == "" {
		return svcerrors.Conflict("orchestrator has no main conversation yet")
	}
	_, err = e.injector.Inject(ctx, inst.MainConversationID, text)
	return err
}

// Workers returns the worker records of one orchestrator.
func (e *Engine) Workers(id string) ([]Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, svcerrors.NotFound("orchestrator", id)
	}
	if inst.pool == nil {
		return append([]Worker(nil), inst.Workers...), nil
	}
	return inst.pool.Workers(), nil
}

// RetryWorker re-queues one failed worker.
func (e *Engine) RetryWorker(id, taskID string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	pool := (*Pool)(nil)
	if ok {
		pool = inst.pool
	}
	e.mu.Unlock()
	if !ok {
		return svcerrors.NotFound("orchestrator", id)
	}
	if pool == nil {
		return svcerrors.Conflict("orchestrator has no live worker pool")
	}
	return pool.Retry(taskID)
}

// CancelWorker terminates one worker.
func (e *Engine) CancelWorker(id, taskID string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	pool := (*Pool)(nil)
	if ok {
		pool = inst.pool
	}
	e.mu.Unlock()
	if !ok {
		return svcerrors.NotFound("orchestrator", id)
	}
	if pool == nil {
		return svcerrors.Conflict("orchestrator has no live worker pool")
	}
	return pool.Cancel(taskID)
}

// ---------------------------------------------------------------------------
// Phase machinery
// ---------------------------------------------------------------------------

// runAnalysisAndPlanning drives analysis then task planning, stopping at
// awaiting_confirmation. dispatch=false resumes polling without re-sending
// prompts (snapshot recovery).
func (e *Engine) runAnalysisAndPlanning(ctx context.Context, id string, dispatch bool) {
	inst, err := e.Get(id)
	if err != nil {
		return
	}

	if inst.MainConversationID == "" {
		convID, err := e.coordinator.Create(ctx, inst.CWD, "", adapter.StartOptions{
			Title: "big task " + inst.ID,
		})
		if err != nil {
			e.fail(id, EnginePhaseAnalysis, err)
			return
		}
		e.update(id, func(inst *Instance) {
			inst.MainConversationID = convID
		})
	}

	// Analysis
	if resumeSkips(inst, StatusAnalyzing) {
		// already past analysis in the recovered snapshot
	} else {
		e.setStatus(id, StatusAnalyzing, EnginePhaseAnalysis, events.KindOrchestratorAnalysisStarted)
		parsed, err := e.runPromptPhase(ctx, id, "analysis", PhaseAnalysis, dispatch, e.baseVars(id))
		if err != nil {
			e.fail(id, EnginePhaseAnalysis, err)
			return
		}
		analysis := parsed.Typed.(AnalysisData)
		e.update(id, func(inst *Instance) {
			inst.Analysis = &analysis
		})
		e.emitByID(events.KindOrchestratorAnalysisComplete, id, map[string]interface{}{
			"summary":           analysis.Summary,
			"recommendedSplits": analysis.RecommendedSplits,
		})
	}

	// Task planning
	e.setStatus(id, StatusPlanning, EnginePhasePlanning, events.KindOrchestratorPlanningStarted)
	vars := e.baseVars(id)
	parsed, err := e.runPromptPhase(ctx, id, "task_planning", PhaseTaskList, dispatch, vars)
	if err != nil {
		e.fail(id, EnginePhasePlanning, err)
		return
	}
	taskList := parsed.Typed.(TaskListData)

	inst, _ = e.Get(id)
	cfg := inst.Template.Config
	if cfg.MinTasks > 0 && len(taskList.Tasks) < cfg.MinTasks {
		e.fail(id, EnginePhasePlanning, svcerrors.Validation(
			fmt.Sprintf("planner produced %d tasks, template minimum is %d", len(taskList.Tasks), cfg.MinTasks)))
		return
	}
	if cfg.MaxTasks > 0 && len(taskList.Tasks) > cfg.MaxTasks {
		e.fail(id, EnginePhasePlanning, svcerrors.Validation(
			fmt.Sprintf("planner produced %d tasks, template maximum is %d", len(taskList.Tasks), cfg.MaxTasks)))
		return
	}

	groups, err := BuildParallelGroups(taskList.Tasks)
	if err != nil {
		e.fail(id, EnginePhasePlanning, err)
		return
	}

	e.update(id, func(inst *Instance) {
		inst.Tasks = taskList.Tasks
		inst.Groups = groups
		inst.Status = StatusAwaitingConfirmation
		inst.Stats.Total = len(taskList.Tasks)
	})
	e.emitByID(events.KindOrchestratorTasksPlanned, id, map[string]interface{}{
		"tasks":  len(taskList.Tasks),
		"groups": len(groups),
	})
	e.emitByID(events.KindOrchestratorAwaitingConfirmation, id, nil)
	e.persist.schedule()
}

// runExecution walks parallel groups, then aggregation and verification.
// skipTasks marks tasks already terminal in a recovered snapshot.
func (e *Engine) runExecution(ctx context.Context, id string, skipTasks map[string]struct{}) {
	inst, err := e.Get(id)
	if err != nil {
		return
	}
	tmpl := inst.Template

	pool := NewPool(id, poolConfigFromTemplate(tmpl.Config), e.client, NewParser(tmpl.Delimiters), e.bus, e.log)
	e.mu.Lock()
	if live, ok := e.instances[id]; ok {
		live.pool = pool
	}
	e.mu.Unlock()

	e.setStatus(id, StatusSpawning, EnginePhaseExecution, events.KindOrchestratorSpawning)

	taskByID := make(map[string]TaskItem, len(inst.Tasks))
	for _, t := range inst.Tasks {
		taskByID[t.ID] = t
	}

	running := false
	for _, group := range inst.Groups {
		var groupIDs []string
		for _, taskID := range group {
			if _, skip := skipTasks[taskID]; skip {
				continue
			}
			task := taskByID[taskID]
			prompt := e.workerPrompt(inst, task)
			if err := pool.Enqueue(task, prompt, inst.CWD); err != nil {
				e.fail(id, EnginePhaseExecution, err)
				return
			}
			e.update(id, func(live *Instance) {
				live.WorkerIndex[taskID] = workerConversationID(id, taskID)
			})
			groupIDs = append(groupIDs, taskID)
		}

		if !running && len(groupIDs) > 0 {
			running = true
			e.setStatus(id, StatusRunning, EnginePhaseExecution, events.KindOrchestratorRunning)
		}

		if err := pool.AwaitTerminal(ctx, groupIDs); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(id, EnginePhaseExecution, err)
			return
		}
		e.waitIfPaused(ctx, id)
		if ctx.Err() != nil {
			return
		}
		e.update(id, func(live *Instance) {
			live.recalcStats()
		})
		e.persist.schedule()
	}

	// Aggregation
	if tmpl.PhaseEnabled("aggregation") {
		e.setStatus(id, StatusAggregating, EnginePhaseAggregation, events.KindOrchestratorAggregating)
		vars := e.baseVars(id)
		vars["WORKER_OUTPUTS"] = formatWorkerOutputs(pool.Outputs())
		parsed, err := e.runPromptPhase(ctx, id, "aggregation", PhaseAggregation, true, vars)
		if err != nil {
			e.fail(id, EnginePhaseAggregation, err)
			return
		}
		aggregation := parsed.Typed.(AggregationData)
		e.update(id, func(live *Instance) {
			live.Aggregation = &aggregation
		})
		e.emitByID(events.KindOrchestratorAggregationComplete, id, map[string]interface{}{
			"status":    aggregation.Status,
			"conflicts": aggregation.Conflicts,
		})
		if aggregation.Status == "needs_input" {
			// Surface the conflicts and hold in aggregating; the operator
			// resolves them through the main conversation.
			e.persist.schedule()
			return
		}
		if aggregation.Status == "failed" {
			e.fail(id, EnginePhaseAggregation, svcerrors.Internal("aggregation reported failure", nil))
			return
		}
	}

	// Verification
	if tmpl.PhaseEnabled("verification") {
		e.setStatus(id, StatusVerifying, EnginePhaseVerification, events.KindOrchestratorVerifying)
		parsed, err := e.runPromptPhase(ctx, id, "verification", PhaseVerification, true, e.baseVars(id))
		if err != nil {
			e.fail(id, EnginePhaseVerification, err)
			return
		}
		verification := parsed.Typed.(VerificationData)
		e.update(id, func(live *Instance) {
			live.Verification = &verification
		})
		e.emitByID(events.KindOrchestratorVerificationComplete, id, map[string]interface{}{
			"status": verification.Status,
			"issues": verification.Issues,
		})
	}

	e.update(id, func(live *Instance) {
		live.Status = StatusCompleted
		live.recalcStats()
	})
	e.emitByID(events.KindOrchestratorCompleted, id, nil)
	e.persist.schedule()
}

// runPromptPhase dispatches the phase prompts (unless resuming) and polls
// the main conversation until the expected payload appears. Parse and
// timeout failures retry within the template budget.
func (e *Engine) runPromptPhase(ctx context.Context, id, phaseKey, wantPhase string, dispatch bool, vars map[string]interface{}) (*Parsed, error) {
	inst, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	tmpl := inst.Template
	if !tmpl.PhaseEnabled(phaseKey) && (phaseKey == "analysis" || phaseKey == "task_planning") {
		return nil, svcerrors.Validation(fmt.Sprintf("phase %s is disabled but required", phaseKey))
	}

	budget := tmpl.Config.Retry.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			dispatch = true
		}
		parsed, err := e.promptOnce(ctx, id, phaseKey, wantPhase, dispatch, vars)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !svcerrors.IsCode(err, svcerrors.ErrCodeTimeout) && !svcerrors.IsCode(err, svcerrors.ErrCodeParseFailed) {
			return nil, err
		}
		e.log.WithError(err).WithField("orchestratorId", id).
			Warnf("phase %s attempt %d failed", phaseKey, attempt+1)
	}
	return nil, lastErr
}

func (e *Engine) promptOnce(ctx context.Context, id, phaseKey, wantPhase string, dispatch bool, vars map[string]interface{}) (*Parsed, error) {
	inst, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	tmpl := inst.Template
	prompts := tmpl.Prompts[phaseKey]
	parser := NewParser(tmpl.Delimiters)

	if dispatch {
		if prompts.System != "" {
			if _, err := e.injector.Inject(ctx, inst.MainConversationID, Substitute(prompts.System, vars)); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, svcerrors.Timeout("phase "+phaseKey, ctx.Err())
			case <-time.After(promptGap):
			}
		}
		if prompts.User != "" {
			if _, err := e.injector.Inject(ctx, inst.MainConversationID, Substitute(prompts.User, vars)); err != nil {
				return nil, err
			}
		}
	}

	timeout := defaultPhaseTimeout
	if pc, ok := tmpl.Phases[phaseKey]; ok && pc.TimeoutMs > 0 {
		timeout = time.Duration(pc.TimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	pollInterval := time.Duration(tmpl.Config.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	for {
		e.waitIfPaused(ctx, id)
		select {
		case <-ctx.Done():
			return nil, svcerrors.Timeout("phase "+phaseKey, ctx.Err())
		case <-time.After(pollInterval):
		}
		if time.Now().After(deadline) {
			return nil, svcerrors.Timeout("phase "+phaseKey, nil)
		}

		e.coordinator.InvalidateCache(inst.MainConversationID)
		msgs, err := e.coordinator.Transcript(ctx, inst.MainConversationID)
		if err != nil {
			continue
		}

		e.mu.Lock()
		offset := 0
		if live, ok := e.instances[id]; ok {
			offset = live.mainOffset
		}
		e.mu.Unlock()
		if offset > len(msgs) {
			offset = 0
		}

		for i := offset; i < len(msgs); i++ {
			msg := msgs[i]
			if msg.Role != adapter.RoleAssistant {
				continue
			}
			parsed, perr := parser.Parse(msg.Content)
			if perr != nil {
				e.advanceOffset(id, i+1)
				return nil, perr
			}
			if parsed == nil || parsed.Phase != wantPhase {
				continue
			}
			e.advanceOffset(id, i+1)
			return parsed, nil
		}
	}
}

func (e *Engine) advanceOffset(id string, offset int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[id]; ok && offset > inst.mainOffset {
		inst.mainOffset = offset
	}
}

// waitIfPaused blocks while the orchestrator is paused.
func (e *Engine) waitIfPaused(ctx context.Context, id string) {
	for {
		e.mu.Lock()
		gate, paused := e.paused[id]
		e.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-gate:
		}
	}
}

// workerPrompt renders the worker-execution user prompt for a task.
func (e *Engine) workerPrompt(inst *Instance, task TaskItem) string {
	vars := map[string]interface{}{
		"USER_REQUEST":     inst.Request,
		"ORIGINAL_REQUEST": inst.Request,
		"CWD":              inst.CWD,
		"TEMPLATE_NAME":    inst.Template.Name,
		"ORCHESTRATOR_ID":  inst.ID,
		"TASK_ID":          task.ID,
		"TASK_TITLE":       task.Title,
		"TASK_DESCRIPTION": task.Description,
		"TASK_SCOPE":       task.Scope,
	}
	if inst.Analysis != nil {
		vars["ANALYSIS_SUMMARY"] = inst.Analysis.Summary
	}
	for name, value := range inst.Template.Variables {
		vars[name] = value
	}
	prompts := inst.Template.Prompts["worker_execution"]
	prompt := Substitute(prompts.User, vars)
	if prompts.System != "" {
		prompt = Substitute(prompts.System, vars) + "\n\n" + prompt
	}
	return prompt
}

// baseVars builds the built-in variable set for main-conversation prompts.
func (e *Engine) baseVars(id string) map[string]interface{} {
	inst, err := e.Get(id)
	if err != nil {
		return map[string]interface{}{}
	}
	vars := map[string]interface{}{
		"USER_REQUEST":     inst.Request,
		"ORIGINAL_REQUEST": inst.Request,
		"CWD":              inst.CWD,
		"TEMPLATE_NAME":    inst.Template.Name,
		"ORCHESTRATOR_ID":  inst.ID,
	}
	if inst.Analysis != nil {
		vars["ANALYSIS_SUMMARY"] = inst.Analysis.Summary
	}
	for name, value := range inst.Template.Variables {
		vars[name] = value
	}
	return vars
}

// formatWorkerOutputs renders pool outputs for the aggregation prompt.
func formatWorkerOutputs(outputs []WorkerOutput) string {
	var b strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&b, "### Task %s (%s)\n", out.TaskID, out.Status)
		if out.Output != "" {
			b.WriteString(out.Output)
			b.WriteString("\n")
		}
		if len(out.OutputFiles) > 0 {
			fmt.Fprintf(&b, "Files: %s\n", strings.Join(out.OutputFiles, ", "))
		}
		if out.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", out.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// setStatus transitions status/phase and emits the matching event.
func (e *Engine) setStatus(id string, status Status, phase EnginePhase, kind events.Kind) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok || inst.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	inst.Status = status
	inst.Phase = phase
	inst.UpdatedAt = time.Now()
	e.emitLocked(kind, inst, nil)
	e.mu.Unlock()
	e.persist.schedule()
}

// fail moves the orchestrator to error, recording why and stopping workers.
func (e *Engine) fail(id string, phase EnginePhase, err error) {
	e.log.WithError(err).WithField("orchestratorId", id).Errorf("phase %s failed", phase)

	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if inst.Status == StatusCancelled {
		e.mu.Unlock()
		return
	}
	inst.Status = StatusError
	inst.Phase = phase
	inst.Errors = append(inst.Errors, err.Error())
	inst.UpdatedAt = time.Now()
	pool := inst.pool
	e.mu.Unlock()

	if pool != nil {
		pool.CancelAll()
	}
	e.emit(events.KindOrchestratorError, inst, map[string]interface{}{
		"phase": string(phase),
		"error": err.Error(),
	})
	e.persist.schedule()
}

// update applies fn to the live instance under the engine lock. Terminal
// instances are frozen: late goroutine writes after cancel or error are
// dropped.
func (e *Engine) update(id string, fn func(*Instance)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok || inst.Status.IsTerminal() {
		return
	}
	fn(inst)
	inst.UpdatedAt = time.Now()
}

func resumeSkips(inst *Instance, status Status) bool {
	if inst.ResumeStatus == "" {
		return false
	}
	// A snapshot recovered past analysis keeps its analysis result.
	return status == StatusAnalyzing && inst.Analysis != nil
}

// emitByID emits with the instance's current status and phase.
func (e *Engine) emitByID(kind events.Kind, id string, extra map[string]interface{}) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	payload := map[string]interface{}{
		"orchestratorId": inst.ID,
		"status":         string(inst.Status),
		"phase":          string(inst.Phase),
	}
	e.mu.Unlock()
	for k, v := range extra {
		payload[k] = v
	}
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}

func (e *Engine) emit(kind events.Kind, inst *Instance, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"orchestratorId": inst.ID,
		"status":         string(inst.Status),
		"phase":          string(inst.Phase),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}

// emitLocked is emit for callers already holding e.mu.
func (e *Engine) emitLocked(kind events.Kind, inst *Instance, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"orchestratorId": inst.ID,
		"status":         string(inst.Status),
		"phase":          string(inst.Phase),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if e.bus != nil {
		go e.bus.Emit(kind, payload)
	}
}
