package orchestrator

import (
	"context"
	"sync"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
	"github.com/deskpilot/deskpilot/internal/app/templates"
)

// WorkerIDPrefix marks worker conversations; the coordinator hides ids
// carrying it. It must match sessions.HiddenPrefix.
const WorkerIDPrefix = "dpw-"

// PoolConfig tunes one orchestrator's worker pool.
type PoolConfig struct {
	MaxWorkers    int
	SpawnDelay    time.Duration
	PollInterval  time.Duration
	WorkerTimeout time.Duration
	Retry         templates.RetryPolicy
}

// poolConfigFromTemplate converts template config into pool timing.
func poolConfigFromTemplate(cfg templates.Config) PoolConfig {
	pc := PoolConfig{
		MaxWorkers:    cfg.MaxWorkers,
		SpawnDelay:    time.Duration(cfg.SpawnDelayMs) * time.Millisecond,
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		WorkerTimeout: time.Duration(cfg.WorkerTimeoutMs) * time.Millisecond,
		Retry:         cfg.Retry,
	}
	if pc.MaxWorkers <= 0 {
		pc.MaxWorkers = 1
	}
	if pc.PollInterval <= 0 {
		pc.PollInterval = 2 * time.Second
	}
	return pc
}

type spawnRequest struct {
	task   TaskItem
	prompt string
	cwd    string
}

// Pool spawns and monitors the worker conversations of one orchestrator.
// At most MaxWorkers are in spawning/running at once; the rest wait in a
// FIFO queue.
type Pool struct {
	orchestratorID string
	cfg            PoolConfig
	client         adapter.Client
	parser         *Parser
	bus            *events.Bus
	log            *logging.Logger

	mu      sync.Mutex
	workers map[string]*Worker // task id → worker
	tasks   map[string]spawnRequest
	queue   []string // task ids waiting for a slot
	active  int
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	monitor map[string]context.CancelFunc
}

// NewPool builds a pool for one orchestrator.
func NewPool(orchestratorID string, cfg PoolConfig, client adapter.Client, parser *Parser, bus *events.Bus, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		orchestratorID: orchestratorID,
		cfg:            cfg,
		client:         client,
		parser:         parser,
		bus:            bus,
		log:            log,
		workers:        make(map[string]*Worker),
		tasks:          make(map[string]spawnRequest),
		monitor:        make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// workerConversationID derives the deterministic hidden conversation id.
func workerConversationID(orchestratorID, taskID string) string {
	return WorkerIDPrefix + orchestratorID + "-" + taskID
}

// Enqueue registers a task for execution. The worker starts as soon as a
// slot frees up.
func (p *Pool) Enqueue(task TaskItem, prompt, cwd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return svcerrors.Conflict("worker pool is stopped")
	}
	if w, exists := p.workers[task.ID]; exists && !w.Status.IsTerminal() {
		return svcerrors.Conflict("task already has a live worker").WithDetails("taskId", task.ID)
	}
	p.workers[task.ID] = &Worker{
		ConversationID: workerConversationID(p.orchestratorID, task.ID),
		OrchestratorID: p.orchestratorID,
		TaskID:         task.ID,
		Status:         WorkerPending,
		ToolUses:       make(map[string]int),
	}
	p.tasks[task.ID] = spawnRequest{task: task, prompt: prompt, cwd: cwd}
	p.queue = append(p.queue, task.ID)
	p.drainLocked()
	return nil
}

// drainLocked launches queued workers while slots remain. Callers hold p.mu.
func (p *Pool) drainLocked() {
	for p.active < p.cfg.MaxWorkers && len(p.queue) > 0 {
		taskID := p.queue[0]
		p.queue = p.queue[1:]
		w, ok := p.workers[taskID]
		if !ok || w.Status != WorkerPending {
			continue
		}
		w.Status = WorkerSpawning
		p.active++
		req := p.tasks[taskID]
		p.wg.Add(1)
		go p.spawn(req, w.RetryCount)
	}
}

// spawn starts the child conversation and hands off to the monitor.
func (p *Pool) spawn(req spawnRequest, retryCount int) {
	defer p.wg.Done()

	if p.cfg.SpawnDelay > 0 {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.cfg.SpawnDelay):
		}
	}

	taskID := req.task.ID
	convID := workerConversationID(p.orchestratorID, taskID)

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	_, err := p.client.StartConversation(ctx, req.cwd, req.prompt, adapter.StartOptions{
		ID:     convID,
		Title:  "worker " + taskID,
		Hidden: true,
	})
	cancel()
	if err != nil {
		p.finish(taskID, WorkerFailed, "", nil, "spawn failed: "+err.Error())
		return
	}

	now := time.Now()
	p.mu.Lock()
	w := p.workers[taskID]
	if w == nil || w.Status != WorkerSpawning {
		p.mu.Unlock()
		return
	}
	w.StartedAt = &now
	monitorCtx, monitorCancel := context.WithCancel(p.ctx)
	p.monitor[taskID] = monitorCancel
	p.mu.Unlock()

	metrics.RecordWorkerSpawned()
	p.emit(events.KindWorkerSpawned, map[string]interface{}{
		"orchestratorId": p.orchestratorID,
		"taskId":         taskID,
		"conversationId": convID,
		"retry":          retryCount,
	})

	p.wg.Add(1)
	go p.monitorWorker(monitorCtx, taskID, convID)
}

// monitorWorker polls the child transcript until the worker terminates.
func (p *Pool) monitorWorker(ctx context.Context, taskID, convID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.pollWorker(ctx, taskID, convID) {
			return
		}
	}
}

// pollWorker performs one monitor tick; true means the worker is terminal.
func (p *Pool) pollWorker(ctx context.Context, taskID, convID string) bool {
	p.mu.Lock()
	w := p.workers[taskID]
	if w == nil || w.Status.IsTerminal() {
		p.mu.Unlock()
		return true
	}
	startedAt := w.StartedAt
	status := w.Status
	offset := w.offset
	p.mu.Unlock()

	timedOut := func() bool {
		return startedAt != nil && time.Since(*startedAt) >= p.cfg.WorkerTimeout
	}

	// Wall-clock timeout from spawn; progress does not extend it.
	if status == WorkerRunning && timedOut() {
		p.finish(taskID, WorkerTimeout, "", nil, "worker timed out")
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	msgs, err := p.client.GetTranscript(callCtx, convID)
	cancel()
	if err != nil {
		p.log.WithError(err).WithField("taskId", taskID).Debug("worker transcript poll failed")
		return false
	}

	if len(msgs) == 0 {
		return false
	}

	p.mu.Lock()
	if w.Status == WorkerSpawning {
		w.Status = WorkerRunning
		p.mu.Unlock()
		p.emit(events.KindWorkerStarted, map[string]interface{}{
			"orchestratorId": p.orchestratorID,
			"taskId":         taskID,
			"conversationId": convID,
		})
		// A zero (or already exceeded) budget times out before any output
		// from this same tick can count as completion.
		if timedOut() {
			p.finish(taskID, WorkerTimeout, "", nil, "worker timed out")
			return true
		}
		p.mu.Lock()
	}
	fresh := msgs[min(offset, len(msgs)):]
	w.offset = len(msgs)
	p.mu.Unlock()

	for _, msg := range fresh {
		p.mu.Lock()
		countToolUses(msg.Content, w.ToolUses)
		p.mu.Unlock()

		if msg.Role != adapter.RoleAssistant {
			continue
		}
		for _, parsed := range p.parser.ParseMultiple(msg.Content) {
			switch data := parsed.Typed.(type) {
			case ProgressData:
				if data.TaskID != taskID {
					continue
				}
				p.applyProgress(taskID, data)
			case CompletionData:
				if data.TaskID != taskID {
					continue
				}
				switch data.Status {
				case "success", "partial":
					p.finish(taskID, WorkerCompleted, data.Output, data.OutputFiles, data.Error)
				default:
					p.finish(taskID, WorkerFailed, data.Output, data.OutputFiles, data.Error)
				}
				return true
			}
		}
	}
	return false
}

func (p *Pool) applyProgress(taskID string, data ProgressData) {
	p.mu.Lock()
	w := p.workers[taskID]
	if w == nil || w.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	if data.ProgressPercent != nil {
		w.Progress = *data.ProgressPercent
	}
	w.CurrentAction = data.CurrentAction
	progress := w.Progress
	p.mu.Unlock()

	p.emit(events.KindWorkerProgress, map[string]interface{}{
		"orchestratorId": p.orchestratorID,
		"taskId":         taskID,
		"progress":       progress,
		"currentAction":  data.CurrentAction,
	})
}

// finish moves a worker to a terminal state, frees its slot, and drains the
// queue. Automatic retry applies when the template opted in.
func (p *Pool) finish(taskID string, status WorkerStatus, output string, files []string, errText string) {
	now := time.Now()

	p.mu.Lock()
	w := p.workers[taskID]
	if w == nil || w.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	if cancelMonitor, ok := p.monitor[taskID]; ok {
		delete(p.monitor, taskID)
		defer cancelMonitor()
	}
	w.Status = status
	w.Output = output
	w.OutputFiles = files
	w.Error = errText
	w.CompletedAt = &now
	if status == WorkerCompleted {
		w.Progress = 100
	}
	p.active--

	autoRetry := false
	switch status {
	case WorkerFailed:
		autoRetry = p.cfg.Retry.RetryOnError
	case WorkerTimeout:
		autoRetry = p.cfg.Retry.RetryOnTimeout
	}
	canRetry := autoRetry && w.RetryCount < p.cfg.Retry.MaxRetries && !p.closed
	p.mu.Unlock()

	metrics.RecordWorkerTerminal(string(status))
	kind := events.KindWorkerCompleted
	switch status {
	case WorkerFailed:
		kind = events.KindWorkerFailed
	case WorkerTimeout:
		kind = events.KindWorkerTimeout
	case WorkerCancelled:
		kind = events.KindWorkerCancelled
	}
	p.emit(kind, map[string]interface{}{
		"orchestratorId": p.orchestratorID,
		"taskId":         taskID,
		"status":         string(status),
		"error":          errText,
	})

	if canRetry {
		if err := p.Retry(taskID); err != nil {
			p.log.WithError(err).WithField("taskId", taskID).Warn("automatic retry failed")
		}
		return
	}

	p.mu.Lock()
	p.drainLocked()
	p.mu.Unlock()
}

// Retry re-queues a terminal worker while the retry budget allows.
func (p *Pool) Retry(taskID string) error {
	p.mu.Lock()
	w := p.workers[taskID]
	if w == nil {
		p.mu.Unlock()
		return svcerrors.NotFound("worker", taskID)
	}
	if !w.Status.IsTerminal() || w.Status == WorkerCompleted {
		p.mu.Unlock()
		return svcerrors.Conflict("worker is not in a retryable state").WithDetails("status", string(w.Status))
	}
	if w.RetryCount >= p.cfg.Retry.MaxRetries {
		p.mu.Unlock()
		return svcerrors.Conflict("retry budget exhausted").WithDetails("retryCount", w.RetryCount)
	}
	if _, ok := p.tasks[taskID]; !ok {
		p.mu.Unlock()
		return svcerrors.NotFound("task", taskID)
	}

	w.Status = WorkerPending
	w.Progress = 0
	w.CurrentAction = ""
	w.Output = ""
	w.OutputFiles = nil
	w.Error = ""
	w.StartedAt = nil
	w.CompletedAt = nil
	w.offset = 0
	w.RetryCount++
	retryCount := w.RetryCount
	p.queue = append(p.queue, taskID)
	p.drainLocked()
	p.mu.Unlock()

	p.emit(events.KindWorkerRetried, map[string]interface{}{
		"orchestratorId": p.orchestratorID,
		"taskId":         taskID,
		"retryCount":     retryCount,
	})
	return nil
}

// Cancel terminates one worker.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	w := p.workers[taskID]
	p.mu.Unlock()
	if w == nil {
		return svcerrors.NotFound("worker", taskID)
	}
	if w.Status.IsTerminal() {
		return nil
	}
	p.finish(taskID, WorkerCancelled, "", nil, "cancelled")
	return nil
}

// CancelAll terminates every live worker.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	var live []string
	for taskID, w := range p.workers {
		if !w.Status.IsTerminal() {
			live = append(live, taskID)
		}
	}
	p.queue = nil
	p.mu.Unlock()
	for _, taskID := range live {
		p.finish(taskID, WorkerCancelled, "", nil, "cancelled")
	}
}

// AwaitTerminal blocks until every named task reaches a terminal state.
func (p *Pool) AwaitTerminal(ctx context.Context, taskIDs []string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.allTerminal(taskIDs) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) allTerminal(taskIDs []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range taskIDs {
		w, ok := p.workers[id]
		if !ok || !w.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Workers returns copies of every worker record.
func (p *Pool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

// Worker returns one worker record by task id.
func (p *Pool) Worker(taskID string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[taskID]
	if !ok {
		return Worker{}, svcerrors.NotFound("worker", taskID)
	}
	return *w, nil
}

// Outputs collects per-task results for aggregation.
func (p *Pool) Outputs() []WorkerOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerOutput, 0, len(p.workers))
	for _, w := range p.workers {
		uses := make(map[string]int, len(w.ToolUses))
		for k, v := range w.ToolUses {
			uses[k] = v
		}
		out = append(out, WorkerOutput{
			TaskID:      w.TaskID,
			Status:      w.Status,
			Output:      w.Output,
			OutputFiles: append([]string(nil), w.OutputFiles...),
			Error:       w.Error,
			ToolUses:    uses,
		})
	}
	return out
}

// Stop cancels monitors and forgets queued work.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) emit(kind events.Kind, payload map[string]interface{}) {
	if p.bus != nil {
		p.bus.Emit(kind, payload)
	}
}
