package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/adapter/adaptertest"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
	"github.com/deskpilot/deskpilot/internal/app/templates"
)

// testTemplateRaw keeps every phase prompt to a single marker line so the fake
// assistant can answer deterministically.
func testTemplateRaw() map[string]interface{} {
	return map[string]interface{}{
		"id":      "itest",
		"name":    "integration",
		"extends": "_default",
		"config": map[string]interface{}{
			"maxWorkers":   2,
			"pollInterval": 20,
			"spawnDelay":   0,
			"workerTimeout": 60000,
		},
		"prompts": map[string]interface{}{
			"analysis":         map[string]interface{}{"system": "", "user": "ANALYZE {USER_REQUEST}"},
			"task_planning":    map[string]interface{}{"system": "", "user": "PLAN {ANALYSIS_SUMMARY}"},
			"worker_execution": map[string]interface{}{"system": "", "user": "WORK {TASK_ID}"},
			"aggregation":      map[string]interface{}{"system": "", "user": "AGGREGATE {WORKER_OUTPUTS}"},
			"verification":     map[string]interface{}{"system": "", "user": "VERIFY {ORIGINAL_REQUEST}"},
		},
	}
}

func block(phase, data string) string {
	return templates.DefaultDelimiters.Start +
		fmt.Sprintf(`{"phase":%q,"data":%s}`, phase, data) +
		templates.DefaultDelimiters.End
}

func scriptedAssistant(fake *adaptertest.Fake) {
	fake.AutoReply = func(_, text string) string {
		switch {
		case strings.HasPrefix(text, "ANALYZE"):
			return "thinking... " + block(PhaseAnalysis, `{"summary":"two parts","recommended_splits":2}`)
		case strings.HasPrefix(text, "PLAN"):
			return block(PhaseTaskList, `{"tasks":[
				{"id":"t1","title":"first","description":"do first"},
				{"id":"t2","title":"second","description":"do second","dependencies":["t1"]}]}`)
		case strings.HasPrefix(text, "AGGREGATE"):
			return block(PhaseAggregation, `{"status":"success","merged_output":"merged"}`)
		case strings.HasPrefix(text, "VERIFY"):
			return block(PhaseVerification, `{"status":"passed"}`)
		default:
			return ""
		}
	}
	// Workers finish as soon as they are spawned.
	fake.OnStart = func(id, _, _ string) {
		if !strings.HasPrefix(id, WorkerIDPrefix) {
			return
		}
		taskID := id[strings.LastIndex(id, "-")+1:]
		go func() {
			time.Sleep(30 * time.Millisecond)
			fake.AppendMessage(id, adapter.Message{
				Role:    adapter.RoleAssistant,
				Content: block(PhaseCompletion, fmt.Sprintf(`{"task_id":%q,"status":"success","output":"ok"}`, taskID)),
			})
		}()
	}
}

func newTestEngine(t *testing.T, fake *adaptertest.Fake) *Engine {
	t.Helper()
	injector := inject.NewEngine(inject.Config{RetryDelay: time.Millisecond, QueueDelay: time.Millisecond}, fake, nil, nil)
	coordinator := sessions.NewCoordinator(sessions.Config{CacheTTL: time.Millisecond}, fake, injector, nil, nil)
	store := templates.NewStore("", t.TempDir(), nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(testTemplateRaw()); err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(Config{
		DataFile:        filepath.Join(t.TempDir(), "orchestrators.json"),
		PersistDebounce: 10 * time.Millisecond,
	}, coordinator, injector, store, fake, nil, nil)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

func waitForOrchestratorStatus(t *testing.T, e *Engine, id string, want Status, timeout time.Duration) *Instance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *Instance
	for time.Now().Before(deadline) {
		inst, err := e.Get(id)
		if err == nil {
			last = inst
			if inst.Status == want {
				return inst
			}
			if inst.Status == StatusError && want != StatusError {
				t.Fatalf("orchestrator errored: %v", inst.Errors)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("orchestrator %s never appeared", id)
	}
	t.Fatalf("status = %s, want %s", last.Status, want)
	return nil
}

func TestFullOrchestrationRun(t *testing.T) {
	fake := adaptertest.New()
	scriptedAssistant(fake)
	engine := newTestEngine(t, fake)

	inst, err := engine.Create("itest", "/tmp/project", "build both halves")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if inst.Status != StatusCreated {
		t.Fatalf("status after create = %s", inst.Status)
	}

	if err := engine.StartRun(inst.ID); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	planned := waitForOrchestratorStatus(t, engine, inst.ID, StatusAwaitingConfirmation, 5*time.Second)
	if planned.Analysis == nil || planned.Analysis.Summary != "two parts" {
		t.Fatalf("analysis = %+v", planned.Analysis)
	}
	if len(planned.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(planned.Tasks))
	}
	wantGroups := [][]string{{"t1"}, {"t2"}}
	if len(planned.Groups) != 2 || planned.Groups[0][0] != wantGroups[0][0] || planned.Groups[1][0] != wantGroups[1][0] {
		t.Fatalf("groups = %v, want %v", planned.Groups, wantGroups)
	}

	// Explicit user action is required to proceed past planning.
	time.Sleep(100 * time.Millisecond)
	if inst, _ := engine.Get(inst.ID); inst.Status != StatusAwaitingConfirmation {
		t.Fatalf("orchestrator advanced without confirmation: %s", inst.Status)
	}

	if err := engine.ConfirmTasks(inst.ID); err != nil {
		t.Fatalf("ConfirmTasks() error = %v", err)
	}

	done := waitForOrchestratorStatus(t, engine, inst.ID, StatusCompleted, 10*time.Second)
	if done.Aggregation == nil || done.Aggregation.Status != "success" {
		t.Fatalf("aggregation = %+v", done.Aggregation)
	}
	if done.Verification == nil || done.Verification.Status != "passed" {
		t.Fatalf("verification = %+v", done.Verification)
	}
	if done.Stats.Completed != 2 {
		t.Fatalf("stats = %+v, want 2 completed", done.Stats)
	}

	workers, err := engine.Workers(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(workers))
	}
	for _, w := range workers {
		if w.Status != WorkerCompleted {
			t.Errorf("worker %s status = %s", w.TaskID, w.Status)
		}
		if !strings.HasPrefix(w.ConversationID, WorkerIDPrefix) {
			t.Errorf("worker conversation id %q lacks hidden prefix", w.ConversationID)
		}
	}
}

func TestCancelIsIdempotentOnOrchestrator(t *testing.T) {
	fake := adaptertest.New()
	scriptedAssistant(fake)
	engine := newTestEngine(t, fake)

	inst, err := engine.Create("itest", "/tmp", "req")
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.StartRun(inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := engine.Cancel(inst.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := engine.Get(inst.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	updated := got.UpdatedAt

	// Cancelling again: no error, no state change.
	if err := engine.Cancel(inst.ID); err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}
	again, _ := engine.Get(inst.ID)
	if !again.UpdatedAt.Equal(updated) {
		t.Error("second Cancel() mutated the instance")
	}
}

func TestPauseResume(t *testing.T) {
	fake := adaptertest.New()
	scriptedAssistant(fake)
	engine := newTestEngine(t, fake)

	inst, _ := engine.Create("itest", "/tmp", "req")
	if err := engine.Pause(inst.ID); err == nil {
		t.Fatal("Pause() on a created orchestrator succeeded")
	}
	if err := engine.StartRun(inst.ID); err != nil {
		t.Fatal(err)
	}
	waitForOrchestratorStatus(t, engine, inst.ID, StatusAwaitingConfirmation, 5*time.Second)

	if err := engine.Pause(inst.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	paused, _ := engine.Get(inst.ID)
	if paused.Status != StatusPaused || paused.PrevStatus != StatusAwaitingConfirmation {
		t.Fatalf("paused = %s prev = %s", paused.Status, paused.PrevStatus)
	}

	if err := engine.Resume(inst.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	resumed, _ := engine.Get(inst.ID)
	if resumed.Status != StatusAwaitingConfirmation {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
}

func TestSnapshotPersistsAndReloads(t *testing.T) {
	fake := adaptertest.New()
	scriptedAssistant(fake)

	dataFile := filepath.Join(t.TempDir(), "orchestrators.json")
	injector := inject.NewEngine(inject.Config{RetryDelay: time.Millisecond}, fake, nil, nil)
	coordinator := sessions.NewCoordinator(sessions.Config{CacheTTL: time.Millisecond}, fake, injector, nil, nil)
	store := templates.NewStore("", t.TempDir(), nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(testTemplateRaw()); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(Config{DataFile: dataFile, PersistDebounce: 5 * time.Millisecond},
		coordinator, injector, store, fake, nil, nil)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	inst, err := engine.Create("itest", "/tmp", "persist me")
	if err != nil {
		t.Fatal(err)
	}
	// Stop flushes the snapshot.
	if err := engine.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	engine2 := NewEngine(Config{DataFile: dataFile, PersistDebounce: 5 * time.Millisecond},
		coordinator, injector, store, fake, nil, nil)
	if err := engine2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = engine2.Stop(context.Background()) }()

	loaded, err := engine2.Get(inst.ID)
	if err != nil {
		t.Fatalf("instance lost across restart: %v", err)
	}
	if loaded.Request != "persist me" || loaded.Status != StatusCreated {
		t.Fatalf("loaded = %+v", loaded)
	}
}
