package orchestrator

import (
	"time"

	"github.com/deskpilot/deskpilot/internal/app/templates"
)

// Status is the orchestrator lifecycle state.
type Status string

const (
	StatusCreated              Status = "created"
	StatusAnalyzing            Status = "analyzing"
	StatusPlanning             Status = "planning"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSpawning             Status = "spawning"
	StatusRunning              Status = "running"
	StatusAggregating          Status = "aggregating"
	StatusVerifying            Status = "verifying"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
	StatusCancelled            Status = "cancelled"
	StatusPaused               Status = "paused"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the orchestrator is between start and terminal.
func (s Status) IsActive() bool {
	return s != StatusCreated && !s.IsTerminal()
}

// EnginePhase names the five coarse phases.
type EnginePhase string

const (
	EnginePhaseAnalysis     EnginePhase = "analysis"
	EnginePhasePlanning     EnginePhase = "task-planning"
	EnginePhaseExecution    EnginePhase = "worker-execution"
	EnginePhaseAggregation  EnginePhase = "aggregation"
	EnginePhaseVerification EnginePhase = "verification"
)

// Stats aggregates worker results.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	Cancelled int `json:"cancelled"`
}

// Instance is one orchestrator run. The exported fields are the persisted
// snapshot; runtime plumbing stays unexported.
type Instance struct {
	ID                 string              `json:"id"`
	TemplateID         string              `json:"templateId"`
	Template           *templates.Template `json:"template"`
	MainConversationID string              `json:"mainConversationId"`
	CWD                string              `json:"cwd"`
	Request            string              `json:"request"`
	Status             Status              `json:"status"`
	Phase              EnginePhase         `json:"phase"`
	PrevStatus         Status              `json:"prevStatus,omitempty"`
	Analysis           *AnalysisData       `json:"analysis,omitempty"`
	Tasks              []TaskItem          `json:"tasks,omitempty"`
	Groups             [][]string          `json:"parallelGroups,omitempty"`
	WorkerIndex        map[string]string   `json:"workerIndex,omitempty"`
	Workers            []Worker            `json:"workers,omitempty"`
	Aggregation        *AggregationData    `json:"aggregation,omitempty"`
	Verification       *VerificationData   `json:"verification,omitempty"`
	Stats              Stats               `json:"stats"`
	Errors             []string            `json:"errors,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	ResumeStatus       string              `json:"_resume_status,omitempty"`

	pool *Pool
	// mainOffset is the main-conversation transcript index already scanned.
	mainOffset int
}

// snapshot returns a deep-enough copy for serialisation and API responses.
func (inst *Instance) snapshot() *Instance {
	out := *inst
	out.pool = nil
	if inst.pool != nil {
		out.Workers = inst.pool.Workers()
	}
	out.Tasks = append([]TaskItem(nil), inst.Tasks...)
	out.Groups = append([][]string(nil), inst.Groups...)
	out.Errors = append([]string(nil), inst.Errors...)
	if inst.WorkerIndex != nil {
		idx := make(map[string]string, len(inst.WorkerIndex))
		for k, v := range inst.WorkerIndex {
			idx[k] = v
		}
		out.WorkerIndex = idx
	}
	return &out
}

// recalcStats folds worker states into the aggregate counters.
func (inst *Instance) recalcStats() {
	stats := Stats{Total: len(inst.Tasks)}
	workers := inst.Workers
	if inst.pool != nil {
		workers = inst.pool.Workers()
	}
	for _, w := range workers {
		switch w.Status {
		case WorkerCompleted:
			stats.Completed++
		case WorkerFailed:
			stats.Failed++
		case WorkerTimeout:
			stats.Timeout++
		case WorkerCancelled:
			stats.Cancelled++
		}
	}
	inst.Stats = stats
}
