package orchestrator

import (
	"encoding/json"
	"fmt"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

// Phase names used in structured replies.
const (
	PhaseAnalysis     = "analysis"
	PhaseTaskList     = "task_list"
	PhaseProgress     = "progress"
	PhaseCompletion   = "completion"
	PhaseAggregation  = "aggregation"
	PhaseVerification = "verification"
)

// PhasePayload is the tagged union of structured reply bodies: one variant
// per phase, each carrying typed data.
type PhasePayload interface {
	phasePayload()
}

// AnalysisData is the reply body for the analysis phase.
type AnalysisData struct {
	Summary           string   `json:"summary"`
	RecommendedSplits int      `json:"recommended_splits"`
	KeyFiles          []string `json:"key_files,omitempty"`
	Components        []string `json:"components,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

func (AnalysisData) phasePayload() {}

// TaskItem is one planned task.
type TaskItem struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Scope         []string `json:"scope,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	TokenEstimate int      `json:"token_estimate,omitempty"`
}

// TaskListData is the reply body for the task-planning phase.
type TaskListData struct {
	Tasks                []TaskItem `json:"tasks"`
	ParallelizableGroups [][]string `json:"parallelizable_groups,omitempty"`
	ExecutionOrder       []string   `json:"execution_order,omitempty"`
}

func (TaskListData) phasePayload() {}

// ProgressData is a worker's progress report.
type ProgressData struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ProgressPercent *int   `json:"progress_percent,omitempty"`
	CurrentAction   string `json:"current_action,omitempty"`
}

func (ProgressData) phasePayload() {}

// CompletionData is a worker's terminal report.
type CompletionData struct {
	TaskID      string   `json:"task_id"`
	Status      string   `json:"status"`
	Output      string   `json:"output,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (CompletionData) phasePayload() {}

// AggregationData is the aggregation-phase reply.
type AggregationData struct {
	Status       string   `json:"status"`
	Conflicts    []string `json:"conflicts,omitempty"`
	MergedOutput string   `json:"merged_output,omitempty"`
}

func (AggregationData) phasePayload() {}

// VerificationData is the verification-phase reply.
type VerificationData struct {
	Status string   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

func (VerificationData) phasePayload() {}

var completionStatuses = map[string]struct{}{
	"success": {}, "partial": {}, "failed": {}, "timeout": {},
}

var aggregationStatuses = map[string]struct{}{
	"success": {}, "needs_input": {}, "failed": {},
}

var verificationStatuses = map[string]struct{}{
	"passed": {}, "passed_with_warnings": {}, "failed": {},
}

// decodePhase validates data against the per-phase schema and returns the
// typed variant.
func decodePhase(phase string, data map[string]interface{}) (PhasePayload, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, svcerrors.ParseFailed("re-encode phase data", err)
	}

	switch phase {
	case PhaseAnalysis:
		var d AnalysisData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if d.Summary == "" {
			return nil, missingField(phase, "summary")
		}
		if _, ok := data["recommended_splits"]; !ok {
			return nil, missingField(phase, "recommended_splits")
		}
		return d, nil

	case PhaseTaskList:
		var d TaskListData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if len(d.Tasks) == 0 {
			return nil, missingField(phase, "tasks")
		}
		seen := make(map[string]struct{}, len(d.Tasks))
		for _, task := range d.Tasks {
			if task.ID == "" {
				return nil, missingField(phase, "tasks[].id")
			}
			if task.Title == "" {
				return nil, missingField(phase, "tasks[].title")
			}
			if task.Description == "" {
				return nil, missingField(phase, "tasks[].description")
			}
			if _, dup := seen[task.ID]; dup {
				return nil, svcerrors.ParseFailed(fmt.Sprintf("duplicate task id %q", task.ID), nil)
			}
			seen[task.ID] = struct{}{}
		}
		return d, nil

	case PhaseProgress:
		var d ProgressData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if d.TaskID == "" {
			return nil, missingField(phase, "task_id")
		}
		if d.Status == "" {
			return nil, missingField(phase, "status")
		}
		if d.ProgressPercent != nil && (*d.ProgressPercent < 0 || *d.ProgressPercent > 100) {
			return nil, svcerrors.ParseFailed("progress_percent out of range", nil)
		}
		return d, nil

	case PhaseCompletion:
		var d CompletionData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if d.TaskID == "" {
			return nil, missingField(phase, "task_id")
		}
		if _, ok := completionStatuses[d.Status]; !ok {
			return nil, svcerrors.ParseFailed(fmt.Sprintf("completion status %q invalid", d.Status), nil)
		}
		return d, nil

	case PhaseAggregation:
		var d AggregationData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if _, ok := aggregationStatuses[d.Status]; !ok {
			return nil, svcerrors.ParseFailed(fmt.Sprintf("aggregation status %q invalid", d.Status), nil)
		}
		return d, nil

	case PhaseVerification:
		var d VerificationData
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, badPhase(phase, err)
		}
		if _, ok := verificationStatuses[d.Status]; !ok {
			return nil, svcerrors.ParseFailed(fmt.Sprintf("verification status %q invalid", d.Status), nil)
		}
		return d, nil
	}

	return nil, svcerrors.ParseFailed(fmt.Sprintf("unknown phase %q", phase), nil)
}

func badPhase(phase string, err error) error {
	return svcerrors.ParseFailed(fmt.Sprintf("malformed %s payload", phase), err)
}

func missingField(phase, field string) error {
	return svcerrors.ParseFailed(fmt.Sprintf("%s payload missing %s", phase, field), nil)
}
