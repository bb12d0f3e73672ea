package orchestrator

import (
	"regexp"
	"time"
)

// WorkerStatus is the lifecycle state of one worker.
type WorkerStatus string

const (
	WorkerPending   WorkerStatus = "pending"
	WorkerSpawning  WorkerStatus = "spawning"
	WorkerRunning   WorkerStatus = "running"
	WorkerPaused    WorkerStatus = "paused"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerTimeout   WorkerStatus = "timeout"
	WorkerCancelled WorkerStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal worker state.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerTimeout, WorkerCancelled:
		return true
	}
	return false
}

// Worker is the pool's record of one child conversation.
type Worker struct {
	ConversationID string         `json:"conversationId"`
	OrchestratorID string         `json:"orchestratorId"`
	TaskID         string         `json:"taskId"`
	Status         WorkerStatus   `json:"status"`
	Progress       int            `json:"progress"`
	CurrentAction  string         `json:"currentAction,omitempty"`
	ToolUses       map[string]int `json:"toolUses,omitempty"`
	Output         string         `json:"output,omitempty"`
	OutputFiles    []string       `json:"outputFiles,omitempty"`
	Error          string         `json:"error,omitempty"`
	RetryCount     int            `json:"retryCount"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`

	// transcript messages already consumed by the monitor
	offset int
}

// Output collection for aggregation.
type WorkerOutput struct {
	TaskID      string         `json:"taskId"`
	Status      WorkerStatus   `json:"status"`
	Output      string         `json:"output,omitempty"`
	OutputFiles []string       `json:"outputFiles,omitempty"`
	Error       string         `json:"error,omitempty"`
	ToolUses    map[string]int `json:"toolUses,omitempty"`
}

// toolPattern counts tool activity in worker transcripts. ToolPatternNames
// returns a copy of the table's labels; the table itself is not exported.
type toolPattern struct {
	name string
	re   *regexp.Regexp
}

var toolPatterns = []toolPattern{
	{name: "read", re: regexp.MustCompile(`(?i)\b(?:reading|read)\s+file\b|\bRead\(`)},
	{name: "write", re: regexp.MustCompile(`(?i)\b(?:writing|wrote)\s+file\b|\bWrite\(`)},
	{name: "edit", re: regexp.MustCompile(`(?i)\bedit(?:ing|ed)?\s+file\b|\bEdit\(`)},
	{name: "bash", re: regexp.MustCompile(`(?i)\brunning\s+command\b|\bBash\(`)},
	{name: "search", re: regexp.MustCompile(`(?i)\bsearch(?:ing|ed)?\b|\bGrep\(|\bGlob\(`)},
	{name: "task", re: regexp.MustCompile(`\bTask\(`)},
}

// ToolPatternNames lists the tool labels the monitor counts.
func ToolPatternNames() []string {
	out := make([]string, len(toolPatterns))
	for i, p := range toolPatterns {
		out[i] = p.name
	}
	return out
}

func countToolUses(content string, into map[string]int) {
	for _, p := range toolPatterns {
		if n := len(p.re.FindAllStringIndex(content, -1)); n > 0 {
			into[p.name] += n
		}
	}
}
