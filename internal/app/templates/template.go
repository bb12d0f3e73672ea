// Package templates loads, resolves, and validates orchestrator templates.
package templates

import (
	"encoding/json"
	"fmt"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

// RetryPolicy controls automatic worker retry. Automatic loops are off by
// default.
type RetryPolicy struct {
	MaxRetries     int  `json:"maxRetries"`
	RetryOnError   bool `json:"retryOnError"`
	RetryOnTimeout bool `json:"retryOnTimeout"`
}

// Config is the template's concurrency and scheduling block.
type Config struct {
	MaxWorkers      int         `json:"maxWorkers"`
	WorkerTimeoutMs int         `json:"workerTimeout"`
	PollIntervalMs  int         `json:"pollInterval"`
	SpawnDelayMs    int         `json:"spawnDelay"`
	MinTasks        int         `json:"minTasks"`
	MaxTasks        int         `json:"maxTasks"`
	Retry           RetryPolicy `json:"retry"`
}

// PhaseConfig enables or disables one phase and bounds its runtime.
type PhaseConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	TimeoutMs int   `json:"timeout,omitempty"`
}

// PhasePrompts carries the system and user prompt for one phase.
type PhasePrompts struct {
	System string `json:"system,omitempty"`
	User   string `json:"user,omitempty"`
}

// Delimiters wrap structured replies inside free-form assistant output.
type Delimiters struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Template is a fully decoded orchestrator template.
type Template struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Version    string                  `json:"version,omitempty"`
	Extends    string                  `json:"extends,omitempty"`
	Config     Config                  `json:"config"`
	Phases     map[string]PhaseConfig  `json:"phases,omitempty"`
	Prompts    map[string]PhasePrompts `json:"prompts,omitempty"`
	Delimiters Delimiters              `json:"delimiters"`
	Variables  map[string]string       `json:"variables,omitempty"`

	// System marks templates shipped with the server; derived from the
	// directory a template was loaded from, never written to template files.
	System bool `json:"system,omitempty"`
}

// PhaseEnabled reports whether the named phase runs; phases default to on.
func (t *Template) PhaseEnabled(phase string) bool {
	pc, ok := t.Phases[phase]
	if !ok || pc.Enabled == nil {
		return true
	}
	return *pc.Enabled
}

// knownPhases are the phase keys templates may configure.
var knownPhases = map[string]struct{}{
	"analysis":         {},
	"task_planning":    {},
	"worker_execution": {},
	"aggregation":      {},
	"verification":     {},
}

// decodeTemplate unmarshals a raw template map into the typed form.
func decodeTemplate(raw map[string]interface{}) (*Template, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, svcerrors.Internal("re-encode template", err)
	}
	var t Template
	if err := json.Unmarshal(buf, &t); err != nil {
		return nil, svcerrors.Validation(fmt.Sprintf("malformed template: %v", err))
	}
	return &t, nil
}

// validate applies the structural rules every resolved template must meet.
func validate(t *Template) error {
	if t.ID == "" {
		return svcerrors.MissingParameter("id")
	}
	if t.Name == "" {
		return svcerrors.MissingParameter("name")
	}
	if t.Config.MaxWorkers <= 0 || t.Config.MaxWorkers > 50 {
		return svcerrors.Validation("config.maxWorkers must be in 1..50").
			WithDetails("value", t.Config.MaxWorkers)
	}
	if t.Config.WorkerTimeoutMs < 0 {
		return svcerrors.Validation("config.workerTimeout must not be negative")
	}
	if t.Config.PollIntervalMs < 0 {
		return svcerrors.Validation("config.pollInterval must not be negative")
	}
	if t.Config.MinTasks < 0 || (t.Config.MaxTasks > 0 && t.Config.MaxTasks < t.Config.MinTasks) {
		return svcerrors.Validation("config.minTasks/maxTasks range invalid")
	}
	if t.Config.Retry.MaxRetries < 0 {
		return svcerrors.Validation("config.retry.maxRetries must not be negative")
	}
	if t.Delimiters.Start == "" || t.Delimiters.End == "" {
		return svcerrors.Validation("delimiters must be non-empty")
	}
	for phase := range t.Phases {
		if _, ok := knownPhases[phase]; !ok {
			return svcerrors.Validation("unknown phase: " + phase)
		}
	}
	for phase := range t.Prompts {
		if _, ok := knownPhases[phase]; !ok {
			return svcerrors.Validation("unknown prompt phase: " + phase)
		}
	}
	return nil
}
