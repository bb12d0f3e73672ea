package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/titanous/json5"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/internal/app/templates"
)

// Parser extracts delimited structured replies from free-form transcripts.
type Parser struct {
	start string
	end   string
}

// NewParser builds a parser over the given delimiter pair.
func NewParser(d templates.Delimiters) *Parser {
	if d.Start == "" || d.End == "" {
		d = templates.DefaultDelimiters
	}
	return &Parser{start: d.Start, end: d.End}
}

// Parsed is one recovered structured reply.
type Parsed struct {
	Found      bool                   `json:"found"`
	Phase      string                 `json:"phase,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Typed      PhasePayload           `json:"-"`
	BeforeText string                 `json:"beforeText,omitempty"`
	AfterText  string                 `json:"afterText,omitempty"`
}

// Parse locates the first delimited block in text and decodes it. A missing
// block returns (nil, nil); a block that cannot be repaired returns
// ParseFailed.
func (p *Parser) Parse(text string) (*Parsed, error) {
	startIdx := strings.Index(text, p.start)
	if startIdx < 0 {
		return nil, nil
	}
	rest := text[startIdx+len(p.start):]
	endIdx := strings.Index(rest, p.end)
	if endIdx < 0 {
		return nil, nil
	}

	payload := rest[:endIdx]
	before := text[:startIdx]
	after := rest[endIdx+len(p.end):]

	raw, err := decodeLenient(payload)
	if err != nil {
		return nil, err
	}

	phase, _ := raw["phase"].(string)
	if phase == "" {
		return nil, svcerrors.ParseFailed("structured reply missing phase", nil)
	}
	data, _ := raw["data"].(map[string]interface{})
	if data == nil {
		return nil, svcerrors.ParseFailed("structured reply missing data", nil)
	}

	typed, err := decodePhase(phase, data)
	if err != nil {
		return nil, err
	}

	return &Parsed{
		Found:      true,
		Phase:      phase,
		Data:       data,
		Typed:      typed,
		BeforeText: before,
		AfterText:  after,
	}, nil
}

// ParseMultiple scans text for every delimited block, skipping blocks that
// fail to decode.
func (p *Parser) ParseMultiple(text string) []*Parsed {
	var out []*Parsed
	remaining := text
	for {
		parsed, err := p.Parse(remaining)
		if parsed == nil && err == nil {
			return out
		}
		startIdx := strings.Index(remaining, p.start)
		rest := remaining[startIdx+len(p.start):]
		endIdx := strings.Index(rest, p.end)
		if endIdx < 0 {
			return out
		}
		if err == nil {
			out = append(out, parsed)
		}
		remaining = rest[endIdx+len(p.end):]
	}
}

// decodeLenient parses payload as JSON, falling back to a forgiving pass
// that tolerates comments, single quotes, unquoted keys, and trailing
// commas.
func decodeLenient(payload string) (map[string]interface{}, error) {
	cleaned := strings.TrimSpace(strings.TrimPrefix(payload, "\ufeff"))
	if cleaned == "" {
		return nil, svcerrors.ParseFailed("empty structured reply", nil)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &raw); err == nil {
		return raw, nil
	}
	if err := json5.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, svcerrors.ParseFailed("structured reply is not recoverable JSON", err)
	}
	return raw, nil
}

// fallbackKeywords maps phase names to the signals DetectFallback scans for.
var fallbackKeywords = map[string][]string{
	PhaseAnalysis:     {"analysis", "recommended split", "summary of the codebase"},
	PhaseTaskList:     {"task list", "task breakdown", "subtasks", "parallel groups"},
	PhaseProgress:     {"progress", "working on", "currently"},
	PhaseCompletion:   {"completed", "finished", "done with the task", "task complete"},
	PhaseAggregation:  {"merged", "aggregated", "combining outputs", "conflicts"},
	PhaseVerification: {"verified", "verification", "all checks passed"},
}

// DetectFallback guesses the phase of an unstructured reply. Confidence is
// capped below certainty since no delimited block was found.
func (p *Parser) DetectFallback(text string) (string, float64) {
	lower := strings.ToLower(text)
	bestPhase := ""
	bestHits := 0
	for phase, keywords := range fallbackKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestPhase = phase
		}
	}
	if bestPhase == "" {
		return "", 0
	}
	confidence := 0.3 * float64(bestHits)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return bestPhase, confidence
}
