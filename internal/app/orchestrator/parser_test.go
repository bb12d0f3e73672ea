package orchestrator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/internal/app/templates"
)

func testParser() *Parser {
	return NewParser(templates.DefaultDelimiters)
}

func TestParseRecoversSloppyJSON(t *testing.T) {
	p := testParser()
	fragment := "pre <<<ORCHESTRATOR_RESPONSE>>>\n{phase:'analysis', data:{summary:\"ok\", recommended_splits:3,},}\n<<<END_ORCHESTRATOR_RESPONSE>>> post"

	parsed, err := p.Parse(fragment)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !parsed.Found {
		t.Fatal("Parse() found = false")
	}
	if parsed.Phase != "analysis" {
		t.Errorf("phase = %q, want analysis", parsed.Phase)
	}
	if parsed.BeforeText != "pre " {
		t.Errorf("beforeText = %q, want %q", parsed.BeforeText, "pre ")
	}
	if parsed.AfterText != " post" {
		t.Errorf("afterText = %q, want %q", parsed.AfterText, " post")
	}
	analysis, ok := parsed.Typed.(AnalysisData)
	if !ok {
		t.Fatalf("typed payload = %T, want AnalysisData", parsed.Typed)
	}
	if analysis.Summary != "ok" || analysis.RecommendedSplits != 3 {
		t.Errorf("analysis = %+v", analysis)
	}
}

func TestParseTolleratesCommentsAndTrailingCommas(t *testing.T) {
	p := testParser()
	fragment := `<<<ORCHESTRATOR_RESPONSE>>>
{
  // progress report
  phase: 'progress',
  data: {
    task_id: "t1",
    status: "working",
    progress_percent: 40,
  },
}
<<<END_ORCHESTRATOR_RESPONSE>>>`

	parsed, err := p.Parse(fragment)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	progress := parsed.Typed.(ProgressData)
	if progress.TaskID != "t1" || *progress.ProgressPercent != 40 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestParseNoDelimitersReturnsNil(t *testing.T) {
	p := testParser()
	parsed, err := p.Parse("just chatting, no structure here")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed != nil {
		t.Fatalf("Parse() = %+v, want nil", parsed)
	}
}

func TestParseUnrecoverablePayload(t *testing.T) {
	p := testParser()
	fragment := "<<<ORCHESTRATOR_RESPONSE>>>{{{{<<<END_ORCHESTRATOR_RESPONSE>>>"
	_, err := p.Parse(fragment)
	if !svcerrors.IsCode(err, svcerrors.ErrCodeParseFailed) {
		t.Fatalf("err = %v, want ParseFailed", err)
	}
}

func TestParseValidatesPhaseSchema(t *testing.T) {
	p := testParser()
	cases := []struct {
		name    string
		payload string
	}{
		{"analysis missing summary", `{"phase":"analysis","data":{"recommended_splits":2}}`},
		{"task missing title", `{"phase":"task_list","data":{"tasks":[{"id":"a","description":"d"}]}}`},
		{"duplicate task ids", `{"phase":"task_list","data":{"tasks":[
			{"id":"a","title":"t","description":"d"},
			{"id":"a","title":"t2","description":"d2"}]}}`},
		{"progress percent out of range", `{"phase":"progress","data":{"task_id":"a","status":"x","progress_percent":150}}`},
		{"completion bad status", `{"phase":"completion","data":{"task_id":"a","status":"maybe"}}`},
		{"verification bad status", `{"phase":"verification","data":{"status":"unsure"}}`},
		{"unknown phase", `{"phase":"daydream","data":{}}`},
	}
	for _, tc := range cases {
		fragment := templates.DefaultDelimiters.Start + tc.payload + templates.DefaultDelimiters.End
		if _, err := p.Parse(fragment); err == nil {
			t.Errorf("%s: Parse() succeeded, want validation failure", tc.name)
		}
	}
}

func TestParseMultiple(t *testing.T) {
	p := testParser()
	block := func(payload string) string {
		return templates.DefaultDelimiters.Start + payload + templates.DefaultDelimiters.End
	}
	text := "a " +
		block(`{"phase":"progress","data":{"task_id":"t1","status":"working"}}`) +
		" b " +
		block(`{"phase":"completion","data":{"task_id":"t1","status":"success"}}`) +
		" c"

	all := p.ParseMultiple(text)
	if len(all) != 2 {
		t.Fatalf("ParseMultiple() len = %d, want 2", len(all))
	}
	if all[0].Phase != PhaseProgress || all[1].Phase != PhaseCompletion {
		t.Errorf("phases = %s, %s", all[0].Phase, all[1].Phase)
	}
}

func TestRoundTripAllPhases(t *testing.T) {
	p := testParser()

	payloads := map[string]PhasePayload{
		PhaseAnalysis:     AnalysisData{Summary: "s", RecommendedSplits: 2, KeyFiles: []string{"a.go"}},
		PhaseTaskList:     TaskListData{Tasks: []TaskItem{{ID: "t1", Title: "T", Description: "D"}}},
		PhaseProgress:     ProgressData{TaskID: "t1", Status: "working", ProgressPercent: intPtr(50)},
		PhaseCompletion:   CompletionData{TaskID: "t1", Status: "success", OutputFiles: []string{"out.md"}},
		PhaseAggregation:  AggregationData{Status: "success", MergedOutput: "done"},
		PhaseVerification: VerificationData{Status: "passed"},
	}

	for phase, data := range payloads {
		buf, err := json.Marshal(map[string]interface{}{"phase": phase, "data": data})
		if err != nil {
			t.Fatal(err)
		}
		fragment := fmt.Sprintf("%s%s%s", templates.DefaultDelimiters.Start, buf, templates.DefaultDelimiters.End)
		parsed, err := p.Parse(fragment)
		if err != nil {
			t.Fatalf("%s: Parse() error = %v", phase, err)
		}
		if parsed.Phase != phase {
			t.Errorf("%s: phase = %q", phase, parsed.Phase)
		}
		if !reflect.DeepEqual(parsed.Typed, data) {
			t.Errorf("%s: round trip mismatch\nwant %+v\ngot  %+v", phase, data, parsed.Typed)
		}
	}
}

func TestDetectFallback(t *testing.T) {
	p := testParser()

	phase, confidence := p.DetectFallback("I've finished. The task is completed and everything is done with the task.")
	if phase != PhaseCompletion {
		t.Errorf("phase = %q, want completion", phase)
	}
	if confidence <= 0 || confidence > 0.9 {
		t.Errorf("confidence = %f, want (0, 0.9]", confidence)
	}

	phase, confidence = p.DetectFallback("xyzzy")
	if phase != "" || confidence != 0 {
		t.Errorf("no-signal fallback = (%q, %f), want empty", phase, confidence)
	}
}

func intPtr(v int) *int { return &v }
