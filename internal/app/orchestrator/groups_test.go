package orchestrator

import (
	"reflect"
	"testing"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

func task(id string, deps ...string) TaskItem {
	return TaskItem{ID: id, Title: id, Description: id, Dependencies: deps}
}

func TestBuildParallelGroups(t *testing.T) {
	tasks := []TaskItem{
		task("A"),
		task("B"),
		task("C", "A"),
		task("D", "A", "B"),
		task("E", "D"),
	}
	groups, err := BuildParallelGroups(tasks)
	if err != nil {
		t.Fatalf("BuildParallelGroups() error = %v", err)
	}
	want := [][]string{{"A", "B"}, {"C", "D"}, {"E"}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}
}

func TestBuildParallelGroupsSingleGroup(t *testing.T) {
	groups, err := BuildParallelGroups([]TaskItem{task("A"), task("B"), task("C")})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Errorf("groups = %v, want one group of three", groups)
	}
}

func TestBuildParallelGroupsCycle(t *testing.T) {
	tasks := []TaskItem{
		task("A", "B"),
		task("B", "A"),
	}
	_, err := BuildParallelGroups(tasks)
	if !svcerrors.IsCode(err, svcerrors.ErrCodeDependencyCycle) {
		t.Fatalf("err = %v, want DependencyCycle", err)
	}
}

func TestBuildParallelGroupsUnknownDependency(t *testing.T) {
	_, err := BuildParallelGroups([]TaskItem{task("A", "ghost")})
	if !svcerrors.IsCode(err, svcerrors.ErrCodeDependencyCycle) {
		t.Fatalf("err = %v, want DependencyCycle", err)
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]interface{}{
		"USER_REQUEST": "build the thing",
		"CWD":          "/tmp/repo",
		"ENABLED":      true,
		"DISABLED":     false,
		"TASK_SCOPE":   []string{"a.go", "b.go"},
		"COUNT":        3,
	}

	cases := []struct {
		in   string
		want string
	}{
		{"Request: {USER_REQUEST} in {CWD}", "Request: build the thing in /tmp/repo"},
		{"on={ENABLED} off={DISABLED}", "on=yes off=no"},
		{"scope: {TASK_SCOPE}", "scope: a.go, b.go"},
		{"count: {COUNT}", "count: 3"},
		{"missing: [{NOT_DEFINED}]", "missing: []"},
		{"not a var: {lowercase}", "not a var: {lowercase}"},
	}
	for _, tc := range cases {
		if got := Substitute(tc.in, vars); got != tc.want {
			t.Errorf("Substitute(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
