package templates

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore("", t.TempDir(), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
}

func customTemplate(id, extends string, maxWorkers int) map[string]interface{} {
	raw := map[string]interface{}{
		"id":   id,
		"name": id,
	}
	if extends != "" {
		raw["extends"] = extends
	}
	if maxWorkers > 0 {
		raw["config"] = map[string]interface{}{"maxWorkers": maxWorkers}
	}
	return raw
}

func TestInheritanceOverridesScalar(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(customTemplate("docs", "_default", 8)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	resolved, err := s.Resolve("docs")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Config.MaxWorkers != 8 {
		t.Errorf("maxWorkers = %d, want 8", resolved.Config.MaxWorkers)
	}
	// Everything not overridden is inherited unchanged.
	base, _ := s.Resolve("_default")
	if resolved.Delimiters != base.Delimiters {
		t.Errorf("delimiters = %+v, want inherited %+v", resolved.Delimiters, base.Delimiters)
	}
	if resolved.Config.WorkerTimeoutMs != base.Config.WorkerTimeoutMs {
		t.Errorf("workerTimeout = %d, want inherited %d", resolved.Config.WorkerTimeoutMs, base.Config.WorkerTimeoutMs)
	}
}

func TestDeepMergeArraysReplaceObjectsMerge(t *testing.T) {
	parent := map[string]interface{}{
		"config": map[string]interface{}{"a": 1.0, "b": 2.0},
		"list":   []interface{}{"x", "y"},
	}
	child := map[string]interface{}{
		"config": map[string]interface{}{"b": 3.0},
		"list":   []interface{}{"z"},
	}
	merged := deepMerge(parent, child)

	cfg := merged["config"].(map[string]interface{})
	if cfg["a"] != 1.0 || cfg["b"] != 3.0 {
		t.Errorf("object merge = %v, want a=1 b=3", cfg)
	}
	if !reflect.DeepEqual(merged["list"], []interface{}{"z"}) {
		t.Errorf("array merge = %v, want wholesale replacement", merged["list"])
	}
}

func TestCyclicInheritance(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(customTemplate("a", "_default", 2)); err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	if _, err := s.Create(customTemplate("b", "a", 0)); err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	// Rewriting a to extend b closes the loop.
	_, err := s.Update("a", customTemplate("a", "b", 2))
	if !svcerrors.IsCode(err, svcerrors.ErrCodeCyclicTemplate) {
		t.Fatalf("Update() error = %v, want CyclicInheritance", err)
	}
	// The failed update rolled back; a still resolves.
	if _, err := s.Resolve("a"); err != nil {
		t.Errorf("Resolve(a) after failed update: %v", err)
	}
}

func TestSystemTemplatesImmutable(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Update("_default", customTemplate("_default", "", 9)); !svcerrors.IsCode(err, svcerrors.ErrCodeImmutable) {
		t.Errorf("Update(_default) error = %v, want ImmutableSystemTemplate", err)
	}
	if err := s.Delete("_default"); !svcerrors.IsCode(err, svcerrors.ErrCodeImmutable) {
		t.Errorf("Delete(_default) error = %v, want ImmutableSystemTemplate", err)
	}
}

func TestDeleteParentStillReferenced(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(customTemplate("parent", "_default", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(customTemplate("child", "parent", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("parent"); !svcerrors.IsCode(err, svcerrors.ErrCodeStillReferenced) {
		t.Fatalf("Delete(parent) error = %v, want StillReferenced", err)
	}
	if err := s.Delete("child"); err != nil {
		t.Fatalf("Delete(child) error = %v", err)
	}
	if err := s.Delete("parent"); err != nil {
		t.Fatalf("Delete(parent) after child removed: %v", err)
	}
}

func TestPersistedTemplateRoundTrips(t *testing.T) {
	userDir := t.TempDir()
	s := NewStore("", userDir, nil)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(customTemplate("docs", "_default", 8)); err != nil {
		t.Fatal(err)
	}
	want, err := s.Resolve("docs")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same directory resolves the identical tree.
	s2 := NewStore("", userDir, nil)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Resolve("docs")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("resolved template changed across reload:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestDuplicate(t *testing.T) {
	s := newTestStore(t)
	tmpl, err := s.Duplicate("_default", "My Copy")
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if tmpl.ID != "my-copy" {
		t.Errorf("duplicate id = %q, want my-copy", tmpl.ID)
	}
	if tmpl.System {
		t.Error("duplicate of a system template is still marked system")
	}
	if tmpl.Config.MaxWorkers != 5 {
		t.Errorf("duplicate lost config: maxWorkers = %d", tmpl.Config.MaxWorkers)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(customTemplate("dup", "_default", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(customTemplate("dup", "_default", 3)); !svcerrors.IsCode(err, svcerrors.ErrCodeConflict) {
		t.Errorf("second Create() error = %v, want Conflict", err)
	}
}

func TestValidationRejectsBadTemplates(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"missing name", map[string]interface{}{
			"id": "bad1", "extends": "_default", "name": "",
		}},
		{"workers out of range", map[string]interface{}{
			"id": "bad2", "name": "bad2", "extends": "_default",
			"config": map[string]interface{}{"maxWorkers": 100},
		}},
		{"empty delimiters", map[string]interface{}{
			"id": "bad3", "name": "bad3", "extends": "_default",
			"delimiters": map[string]interface{}{"start": "", "end": ""},
		}},
		{"unknown phase", map[string]interface{}{
			"id": "bad4", "name": "bad4", "extends": "_default",
			"phases": map[string]interface{}{"mystery": map[string]interface{}{}},
		}},
	}
	for _, tc := range cases {
		if _, err := s.Create(tc.raw); err == nil {
			t.Errorf("%s: Create() succeeded, want validation failure", tc.name)
		}
	}
}

func TestLoadReadsUserDirectory(t *testing.T) {
	userDir := t.TempDir()
	raw, _ := json.Marshal(customTemplate("ondisk", "_default", 3))
	if err := os.WriteFile(filepath.Join(userDir, "ondisk.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore("", userDir, nil)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	tmpl, err := s.Resolve("ondisk")
	if err != nil {
		t.Fatalf("Resolve(ondisk) error = %v", err)
	}
	if tmpl.Config.MaxWorkers != 3 {
		t.Errorf("maxWorkers = %d, want 3", tmpl.Config.MaxWorkers)
	}
	if tmpl.System {
		t.Error("user-directory template marked system")
	}
}
