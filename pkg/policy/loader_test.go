package policy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const sampleRego = `# Keeps experiments small.
# Applies to every backend.

package site.small

import rego.v1

deny contains msg if {
	input.plan.nb_runs > 10
	msg := "too many runs"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.rego")
	writeFile(t, path, sampleRego)

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "small" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Description != "Keeps experiments small. Applies to every backend." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError || !p.Enabled {
		t.Errorf("Severity = %q, Enabled = %v", p.Severity, p.Enabled)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	writeFile(t, good, `{"name": "from-json", "rego": "package a\n", "severity": "warning"}`)
	nameless := filepath.Join(dir, "nameless.json")
	writeFile(t, nameless, `{"rego": "package a\n"}`)

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{good})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	want := []Policy{{Name: "from-json", Rego: "package a\n", Severity: SeverityWarning, Enabled: true}}
	if diff := cmp.Diff(want, policies); diff != "" {
		t.Errorf("policies mismatch (-want +got):\n%s", diff)
	}

	if _, err := l.LoadFromPaths(context.Background(), []string{nameless}); err == nil {
		t.Error("expected error for JSON policy without a name")
	}
}

func TestLoadDirectorySkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "small.rego"), sampleRego)
	writeFile(t, filepath.Join(dir, "broken.json"), `{not json`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sub, "other.json"), `{"name": "other", "rego": "package b\n"}`)

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"other", "small"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingPath(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	if _, err := l.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "small.rego"), sampleRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("small"); err != nil {
		t.Fatal(err)
	}

	// 4 runs pass, 12 do not.
	if _, err := eng.Admit(context.Background(), testPlan(t, nil)); err != nil {
		t.Errorf("small plan rejected: %v", err)
	}
	big := testPlan(t, map[string]interface{}{"replicate_cond.seed": []interface{}{1, 2, 3}})
	if _, err := eng.Admit(context.Background(), big); err == nil {
		t.Error("expected rejection from loaded policy")
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if got := len(eng.ListPolicies()); got != 4 {
		t.Errorf("policies after reload = %d, want 4", got)
	}
}

func TestReloadDropsRemovedFilesAndKeepsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.rego")
	writeFile(t, path, sampleRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := eng.DisablePolicy("run-limits"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("small"); err == nil {
		t.Error("policy of a removed file should be dropped")
	}
	p, err := eng.GetPolicy("run-limits")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("disabled policy re-enabled by reload")
	}
}
