// File: cmd/stackctl/stack_cli_test.go
// Brief: Tests for the stack command tree against a fixture project.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProjectFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"project.yaml": `apiVersion: stackctl.dev/v1
kind: Project
name: acme
defaults:
  cloud:
    region: eu-west-1
`,
		"network/vpc/stack.yaml": `apiVersion: stackctl.dev/v1
kind: Stack
template: templates/vpc.yaml
tags:
  layer: network
`,
		"app/api/stack.yaml": `apiVersion: stackctl.dev/v1
kind: Stack
template: templates/api.yaml
dependsOn:
  - network/vpc
tags:
  layer: app
`,
	}
	for rel, body := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStackPlanTableOrdersWaves(t *testing.T) {
	root := writeProjectFixture(t)
	out, err := runCLI(t, "stack", "plan", "--root", root)
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "acme") {
		t.Fatalf("missing project name:\n%s", out)
	}
	vpc := strings.Index(out, "network/vpc")
	api := strings.Index(out, "app/api")
	if vpc < 0 || api < 0 {
		t.Fatalf("missing stacks in plan:\n%s", out)
	}
	if vpc > api {
		t.Fatalf("expected network/vpc before app/api:\n%s", out)
	}
}

func TestStackPlanJSONCarriesWaves(t *testing.T) {
	root := writeProjectFixture(t)
	out, err := runCLI(t, "stack", "plan", "--root", root, "--output", "json")
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	var p struct {
		Nodes []struct {
			ID             string `json:"id"`
			ExecutionGroup int    `json:"executionGroup"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("decode plan json: %v\n%s", err, out)
	}
	if len(p.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(p.Nodes))
	}
	waves := map[string]int{}
	for _, n := range p.Nodes {
		waves[n.ID] = n.ExecutionGroup
	}
	if waves["network/vpc"] != 0 || waves["app/api"] != 1 {
		t.Fatalf("unexpected waves: %v", waves)
	}
}

func TestStackPlanRejectsUnknownOutput(t *testing.T) {
	root := writeProjectFixture(t)
	out, err := runCLI(t, "stack", "plan", "--root", root, "--output", "bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown --output") {
		t.Fatalf("expected unknown output error, got %v\n%s", err, out)
	}
}

func TestStackPlanSelectionNeedsDeps(t *testing.T) {
	root := writeProjectFixture(t)

	if _, err := runCLI(t, "stack", "plan", "--root", root, "--path", "app"); err == nil {
		t.Fatalf("expected missing dependency error")
	}

	out, err := runCLI(t, "stack", "plan", "--root", root, "--path", "app", "--include-deps", "--output", "dirs")
	if err != nil {
		t.Fatalf("plan with deps: %v\n%s", err, out)
	}
	if !strings.Contains(out, "app/api") || !strings.Contains(out, "network/vpc") {
		t.Fatalf("expected both stacks with --include-deps:\n%s", out)
	}

	out, err = runCLI(t, "stack", "plan", "--root", root, "--path", "app", "--allow-missing-deps", "--output", "dirs")
	if err != nil {
		t.Fatalf("plan with pruned deps: %v\n%s", err, out)
	}
	if strings.Contains(out, "network/vpc") {
		t.Fatalf("expected network/vpc pruned:\n%s", out)
	}
}

func TestStackGraphFormats(t *testing.T) {
	root := writeProjectFixture(t)

	out, err := runCLI(t, "stack", "graph", "--root", root)
	if err != nil {
		t.Fatalf("graph: %v\n%s", err, out)
	}
	if !strings.Contains(out, "digraph stackctl") || !strings.Contains(out, `"network/vpc" -> "app/api";`) {
		t.Fatalf("unexpected dot output:\n%s", out)
	}

	out, err = runCLI(t, "stack", "graph", "--root", root, "--format", "order")
	if err != nil {
		t.Fatalf("graph order: %v\n%s", err, out)
	}
	lines := strings.Fields(out)
	if len(lines) != 2 || lines[0] != "network/vpc" || lines[1] != "app/api" {
		t.Fatalf("unexpected create order: %v", lines)
	}

	out, err = runCLI(t, "stack", "graph", "--root", root, "--format", "order", "--action", "delete")
	if err != nil {
		t.Fatalf("graph delete order: %v\n%s", err, out)
	}
	lines = strings.Fields(out)
	if len(lines) != 2 || lines[0] != "app/api" || lines[1] != "network/vpc" {
		t.Fatalf("unexpected delete order: %v", lines)
	}

	out, err = runCLI(t, "stack", "graph", "--root", root, "--format", "waves", "--action", "delete")
	if err != nil {
		t.Fatalf("graph waves: %v\n%s", err, out)
	}
	if !strings.Contains(out, "wave 0: app/api") || !strings.Contains(out, "wave 1: network/vpc") {
		t.Fatalf("unexpected delete waves:\n%s", out)
	}
}

func TestStackDeleteRefusesWithoutConfirmation(t *testing.T) {
	t.Setenv("STACKCTL_YES", "")
	root := writeProjectFixture(t)
	out, err := runCLI(t, "stack", "delete", "--root", root)
	if err == nil || !strings.Contains(err.Error(), "refusing to proceed without confirmation") {
		t.Fatalf("expected confirmation refusal, got %v\n%s", err, out)
	}
}

func TestStackDeletePlanOnlySkipsConfirmation(t *testing.T) {
	t.Setenv("STACKCTL_YES", "")
	root := writeProjectFixture(t)
	out, err := runCLI(t, "stack", "delete", "--root", root, "--plan-only")
	if err != nil {
		t.Fatalf("plan-only delete: %v\n%s", err, out)
	}
	if !strings.Contains(out, "network/vpc") {
		t.Fatalf("expected plan table:\n%s", out)
	}
}

func TestParseVarAssignments(t *testing.T) {
	vars, err := parseVarAssignments([]string{"env=prod", "cidr=10.0.0.0/16", "note=a=b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{"env": "prod", "cidr": "10.0.0.0/16", "note": "a=b"}
	for k, v := range want {
		if vars[k] != v {
			t.Fatalf("var %s: got %q want %q", k, vars[k], v)
		}
	}
	if _, err := parseVarAssignments([]string{"missing"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if _, err := parseVarAssignments([]string{"=value"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestVersionShort(t *testing.T) {
	out, err := runCLI(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected a version string")
	}
}
