package stack

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeDemoProject lays out a three-stack project with defaults at the
// root, a defaults-only overlay under network/, and one inferred edge.
func writeDemoProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), `
apiVersion: stackctl.dev/v1
kind: Project
name: acme
defaults:
  cloud: { region: eu-west-1 }
  tags: { team: platform }
  vars: { env_name: dev }
profiles:
  prod:
    defaults:
      cloud: { profile: prod-admin }
      tags: { env: prod }
`)
	writeFile(t, filepath.Join(root, "network", "project.yaml"), `
defaults:
  cloud: { region: us-east-1 }
  tags: { tier: network }
`)
	writeFile(t, filepath.Join(root, "network", "vpc", "stack.yaml"), `
apiVersion: stackctl.dev/v1
kind: Stack
template: vpc.yaml
tags: { tier: vpc }
`)
	writeFile(t, filepath.Join(root, "data", "rds", "stack.yaml"), `
template: rds.yaml
dependsOn: [network/vpc]
parameters:
  DbName: ref://var/env_name
`)
	writeFile(t, filepath.Join(root, "app", "api", "stack.yaml"), `
template: api.yaml
parameters:
  SubnetIds: ref://output/network/vpc::SubnetIds
  DbEndpoint: ref://output/data/rds::Endpoint
`)
	return root
}

func compileDemo(t *testing.T, root string, opts CompileOptions) *Plan {
	t.Helper()
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	p, err := Compile(u, opts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestDiscover_RequiresRootProjectFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "vpc", "stack.yaml"), "template: vpc.yaml\n")
	_, err := Discover(root)
	if err == nil || !strings.Contains(err.Error(), "no project.yaml found at project root") {
		t.Fatalf("err=%v", err)
	}
}

func TestDiscover_ProjectNameFallsBackToDirName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "kind: Project\n")
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if u.ProjectName != filepath.Base(root) {
		t.Fatalf("project name=%q", u.ProjectName)
	}
}

func TestDiscover_SubdirProjectMustBeDefaultsOnly(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"name", "name: oops\n", "name is only allowed in the root project.yaml"},
		{"profiles", "profiles:\n  dev:\n    defaults: {}\n", "profiles are only allowed in the root project.yaml"},
		{"runner", "runner:\n  concurrency: 2\n", "runner settings are only allowed in the root project.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
			writeFile(t, filepath.Join(root, "network", "project.yaml"), tc.yaml)
			_, err := Discover(root)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestDiscover_ValidatesStackFiles(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"wrong kind", "kind: Release\ntemplate: a.yaml\n", "kind must be Stack"},
		{"wrong apiVersion", "apiVersion: other/v2\ntemplate: a.yaml\n", "apiVersion must be stackctl.dev/v1"},
		{"missing template", "name: vpc\n", "template is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
			writeFile(t, filepath.Join(root, "vpc", "stack.yaml"), tc.yaml)
			_, err := Discover(root)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestCompile_CascadeNearestWins(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	vpc := p.Node("network/vpc")
	if vpc == nil {
		t.Fatalf("nodes=%v", p.IDs())
	}
	if vpc.StackName != "acme-network-vpc" {
		t.Fatalf("stackName=%q", vpc.StackName)
	}
	if vpc.Cloud.Region != "us-east-1" {
		t.Fatalf("region=%q, want subdir override", vpc.Cloud.Region)
	}
	if vpc.Tags["team"] != "platform" || vpc.Tags["tier"] != "vpc" {
		t.Fatalf("tags=%v", vpc.Tags)
	}
	if want := filepath.Join(root, "network", "vpc", "vpc.yaml"); vpc.Template != want {
		t.Fatalf("template=%q want=%q", vpc.Template, want)
	}
	if vpc.Vars["env_name"] != "dev" {
		t.Fatalf("vars=%v", vpc.Vars)
	}

	rds := p.Node("data/rds")
	if rds.Cloud.Region != "eu-west-1" {
		t.Fatalf("rds region=%q, want root default", rds.Cloud.Region)
	}
	if len(rds.Needs) != 1 || rds.Needs[0] != "network/vpc" {
		t.Fatalf("rds needs=%v", rds.Needs)
	}
}

func TestCompile_VarOverridesWinOverConfig(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{Vars: map[string]string{"env_name": "staging"}})
	if got := p.Node("data/rds").Vars["env_name"]; got != "staging" {
		t.Fatalf("env_name=%q", got)
	}
}

func TestCompile_ProfileRefinesRootLayer(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{Profile: "prod"})

	vpc := p.Node("network/vpc")
	if vpc.Cloud.Profile != "prod-admin" || vpc.Tags["env"] != "prod" {
		t.Fatalf("cloud=%+v tags=%v", vpc.Cloud, vpc.Tags)
	}
	// Subdirectory defaults still beat the profile overlay.
	if vpc.Cloud.Region != "us-east-1" {
		t.Fatalf("region=%q", vpc.Cloud.Region)
	}
	if p.Profile != "prod" {
		t.Fatalf("plan profile=%q", p.Profile)
	}

	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{Profile: "qa"})
	if err == nil || !strings.Contains(err.Error(), `profile "qa" is not defined`) {
		t.Fatalf("err=%v", err)
	}
}

func TestCompile_Naming(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "network", "vpc", "stack.yaml"), "template: vpc.yaml\n")
	writeFile(t, filepath.Join(root, "db", "stack.yaml"), `
name: data/postgres
stackName: legacy-postgres
template: db.yaml
`)
	p := compileDemo(t, root, CompileOptions{})

	if n := p.Node("network/vpc"); n == nil || n.Name != "network/vpc" {
		t.Fatalf("derived name missing: %v", p.IDs())
	}
	pg := p.Node("data/postgres")
	if pg == nil || pg.StackName != "legacy-postgres" {
		t.Fatalf("explicit naming: %+v", pg)
	}
}

func TestCompile_RootStackMustSetName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "stack.yaml"), "template: root.yaml\n")
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{})
	if err == nil || !strings.Contains(err.Error(), "must set name") {
		t.Fatalf("err=%v", err)
	}
}

func TestCompile_DuplicateStackNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "network", "vpc", "stack.yaml"), "template: vpc.yaml\n")
	writeFile(t, filepath.Join(root, "dup", "stack.yaml"), "name: network/vpc\ntemplate: dup.yaml\n")
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{})
	if err == nil || !strings.Contains(err.Error(), `duplicate stack name "network/vpc"`) {
		t.Fatalf("err=%v", err)
	}
}

func TestCompile_InfersNeedsFromOutputRefs(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	api := p.Node("app/api")
	if got := strings.Join(api.Needs, ","); got != "data/rds,network/vpc" {
		t.Fatalf("api needs=%v", api.Needs)
	}
	if len(api.InferredNeeds) != 2 {
		t.Fatalf("inferred=%v", api.InferredNeeds)
	}
	vpcNeed := api.InferredNeeds[1]
	if vpcNeed.Name != "network/vpc" || len(vpcNeed.Reasons) != 1 {
		t.Fatalf("inferred=%+v", vpcNeed)
	}
	r := vpcNeed.Reasons[0]
	if r.Type != "output" || r.Path != "parameters.SubnetIds" || r.Ref != "ref://output/network/vpc::SubnetIds" {
		t.Fatalf("reason=%+v", r)
	}

	// A var ref resolves at deploy time and adds no edge.
	rds := p.Node("data/rds")
	if len(rds.InferredNeeds) != 0 || len(rds.Needs) != 1 {
		t.Fatalf("rds needs=%v inferred=%v", rds.Needs, rds.InferredNeeds)
	}

	// Waves: vpc before rds before api.
	if p.Node("network/vpc").ExecutionGroup != 0 || rds.ExecutionGroup != 1 || api.ExecutionGroup != 2 {
		t.Fatalf("groups: vpc=%d rds=%d api=%d",
			p.Node("network/vpc").ExecutionGroup, rds.ExecutionGroup, api.ExecutionGroup)
	}
}

func TestCompile_ExternalOutputRefsAddNoEdge(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "app", "stack.yaml"), `
template: app.yaml
parameters:
  HostedZone: ref://xoutput/shared-dns::ZoneId
`)
	p := compileDemo(t, root, CompileOptions{})
	app := p.Node("app")
	if len(app.Needs) != 0 || app.ExecutionGroup != 0 {
		t.Fatalf("needs=%v group=%d", app.Needs, app.ExecutionGroup)
	}
}

func TestCompile_MalformedOutputRefFailsThePlan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "app", "stack.yaml"), `
template: app.yaml
parameters:
  SubnetIds: ref://output/no-key-separator
`)
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{})
	if err == nil || !strings.Contains(err.Error(), "must be <stack>::<output-key>") {
		t.Fatalf("err=%v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "stack app: parameters.SubnetIds") {
		t.Fatalf("err=%v", err)
	}
}

func TestCompile_ReportsEveryUnknownDependency(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "a", "stack.yaml"), "template: a.yaml\ndependsOn: [missing]\n")
	writeFile(t, filepath.Join(root, "b", "stack.yaml"), "template: b.yaml\ndependsOn: [gone]\n")
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{})
	if err == nil {
		t.Fatal("expected unknown dependency errors")
	}
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("err type: %v", err)
	}
	for _, want := range []string{`depends on "missing"`, `depends on "gone"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v missing %q", err, want)
		}
	}
}

func TestCompile_ReportsCyclesWithEdgeHints(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.yaml"), "name: acme\n")
	writeFile(t, filepath.Join(root, "a", "stack.yaml"), "template: a.yaml\ndependsOn: [b]\n")
	writeFile(t, filepath.Join(root, "b", "stack.yaml"), "template: b.yaml\ndependsOn: [a]\n")
	u, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err = Compile(u, CompileOptions{})
	var cyclic *CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("err=%v", err)
	}
	if len(cyclic.Path) != 2 {
		t.Fatalf("path=%v", cyclic.Path)
	}
	if !strings.Contains(err.Error(), "dependency cycle detected") || !strings.Contains(err.Error(), "(declared)") {
		t.Fatalf("err=%v", err)
	}
}

func TestSelect_DefaultsToWholeProject(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	sel, err := Select(p, Selector{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Nodes) != 3 {
		t.Fatalf("selected=%v", sel.IDs())
	}
	for _, n := range sel.Nodes {
		if len(n.SelectedBy) != 1 || n.SelectedBy[0] != "default:all" {
			t.Fatalf("%s selectedBy=%v", n.ID, n.SelectedBy)
		}
	}
}

func TestSelect_ByNameTagAndPath(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	if _, err := Select(p, Selector{Names: []string{"nope"}}); err == nil ||
		!strings.Contains(err.Error(), `unknown stack "nope"`) {
		t.Fatalf("err=%v", err)
	}

	byTag, err := Select(p, Selector{Tags: []string{"tier=vpc"}})
	if err != nil {
		t.Fatalf("select by tag: %v", err)
	}
	if len(byTag.Nodes) != 1 || byTag.Nodes[0].ID != "network/vpc" {
		t.Fatalf("byTag=%v", byTag.IDs())
	}
	if got := byTag.Nodes[0].SelectedBy; len(got) != 1 || got[0] != "explicit:tag:tier=vpc" {
		t.Fatalf("selectedBy=%v", got)
	}

	// Bare tag keys match any value; the root default tags every stack.
	all, err := Select(p, Selector{Tags: []string{"team"}})
	if err != nil {
		t.Fatalf("select by bare tag: %v", err)
	}
	if len(all.Nodes) != 3 {
		t.Fatalf("bare tag=%v", all.IDs())
	}

	byPath, err := Select(p, Selector{Paths: []string{"network"}})
	if err != nil {
		t.Fatalf("select by path: %v", err)
	}
	if len(byPath.Nodes) != 1 || byPath.Nodes[0].ID != "network/vpc" {
		t.Fatalf("byPath=%v", byPath.IDs())
	}
}

func TestSelect_CommaSeparatedSelectorsUnion(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	sel, err := Select(p, Selector{Names: []string{"network/vpc,data/rds"}, IncludeDeps: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := strings.Join(sel.IDs(), ","); got != "data/rds,network/vpc" {
		t.Fatalf("selected=%v", sel.IDs())
	}
}

func TestSelect_MissingDepsNeedExpansion(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	_, err := Select(p, Selector{Names: []string{"app/api"}})
	if err == nil || !strings.Contains(err.Error(), "rerun with --include-deps") {
		t.Fatalf("err=%v", err)
	}

	sel, err := Select(p, Selector{Names: []string{"app/api"}, IncludeDeps: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Nodes) != 3 {
		t.Fatalf("selected=%v", sel.IDs())
	}
	rds := sel.Node("data/rds")
	if len(rds.SelectedBy) != 1 || rds.SelectedBy[0] != "expand:dep-of:app/api" {
		t.Fatalf("rds selectedBy=%v", rds.SelectedBy)
	}
}

func TestSelect_IncludeDependentsPullsConsumers(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	sel, err := Select(p, Selector{Names: []string{"network/vpc"}, IncludeDependents: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Nodes) != 3 {
		t.Fatalf("selected=%v", sel.IDs())
	}
	api := sel.Node("app/api")
	if len(api.SelectedBy) != 1 || api.SelectedBy[0] != "expand:dependent-of:network/vpc" {
		t.Fatalf("api selectedBy=%v", api.SelectedBy)
	}
}

func TestSelect_AllowMissingDepsPrunesNeeds(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	sel, err := Select(p, Selector{Names: []string{"app/api"}, AllowMissingDeps: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Nodes) != 1 {
		t.Fatalf("selected=%v", sel.IDs())
	}
	api := sel.Nodes[0]
	if len(api.Needs) != 0 || api.ExecutionGroup != 0 {
		t.Fatalf("needs=%v group=%d", api.Needs, api.ExecutionGroup)
	}
	// The original plan keeps its edges.
	if got := p.Node("app/api").Needs; len(got) != 2 {
		t.Fatalf("source plan mutated: %v", got)
	}
}

func TestSelect_DoesNotMutateSourcePlan(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	if _, err := Select(p, Selector{Tags: []string{"tier=vpc"}}); err != nil {
		t.Fatalf("select: %v", err)
	}
	for _, n := range p.Nodes {
		if len(n.SelectedBy) != 0 {
			t.Fatalf("%s selectedBy=%v on source plan", n.ID, n.SelectedBy)
		}
	}
}

func TestBuildGraph_TransitiveClosures(t *testing.T) {
	root := writeDemoProject(t)
	p := compileDemo(t, root, CompileOptions{})

	g, err := BuildGraph(p)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if got := strings.Join(g.DepsOf("app/api"), ","); got != "data/rds,network/vpc" {
		t.Fatalf("deps=%q", got)
	}
	if got := strings.Join(g.DependentsOf("network/vpc"), ","); got != "app/api,data/rds" {
		t.Fatalf("dependents=%q", got)
	}
	edges := g.Edges()
	if len(edges) != 3 {
		t.Fatalf("edges=%v", edges)
	}
}
