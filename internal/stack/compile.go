// File: internal/stack/compile.go
// Brief: Compiler: discovery + merge + validation into a resolved plan.

package stack

import (
	"fmt"
	"maps"
	"path/filepath"
	"sort"
	"strings"
)

type CompileOptions struct {
	Profile string
	// Vars are --var overrides, merged over config vars on every stack.
	Vars map[string]string
}

// Compile flattens the discovered universe into a validated plan for one
// profile. Graph validation reports every unknown dependency and cycle it
// finds, not just the first.
func Compile(u *Universe, opts CompileOptions) (*Plan, error) {
	profile := strings.TrimSpace(opts.Profile)
	if profile == "" {
		profile = strings.TrimSpace(u.DefaultProfile)
	}
	if profile != "" {
		if _, ok := u.Project.Profiles[profile]; !ok {
			return nil, fmt.Errorf("profile %q is not defined in project.yaml", profile)
		}
	}

	nodes := make([]*ResolvedStack, 0, len(u.Stacks))
	for _, ds := range u.Stacks {
		node, err := resolveStack(u, ds, profile, opts.Vars)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	seen := map[string]string{}
	for _, n := range nodes {
		if prev, ok := seen[n.ID]; ok {
			return nil, fmt.Errorf("duplicate stack name %q (%s and %s)", n.ID, prev, n.Dir)
		}
		seen[n.ID] = n.Dir
	}

	p := &Plan{
		StackRoot:   u.RootDir,
		ProjectName: u.ProjectName,
		Profile:     profile,
		Nodes:       nodes,
		Runner:      u.Project.Runner,
		Resolvers:   u.Project.Resolvers,
	}
	p.reindex()

	if err := inferNeeds(p); err != nil {
		return nil, err
	}
	if err := validateGraph(p); err != nil {
		return nil, err
	}
	return p, nil
}

func resolveStack(u *Universe, ds discoveredStack, profile string, vars map[string]string) (*ResolvedStack, error) {
	n := &ResolvedStack{Dir: ds.Dir}

	chain, err := defaultsChain(u, ds.Dir)
	if err != nil {
		return nil, err
	}
	for _, dir := range chain {
		if d, ok := u.Defaults[dir]; ok {
			mergeDefaults(n, d)
		}
		// Profile defaults refine the root layer before subdirectory
		// defaults apply.
		if profile != "" && samePath(dir, u.RootDir) {
			if sp, ok := u.Project.Profiles[profile]; ok {
				mergeDefaults(n, sp.Defaults)
			}
		}
	}
	mergeStackOverride(n, ds.Dir, ds.File)
	if len(vars) > 0 {
		if n.Vars == nil {
			n.Vars = map[string]string{}
		}
		maps.Copy(n.Vars, vars)
	}

	rel, err := filepath.Rel(u.RootDir, ds.Dir)
	if err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(rel)
	if strings.TrimSpace(n.Name) == "" {
		if rel == "." {
			return nil, fmt.Errorf("%s: a stack at the project root must set name", ds.Dir)
		}
		n.Name = rel
	}
	n.ID = n.Name
	if strings.TrimSpace(n.StackName) == "" {
		n.StackName = defaultStackName(u.ProjectName, n.Name)
	}
	return n, nil
}

// defaultStackName derives the control-plane stack name from the project
// and logical names, normalized to the allowed character set.
func defaultStackName(project, name string) string {
	return strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(project + "-" + name)
}

func defaultsChain(u *Universe, dir string) ([]string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root := filepath.Clean(u.RootDir)
	cur := filepath.Clean(absDir)
	var chain []string
	for {
		chain = append(chain, cur)
		if cur == root {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("stack %s is outside project root %s", absDir, root)
		}
		cur = parent
	}
	// Root-to-leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
