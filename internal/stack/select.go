// File: internal/stack/select.go
// Brief: Selection engine + reason tracking.

package stack

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type Selector struct {
	Tags  []string
	Paths []string
	Names []string

	IncludeDeps       bool
	IncludeDependents bool

	// AllowMissingDeps relaxes validation and treats missing needs as "skipped":
	// the selected plan is pruned so nodes only depend on other selected nodes.
	AllowMissingDeps bool
}

func Select(p *Plan, sel Selector) (*Plan, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	normalizedTags := normalizeStrings(sel.Tags)
	normalizedPaths, err := normalizePaths(p.StackRoot, sel.Paths)
	if err != nil {
		return nil, err
	}
	normalizedNames := normalizeStrings(sel.Names)

	// If no selectors are provided, default to the whole project.
	hasAnySelector := len(normalizedTags) > 0 || len(normalizedPaths) > 0 || len(normalizedNames) > 0
	selectedIDs := map[string]struct{}{}
	reasonsByID := map[string][]string{}

	if !hasAnySelector {
		for _, n := range p.Nodes {
			selectedIDs[n.ID] = struct{}{}
			reasonsByID[n.ID] = append(reasonsByID[n.ID], "default:all")
		}
	} else {
		if len(normalizedTags) > 0 {
			for _, n := range p.Nodes {
				for _, want := range normalizedTags {
					if matchTag(n.Tags, want) {
						selectedIDs[n.ID] = struct{}{}
						reasonsByID[n.ID] = append(reasonsByID[n.ID], "explicit:tag:"+want)
						break
					}
				}
			}
		}

		if len(normalizedPaths) > 0 {
			for _, n := range p.Nodes {
				relDir, _ := filepath.Rel(p.StackRoot, n.Dir)
				absDir, _ := filepath.Abs(n.Dir)
				for _, want := range normalizedPaths {
					if isUnder(absDir, want) {
						selectedIDs[n.ID] = struct{}{}
						reasonsByID[n.ID] = append(reasonsByID[n.ID], "explicit:path:"+filepath.ToSlash(relDir))
						break
					}
				}
			}
		}

		if len(normalizedNames) > 0 {
			for _, name := range normalizedNames {
				n := p.Node(name)
				if n == nil {
					return nil, fmt.Errorf("unknown stack %q", name)
				}
				selectedIDs[n.ID] = struct{}{}
				reasonsByID[n.ID] = append(reasonsByID[n.ID], "explicit:name:"+name)
			}
		}
	}

	if sel.IncludeDeps || sel.IncludeDependents {
		g, err := BuildGraph(p)
		if err != nil {
			return nil, err
		}
		if sel.IncludeDeps {
			for id := range cloneSet(selectedIDs) {
				for _, depID := range g.DepsOf(id) {
					if _, ok := selectedIDs[depID]; ok {
						continue
					}
					selectedIDs[depID] = struct{}{}
					reasonsByID[depID] = append(reasonsByID[depID], "expand:dep-of:"+id)
				}
			}
		}
		if sel.IncludeDependents {
			for id := range cloneSet(selectedIDs) {
				for _, depID := range g.DependentsOf(id) {
					if _, ok := selectedIDs[depID]; ok {
						continue
					}
					selectedIDs[depID] = struct{}{}
					reasonsByID[depID] = append(reasonsByID[depID], "expand:dependent-of:"+id)
				}
			}
		}
	}

	outNodes := make([]*ResolvedStack, 0, len(selectedIDs))
	for _, n := range p.Nodes {
		if _, ok := selectedIDs[n.ID]; ok {
			cp := *n
			cp.SelectedBy = dedupeStrings(reasonsByID[n.ID])
			outNodes = append(outNodes, &cp)
		}
	}

	out := &Plan{
		ProjectName: p.ProjectName,
		Profile:     p.Profile,
		StackRoot:   p.StackRoot,
		Nodes:       outNodes,
		Runner:      p.Runner,
		Resolvers:   p.Resolvers,
	}
	out.reindex()

	if sel.AllowMissingDeps {
		pruneMissingNeeds(out)
	} else {
		// Missing deps are user error when not expanded.
		if err := validateSelectedNeeds(out); err != nil {
			return nil, err
		}
	}
	// Recompute waves for the selected graph.
	if err := validateGraph(out); err != nil {
		return nil, err
	}
	return out, nil
}

func pruneMissingNeeds(p *Plan) {
	for _, n := range p.Nodes {
		if len(n.Needs) == 0 {
			continue
		}
		out := make([]string, 0, len(n.Needs))
		for _, dep := range n.Needs {
			if p.Node(dep) != nil {
				out = append(out, dep)
			}
		}
		n.Needs = out
	}
}

func validateSelectedNeeds(p *Plan) error {
	for _, n := range p.Nodes {
		for _, dep := range n.Needs {
			if p.Node(dep) == nil {
				return fmt.Errorf("selected stack %s needs %q which is not selected (rerun with --include-deps)", n.ID, dep)
			}
		}
	}
	return nil
}

func normalizeStrings(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizePaths(root string, in []string) ([]string, error) {
	var out []string
	for _, p := range normalizeStrings(in) {
		abs := p
		if !filepath.IsAbs(p) {
			abs = filepath.Join(root, p)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.Clean(abs))
	}
	return out, nil
}

// matchTag accepts either a bare tag key or key=value.
func matchTag(tags map[string]string, want string) bool {
	key, val, hasVal := strings.Cut(want, "=")
	got, ok := tags[key]
	if !ok {
		return false
	}
	return !hasVal || got == val
}

func isUnder(path string, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
