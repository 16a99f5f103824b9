// File: internal/stack/dag.go
// Brief: DAG validation and stable execution grouping.

package stack

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// validateGraph checks every dependency edge and assigns execution
// groups. Every unknown dependency is reported together in one error;
// cycles are reported with a full path once the edges all resolve.
func validateGraph(p *Plan) error {
	var unknown []error
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, n := range p.Nodes {
		inDegree[n.ID] = 0
	}
	for _, n := range p.Nodes {
		for _, depName := range n.Needs {
			dep := p.Node(depName)
			if dep == nil {
				unknown = append(unknown, &UnknownDependencyError{Stack: n.ID, Dependency: depName})
				continue
			}
			inDegree[n.ID]++
			dependents[dep.ID] = append(dependents[dep.ID], n.ID)
		}
	}
	if len(unknown) > 0 {
		return errors.Join(unknown...)
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}

	ready := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	group := 0
	assigned := 0
	for len(ready) > 0 {
		wave := append([]string(nil), ready...)
		ready = ready[:0]
		for _, id := range wave {
			node := p.Node(id)
			if node == nil {
				return fmt.Errorf("internal error: missing node %s", id)
			}
			node.ExecutionGroup = group
			assigned++
		}
		for _, id := range wave {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					ready = append(ready, depID)
				}
			}
		}
		sort.Strings(ready)
		group++
	}
	if assigned != len(p.Nodes) {
		var stuck []string
		for _, n := range p.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		sort.Strings(stuck)
		if cycle := findCyclePath(stuck, dependents, inDegree); len(cycle) > 0 {
			return &CyclicDependencyError{Path: cycle, Edges: cycleEdges(p, cycle)}
		}
		return &CyclicDependencyError{Path: stuck}
	}
	return nil
}

func findCyclePath(stuck []string, dependents map[string][]string, inDegree map[string]int) []string {
	// Build deps from dependents (reverse edge: dep -> dependent).
	deps := map[string][]string{}
	for dep, outs := range dependents {
		for _, to := range outs {
			deps[to] = append(deps[to], dep)
		}
	}
	stuckSet := map[string]struct{}{}
	for _, id := range stuck {
		stuckSet[id] = struct{}{}
	}
	vis := map[string]bool{}
	onStack := map[string]bool{}
	var stack []string
	var cycle []string
	var dfs func(string) bool
	dfs = func(id string) bool {
		if _, ok := stuckSet[id]; !ok {
			return false
		}
		vis[id] = true
		onStack[id] = true
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, ok := stuckSet[dep]; !ok {
				continue
			}
			if !vis[dep] {
				if dfs(dep) {
					return true
				}
				continue
			}
			if onStack[dep] {
				// Extract cycle from dep to end.
				idx := -1
				for i := range stack {
					if stack[i] == dep {
						idx = i
						break
					}
				}
				if idx >= 0 {
					cycle = append([]string(nil), stack[idx:]...)
				} else {
					cycle = []string{dep, id}
				}
				return true
			}
		}
		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}
	for _, id := range stuck {
		if inDegree[id] <= 0 || vis[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}
	return cycle
}

// cycleEdges annotates each edge on the cycle with how it came to exist:
// declared in dependsOn, inferred from output refs, or both.
func cycleEdges(p *Plan, cycle []string) []string {
	var edges []string
	for i := range cycle {
		from := p.Node(cycle[i])
		to := p.Node(cycle[(i+1)%len(cycle)])
		if from == nil || to == nil {
			continue
		}
		hint := edgeHint(from, to.ID)
		if hint == "" {
			hint = "declared"
		}
		edges = append(edges, fmt.Sprintf("%s -> %s (%s)", from.ID, to.ID, hint))
	}
	return edges
}

func edgeHint(from *ResolvedStack, depName string) string {
	if from == nil || depName == "" {
		return ""
	}
	declared := false
	for _, d := range from.DependsOn {
		if d == depName {
			declared = true
			break
		}
	}
	inferred := ""
	for _, inf := range from.InferredNeeds {
		if inf.Name != depName {
			continue
		}
		types := map[string]struct{}{}
		for _, r := range inf.Reasons {
			if r.Type != "" {
				types[r.Type] = struct{}{}
			}
		}
		if len(types) == 0 {
			inferred = "inferred"
			break
		}
		var out []string
		for t := range types {
			out = append(out, t)
		}
		sort.Strings(out)
		inferred = strings.Join(out, "+")
		break
	}
	switch {
	case declared && inferred != "":
		return "declared+" + inferred
	case declared:
		return "declared"
	default:
		return inferred
	}
}
