// File: internal/stack/plan_order.go
// Brief: Execution order preview without running anything.

package stack

import (
	"fmt"
	"sort"

	"github.com/example/stackctl/internal/cloud"
)

// ComputeExecutionOrder returns a deterministic topological order for an
// action by draining the same scheduler the engine runs, so the preview
// and the run can never disagree.
func ComputeExecutionOrder(p *Plan, action cloud.Action) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	s := newScheduler(wrapRunNodes(p.Nodes), action, false)
	var out []string
	for {
		node, res := s.next()
		if res != takeOK {
			break
		}
		out = append(out, node.ID)
		s.MarkSucceeded(node.ID)
	}
	if len(out) != len(p.Nodes) {
		return nil, fmt.Errorf("unable to compute order: dependency graph is not fully schedulable")
	}
	return out, nil
}

// ComputeExecutionWaves groups stacks into waves of concurrent execution
// for an action. Delete reverses the edges, so consumers tear down before
// the stacks they read from.
func ComputeExecutionWaves(p *Plan, action cloud.Action) ([][]string, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	ids := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		ids[n.ID] = true
	}
	inDegree := make(map[string]int, len(p.Nodes))
	dependents := make(map[string][]string)
	for _, n := range p.Nodes {
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
		for _, need := range n.Needs {
			if !ids[need] {
				continue
			}
			from, to := need, n.ID
			if action == cloud.ActionDelete {
				from, to = n.ID, need
			}
			dependents[from] = append(dependents[from], to)
			inDegree[to]++
		}
	}

	var waves [][]string
	remaining := len(p.Nodes)
	current := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)
	for len(current) > 0 {
		waves = append(waves, current)
		remaining -= len(current)
		next := make([]string, 0)
		for _, id := range current {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	if remaining != 0 {
		return nil, fmt.Errorf("unable to compute waves: dependency graph is not fully schedulable")
	}
	return waves, nil
}
