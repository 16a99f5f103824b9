// File: internal/stack/infer_refs.go
// Brief: Dependency inference from output references.

package stack

import (
	"fmt"
	"sort"

	"github.com/example/stackctl/internal/resolver"
)

// inferNeeds scans every stack's parameters and user data for same-run
// output references and turns them into dependency edges, recording why
// each edge exists. Reference syntax errors surface here so a malformed
// ref fails the plan instead of the run.
func inferNeeds(p *Plan) error {
	for _, n := range p.Nodes {
		found := map[string]*InferredNeed{}
		if err := scanOutputRefs("parameters", n.Parameters, found); err != nil {
			return fmt.Errorf("stack %s: %w", n.ID, err)
		}
		if err := scanOutputRefs("userData", n.UserData, found); err != nil {
			return fmt.Errorf("stack %s: %w", n.ID, err)
		}
		names := make([]string, 0, len(found))
		for name := range found {
			names = append(names, name)
		}
		sort.Strings(names)
		n.InferredNeeds = nil
		for _, name := range names {
			need := found[name]
			sort.Slice(need.Reasons, func(i, j int) bool {
				return need.Reasons[i].Path < need.Reasons[j].Path
			})
			n.InferredNeeds = append(n.InferredNeeds, *need)
		}
		n.Needs = unionNeeds(n.DependsOn, names)
	}
	return nil
}

func scanOutputRefs(path string, value any, found map[string]*InferredNeed) error {
	switch typed := value.(type) {
	case map[string]any:
		for k, v := range typed {
			if err := scanOutputRefs(path+"."+k, v, found); err != nil {
				return err
			}
		}
	case map[any]any:
		for k, v := range typed {
			if err := scanOutputRefs(fmt.Sprintf("%s.%v", path, k), v, found); err != nil {
				return err
			}
		}
	case []any:
		for i, v := range typed {
			if err := scanOutputRefs(fmt.Sprintf("%s[%d]", path, i), v, found); err != nil {
				return err
			}
		}
	case string:
		ref, ok, err := resolver.ParseRef(typed)
		if !ok {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if ref.Resolver != "output" {
			return nil
		}
		stackName, _, err := resolver.SplitOutputArg(ref.Arg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		need, ok := found[stackName]
		if !ok {
			need = &InferredNeed{Name: stackName}
			found[stackName] = need
		}
		need.Reasons = append(need.Reasons, InferredReason{Type: "output", Ref: typed, Path: path})
	}
	return nil
}

// unionNeeds keeps declared order first, then inferred names, dropping
// duplicates.
func unionNeeds(declared, inferred []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(declared)+len(inferred))
	for _, list := range [][]string{declared, inferred} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
