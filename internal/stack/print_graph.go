// File: internal/stack/print_graph.go
// Brief: Graph printing for plan debugging.

package stack

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

func PrintGraphDOT(w io.Writer, p *Plan) error {
	g, err := BuildGraph(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "digraph stackctl {")
	fmt.Fprintln(w, "  rankdir=LR;")
	fmt.Fprintln(w, "  node [shape=box];")

	byRegion := map[string][]*ResolvedStack{}
	for _, n := range p.Nodes {
		byRegion[n.Cloud.Region] = append(byRegion[n.Cloud.Region], n)
	}
	regions := make([]string, 0, len(byRegion))
	for r := range byRegion {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	for _, r := range regions {
		label := r
		if label == "" {
			label = "default"
		}
		fmt.Fprintf(w, "  subgraph \"cluster_%s\" {\n", safeID(label))
		fmt.Fprintf(w, "    label=\"region %s\";\n", label)
		for _, n := range byRegion[r] {
			fmt.Fprintf(w, "    \"%s\" [label=\"%s\\n%s\"];\n", n.ID, n.Name, n.StackName)
		}
		fmt.Fprintln(w, "  }")
	}

	for _, e := range g.Edges() {
		// Edge: e[0] depends on e[1] => arrow from dependency to dependent.
		fmt.Fprintf(w, "  \"%s\" -> \"%s\";\n", e[1], e[0])
	}
	fmt.Fprintln(w, "}")
	return nil
}

func PrintGraphMermaid(w io.Writer, p *Plan) error {
	g, err := BuildGraph(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "graph TD")
	for _, n := range p.Nodes {
		fmt.Fprintf(w, "  %s[\"%s\\n%s\"]\n", safeID(n.ID), n.Name, n.StackName)
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(w, "  %s --> %s\n", safeID(e[1]), safeID(e[0]))
	}
	return nil
}

func safeID(s string) string {
	out := strings.Builder{}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			out.WriteRune(r)
		case r >= '0' && r <= '9':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	return out.String()
}
