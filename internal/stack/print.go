// File: internal/stack/print.go
// Brief: Human-friendly plan printing.

package stack

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
)

func PrintPlanTable(w io.Writer, p *Plan) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "PROJECT\t%s\n", p.ProjectName)
	if p.Profile != "" {
		fmt.Fprintf(tw, "PROFILE\t%s\n", p.Profile)
	}
	fmt.Fprintf(tw, "ROOT\t%s\n", p.StackRoot)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "WAVE\tID\tSTACK_NAME\tTARGET\tTAGS\tNEEDS\tSELECTED_BY")
	nodes := append([]*ResolvedStack(nil), p.Nodes...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ExecutionGroup != nodes[j].ExecutionGroup {
			return nodes[i].ExecutionGroup < nodes[j].ExecutionGroup
		}
		return nodes[i].ID < nodes[j].ID
	})
	for _, n := range nodes {
		target := targetLabel(n)
		selectedBy := strings.Join(n.SelectedBy, ",")
		if len(selectedBy) > 140 {
			selectedBy = selectedBy[:140] + "…"
		}
		name := n.StackName
		if n.Protected {
			name += " (protected)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%v\t%s\n",
			n.ExecutionGroup, n.ID, name, target, tagsLabel(n.Tags), n.Needs, selectedBy)
	}
	return nil
}

// PrintPlanDirs lists just the stack directories, one per line, relative
// to the project root where possible.
func PrintPlanDirs(w io.Writer, p *Plan) error {
	for _, n := range p.Nodes {
		dir := n.Dir
		if rel, err := filepath.Rel(p.StackRoot, n.Dir); err == nil {
			dir = rel
		}
		fmt.Fprintln(w, dir)
	}
	return nil
}

func targetLabel(n *ResolvedStack) string {
	parts := []string{}
	if n.Cloud.Profile != "" {
		parts = append(parts, n.Cloud.Profile)
	}
	if n.Cloud.Region != "" {
		parts = append(parts, n.Cloud.Region)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "/")
}

func tagsLabel(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
