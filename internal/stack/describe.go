// File: internal/stack/describe.go
// Brief: Read-only control-plane inspection: describe, outputs, validate.

package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/example/stackctl/internal/cloud"
)

// InspectOptions configure read-only operations against deployed stacks.
// Format selects "table" (default) or "json".
type InspectOptions struct {
	Plan          *Plan
	DefaultTarget cloud.Target
	Connections   *cloud.Connections
	Templates     TemplateSource
	Format        string
}

func (o InspectOptions) connections() *cloud.Connections {
	if o.Connections != nil {
		return o.Connections
	}
	return cloud.NewConnections()
}

func (o InspectOptions) templates() TemplateSource {
	if o.Templates != nil {
		return o.Templates
	}
	return fileTemplateSource{}
}

// stackReport is the JSON shape for describe and outputs.
type stackReport struct {
	ID           string            `json:"id"`
	StackName    string            `json:"stackName"`
	Target       string            `json:"target"`
	Deployed     bool              `json:"deployed"`
	Status       string            `json:"status,omitempty"`
	StatusReason string            `json:"statusReason,omitempty"`
	CreatedAt    string            `json:"createdAt,omitempty"`
	UpdatedAt    string            `json:"updatedAt,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// DescribeStacks prints the remote status of every stack in the plan, in
// plan order. Stacks that are not deployed appear as NOT_DEPLOYED rather
// than failing the command.
func DescribeStacks(ctx context.Context, opts InspectOptions, out io.Writer) error {
	reports, err := collectReports(ctx, opts, false)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSONReports(out, reports)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSTACK_NAME\tTARGET\tSTATUS\tCREATED\tUPDATED")
	for _, r := range reports {
		status := r.Status
		if !r.Deployed {
			status = "NOT_DEPLOYED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StackName, r.Target, status,
			orDash(r.CreatedAt), orDash(r.UpdatedAt))
	}
	return nil
}

// PrintStackOutputs prints the outputs of every deployed stack in the
// plan. Stacks without outputs, or not deployed at all, still get a row
// so the selection stays visible.
func PrintStackOutputs(ctx context.Context, opts InspectOptions, out io.Writer) error {
	reports, err := collectReports(ctx, opts, true)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		byStack := make(map[string]map[string]string, len(reports))
		for _, r := range reports {
			if !r.Deployed {
				continue
			}
			byStack[r.ID] = r.Outputs
		}
		return writeJSONIndented(out, byStack)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tOUTPUT\tVALUE")
	for _, r := range reports {
		switch {
		case !r.Deployed:
			fmt.Fprintf(tw, "%s\t-\t(not deployed)\n", r.ID)
		case len(r.Outputs) == 0:
			fmt.Fprintf(tw, "%s\t-\t(no outputs)\n", r.ID)
		default:
			for _, k := range sortedKeys(r.Outputs) {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, k, r.Outputs[k])
			}
		}
	}
	return nil
}

func collectReports(ctx context.Context, opts InspectOptions, withOutputs bool) ([]stackReport, error) {
	conns := opts.connections()
	reports := make([]stackReport, 0, len(opts.Plan.Nodes))
	for _, n := range opts.Plan.Nodes {
		target := effectiveTarget(n, opts.DefaultTarget)
		conn, err := conns.Get(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("stack %s: connect to %s: %w", n.ID, target, err)
		}
		desc, err := conn.Describe(ctx, n.StackName)
		if err != nil {
			return nil, fmt.Errorf("stack %s: describe %s: %w", n.ID, n.StackName, err)
		}
		r := stackReport{ID: n.ID, StackName: n.StackName, Target: target.String()}
		if desc != nil {
			r.Deployed = true
			r.Status = desc.Status
			r.StatusReason = desc.StatusReason
			r.CreatedAt = formatStackTime(desc.CreatedAt)
			r.UpdatedAt = formatStackTime(desc.UpdatedAt)
			r.Tags = desc.Tags
			if withOutputs {
				r.Outputs = desc.Outputs
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// ValidateStacks runs provider-side template validation for every stack
// with a local template body. Remote template URLs are validated by the
// control plane at submit time and are skipped here.
func ValidateStacks(ctx context.Context, opts InspectOptions, out io.Writer) error {
	conns := opts.connections()
	templates := opts.templates()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESULT\tDETAIL")
	failed := 0
	for _, n := range opts.Plan.Nodes {
		if isTemplateURL(n.Template) {
			fmt.Fprintf(tw, "%s\tskipped\tremote template %s\n", n.ID, n.Template)
			continue
		}
		body, err := templates.TemplateBody(ctx, n)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror\t%s\n", n.ID, err)
			continue
		}
		target := effectiveTarget(n, opts.DefaultTarget)
		conn, err := conns.Get(ctx, target)
		if err != nil {
			return fmt.Errorf("stack %s: connect to %s: %w", n.ID, target, err)
		}
		check, err := conn.ValidateTemplate(ctx, body)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror\t%s\n", n.ID, validationDetail(err))
			continue
		}
		detail := check.Description
		if len(check.Parameters) > 0 {
			keys := make([]string, 0, len(check.Parameters))
			for _, p := range check.Parameters {
				keys = append(keys, p.Key)
			}
			label := "parameters: " + strings.Join(keys, ", ")
			if detail != "" {
				detail += "; " + label
			} else {
				detail = label
			}
		}
		fmt.Fprintf(tw, "%s\tok\t%s\n", n.ID, orDash(detail))
	}
	tw.Flush()
	if failed > 0 {
		return fmt.Errorf("validation failed for %d of %d stacks", failed, len(opts.Plan.Nodes))
	}
	return nil
}

// validationDetail flattens provider error text onto one table row.
func validationDetail(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

func formatStackTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSONReports(out io.Writer, reports []stackReport) error {
	return writeJSONIndented(out, reports)
}

func writeJSONIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
