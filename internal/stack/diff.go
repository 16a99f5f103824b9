// File: internal/stack/diff.go
// Brief: Drift detection between local configuration and deployed stacks.

package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/example/stackctl/internal/cloud"
	"github.com/example/stackctl/internal/resolver"
)

// noEchoMask is what the control plane returns for NoEcho parameters.
const noEchoMask = "****"

// DiffOptions configure drift detection for a plan.
type DiffOptions struct {
	Plan          *Plan
	DefaultTarget cloud.Target
	Connections   *cloud.Connections
	Templates     TemplateSource
	Custom        *resolver.Registry
}

// StackDiff is one stack's drift against the control plane. A missing
// stack carries the create preview: the full template as an addition
// plus every parameter that would be submitted.
type StackDiff struct {
	Stack           string
	StackName       string
	Missing         bool
	TemplateDiff    string
	TemplateSkipped string
	ParamChanges    []string
}

// InSync reports whether nothing would change for this stack. A skipped
// template comparison does not count as drift on its own.
func (d StackDiff) InSync() bool {
	return !d.Missing && d.TemplateDiff == "" && len(d.ParamChanges) == 0
}

// DiffStacks compares every stack in the plan against its deployed
// counterpart and renders the result in plan order. The returned bool
// reports whether any stack drifted.
func DiffStacks(ctx context.Context, opts DiffOptions, out io.Writer) (bool, error) {
	conns := opts.Connections
	if conns == nil {
		conns = cloud.NewConnections()
	}
	templates := opts.Templates
	if templates == nil {
		templates = fileTemplateSource{}
	}
	vaultProv := vaultProviderFromSettings(opts.Plan.Resolvers.Vault)

	drifted := false
	for _, n := range opts.Plan.Nodes {
		target := effectiveTarget(n, opts.DefaultTarget)
		conn, err := conns.Get(ctx, target)
		if err != nil {
			return false, fmt.Errorf("stack %s: connect to %s: %w", n.ID, target, err)
		}
		d, err := diffOneStack(ctx, opts.Plan, n, conn, conns, target, opts.DefaultTarget, templates, opts.Custom, vaultProv)
		if err != nil {
			return false, err
		}
		renderStackDiff(out, d)
		if !d.InSync() {
			drifted = true
		}
	}
	return drifted, nil
}

func diffOneStack(ctx context.Context, p *Plan, n *ResolvedStack, conn *cloud.Conn, conns *cloud.Connections, target, def cloud.Target, templates TemplateSource, custom *resolver.Registry, vaultProv resolver.Provider) (StackDiff, error) {
	d := StackDiff{Stack: n.ID, StackName: n.StackName}

	desc, err := conn.Describe(ctx, n.StackName)
	if err != nil {
		return d, fmt.Errorf("stack %s: describe %s: %w", n.ID, n.StackName, err)
	}

	res := diffResolver(p, n, conn, conns, target, def, custom, vaultProv)
	desired, resolveErrs := resolveDiffParameters(ctx, n, res)

	if desc == nil {
		d.Missing = true
		if isTemplateURL(n.Template) {
			d.TemplateSkipped = "remote template " + n.Template
		} else {
			local, err := templates.TemplateBody(ctx, n)
			if err != nil {
				return d, err
			}
			d.TemplateDiff = diffStrings("", local)
		}
		d.ParamChanges = diffParameters(nil, desired, resolveErrs)
		return d, nil
	}

	if isTemplateURL(n.Template) {
		d.TemplateSkipped = "remote template " + n.Template
	} else {
		local, err := templates.TemplateBody(ctx, n)
		if err != nil {
			return d, err
		}
		deployed, err := conn.CurrentTemplate(ctx, n.StackName)
		if err != nil {
			return d, fmt.Errorf("stack %s: %w", n.ID, err)
		}
		if strings.TrimSpace(deployed) != strings.TrimSpace(local) {
			d.TemplateDiff = diffStrings(deployed, local)
		}
	}
	d.ParamChanges = diffParameters(desc.Parameters, desired, resolveErrs)
	return d, nil
}

// diffResolver mirrors the run-time resolver, except output references
// read from deployed dependency stacks instead of the in-run store.
func diffResolver(p *Plan, n *ResolvedStack, conn *cloud.Conn, conns *cloud.Connections, target, def cloud.Target, custom *resolver.Registry, vaultProv resolver.Provider) *resolver.Resolver {
	reg := resolver.NewRegistry()
	_ = reg.Register("env", resolver.EnvProvider{})
	_ = reg.Register("var", resolver.NewVarProvider(n.Vars))
	_ = reg.Register("file", resolver.NewFileProvider(p.StackRoot))
	_ = reg.Register("output", resolver.NewOutputProvider(liveOutputSource{plan: p, conns: conns, def: def}))
	_ = reg.Register("xoutput", resolver.NewExternalOutputProvider(externalConnSource(conns, target)))
	_ = reg.Register("ssm", resolver.NewSSMProvider(conn.SSM()))
	_ = reg.Register("secretsmanager", resolver.NewSecretsManagerProvider(conn.SecretsManager()))
	if vaultProv != nil {
		_ = reg.Register("vault", vaultProv)
	}
	if custom != nil {
		// Built-in names win on collision.
		for _, name := range custom.Names() {
			if prov, ok := custom.Provider(name); ok {
				_ = reg.Register(name, prov)
			}
		}
	}
	return resolver.New(reg)
}

// liveOutputSource serves output references from deployed stacks. The
// referenced name is the plan node ID, same as at run time; the lookup
// goes through that node's own target.
type liveOutputSource struct {
	plan  *Plan
	conns *cloud.Connections
	def   cloud.Target
}

func (s liveOutputSource) StackOutput(ctx context.Context, stack, key string) (string, error) {
	n := s.plan.Node(stack)
	if n == nil {
		return "", fmt.Errorf("unknown stack %q", stack)
	}
	conn, err := s.conns.Get(ctx, effectiveTarget(n, s.def))
	if err != nil {
		return "", err
	}
	return conn.StackOutput(ctx, n.StackName, key)
}

// resolveDiffParameters resolves the desired parameters one key at a
// time so a single unresolvable reference degrades to a note instead
// of aborting the whole diff.
func resolveDiffParameters(ctx context.Context, n *ResolvedStack, res *resolver.Resolver) (map[string]string, map[string]error) {
	if len(n.Parameters) == 0 {
		return nil, nil
	}
	desired := make(map[string]string, len(n.Parameters))
	var errs map[string]error
	for k, v := range n.Parameters {
		s, err := resolveParamValue(ctx, n.ID, v, res)
		if err != nil {
			if errs == nil {
				errs = map[string]error{}
			}
			var ure *UnresolvedReferenceError
			if errors.As(err, &ure) && ure.Ref != "" {
				err = fmt.Errorf("%s: %v", ure.Ref, ure.Err)
			}
			errs[k] = err
			continue
		}
		desired[k] = s
	}
	return desired, errs
}

// diffParameters reports parameter drift as one line per key: "~" for a
// changed value, "+" for a key only set locally, "-" for a key only on
// the deployed stack, "!" for a key whose desired value is unknown.
func diffParameters(live, desired map[string]string, resolveErrs map[string]error) []string {
	keys := map[string]struct{}{}
	for k := range live {
		keys[k] = struct{}{}
	}
	for k := range desired {
		keys[k] = struct{}{}
	}
	for k := range resolveErrs {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []string
	for _, k := range sorted {
		if err, ok := resolveErrs[k]; ok {
			changes = append(changes, fmt.Sprintf("! %s: cannot resolve %v", k, err))
			continue
		}
		liveV, liveOK := live[k]
		desV, desOK := desired[k]
		switch {
		case liveOK && desOK:
			// NoEcho parameters read back masked; a masked live value
			// proves nothing either way.
			if liveV == desV || liveV == noEchoMask {
				continue
			}
			changes = append(changes, fmt.Sprintf("~ %s: %s -> %s", k, liveV, desV))
		case desOK:
			changes = append(changes, fmt.Sprintf("+ %s: %s", k, desV))
		default:
			changes = append(changes, fmt.Sprintf("- %s: %s", k, liveV))
		}
	}
	return changes
}

func renderStackDiff(out io.Writer, d StackDiff) {
	header := fmt.Sprintf("==> %s (%s)", d.Stack, d.StackName)
	switch {
	case d.Missing:
		fmt.Fprintf(out, "%s: not deployed\n", header)
	case d.InSync():
		if d.TemplateSkipped != "" {
			fmt.Fprintf(out, "%s: parameters in sync; template not compared (%s)\n", header, d.TemplateSkipped)
		} else {
			fmt.Fprintf(out, "%s: in sync\n", header)
		}
		return
	default:
		fmt.Fprintln(out, header)
	}
	if !d.Missing && d.TemplateSkipped != "" {
		fmt.Fprintf(out, "template: not compared (%s)\n", d.TemplateSkipped)
	}
	if d.TemplateDiff != "" {
		fmt.Fprintln(out, "template:")
		fmt.Fprint(out, d.TemplateDiff)
	}
	if len(d.ParamChanges) > 0 {
		fmt.Fprintln(out, "parameters:")
		for _, c := range d.ParamChanges {
			fmt.Fprintf(out, "  %s\n", c)
		}
	}
}

func diffStrings(deployed, local string) string {
	if deployed == local {
		return ""
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(deployed),
		B:        difflib.SplitLines(local),
		FromFile: "deployed",
		ToFile:   "local",
		Context:  3,
	}
	diff, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return fmt.Sprintf("failed to render diff: %v", err)
	}
	return diff
}
