// File: cmd/stackctl/stack.go
// Brief: CLI wiring for `stackctl stack` (dependency-ordered orchestration).

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/stackctl/internal/stack"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

// stackCommandCommon carries pointers to the parent command's persistent
// flags so every subcommand reads the values cobra parsed, not copies.
type stackCommandCommon struct {
	rootDir           *string
	profile           *string
	vars              *[]string
	tags              *[]string
	paths             *[]string
	names             *[]string
	includeDeps       *bool
	includeDependents *bool
	allowMissingDeps  *bool
	output            *string
	logLevel          *string
}

func newStackCommand(logLevel *string) *cobra.Command {
	var rootDir string
	var profile string
	var vars []string
	var tags []string
	var paths []string
	var names []string
	var includeDeps bool
	var includeDependents bool
	var allowMissingDeps bool
	var output string

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Compile and orchestrate CloudFormation stacks as a dependency graph",
		Long:  "stackctl stack discovers project.yaml/stack.yaml, compiles them with profile overlays into a DAG, and runs create/update/delete/launch per stack in dependency order.",
	}
	cmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory (supports ~)")
	cmd.PersistentFlags().StringVar(&profile, "profile", "", "Profile overlay name (defaults to project.yaml defaultProfile when present)")
	cmd.PersistentFlags().StringArrayVar(&vars, "var", nil, "Override a config variable (key=value, repeatable)")
	cmd.PersistentFlags().StringSliceVar(&tags, "tag", nil, "Select stacks by tag, key or key=value (repeatable or comma-separated)")
	cmd.PersistentFlags().StringSliceVar(&paths, "path", nil, "Select stacks under a directory subtree (repeatable or comma-separated)")
	cmd.PersistentFlags().StringSliceVar(&names, "name", nil, "Select stacks by ID (repeatable or comma-separated)")
	cmd.PersistentFlags().BoolVar(&includeDeps, "include-deps", false, "Expand selection to include dependencies")
	cmd.PersistentFlags().BoolVar(&includeDependents, "include-dependents", false, "Expand selection to include dependents")
	cmd.PersistentFlags().BoolVar(&allowMissingDeps, "allow-missing-deps", false, "Allow a selection whose dependencies are left out (their edges are pruned)")
	cmd.PersistentFlags().StringVar(&output, "output", "table", "Output format: table|json")

	common := stackCommandCommon{
		rootDir:           &rootDir,
		profile:           &profile,
		vars:              &vars,
		tags:              &tags,
		paths:             &paths,
		names:             &names,
		includeDeps:       &includeDeps,
		includeDependents: &includeDependents,
		allowMissingDeps:  &allowMissingDeps,
		output:            &output,
		logLevel:          logLevel,
	}

	cmd.AddCommand(newStackPlanCommand(common))
	cmd.AddCommand(newStackGraphCommand(common))
	cmd.AddCommand(newStackCreateCommand(common))
	cmd.AddCommand(newStackUpdateCommand(common))
	cmd.AddCommand(newStackDeleteCommand(common))
	cmd.AddCommand(newStackLaunchCommand(common))
	cmd.AddCommand(newStackValidateCommand(common))
	cmd.AddCommand(newStackDescribeCommand(common))
	cmd.AddCommand(newStackOutputsCommand(common))
	cmd.AddCommand(newStackDiffCommand(common))
	cmd.AddCommand(newStackStatusCommand(common))
	cmd.AddCommand(newStackRunsCommand(common))
	return cmd
}

func newStackPlanCommand(common stackCommandCommon) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [STACK...]",
		Short: "Compile project config into an execution plan",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			switch strings.ToLower(strings.TrimSpace(*common.output)) {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			case "dirs":
				return stack.PrintPlanDirs(cmd.OutOrStdout(), p)
			case "", "table":
				return stack.PrintPlanTable(cmd.OutOrStdout(), p)
			default:
				return fmt.Errorf("unknown --output %q (expected table|json|dirs)", *common.output)
			}
		},
	}
}

func newStackGraphCommand(common stackCommandCommon) *cobra.Command {
	var format string
	var action string
	cmd := &cobra.Command{
		Use:   "graph [STACK...]",
		Short: "Render the dependency graph",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "dot":
				return stack.PrintGraphDOT(out, p)
			case "mermaid":
				return stack.PrintGraphMermaid(out, p)
			case "order":
				act, err := parseRunAction(action)
				if err != nil {
					return err
				}
				order, err := stack.ComputeExecutionOrder(p, act)
				if err != nil {
					return err
				}
				for _, id := range order {
					fmt.Fprintln(out, id)
				}
				return nil
			case "waves":
				act, err := parseRunAction(action)
				if err != nil {
					return err
				}
				waves, err := stack.ComputeExecutionWaves(p, act)
				if err != nil {
					return err
				}
				for i, wave := range waves {
					fmt.Fprintf(out, "wave %d: %s\n", i, strings.Join(wave, " "))
				}
				return nil
			default:
				return fmt.Errorf("unknown --format %q (expected dot|mermaid|order|waves)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "dot", "Graph format: dot|mermaid|order|waves")
	cmd.Flags().StringVar(&action, "action", "create", "Action previewed by the order/waves formats (delete reverses the edges)")
	return cmd
}

// compileSelectedPlan runs discover, compile and select with the shared
// stack flags. Positional args select stacks by ID, same as --name.
func compileSelectedPlan(common stackCommandCommon, extraNames []string) (*stack.Plan, error) {
	root, err := resolveRoot(*common.rootDir)
	if err != nil {
		return nil, err
	}
	u, err := stack.Discover(root)
	if err != nil {
		return nil, err
	}
	vars, err := parseVarAssignments(*common.vars)
	if err != nil {
		return nil, err
	}
	p, err := stack.Compile(u, stack.CompileOptions{
		Profile: strings.TrimSpace(*common.profile),
		Vars:    vars,
	})
	if err != nil {
		return nil, err
	}
	return stack.Select(p, buildSelector(common, extraNames))
}

func buildSelector(common stackCommandCommon, extraNames []string) stack.Selector {
	return stack.Selector{
		Tags:              splitCSV(*common.tags),
		Paths:             splitCSV(*common.paths),
		Names:             append(splitCSV(*common.names), splitCSV(extraNames)...),
		IncludeDeps:       *common.includeDeps,
		IncludeDependents: *common.includeDependents,
		AllowMissingDeps:  *common.allowMissingDeps,
	}
}

// selectionIsEmpty reports whether the plan covers the whole project
// because no selector narrowed it down.
func selectionIsEmpty(common stackCommandCommon, extraNames []string) bool {
	return len(splitCSV(*common.tags)) == 0 &&
		len(splitCSV(*common.paths)) == 0 &&
		len(splitCSV(*common.names)) == 0 &&
		len(splitCSV(extraNames)) == 0
}

func resolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return "", fmt.Errorf("expand --root: %w", err)
	}
	return expanded, nil
}

func parseVarAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, raw := range pairs {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q (expected key=value)", raw)
		}
		out[key] = value
	}
	return out, nil
}

func splitCSV(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
