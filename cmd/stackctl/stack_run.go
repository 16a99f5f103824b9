// File: cmd/stackctl/stack_run.go
// Brief: `stackctl stack create/update/delete/launch` wiring (runner lives in internal/stack).

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/stackctl/internal/cloud"
	"github.com/example/stackctl/internal/stack"
	"github.com/example/stackctl/internal/ui"
	"github.com/example/stackctl/internal/version"
	"github.com/spf13/cobra"
)

type stackRunKind string

const (
	stackRunCreate stackRunKind = "create"
	stackRunUpdate stackRunKind = "update"
	stackRunDelete stackRunKind = "delete"
	stackRunLaunch stackRunKind = "launch"
)

func parseRunAction(name string) (cloud.Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "create":
		return cloud.ActionCreate, nil
	case "update":
		return cloud.ActionUpdate, nil
	case "delete":
		return cloud.ActionDelete, nil
	case "launch":
		return cloud.ActionLaunch, nil
	default:
		return "", fmt.Errorf("unknown action %q (expected create|update|delete|launch)", name)
	}
}

func newStackCreateCommand(common stackCommandCommon) *cobra.Command {
	return newStackRunCommand(stackRunCreate, common)
}

func newStackUpdateCommand(common stackCommandCommon) *cobra.Command {
	return newStackRunCommand(stackRunUpdate, common)
}

func newStackDeleteCommand(common stackCommandCommon) *cobra.Command {
	return newStackRunCommand(stackRunDelete, common)
}

func newStackLaunchCommand(common stackCommandCommon) *cobra.Command {
	return newStackRunCommand(stackRunLaunch, common)
}

type stackRunCLIOptions struct {
	Concurrency          int
	FailFast             bool
	IgnoreDependencies   bool
	Yes                  bool
	NonInteractive       bool
	Retry                int
	Timeout              time.Duration
	PollInterval         time.Duration
	MaxInFlightPerTarget int
	RunID                string
	Verbose              bool
	PlanOnly             bool
}

func newStackRunCommand(kind stackRunKind, common stackCommandCommon) *cobra.Command {
	var opts stackRunCLIOptions

	var short string
	switch kind {
	case stackRunCreate:
		short = "Create the selected stacks in dependency order"
	case stackRunUpdate:
		short = "Update the selected stacks in dependency order"
	case stackRunDelete:
		short = "Delete the selected stacks in reverse dependency order"
	case stackRunLaunch:
		short = "Create or update the selected stacks, recreating failed ones"
	}

	cmd := &cobra.Command{
		Use:   string(kind) + " [STACK...]",
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := parseRunAction(string(kind))
			if err != nil {
				return err
			}
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}

			if opts.PlanOnly {
				switch strings.ToLower(strings.TrimSpace(*common.output)) {
				case "json":
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(p)
				default:
					return stack.PrintPlanTable(cmd.OutOrStdout(), p)
				}
			}

			if kind == stackRunDelete && !opts.Yes {
				dec, err := approvalMode(cmd, false, opts.NonInteractive)
				if err != nil {
					return err
				}
				if selectionIsEmpty(common, args) {
					prompt := fmt.Sprintf("About to delete all %d stacks in project %q. Type the project name to confirm:", len(p.Nodes), p.ProjectName)
					err = confirmAction(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), dec, prompt, confirmModeExact, p.ProjectName)
				} else {
					prompt := fmt.Sprintf("About to delete %d stacks. Only 'yes' will be accepted:", len(p.Nodes))
					err = confirmAction(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), dec, prompt, confirmModeYes, "")
				}
				if err != nil {
					return err
				}
			}

			logger, err := buildLogger(*common.logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			out := cmd.OutOrStdout()
			var observers []stack.RunEventObserver
			var console *ui.RunConsole
			if !opts.Verbose && isTerminalWriter(out) {
				width, _ := ui.TerminalWidth(out)
				console = ui.NewRunConsole(out, p, string(kind), ui.RunConsoleOptions{Enabled: true, Width: width})
				observers = append(observers, console)
			} else {
				observers = append(observers, stack.NewConsoleObserver(out, opts.Verbose))
			}

			runOpts := stack.RunOptions{
				Action:               action,
				Plan:                 p,
				Concurrency:          opts.Concurrency,
				FailFast:             opts.FailFast,
				IgnoreDependencies:   opts.IgnoreDependencies,
				MaxAttempts:          opts.Retry,
				PollInterval:         opts.PollInterval,
				Timeout:              opts.Timeout,
				MaxInFlightPerTarget: opts.MaxInFlightPerTarget,
				RunID:                strings.TrimSpace(opts.RunID),
				Selector:             buildRunSelector(common, args),
				Version:              version.Get().Version,
				Logger:               logger,
				EventObservers:       observers,
			}
			err = stack.Run(cmd.Context(), runOpts, out, cmd.ErrOrStderr())
			if console != nil {
				console.Done()
			}
			return err
		},
	}

	addStackRunFlags(cmd, &opts)
	return cmd
}

func addStackRunFlags(cmd *cobra.Command, opts *stackRunCLIOptions) {
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "Maximum concurrent stack operations (0 uses the project runner setting)")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Stop scheduling new stacks after the first failure")
	cmd.Flags().BoolVar(&opts.IgnoreDependencies, "ignore-dependencies", false, "Drop dependency edges and schedule every selected stack immediately")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompts")
	cmd.Flags().BoolVar(&opts.NonInteractive, "non-interactive", false, "Fail instead of prompting (requires --yes)")
	cmd.Flags().IntVar(&opts.Retry, "retry", 0, "Maximum attempts per stack including the first (0 uses the project runner setting)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Per-stack operation timeout (0 uses stack/project settings)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "Remote status poll interval (0 uses the project runner setting)")
	cmd.Flags().IntVar(&opts.MaxInFlightPerTarget, "max-in-flight-per-target", 0, "Limit concurrent operations per account/region target (0 disables)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Run ID recorded in the state store (defaults to a generated one)")
	cmd.Flags().BoolVar(&opts.Verbose, "verbose", false, "Print every run event as a line instead of the live console")
	cmd.Flags().BoolVar(&opts.PlanOnly, "plan-only", false, "Compile and print the plan, but do not execute")
}

func buildRunSelector(common stackCommandCommon, extraNames []string) stack.RunSelector {
	return stack.RunSelector{
		Tags:              splitCSV(*common.tags),
		Paths:             splitCSV(*common.paths),
		Names:             append(splitCSV(*common.names), splitCSV(extraNames)...),
		IncludeDeps:       *common.includeDeps,
		IncludeDependents: *common.includeDependents,
		AllowMissingDeps:  *common.allowMissingDeps,
	}
}
