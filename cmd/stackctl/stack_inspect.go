// File: cmd/stackctl/stack_inspect.go
// Brief: Read-only stack commands: validate, describe, outputs, diff.

package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/example/stackctl/internal/stack"
	"github.com/example/stackctl/internal/ui"
	"github.com/spf13/cobra"
)

// withSpinner animates on stderr while fn collects its output into a
// buffer, then dumps the buffer to stdout. Buffering keeps the spinner
// from interleaving with table output during slow cloud calls.
func withSpinner(cmd *cobra.Command, message string, fn func(io.Writer) error) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	if !isTerminalWriter(errOut) {
		return fn(out)
	}
	stop := ui.StartSpinner(errOut, message)
	var buf bytes.Buffer
	err := fn(&buf)
	stop(err == nil)
	if _, copyErr := io.Copy(out, &buf); copyErr != nil && err == nil {
		err = copyErr
	}
	return err
}

func newStackValidateCommand(common stackCommandCommon) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [STACK...]",
		Short: "Validate rendered templates with the control plane",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			return withSpinner(cmd, "Validating templates", func(w io.Writer) error {
				return stack.ValidateStacks(cmd.Context(), stack.InspectOptions{Plan: p, Format: *common.output}, w)
			})
		},
	}
}

func newStackDescribeCommand(common stackCommandCommon) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [STACK...]",
		Short: "Show the deployed status of the selected stacks",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			return withSpinner(cmd, "Describing stacks", func(w io.Writer) error {
				return stack.DescribeStacks(cmd.Context(), stack.InspectOptions{Plan: p, Format: *common.output}, w)
			})
		},
	}
}

func newStackOutputsCommand(common stackCommandCommon) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs [STACK...]",
		Short: "Fetch the deployed outputs of the selected stacks",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			return withSpinner(cmd, "Fetching outputs", func(w io.Writer) error {
				return stack.PrintStackOutputs(cmd.Context(), stack.InspectOptions{Plan: p, Format: *common.output}, w)
			})
		},
	}
}

func newStackDiffCommand(common stackCommandCommon) *cobra.Command {
	var exitCode bool
	cmd := &cobra.Command{
		Use:   "diff [STACK...]",
		Short: "Diff rendered templates and parameters against the deployed state",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileSelectedPlan(common, args)
			if err != nil {
				return err
			}
			var drifted bool
			err = withSpinner(cmd, "Computing stack diff", func(w io.Writer) error {
				var diffErr error
				drifted, diffErr = stack.DiffStacks(cmd.Context(), stack.DiffOptions{Plan: p}, w)
				return diffErr
			})
			if err != nil {
				return err
			}
			if exitCode && drifted {
				return fmt.Errorf("stacks differ from the deployed state")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Exit nonzero when any stack differs from the deployed state")
	return cmd
}
