// File: cmd/stackctl/stack_status.go
// Brief: `stackctl stack status` and `stackctl stack runs` command wiring.

package main

import (
	"github.com/example/stackctl/internal/stack"
	"github.com/spf13/cobra"
)

func newStackStatusCommand(common stackCommandCommon) *cobra.Command {
	var runID string
	var follow bool
	var limit int
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the most recent (or selected) stack run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(*common.rootDir)
			if err != nil {
				return err
			}
			return stack.RunStatus(cmd.Context(), stack.StatusOptions{
				RootDir: root,
				RunID:   runID,
				Follow:  follow,
				Limit:   limit,
				Format:  format,
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID (directory name under .stackctl/runs); defaults to most recent")
	cmd.Flags().BoolVar(&follow, "follow", false, "Follow the events stream")
	cmd.Flags().IntVar(&limit, "tail", 50, "How many recent event lines to show before following")
	cmd.Flags().StringVar(&format, "format", "raw", "Output format: raw|table|json")
	return cmd
}

func newStackRunsCommand(common stackCommandCommon) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded stack runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(*common.rootDir)
			if err != nil {
				return err
			}
			entries, err := stack.ListRuns(root, limit)
			if err != nil {
				return err
			}
			return stack.PrintRunsTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}
