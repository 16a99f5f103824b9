// File: internal/stack/status.go
// Brief: Status/tail helpers for stack run artifacts.

package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type StatusOptions struct {
	RootDir string
	RunID   string
	Follow  bool
	Limit   int
	Format  string // raw|table|json
}

// RunStatus reports on a recorded run from the sqlite state store. The
// raw format prints the summary header plus an NDJSON event tail and can
// follow a live run; table and json render the summary once.
func RunStatus(ctx context.Context, opts StatusOptions, out io.Writer) error {
	root := opts.RootDir
	if root == "" {
		root = "."
	}
	runID := opts.RunID
	if runID == "" {
		var err error
		runID, err = LoadMostRecentRun(root)
		if err != nil {
			return err
		}
	}

	statePath := filepath.Join(root, stateSQLiteRelPath)
	if _, err := os.Stat(statePath); err != nil {
		return fmt.Errorf("missing run state (expected %s)", statePath)
	}

	format := opts.Format
	if format == "" {
		format = "raw"
	}
	if format != "raw" && opts.Follow {
		return fmt.Errorf("--follow is only supported with --format raw")
	}

	s, err := openStateStore(root, true)
	if err != nil {
		return err
	}
	defer s.Close()
	summary, err := s.GetRunSummary(ctx, runID)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "table":
		return PrintRunStatusTable(out, runID, summary)
	case "raw":
	default:
		return fmt.Errorf("unknown --format %q (expected raw|table|json)", format)
	}

	fmt.Fprintf(out, "RUN\t%s\n", runID)
	fmt.Fprintf(out, "STATE\t%s\n", statePath)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "STATUS\t%s\n", summary.Status)
	fmt.Fprintf(out, "STARTED\t%s\n", summary.StartedAt)
	fmt.Fprintf(out, "UPDATED\t%s\n", summary.UpdatedAt)
	fmt.Fprintf(out, "TOTALS\tplanned=%d succeeded=%d failed=%d blocked=%d protected=%d\n",
		summary.Totals.Planned, summary.Totals.Succeeded, summary.Totals.Failed, summary.Totals.Blocked, summary.Totals.Protected)
	fmt.Fprintln(out)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fmt.Fprintf(out, "EVENTS\t(last %d)\n", limit)

	enc := json.NewEncoder(out)
	events, lastID, err := s.TailEvents(ctx, runID, limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		fmt.Fprintln(out)
	}
	if !opts.Follow {
		return nil
	}

	after := lastID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}

		newEvents, newLast, err := s.EventsAfter(ctx, runID, after, 200)
		if err != nil {
			return err
		}
		for _, ev := range newEvents {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if RunEventType(ev.Type) == RunCompleted {
				return nil
			}
		}
		after = newLast
	}
}
