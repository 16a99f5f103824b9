package stack

import (
	"context"
	"io"
	"testing"

	"github.com/example/stackctl/internal/cloud"
)

// TestStateStore_RoundTrip drives one run end to end and reads everything
// back through a second, read-only store handle, the way status and resume
// commands do.
func TestStateStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	p := testRunPlan(root,
		testNode("network/vpc"),
		testNode("app/api", "network/vpc"),
	)
	err := Run(context.Background(), RunOptions{
		Action:      cloud.ActionCreate,
		Plan:        p,
		Concurrency: 1,
		RunID:       "run-store",
		Executor:    &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	store, err := openStateStore(root, true)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	id, err := store.MostRecentRunID(ctx)
	if err != nil || id != "run-store" {
		t.Fatalf("most recent run = %q, %v", id, err)
	}

	plan, err := store.GetRunPlan(ctx, "run-store")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if len(plan.Nodes) != 2 {
		t.Fatalf("plan nodes=%v", plan.IDs())
	}
	api := plan.Node("app/api")
	if api == nil || len(api.Needs) != 1 || api.Needs[0] != "network/vpc" {
		t.Fatalf("api=%+v", api)
	}
	// Waves come back from validation, not storage.
	if plan.Node("network/vpc").ExecutionGroup != 0 || api.ExecutionGroup != 1 {
		t.Fatalf("groups: %d %d", plan.Node("network/vpc").ExecutionGroup, api.ExecutionGroup)
	}

	status, attempts, err := store.GetNodeStatus(ctx, "run-store")
	if err != nil {
		t.Fatalf("node status: %v", err)
	}
	if status["network/vpc"] != "succeeded" || status["app/api"] != "succeeded" {
		t.Fatalf("status=%v", status)
	}
	if attempts["app/api"] != 1 {
		t.Fatalf("attempts=%v", attempts)
	}

	summary, err := store.GetRunSummary(ctx, "run-store")
	if err != nil || summary.Status != "succeeded" {
		t.Fatalf("summary=%+v err=%v", summary, err)
	}
}

func TestStateStore_EventPagination(t *testing.T) {
	root := t.TempDir()
	p := testRunPlan(root, testNode("network/vpc"))
	err := Run(context.Background(), RunOptions{
		Action:      cloud.ActionCreate,
		Plan:        p,
		Concurrency: 1,
		RunID:       "run-events",
		Executor:    &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	store, err := openStateStore(root, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	all, lastID, err := store.EventsAfter(ctx, "run-events", 0, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(all) < 4 {
		t.Fatalf("events=%d", len(all))
	}
	if all[0].Type != string(RunStarted) || all[len(all)-1].Type != string(RunCompleted) {
		t.Fatalf("first=%s last=%s", all[0].Type, all[len(all)-1].Type)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("events out of order at %d: %v", i, all[i])
		}
	}

	// Resuming from the last row id yields nothing new.
	more, resumeID, err := store.EventsAfter(ctx, "run-events", lastID, 0)
	if err != nil || len(more) != 0 || resumeID != lastID {
		t.Fatalf("more=%v resume=%d err=%v", more, resumeID, err)
	}

	tail, tailLast, err := store.TailEvents(ctx, "run-events", 2)
	if err != nil || len(tail) != 2 || tailLast != lastID {
		t.Fatalf("tail=%v last=%d err=%v", tail, tailLast, err)
	}
	if tail[1].Type != string(RunCompleted) {
		t.Fatalf("tail end=%s", tail[1].Type)
	}
	if tail[0].Seq >= tail[1].Seq {
		t.Fatalf("tail not ascending: %v", tail)
	}
}
