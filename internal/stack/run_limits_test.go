package stack

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/example/stackctl/internal/cloud"
)

type blockingExecutor struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	block      chan struct{}
}

func (e *blockingExecutor) RunNode(ctx context.Context, node *runNode, action cloud.Action) error {
	e.mu.Lock()
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-e.block:
	}
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
	return nil
}

func TestRun_MaxInFlightPerTargetBoundsOneTarget(t *testing.T) {
	root := t.TempDir()
	p := testRunPlan(root,
		testNode("app/a"),
		testNode("app/b"),
		testNode("app/c"),
	)
	exec := &blockingExecutor{block: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), RunOptions{
			Action:               cloud.ActionCreate,
			Plan:                 p,
			Concurrency:          3,
			MaxInFlightPerTarget: 1,
			RunID:                "run-budget",
			Executor:             exec,
		}, io.Discard, io.Discard)
	}()

	time.Sleep(250 * time.Millisecond)
	close(exec.block)
	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}

	exec.mu.Lock()
	peak := exec.maxRunning
	exec.mu.Unlock()
	if peak > 1 {
		t.Fatalf("expected at most 1 in-flight action, saw %d", peak)
	}

	var waits int
	for _, ev := range readRunEvents(t, root, "run-budget") {
		if ev.Type == string(BudgetWait) {
			waits++
		}
	}
	if waits == 0 {
		t.Fatalf("expected BUDGET_WAIT events while the target was saturated")
	}
}

func TestRun_TargetBudgetsAreIndependent(t *testing.T) {
	root := t.TempDir()
	east := testNode("app/east")
	east.Cloud = CloudTarget{Region: "us-east-1"}
	west := testNode("app/west")
	west.Cloud = CloudTarget{Region: "eu-west-1"}
	p := testRunPlan(root, east, west)
	exec := &recordingExecutor{}

	err := Run(context.Background(), RunOptions{
		Action:               cloud.ActionCreate,
		Plan:                 p,
		Concurrency:          2,
		MaxInFlightPerTarget: 1,
		RunID:                "run-budget-split",
		Executor:             exec,
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// One stack per region never contends for a budget slot.
	for _, ev := range readRunEvents(t, root, "run-budget-split") {
		if ev.Type == string(BudgetWait) {
			t.Fatalf("unexpected BUDGET_WAIT for distinct targets: %+v", ev)
		}
	}
}
