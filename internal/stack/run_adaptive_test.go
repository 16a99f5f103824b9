package stack

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/example/stackctl/internal/cloud"
	"github.com/example/stackctl/internal/featureflags"
)

type slowStartExecutor struct{}

func (slowStartExecutor) RunNode(ctx context.Context, node *runNode, action cloud.Action) error {
	// The first two stacks time out once, then recover on retry.
	if (node.ID == "grp/a" || node.ID == "grp/b") && node.Attempt == 1 {
		return errors.New("dial tcp 10.0.0.1:443: i/o timeout")
	}
	return nil
}

func TestRun_AdaptiveConcurrencyShrinksAndRecovers(t *testing.T) {
	root := t.TempDir()
	p := testRunPlan(root,
		testNode("grp/a"),
		testNode("grp/b"),
		testNode("grp/c"),
		testNode("grp/d"),
		testNode("grp/e"),
		testNode("grp/f"),
		testNode("grp/g"),
		testNode("grp/h"),
	)

	var mu sync.Mutex
	var gateMsgs []string
	obs := RunEventObserverFunc(func(ev RunEvent) {
		if ev.Type != string(RunConcurrency) {
			return
		}
		mu.Lock()
		gateMsgs = append(gateMsgs, ev.Message)
		mu.Unlock()
	})

	flags, err := featureflags.Resolve([]string{string(featureflags.FeatureAdaptiveConcurrency)})
	if err != nil {
		t.Fatalf("resolve flags: %v", err)
	}
	ctx := featureflags.ContextWithFlags(context.Background(), flags)

	err = Run(ctx, RunOptions{
		Action:         cloud.ActionCreate,
		Plan:           p,
		Concurrency:    4,
		MaxAttempts:    2,
		RunID:          "run-adaptive",
		Executor:       slowStartExecutor{},
		EventObservers: []RunEventObserver{obs},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawEnabled, sawShrink, sawRamp bool
	for _, msg := range gateMsgs {
		switch {
		case strings.HasPrefix(msg, "adaptive concurrency enabled:"):
			sawEnabled = true
		case strings.Contains(msg, "shrink:TIMEOUT"):
			sawShrink = true
		case strings.Contains(msg, "ramp-up"):
			sawRamp = true
		}
	}
	if !sawEnabled {
		t.Fatalf("expected the enable announcement, got %q", gateMsgs)
	}
	if !sawShrink {
		t.Fatalf("expected a shrink on repeated timeouts, got %q", gateMsgs)
	}
	if !sawRamp {
		t.Fatalf("expected a ramp-up once the run cleaned up, got %q", gateMsgs)
	}

	// Gate traffic is ephemeral: it reaches observers but never the log.
	for _, ev := range readRunEvents(t, root, "run-adaptive") {
		if ev.Type == string(RunConcurrency) {
			t.Fatalf("RUN_CONCURRENCY must not be persisted: %+v", ev)
		}
	}
}

func TestRun_AdaptiveGateOffByDefault(t *testing.T) {
	root := t.TempDir()
	p := testRunPlan(root, testNode("grp/a"))

	var mu sync.Mutex
	var gateMsgs []string
	obs := RunEventObserverFunc(func(ev RunEvent) {
		if ev.Type != string(RunConcurrency) {
			return
		}
		mu.Lock()
		gateMsgs = append(gateMsgs, ev.Message)
		mu.Unlock()
	})

	err := Run(context.Background(), RunOptions{
		Action:         cloud.ActionCreate,
		Plan:           p,
		RunID:          "run-noadaptive",
		Executor:       &recordingExecutor{},
		EventObservers: []RunEventObserver{obs},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gateMsgs) != 0 {
		t.Fatalf("gate events without the feature flag: %q", gateMsgs)
	}
}
