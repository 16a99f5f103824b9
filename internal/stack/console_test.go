package stack

import (
	"bytes"
	"strings"
	"testing"
)

func consoleLines(buf *bytes.Buffer) []string {
	var out []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestRunConsole_RendersLifecycle(t *testing.T) {
	var buf bytes.Buffer
	c := newRunConsole(&buf, false)

	c.ObserveRunEvent(RunEvent{Type: string(NodeMeta), NodeID: "network/vpc",
		Fields: map[string]any{"name": "network/vpc", "target": "region=eu-west-1"}})
	c.ObserveRunEvent(RunEvent{Type: string(RunStarted), Message: "create 1 stacks"})
	c.ObserveRunEvent(RunEvent{Type: string(NodeQueued), NodeID: "network/vpc", Message: "ready"})
	c.ObserveRunEvent(RunEvent{Type: string(NodeRunning), NodeID: "network/vpc", Attempt: 1, Message: "network/vpc attempt 1"})
	c.ObserveRunEvent(RunEvent{Type: string(NodeSucceeded), NodeID: "network/vpc", Message: "created"})
	c.ObserveRunEvent(RunEvent{Type: string(RunCompleted), Message: "succeeded"})

	lines := consoleLines(&buf)
	if len(lines) != 4 {
		t.Fatalf("lines=%d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "start") || !strings.Contains(lines[0], "create 1 stacks") {
		t.Fatalf("line 0: %q", lines[0])
	}
	if !strings.Contains(lines[1], "running") || !strings.Contains(lines[1], "network/vpc") {
		t.Fatalf("line 1: %q", lines[1])
	}
	if !strings.Contains(lines[2], "ok") {
		t.Fatalf("line 2: %q", lines[2])
	}
	if !strings.Contains(lines[3], "done") || !strings.Contains(lines[3], "succeeded") {
		t.Fatalf("line 3: %q", lines[3])
	}
	if strings.Contains(buf.String(), "ready") {
		t.Fatalf("queued line should be suppressed:\n%s", buf.String())
	}
}

func TestRunConsole_VerboseShowsQueuedAndPolling(t *testing.T) {
	var buf bytes.Buffer
	c := newRunConsole(&buf, true)

	c.ObserveRunEvent(RunEvent{Type: string(NodeQueued), NodeID: "n1", Message: "ready"})
	c.ObserveRunEvent(RunEvent{Type: string(NodePolling), NodeID: "n1", Message: "CREATE_IN_PROGRESS"})
	c.ObserveRunEvent(RunEvent{Type: string(HookStarted), NodeID: "n1", Message: "before hook smoke (try 1/1)"})

	out := buf.String()
	for _, want := range []string{"queued", "polling", "CREATE_IN_PROGRESS", "hook"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
}

func TestRunConsole_RetryAndErrorLines(t *testing.T) {
	var buf bytes.Buffer
	c := newRunConsole(&buf, false)

	c.ObserveRunEvent(RunEvent{Type: string(NodeRunning), NodeID: "n1", Attempt: 2, Message: "n1 attempt 2"})
	c.ObserveRunEvent(RunEvent{Type: string(NodeFailed), NodeID: "n1", Attempt: 2, Message: "n1 failed",
		Error: &RunError{Class: "RATE_LIMIT", Message: "Throttling: rate exceeded"}})

	lines := consoleLines(&buf)
	if len(lines) != 2 {
		t.Fatalf("lines=%v", lines)
	}
	if !strings.Contains(lines[0], "retry 2") {
		t.Fatalf("line 0: %q", lines[0])
	}
	if !strings.Contains(lines[1], "failed") || !strings.Contains(lines[1], "Throttling: rate exceeded") {
		t.Fatalf("line 1: %q", lines[1])
	}
}

func TestRunConsole_UsesFriendlyNames(t *testing.T) {
	var buf bytes.Buffer
	c := newRunConsole(&buf, false)

	c.ObserveRunEvent(RunEvent{Type: string(NodeMeta), NodeID: "node-7",
		Fields: map[string]any{"name": "data/rds"}})
	c.ObserveRunEvent(RunEvent{Type: string(NodeSucceeded), NodeID: "node-7", Message: "updated"})

	out := buf.String()
	if !strings.Contains(out, "data/rds") || strings.Contains(out, "node-7") {
		t.Fatalf("out=%q", out)
	}
}
