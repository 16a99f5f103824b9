package stack

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// runConsole renders run events one line at a time. It is the default
// observer when the caller supplies none, and deliberately avoids any
// in-place terminal tricks so output survives piping and CI logs.
type runConsole struct {
	out     io.Writer
	verbose bool

	mu      sync.Mutex
	start   time.Time
	names   map[string]string
	targets map[string]string
}

func newRunConsole(out io.Writer, verbose bool) *runConsole {
	return &runConsole{
		out:     out,
		verbose: verbose,
		start:   time.Now(),
		names:   map[string]string{},
		targets: map[string]string{},
	}
}

// NewConsoleObserver returns the line-oriented observer for callers that
// wire observers explicitly, for example to force verbose rendering.
func NewConsoleObserver(out io.Writer, verbose bool) RunEventObserver {
	return newRunConsole(out, verbose)
}

const consoleStatusWidth = 10

func (c *runConsole) ObserveRunEvent(ev RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch RunEventType(ev.Type) {
	case NodeMeta:
		if name, ok := ev.Fields["name"].(string); ok {
			c.names[ev.NodeID] = name
		}
		if target, ok := ev.Fields["target"].(string); ok {
			c.targets[ev.NodeID] = target
		}
		return
	case NodeQueued, NodeLog, NodePolling:
		if !c.verbose {
			return
		}
	case HookStarted, HookSkipped:
		if !c.verbose {
			return
		}
	}

	label := consoleLabel(RunEventType(ev.Type), ev)
	elapsed := time.Since(c.start).Round(time.Second)
	switch RunEventType(ev.Type) {
	case RunStarted, RunCompleted, RunConcurrency:
		fmt.Fprintf(c.out, "%7s  %s  %s\n", elapsed, pad(label, consoleStatusWidth), ev.Message)
		return
	}
	line := ev.Message
	if ev.Error != nil && ev.Error.Message != "" && ev.Error.Message != ev.Message {
		line = ev.Error.Message
	}
	fmt.Fprintf(c.out, "%7s  %s  %s  %s\n", elapsed, pad(label, consoleStatusWidth), pad(c.display(ev.NodeID), c.nameWidth()), line)
}

func (c *runConsole) display(nodeID string) string {
	if name, ok := c.names[nodeID]; ok && name != "" {
		return name
	}
	return nodeID
}

func (c *runConsole) nameWidth() int {
	w := 12
	for id, name := range c.names {
		n := name
		if n == "" {
			n = id
		}
		if rw := runewidth.StringWidth(n); rw > w {
			w = rw
		}
	}
	if w > 40 {
		w = 40
	}
	return w
}

func consoleLabel(typ RunEventType, ev RunEvent) string {
	switch typ {
	case RunStarted:
		return "start"
	case RunCompleted:
		return "done"
	case NodeQueued:
		return "queued"
	case NodeRunning:
		if ev.Attempt > 1 {
			return fmt.Sprintf("retry %d", ev.Attempt)
		}
		return "running"
	case NodeSubmitted:
		return "submitted"
	case NodePolling:
		return "polling"
	case NodeSucceeded:
		return "ok"
	case NodeFailed:
		return "failed"
	case NodeBlocked:
		return "blocked"
	case NodeProtected:
		return "protected"
	case HookStarted, HookCompleted, HookSkipped:
		return "hook"
	case BudgetWait:
		return "waiting"
	case RetryScheduled:
		return "retrying"
	case NodeLog:
		return "log"
	case RunConcurrency:
		return "limit"
	}
	return strings.ToLower(string(typ))
}

func pad(s string, width int) string {
	if d := width - runewidth.StringWidth(s); d > 0 {
		return s + strings.Repeat(" ", d)
	}
	return s
}
