// File: internal/ui/run_console.go
// Brief: In-place colored console for stack runs on a TTY.

package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/example/stackctl/internal/stack"
)

type RunConsoleOptions struct {
	Enabled bool
	Verbose bool
	Width   int
}

// RunConsole renders one live view of a stack run: a header, a sticky
// failures block, one row per stack and a log tail. Sections are
// re-rendered in place with cursor movement, so it must only be enabled
// when the writer is a terminal.
type RunConsole struct {
	out  io.Writer
	opts RunConsoleOptions

	mu         sync.Mutex
	plan       *stack.Plan
	nodeOrder  []string
	nodes      map[string]*runNodeState
	failures   []runFailure
	logTail    []string
	startedAt  time.Time
	runID      string
	command    string
	concurrent string
	sections   []consoleSection
	totalLines int
}

type runNodeState struct {
	id        string
	status    string
	attempt   int
	phase     string
	note      string
	lastError *stack.RunError

	startedAt time.Time
	updatedAt time.Time
}

type runFailure struct {
	nodeID  string
	attempt int
	err     *stack.RunError
	msg     string
}

func NewRunConsole(out io.Writer, plan *stack.Plan, command string, opts RunConsoleOptions) *RunConsole {
	c := &RunConsole{
		out:       out,
		opts:      opts,
		plan:      plan,
		command:   strings.TrimSpace(command),
		startedAt: time.Now(),
		nodes:     map[string]*runNodeState{},
	}
	if plan != nil {
		c.nodeOrder = runConsoleOrder(plan)
		for _, n := range plan.Nodes {
			if n == nil {
				continue
			}
			c.nodes[n.ID] = &runNodeState{id: n.ID, status: "planned"}
		}
	}
	return c
}

func (c *RunConsole) ObserveRunEvent(ev stack.RunEvent) {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.applyEventLocked(ev)
	c.renderLocked()
	c.mu.Unlock()
}

// Done paints the final frame and moves the cursor past it.
func (c *RunConsole) Done() {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.renderLocked()
	if c.totalLines > 0 {
		fmt.Fprint(c.out, "\x1b[K\n")
		c.totalLines++
	}
	c.mu.Unlock()
}

func (c *RunConsole) applyEventLocked(ev stack.RunEvent) {
	ts, ok := parseRFC3339(ev.TS)
	if ok && c.startedAt.IsZero() {
		c.startedAt = ts
	}
	if ev.Type == string(stack.RunStarted) && ok {
		c.startedAt = ts
	}
	if strings.TrimSpace(ev.RunID) != "" {
		c.runID = strings.TrimSpace(ev.RunID)
	}
	switch ev.Type {
	case string(stack.RunConcurrency):
		c.concurrent = strings.TrimSpace(ev.Message)
	case string(stack.NodeQueued):
		c.setNodeLocked(ev.NodeID, "queued", ev.Attempt, "", "", nil, ts)
	case string(stack.NodeRunning):
		c.setNodeLocked(ev.NodeID, "running", ev.Attempt, "", "", nil, ts)
	case string(stack.NodeSubmitted):
		c.setNodeLocked(ev.NodeID, "running", ev.Attempt, strings.TrimSpace(ev.Message), "", nil, ts)
	case string(stack.NodePolling):
		c.setNodeLocked(ev.NodeID, "running", ev.Attempt, strings.TrimSpace(ev.Message), "", nil, ts)
	case string(stack.BudgetWait):
		c.setNodeLocked(ev.NodeID, c.getStatus(ev.NodeID), ev.Attempt, c.getPhase(ev.NodeID), strings.TrimSpace(ev.Message), nil, ts)
	case string(stack.HookStarted), string(stack.HookCompleted), string(stack.HookSkipped):
		if c.opts.Verbose {
			c.appendLogLocked(fmt.Sprintf("[%s] %s", ev.NodeID, strings.TrimSpace(ev.Message)), false)
		}
	case string(stack.RetryScheduled):
		c.setNodeLocked(ev.NodeID, "retrying", ev.Attempt, c.getPhase(ev.NodeID), strings.TrimSpace(ev.Message), ev.Error, ts)
		c.appendLogLocked(fmt.Sprintf("[%s] retry scheduled: %s", ev.NodeID, strings.TrimSpace(ev.Message)), false)
	case string(stack.NodeSucceeded):
		c.setNodeLocked(ev.NodeID, "succeeded", ev.Attempt, "", "", nil, ts)
	case string(stack.NodeBlocked):
		c.setNodeLocked(ev.NodeID, "blocked", ev.Attempt, "", strings.TrimSpace(ev.Message), nil, ts)
		c.appendLogLocked(fmt.Sprintf("[%s] blocked: %s", ev.NodeID, strings.TrimSpace(ev.Message)), true)
	case string(stack.NodeProtected):
		c.setNodeLocked(ev.NodeID, "protected", ev.Attempt, "", strings.TrimSpace(ev.Message), ev.Error, ts)
		c.addFailureLocked(runFailure{nodeID: ev.NodeID, attempt: ev.Attempt, err: ev.Error, msg: strings.TrimSpace(ev.Message)})
	case string(stack.NodeFailed):
		c.setNodeLocked(ev.NodeID, "failed", ev.Attempt, c.getPhase(ev.NodeID), "", ev.Error, ts)
		c.addFailureLocked(runFailure{nodeID: ev.NodeID, attempt: ev.Attempt, err: ev.Error, msg: strings.TrimSpace(ev.Message)})
	case string(stack.NodeLog):
		if c.opts.Verbose {
			c.appendLogLocked(fmt.Sprintf("[%s] %s", ev.NodeID, strings.TrimSpace(ev.Message)), false)
		}
	case string(stack.RunCompleted):
		if msg := strings.TrimSpace(ev.Message); msg != "" {
			c.appendLogLocked("run completed: "+msg, true)
		}
	}
}

func (c *RunConsole) setNodeLocked(id, status string, attempt int, phase string, note string, runErr *stack.RunError, ts time.Time) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	ns := c.nodes[id]
	if ns == nil {
		ns = &runNodeState{id: id}
		c.nodes[id] = ns
	}
	if ns.startedAt.IsZero() && status == "running" {
		ns.startedAt = ts
	}
	ns.updatedAt = ts
	if strings.TrimSpace(status) != "" {
		ns.status = strings.TrimSpace(status)
	}
	if attempt > 0 {
		ns.attempt = attempt
	}
	if strings.TrimSpace(phase) != "" {
		ns.phase = strings.TrimSpace(phase)
	}
	if strings.TrimSpace(note) != "" {
		ns.note = strings.TrimSpace(note)
	} else if status != "retrying" && status != "blocked" && status != "protected" {
		ns.note = ""
	}
	if runErr != nil {
		ns.lastError = runErr
	}
}

func (c *RunConsole) addFailureLocked(f runFailure) {
	for _, existing := range c.failures {
		if existing.nodeID == f.nodeID && existing.attempt == f.attempt {
			return
		}
	}
	c.failures = append(c.failures, f)
}

func (c *RunConsole) appendLogLocked(line string, important bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !important && !c.opts.Verbose {
		return
	}
	const max = 16
	c.logTail = append(c.logTail, line)
	if len(c.logTail) > max {
		c.logTail = c.logTail[len(c.logTail)-max:]
	}
}

func (c *RunConsole) getStatus(id string) string {
	if ns := c.nodes[strings.TrimSpace(id)]; ns != nil && ns.status != "" {
		return ns.status
	}
	return "planned"
}

func (c *RunConsole) getPhase(id string) string {
	if ns := c.nodes[strings.TrimSpace(id)]; ns != nil {
		return ns.phase
	}
	return ""
}

func (c *RunConsole) renderLocked() {
	if !c.opts.Enabled || c.out == nil {
		return
	}
	newSections := c.buildSectionsLocked()
	c.applyDiffLocked(newSections)
}

func (c *RunConsole) buildSectionsLocked() []consoleSection {
	var sections []consoleSection
	sections = append(sections, consoleSection{name: "header", lines: c.renderHeaderLocked()})
	if len(c.failures) > 0 {
		sections = append(sections, consoleSection{name: "failures", lines: c.renderFailuresLocked()})
	}
	sections = append(sections, consoleSection{name: "stacks", lines: c.renderStacksLocked()})
	if c.opts.Verbose || len(c.failures) > 0 {
		sections = append(sections, consoleSection{name: "log", lines: c.renderLogLocked()})
	}
	sections = append(sections, consoleSection{name: "footer", lines: c.renderFooterLocked()})
	return sections
}

// applyDiffLocked repaints from the first changed section down instead of
// redrawing the whole frame, which keeps slow terminals readable.
func (c *RunConsole) applyDiffLocked(newSections []consoleSection) {
	newTotal := countLines(newSections)
	if len(c.sections) == 0 {
		c.writeSections(newSections)
		c.sections = cloneSections(newSections)
		c.totalLines = newTotal
		return
	}
	idx := diffIndex(c.sections, newSections)
	if idx == -1 && newTotal == c.totalLines {
		return
	}
	if idx == -1 {
		idx = len(newSections)
	}
	startLine := countLines(c.sections[:idx])
	linesBelow := c.totalLines - startLine
	if linesBelow > 0 {
		fmt.Fprintf(c.out, "\x1b[%dF", linesBelow)
	}
	fmt.Fprint(c.out, "\x1b[J")
	c.writeSections(newSections[idx:])
	c.sections = cloneSections(newSections)
	c.totalLines = newTotal
}

func (c *RunConsole) writeSections(sections []consoleSection) {
	for _, section := range sections {
		for _, line := range section.lines {
			fmt.Fprintf(c.out, "%s\x1b[K\n", line)
		}
	}
	if len(sections) == 0 {
		fmt.Fprint(c.out, "\x1b[K\n")
	}
}

func (c *RunConsole) renderHeaderLocked() []string {
	project := ""
	root := ""
	if c.plan != nil {
		project = strings.TrimSpace(c.plan.ProjectName)
		root = strings.TrimSpace(c.plan.StackRoot)
	}
	elapsed := time.Since(c.startedAt).Round(100 * time.Millisecond)
	runID := c.runID
	if runID == "" {
		runID = "…"
	}
	title := fmt.Sprintf("stackctl stack %s • %s • runId=%s • elapsed=%s", c.command, project, runID, elapsed)
	if root != "" {
		title += " • root=" + root
	}
	lines := []string{title}
	if strings.TrimSpace(c.concurrent) != "" {
		lines = append(lines, strings.TrimSpace(c.concurrent))
	}
	return lines
}

func (c *RunConsole) renderFailuresLocked() []string {
	lines := []string{color.New(color.FgRed, color.Bold).Sprint("FAILURES (sticky)")}
	for _, f := range c.failures {
		msg := f.msg
		class := ""
		digest := ""
		if f.err != nil {
			class = strings.TrimSpace(f.err.Class)
			digest = strings.TrimSpace(f.err.Digest)
		}
		if len(digest) > 16 {
			digest = digest[:16] + "…"
		}
		if len(msg) > 140 {
			msg = msg[:140] + "…"
		}
		line := fmt.Sprintf("  %s attempt=%d class=%s digest=%s %s", f.nodeID, f.attempt, class, digest, msg)
		lines = append(lines, color.New(color.FgRed).Sprint(line))
	}
	return lines
}

func (c *RunConsole) renderStacksLocked() []string {
	order := c.nodeOrder
	if len(order) == 0 {
		for id := range c.nodes {
			order = append(order, id)
		}
		sort.Strings(order)
	}

	width := c.opts.Width
	if width <= 0 {
		width = 120
	}
	lines := make([]string, 0, len(order)+2)
	lines = append(lines, fmt.Sprintf("%-36s %-10s %-7s %-26s %s", "Stack", "Status", "Attempt", "Phase", "Note"))
	lines = append(lines, strings.Repeat("-", min(width, 110)))
	now := time.Now()
	for _, id := range order {
		ns := c.nodes[id]
		if ns == nil {
			ns = &runNodeState{id: id, status: "planned"}
		}
		status := colorizeRunStatus(strings.ToUpper(ns.status))
		phase := strings.TrimSpace(ns.phase)
		if phase == "" {
			phase = "-"
		}
		note := strings.TrimSpace(ns.note)
		if note == "" && ns.lastError != nil {
			note = strings.TrimSpace(ns.lastError.Class)
		}
		if !ns.startedAt.IsZero() && (ns.status == "running" || ns.status == "retrying") {
			elapsed := now.Sub(ns.startedAt).Round(100 * time.Millisecond)
			phase = fmt.Sprintf("%s (%s)", phase, elapsed)
		}
		lines = append(lines, fmt.Sprintf("%-36s %-10s %-7d %-26s %s",
			trimTo(id, 36), status, ns.attempt, trimTo(phase, 26), trimTo(note, max(width-36-10-7-26-4, 0))))
	}
	return lines
}

func (c *RunConsole) renderLogLocked() []string {
	if len(c.logTail) == 0 {
		return []string{"LOG (tail) • (empty)"}
	}
	lines := []string{"LOG (tail)"}
	for _, line := range c.logTail {
		lines = append(lines, "  "+line)
	}
	return lines
}

func (c *RunConsole) renderFooterLocked() []string {
	if c.plan == nil || strings.TrimSpace(c.plan.StackRoot) == "" || strings.TrimSpace(c.runID) == "" {
		return nil
	}
	root := strings.TrimSpace(c.plan.StackRoot)
	runID := strings.TrimSpace(c.runID)
	return []string{
		fmt.Sprintf("FOLLOW stackctl stack --root %s status --run-id %s --follow", root, runID),
		fmt.Sprintf("RUNS   stackctl stack --root %s runs", root),
	}
}

func colorizeRunStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PLANNED":
		return color.New(color.FgHiBlack).Sprint(status)
	case "QUEUED":
		return color.New(color.FgCyan).Sprint(status)
	case "RUNNING":
		return color.New(color.FgBlue, color.Bold).Sprint(status)
	case "RETRYING":
		return color.New(color.FgYellow, color.Bold).Sprint(status)
	case "SUCCEEDED":
		return color.New(color.FgGreen, color.Bold).Sprint(status)
	case "FAILED":
		return color.New(color.FgRed, color.Bold).Sprint(status)
	case "BLOCKED":
		return color.New(color.FgYellow).Sprint(status)
	case "PROTECTED":
		return color.New(color.FgMagenta).Sprint(status)
	default:
		return status
	}
}

// runConsoleOrder puts the longest dependency chain first so the rows that
// gate the run's wall-clock stay visible, then everything else by wave.
func runConsoleOrder(p *stack.Plan) []string {
	if p == nil || len(p.Nodes) == 0 {
		return nil
	}
	critical := criticalPathIDs(p)
	criticalSet := map[string]struct{}{}
	for _, id := range critical {
		criticalSet[id] = struct{}{}
	}

	var rest []*stack.ResolvedStack
	for _, n := range p.Nodes {
		if n == nil {
			continue
		}
		if _, ok := criticalSet[n.ID]; ok {
			continue
		}
		rest = append(rest, n)
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].ExecutionGroup != rest[j].ExecutionGroup {
			return rest[i].ExecutionGroup < rest[j].ExecutionGroup
		}
		return rest[i].ID < rest[j].ID
	})

	out := append([]string(nil), critical...)
	for _, n := range rest {
		out = append(out, n.ID)
	}
	return out
}

// criticalPathIDs walks nodes in wave order, which is topological: every
// dependency sits in a strictly earlier wave.
func criticalPathIDs(p *stack.Plan) []string {
	nodes := append([]*stack.ResolvedStack(nil), p.Nodes...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ExecutionGroup != nodes[j].ExecutionGroup {
			return nodes[i].ExecutionGroup < nodes[j].ExecutionGroup
		}
		return nodes[i].ID < nodes[j].ID
	})

	dist := map[string]int{}
	prev := map[string]string{}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		best := 0
		bestPrev := ""
		for _, depID := range n.Needs {
			if p.Node(depID) == nil {
				continue
			}
			if d := dist[depID]; d > best {
				best = d
				bestPrev = depID
			}
		}
		dist[n.ID] = best + 1
		if bestPrev != "" {
			prev[n.ID] = bestPrev
		}
	}

	end := ""
	maxDist := 0
	for id, d := range dist {
		if d > maxDist || (d == maxDist && (end == "" || id < end)) {
			maxDist = d
			end = id
		}
	}
	if end == "" {
		return nil
	}
	var path []string
	for cur := end; cur != ""; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func parseRFC3339(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func trimTo(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
