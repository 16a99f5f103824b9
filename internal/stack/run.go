// File: internal/stack/run.go
// Brief: Run engine: scheduler, worker pool, events and persistence for stack actions.

package stack

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/stackctl/internal/cloud"
	"github.com/example/stackctl/internal/featureflags"
	"github.com/example/stackctl/internal/resolver"
)

const defaultConcurrency = 4

// Node statuses as persisted in summaries and the state store. A node that
// was never dispatched (cancelled run, fail-fast stop) stays planned.
const (
	statusPlanned   = "planned"
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusBlocked   = "blocked"
	statusProtected = "protected"
)

// NodeExecutor performs one stack action against the control plane.
// RunNode returns nil once the action reached its success state; the
// engine owns retries, so executors report every failure as an error.
type NodeExecutor interface {
	RunNode(ctx context.Context, node *runNode, action cloud.Action) error
}

// runNode is one stack inside a live run.
type runNode struct {
	*ResolvedStack
	Attempt int
}

func wrapRunNodes(nodes []*ResolvedStack) []*runNode {
	out := make([]*runNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &runNode{ResolvedStack: n})
	}
	return out
}

// RunOptions configures one run of a compiled plan. Zero values fall back
// to the project's runner settings and then to built-in defaults.
type RunOptions struct {
	Action cloud.Action
	Plan   *Plan

	Concurrency          int
	FailFast             bool
	IgnoreDependencies   bool
	MaxAttempts          int
	PollInterval         time.Duration
	Timeout              time.Duration
	MaxInFlightPerTarget int

	RunID    string
	Selector RunSelector
	Version  string

	// DefaultTarget fills in region, profile and role for stacks that do
	// not set their own.
	DefaultTarget cloud.Target
	Connections   *cloud.Connections
	Resolvers     *resolver.Registry
	Templates     TemplateSource

	// Executor replaces the cloud executor; hooks still wrap it.
	Executor NodeExecutor

	Logger         *zap.Logger
	EventObservers []RunEventObserver
}

type runSettings struct {
	concurrency  int
	failFast     bool
	maxAttempts  int
	pollInterval time.Duration
	timeout      time.Duration
}

func effectiveRunSettings(opts RunOptions, rc RunnerConfig) runSettings {
	s := runSettings{
		concurrency:  opts.Concurrency,
		failFast:     opts.FailFast,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
	}
	if s.concurrency <= 0 && rc.Concurrency != nil {
		s.concurrency = *rc.Concurrency
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if !s.failFast && rc.FailFast != nil {
		s.failFast = *rc.FailFast
	}
	if s.maxAttempts <= 0 && rc.MaxAttempts != nil {
		s.maxAttempts = *rc.MaxAttempts
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	if s.pollInterval <= 0 && rc.PollInterval != nil {
		s.pollInterval = *rc.PollInterval
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.timeout <= 0 && rc.Timeout != nil {
		s.timeout = *rc.Timeout
	}
	return s
}

func newRunID() string {
	return time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
}

// runState holds everything shared across workers for one run: the wrapped
// nodes, the event sequence with its digest chain, and both persistence
// sinks (the run directory and the sqlite mirror).
type runState struct {
	RunID       string
	Action      cloud.Action
	Plan        *Plan
	Nodes       []*runNode
	Concurrency int
	FailMode    string
	IgnoreDeps  bool
	Selector    RunSelector
	Version     string
	StartedAt   time.Time

	runRoot    string
	eventsPath string
	store      *stateStore
	// pctx outlives cancellation so events from in-flight nodes still land.
	pctx   context.Context
	logger *zap.Logger

	mu            sync.Mutex
	eventSeq      int64
	eventPrevHash string
	observers     []RunEventObserver
}

func newRunState(ctx context.Context, opts RunOptions, set runSettings) (*runState, error) {
	p := opts.Plan
	runID := opts.RunID
	if runID == "" {
		runID = newRunID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	failMode := "continue"
	if set.failFast {
		failMode = "fail-fast"
	}
	run := &runState{
		RunID:       runID,
		Action:      opts.Action,
		Plan:        p,
		Nodes:       wrapRunNodes(p.Nodes),
		Concurrency: set.concurrency,
		FailMode:    failMode,
		IgnoreDeps:  opts.IgnoreDependencies,
		Selector:    opts.Selector,
		Version:     opts.Version,
		StartedAt:   time.Now().UTC(),
		runRoot:     runDir(p.StackRoot, runID),
		pctx:        context.WithoutCancel(ctx),
		logger:      logger,
		observers:   append([]RunEventObserver(nil), opts.EventObservers...),
	}
	run.eventsPath = filepath.Join(run.runRoot, "events.ndjson")

	store, err := openStateStore(p.StackRoot, false)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	run.store = store
	return run, nil
}

func (r *runState) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

// WritePlan persists the run plan to plan.json and registers the run in
// the state store. Failing here aborts the run before any dispatch.
func (r *runState) WritePlan() error {
	payload := buildRunPlanPayload(r, r.Plan)
	if hash, err := ComputeRunPlanHash(payload); err == nil {
		payload.PlanHash = hash
	}
	if err := writeJSONAtomic(filepath.Join(r.runRoot, "plan.json"), payload); err != nil {
		return fmt.Errorf("write run plan: %w", err)
	}
	if err := r.store.CreateRun(r.pctx, r, r.Plan); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (r *runState) AddObserver(obs RunEventObserver) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, obs)
	r.mu.Unlock()
}

// AppendEvent emits a durable event: it extends the digest chain, appends
// to events.ndjson and mirrors into sqlite before observers see it.
func (r *runState) AppendEvent(nodeID string, typ RunEventType, attempt int, msg string, fields map[string]any, rerr *RunError) {
	r.emit(nodeID, typ, attempt, msg, fields, rerr, true)
}

// EmitEphemeralEvent emits an event for live rendering only. It shares the
// sequence counter but is not persisted and does not join the digest chain.
func (r *runState) EmitEphemeralEvent(nodeID string, typ RunEventType, attempt int, msg string, fields map[string]any) {
	r.emit(nodeID, typ, attempt, msg, fields, nil, false)
}

func (r *runState) NodeLogf(nodeID string, format string, args ...any) {
	r.EmitEphemeralEvent(nodeID, NodeLog, 0, fmt.Sprintf(format, args...), nil)
}

func (r *runState) emit(nodeID string, typ RunEventType, attempt int, msg string, fields map[string]any, rerr *RunError, persist bool) {
	r.mu.Lock()
	r.eventSeq++
	ev := RunEvent{
		Seq:     r.eventSeq,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		RunID:   r.RunID,
		NodeID:  nodeID,
		Type:    string(typ),
		Attempt: attempt,
		Message: msg,
		Fields:  fields,
		Error:   rerr,
	}
	if persist {
		ev.PrevDigest = r.eventPrevHash
		ev.Digest, ev.CRC32 = computeRunEventIntegrity(ev)
		r.eventPrevHash = ev.Digest
		if err := appendJSONLine(r.eventsPath, ev); err != nil {
			r.logger.Warn("append run event", zap.String("type", string(typ)), zap.Error(err))
		}
		if err := r.store.AppendEvent(r.pctx, r.RunID, ev); err != nil {
			r.logger.Warn("record run event", zap.String("type", string(typ)), zap.Error(err))
		}
	}
	obs := append([]RunEventObserver(nil), r.observers...)
	r.mu.Unlock()
	for _, o := range obs {
		o.ObserveRunEvent(ev)
	}
}

func (r *runState) lastDigest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventPrevHash
}

// BuildSummary folds the scheduler outcome into the summary document.
func (r *runState) BuildSummary(snap schedulerSnapshot, status string) *RunSummary {
	now := time.Now().UTC()
	sum := &RunSummary{
		APIVersion: runAPIVersion,
		RunID:      r.RunID,
		Action:     string(r.Action),
		Status:     status,
		StartedAt:  r.StartedAt.Format(time.RFC3339Nano),
		UpdatedAt:  now.Format(time.RFC3339Nano),
		Nodes:      make(map[string]RunNodeSummary, len(r.Nodes)),
	}
	for _, n := range r.Nodes {
		sum.Order = append(sum.Order, n.ID)
		st, ok := snap.Status[n.ID]
		if !ok || st == statusRunning {
			st = statusPlanned
		}
		ns := RunNodeSummary{Status: st, Attempt: n.Attempt}
		if err := snap.Errs[n.ID]; err != nil {
			ns.Error = err.Error()
		} else if reason := snap.BlockedReason[n.ID]; reason != "" {
			ns.Error = reason
		}
		switch st {
		case statusPlanned:
			sum.Totals.Planned++
		case statusSucceeded:
			sum.Totals.Succeeded++
		case statusFailed:
			sum.Totals.Failed++
		case statusBlocked:
			sum.Totals.Blocked++
		case statusProtected:
			sum.Totals.Protected++
		}
		sum.Nodes[n.ID] = ns
	}
	return sum
}

// WriteSummary persists the summary document to both sinks.
func (r *runState) WriteSummary(sum *RunSummary) {
	if err := writeJSONAtomic(filepath.Join(r.runRoot, "summary.json"), sum); err != nil {
		r.logger.Warn("write run summary", zap.Error(err))
	}
	if err := r.store.WriteSummary(r.pctx, r.RunID, sum); err != nil {
		r.logger.Warn("record run summary", zap.Error(err))
	}
}

type takeResult int

const (
	takeOK takeResult = iota
	takeWait
	takeDone
)

type blockedNode struct {
	ID     string
	Reason string
}

type schedulerSnapshot struct {
	Status        map[string]string
	Errs          map[string]error
	BlockedReason map[string]string
}

// scheduler hands out nodes whose dependencies have completed. Edges run
// forward for create, update and launch and are reversed for delete so
// dependents tear down before the stacks they consume.
type scheduler struct {
	mu            sync.Mutex
	nodes         map[string]*runNode
	deps          map[string][]string
	dependents    map[string][]string
	inDegree      map[string]int
	status        map[string]string
	errs          map[string]error
	blockedReason map[string]string
	ready         []string
	running       int
	stopped       bool
	newlyReady    []string
	newlyBlocked  []blockedNode
}

func newScheduler(nodes []*runNode, action cloud.Action, ignoreDeps bool) *scheduler {
	s := &scheduler{
		nodes:         make(map[string]*runNode, len(nodes)),
		deps:          make(map[string][]string),
		dependents:    make(map[string][]string),
		inDegree:      make(map[string]int, len(nodes)),
		status:        make(map[string]string, len(nodes)),
		errs:          make(map[string]error),
		blockedReason: make(map[string]string),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
		s.status[n.ID] = statusPlanned
		s.inDegree[n.ID] = 0
	}
	if !ignoreDeps {
		for _, n := range nodes {
			for _, need := range n.Needs {
				if _, ok := s.nodes[need]; !ok {
					continue
				}
				from, to := need, n.ID
				if action == cloud.ActionDelete {
					from, to = n.ID, need
				}
				// to waits for from
				s.deps[to] = append(s.deps[to], from)
				s.dependents[from] = append(s.dependents[from], to)
				s.inDegree[to]++
			}
		}
	}
	for _, n := range nodes {
		if s.inDegree[n.ID] == 0 {
			s.ready = append(s.ready, n.ID)
		}
	}
	sort.Strings(s.ready)
	s.newlyReady = append(s.newlyReady, s.ready...)
	return s
}

// next pops a runnable node. Nodes whose dependencies completed without
// succeeding are blocked here instead of handed out.
func (s *scheduler) next() (*runNode, takeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, takeDone
		}
		if len(s.ready) == 0 {
			if s.running == 0 {
				return nil, takeDone
			}
			return nil, takeWait
		}
		id := s.ready[0]
		s.ready = s.ready[1:]
		if reason := s.unmetDepLocked(id); reason != "" {
			s.setBlockedLocked(id, reason)
			continue
		}
		s.status[id] = statusRunning
		s.running++
		return s.nodes[id], takeOK
	}
}

func (s *scheduler) unmetDepLocked(id string) string {
	for _, dep := range s.deps[id] {
		switch s.status[dep] {
		case statusSucceeded, statusProtected:
		default:
			return fmt.Sprintf("blocked by %s (%s)", dep, s.status[dep])
		}
	}
	return ""
}

func (s *scheduler) MarkSucceeded(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = statusSucceeded
	s.running--
	s.releaseDependentsLocked(id)
}

func (s *scheduler) MarkFailed(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = statusFailed
	s.errs[id] = err
	s.running--
	s.releaseDependentsLocked(id)
}

// MarkProtected records a protected skip. Dependents are released: the
// skip alone does not cascade, only resolving the skipped stack's outputs
// does.
func (s *scheduler) MarkProtected(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = statusProtected
	s.errs[id] = err
	s.running--
	s.releaseDependentsLocked(id)
}

// markCancelled returns a popped node to planned when cancellation hit
// before anything was dispatched for it.
func (s *scheduler) markCancelled(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = statusPlanned
	s.running--
}

func (s *scheduler) setBlockedLocked(id string, reason string) {
	s.status[id] = statusBlocked
	s.blockedReason[id] = reason
	s.newlyBlocked = append(s.newlyBlocked, blockedNode{ID: id, Reason: reason})
	s.releaseDependentsLocked(id)
}

func (s *scheduler) releaseDependentsLocked(id string) {
	for _, dep := range s.dependents[id] {
		if s.status[dep] != statusPlanned {
			continue
		}
		s.inDegree[dep]--
		if s.inDegree[dep] == 0 {
			s.ready = append(s.ready, dep)
			sort.Strings(s.ready)
			s.newlyReady = append(s.newlyReady, dep)
		}
	}
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// FinalizeBlocked sweeps planned nodes whose dependencies failed or were
// blocked. It runs after the pool drains so fail-fast and cancelled runs
// still report the full cascade.
func (s *scheduler) FinalizeBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for changed := true; changed; {
		changed = false
		for id, st := range s.status {
			if st != statusPlanned {
				continue
			}
			for _, dep := range s.deps[id] {
				if ds := s.status[dep]; ds == statusFailed || ds == statusBlocked {
					s.setBlockedLocked(id, fmt.Sprintf("blocked by %s (%s)", dep, ds))
					changed = true
					break
				}
			}
		}
	}
}

func (s *scheduler) TakeNewlyReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.newlyReady
	s.newlyReady = nil
	return out
}

func (s *scheduler) TakeNewlyBlocked() []blockedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.newlyBlocked
	s.newlyBlocked = nil
	return out
}

func (s *scheduler) Snapshot() schedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := schedulerSnapshot{
		Status:        make(map[string]string, len(s.status)),
		Errs:          make(map[string]error, len(s.errs)),
		BlockedReason: make(map[string]string, len(s.blockedReason)),
	}
	for id, st := range s.status {
		snap.Status[id] = st
	}
	for id, err := range s.errs {
		snap.Errs[id] = err
	}
	for id, reason := range s.blockedReason {
		snap.BlockedReason[id] = reason
	}
	return snap
}

// targetBudgets caps in-flight actions per cloud target so one busy
// account and region cannot absorb the whole worker pool.
type targetBudgets struct {
	limit int64
	def   cloud.Target

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newTargetBudgets(limit int, def cloud.Target) *targetBudgets {
	if limit <= 0 {
		return nil
	}
	return &targetBudgets{limit: int64(limit), def: def, sems: make(map[string]*semaphore.Weighted)}
}

func (b *targetBudgets) forNode(n *ResolvedStack) (*semaphore.Weighted, string) {
	if b == nil {
		return nil, ""
	}
	t := effectiveTarget(n, b.def)
	key := t.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(b.limit)
		b.sems[key] = sem
	}
	return sem, key
}

type engine struct {
	ctx     context.Context
	run     *runState
	sched   *scheduler
	exec    NodeExecutor
	budgets *targetBudgets
	// gate is nil unless the adaptive-concurrency feature is enabled.
	gate        *concurrencyGate
	action      cloud.Action
	failFast    bool
	maxAttempts int

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

func (e *engine) noteFailure(err error) {
	e.mu.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.mu.Unlock()
}

func (e *engine) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErr
}

// drain turns scheduler transitions into events. Each transition is taken
// exactly once, so concurrent workers never double-report.
func (e *engine) drain() {
	for _, id := range e.sched.TakeNewlyReady() {
		e.run.AppendEvent(id, NodeQueued, 0, "ready to run", nil, nil)
	}
	for _, b := range e.sched.TakeNewlyBlocked() {
		e.run.AppendEvent(b.ID, NodeBlocked, 0, b.Reason, nil, nil)
	}
}

func (e *engine) worker() {
	defer e.wg.Done()
	for {
		if e.ctx.Err() != nil {
			e.sched.Stop()
		}
		if !e.gate.tryEnter() {
			select {
			case <-e.ctx.Done():
				e.sched.Stop()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		node, res := e.sched.next()
		e.drain()
		switch res {
		case takeDone:
			e.gate.leave()
			return
		case takeWait:
			e.gate.leave()
			select {
			case <-e.ctx.Done():
				e.sched.Stop()
			case <-time.After(100 * time.Millisecond):
			}
		case takeOK:
			e.runOne(node)
			e.gate.leave()
			e.drain()
		}
	}
}

func (e *engine) runOne(node *runNode) {
	if node.Protected {
		perr := &ProtectedStackError{Stack: node.ID, Action: string(e.action)}
		rerr := &RunError{
			Class:   "PROTECTED",
			Message: perr.Error(),
			Digest:  computeRunErrorDigest("PROTECTED", perr.Error()),
		}
		e.run.AppendEvent(node.ID, NodeProtected, 0, perr.Error(), nil, rerr)
		e.sched.MarkProtected(node.ID, perr)
		e.noteFailure(perr)
		return
	}

	if sem, key := e.budgets.forNode(node.ResolvedStack); sem != nil {
		if !sem.TryAcquire(1) {
			e.run.AppendEvent(node.ID, BudgetWait, 0,
				fmt.Sprintf("waiting for in-flight capacity on %s", key),
				map[string]any{"target": key}, nil)
			for {
				if e.ctx.Err() != nil {
					e.sched.markCancelled(node.ID)
					return
				}
				time.Sleep(200 * time.Millisecond)
				if sem.TryAcquire(1) {
					break
				}
			}
		}
		defer sem.Release(1)
	}

	var err error
	for try := 1; ; try++ {
		node.Attempt = try
		e.run.AppendEvent(node.ID, NodeRunning, try, fmt.Sprintf("%s attempt %d", e.action, try), nil, nil)
		err = e.exec.RunNode(e.ctx, node, e.action)
		if err == nil {
			e.noteOutcome("")
			break
		}
		class := classifyError(err)
		e.noteOutcome(class)
		if try >= e.maxAttempts || !isRetryableClass(class) {
			break
		}
		backoff := retryBackoff(try)
		e.run.AppendEvent(node.ID, RetryScheduled, try,
			fmt.Sprintf("attempt %d failed (%s), retrying in %s", try, class, backoff.Round(time.Millisecond)),
			map[string]any{"class": class}, runErrorFrom(err))
		select {
		case <-e.ctx.Done():
		case <-time.After(backoff):
		}
		if e.ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		e.run.AppendEvent(node.ID, NodeFailed, node.Attempt, err.Error(), nil, runErrorFrom(err))
		e.sched.MarkFailed(node.ID, err)
		e.noteFailure(err)
		if e.failFast {
			e.sched.Stop()
		}
		return
	}
	e.run.AppendEvent(node.ID, NodeSucceeded, node.Attempt, fmt.Sprintf("%s succeeded", e.action), nil, nil)
	e.sched.MarkSucceeded(node.ID)
}

// noteOutcome feeds one attempt outcome into the adaptive gate; an empty
// class means success. Target changes surface as ephemeral events so the
// console can show why the run sped up or slowed down.
func (e *engine) noteOutcome(class string) {
	if e.gate == nil {
		return
	}
	var msg string
	var changed bool
	if class == "" {
		msg, changed = e.gate.noteSuccess()
	} else {
		msg, changed = e.gate.noteFailure(class)
	}
	if changed {
		e.run.EmitEphemeralEvent("", RunConcurrency, 0, msg, nil)
	}
}

func runErrorFrom(err error) *RunError {
	if err == nil {
		return nil
	}
	class := classifyError(err)
	return &RunError{
		Class:   class,
		Message: err.Error(),
		Digest:  computeRunErrorDigest(class, err.Error()),
	}
}

// Run executes an action over every stack in the plan, honoring dependency
// order and concurrency limits. It returns the first stack failure; a nil
// error means every stack succeeded.
//
// Cancelling ctx stops dispatching new stacks. In-flight actions detach
// from the cancellation and run to their terminal state so the control
// plane is never abandoned mid-action.
func Run(ctx context.Context, opts RunOptions, out io.Writer, errOut io.Writer) error {
	p := opts.Plan
	if p == nil || len(p.Nodes) == 0 {
		return fmt.Errorf("run: plan has no stacks")
	}
	switch opts.Action {
	case cloud.ActionCreate, cloud.ActionUpdate, cloud.ActionDelete, cloud.ActionLaunch:
	default:
		return fmt.Errorf("run: unsupported action %q", opts.Action)
	}

	set := effectiveRunSettings(opts, p.Runner)
	run, err := newRunState(ctx, opts, set)
	if err != nil {
		return err
	}
	defer run.Close()
	if len(opts.EventObservers) == 0 && out != nil {
		run.AddObserver(newRunConsole(out, false))
	}
	if err := run.WritePlan(); err != nil {
		return err
	}

	run.AppendEvent("", RunStarted, 0, fmt.Sprintf("%s %d stacks", opts.Action, len(run.Nodes)), map[string]any{
		"action":      string(opts.Action),
		"stacks":      len(run.Nodes),
		"concurrency": set.concurrency,
		"failMode":    run.FailMode,
		"ignoreDeps":  opts.IgnoreDependencies,
		"project":     p.ProjectName,
		"profile":     p.Profile,
		"root":        p.StackRoot,
		"version":     opts.Version,
	}, nil)
	for _, n := range run.Nodes {
		t := effectiveTarget(n.ResolvedStack, opts.DefaultTarget)
		fields := map[string]any{
			"name":      n.Name,
			"stackName": n.StackName,
			"target":    t.String(),
			"wave":      n.ExecutionGroup,
		}
		if len(n.Needs) > 0 {
			fields["needs"] = append([]string(nil), n.Needs...)
		}
		if n.Protected {
			fields["protected"] = true
		}
		run.AppendEvent(n.ID, NodeMeta, 0, "", fields, nil)
	}

	exec := opts.Executor
	if exec == nil {
		conns := opts.Connections
		if conns == nil {
			conns = cloud.NewConnections()
		}
		templates := opts.Templates
		if templates == nil {
			templates = fileTemplateSource{}
		}
		exec = newCloudExecutor(run, conns, opts.DefaultTarget, templates, opts.Resolvers, set.pollInterval, set.timeout)
	}
	exec = newHookedExecutor(exec, run, opts.DefaultTarget)

	eng := &engine{
		ctx:         ctx,
		run:         run,
		sched:       newScheduler(run.Nodes, opts.Action, opts.IgnoreDependencies),
		exec:        exec,
		budgets:     newTargetBudgets(opts.MaxInFlightPerTarget, opts.DefaultTarget),
		action:      opts.Action,
		failFast:    set.failFast,
		maxAttempts: set.maxAttempts,
	}
	if featureflags.FromContext(ctx).Enabled(featureflags.FeatureAdaptiveConcurrency) {
		eng.gate = newConcurrencyGate(set.concurrency)
		run.EmitEphemeralEvent("", RunConcurrency, 0, "adaptive concurrency enabled: "+eng.gate.snapshotLine(), nil)
	}
	eng.drain()

	workers := set.concurrency
	if workers > len(run.Nodes) {
		workers = len(run.Nodes)
	}
	eng.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go eng.worker()
	}
	eng.wg.Wait()

	eng.sched.FinalizeBlocked()
	eng.drain()

	runErr := eng.failure()
	status := "succeeded"
	switch {
	case runErr != nil:
		status = "failed"
	case ctx.Err() != nil:
		status = "cancelled"
		runErr = fmt.Errorf("run cancelled: %w", context.Cause(ctx))
	}

	snap := eng.sched.Snapshot()
	sum := run.BuildSummary(snap, status)
	run.AppendEvent("", RunCompleted, 0, status, map[string]any{
		"succeeded": sum.Totals.Succeeded,
		"failed":    sum.Totals.Failed,
		"blocked":   sum.Totals.Blocked,
		"protected": sum.Totals.Protected,
		"planned":   sum.Totals.Planned,
	}, runErrorFrom(runErr))
	run.WriteSummary(sum)

	if err := run.store.FinalizeRun(run.pctx, run.RunID, time.Now().UTC().UnixNano(), run.lastDigest()); err != nil {
		run.logger.Warn("finalize run", zap.Error(err))
	}
	if err := run.store.CheckpointPortable(run.pctx); err != nil {
		run.logger.Warn("checkpoint state store", zap.Error(err))
	}
	return runErr
}
