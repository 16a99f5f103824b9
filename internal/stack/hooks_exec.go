// File: internal/stack/hooks_exec.go
// Brief: Hook execution around stack actions.

package stack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/example/stackctl/internal/cloud"
)

const (
	defaultHookTimeout = 5 * time.Minute
	maxHookBodyBytes   = 64 << 10
)

// HookContext carries run information into a custom hook kind.
type HookContext struct {
	Stack  *ResolvedStack
	Action cloud.Action
	Phase  string // "before" or "after"
	RunID  string
	Arg    string
}

// HookRunnerFunc implements a custom hook kind registered at startup.
type HookRunnerFunc func(ctx context.Context, hc HookContext) error

var (
	hookKindsMu sync.RWMutex
	hookKinds   = map[string]HookRunnerFunc{}
)

// RegisterHookKind makes a custom hook kind available to `use:` hooks.
// Register before any run starts; names are globally unique.
func RegisterHookKind(name string, fn HookRunnerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("hook kind name is empty")
	}
	if fn == nil {
		return fmt.Errorf("hook kind %s has no runner", name)
	}
	hookKindsMu.Lock()
	defer hookKindsMu.Unlock()
	if _, dup := hookKinds[name]; dup {
		return fmt.Errorf("hook kind %s is already registered", name)
	}
	hookKinds[name] = fn
	return nil
}

func lookupHookKind(name string) (HookRunnerFunc, bool) {
	hookKindsMu.RLock()
	defer hookKindsMu.RUnlock()
	fn, ok := hookKinds[name]
	return fn, ok
}

// hookedExecutor runs a stack's before-hooks, the wrapped executor, then
// its after-hooks. A failing before-hook stops the stack before anything
// reaches the control plane.
type hookedExecutor struct {
	base      NodeExecutor
	run       *runState
	defTarget cloud.Target
	client    *http.Client
}

func newHookedExecutor(base NodeExecutor, run *runState, defTarget cloud.Target) *hookedExecutor {
	return &hookedExecutor{
		base:      base,
		run:       run,
		defTarget: defTarget,
		client:    &http.Client{Timeout: defaultHookTimeout},
	}
}

func (h *hookedExecutor) RunNode(ctx context.Context, node *runNode, action cloud.Action) error {
	if err := h.runHookList(ctx, node, action, "before", node.Hooks.Before(action), nil); err != nil {
		return err
	}
	actionErr := h.base.RunNode(ctx, node, action)
	if err := h.runHookList(ctx, node, action, "after", node.Hooks.After(action), actionErr); err != nil {
		// The action error stays the stack's result; hook failures on an
		// already failed action only show up in events.
		if actionErr != nil {
			return actionErr
		}
		return err
	}
	return actionErr
}

func (h *hookedExecutor) runHookList(ctx context.Context, node *runNode, action cloud.Action, phase string, hooks []HookSpec, actionErr error) error {
	for i, hook := range hooks {
		name := hook.DisplayName(i)
		if !shouldRunHook(phase, hook.When, actionErr) {
			h.run.AppendEvent(node.ID, HookSkipped, node.Attempt,
				fmt.Sprintf("%s hook %s skipped (when=%s)", phase, name, hookWhen(hook.When)),
				map[string]any{"phase": phase, "hook": name}, nil)
			continue
		}
		if err := h.runOneHook(ctx, node, action, phase, name, hook); err != nil {
			return &HookFailureError{Stack: node.ID, Phase: phase, Hook: name, Err: err}
		}
	}
	return nil
}

// shouldRunHook gates after-hooks on the action outcome. Before-hooks
// always run; after-hooks default to success-only.
func shouldRunHook(phase string, when string, actionErr error) bool {
	if phase == "before" {
		return true
	}
	switch hookWhen(when) {
	case "failure":
		return actionErr != nil
	case "always":
		return true
	default:
		return actionErr == nil
	}
}

func hookWhen(when string) string {
	when = strings.ToLower(strings.TrimSpace(when))
	if when == "" {
		return "success"
	}
	return when
}

func (h *hookedExecutor) runOneHook(ctx context.Context, node *runNode, action cloud.Action, phase string, name string, hook HookSpec) error {
	tries := 1
	if hook.Retry != nil && *hook.Retry > 0 {
		tries = *hook.Retry + 1
	}
	timeout := defaultHookTimeout
	if hook.Timeout != nil && *hook.Timeout > 0 {
		timeout = *hook.Timeout
	}
	fields := map[string]any{"phase": phase, "hook": name, "kind": hook.Kind()}

	var err error
	for try := 1; try <= tries; try++ {
		h.run.AppendEvent(node.ID, HookStarted, try,
			fmt.Sprintf("%s hook %s (try %d/%d)", phase, name, try, tries), fields, nil)
		err = h.runHookOnce(ctx, node, action, phase, name, hook, timeout)
		if err == nil {
			h.run.AppendEvent(node.ID, HookCompleted, try,
				fmt.Sprintf("%s hook %s ok", phase, name), fields, nil)
			return nil
		}
		h.run.AppendEvent(node.ID, HookCompleted, try,
			fmt.Sprintf("%s hook %s failed: %v", phase, name, err), fields,
			&RunError{
				Class:   "HOOK_FAILED",
				Message: err.Error(),
				Digest:  computeRunErrorDigest("HOOK_FAILED", err.Error()),
			})
		if try < tries {
			backoff := time.Duration(try) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
		}
	}
	return err
}

func (h *hookedExecutor) runHookOnce(ctx context.Context, node *runNode, action cloud.Action, phase string, name string, hook HookSpec, timeout time.Duration) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case strings.TrimSpace(hook.Use) != "":
		fn, ok := lookupHookKind(hook.Use)
		if !ok {
			return fmt.Errorf("unknown hook kind %q", hook.Use)
		}
		return fn(hctx, HookContext{
			Stack:  node.ResolvedStack,
			Action: action,
			Phase:  phase,
			RunID:  h.run.RunID,
			Arg:    hook.Arg,
		})
	case hook.HTTP != nil:
		return h.runHTTPHook(hctx, node, name, hook.HTTP)
	case strings.TrimSpace(hook.Run) != "":
		spec, err := shellHookSpec(hook.Run)
		if err != nil {
			return err
		}
		return h.runScriptHook(hctx, node, action, phase, name, spec)
	case hook.Script != nil:
		return h.runScriptHook(hctx, node, action, phase, name, hook.Script)
	}
	return fmt.Errorf("hook has nothing to run")
}

// shellHookSpec turns the run: shorthand into a script hook.
func shellHookSpec(run string) (*ScriptHookSpec, error) {
	args, err := shellwords.Parse(run)
	if err != nil {
		return nil, fmt.Errorf("parse run command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("run command is empty")
	}
	return &ScriptHookSpec{Command: args}, nil
}

func (h *hookedExecutor) runScriptHook(ctx context.Context, node *runNode, action cloud.Action, phase string, name string, spec *ScriptHookSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("script hook has no command")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = chooseWorkDir(spec.WorkDir, node.Dir, h.run.Plan.StackRoot)
	cmd.Env = buildHookEnv(h.run, node, effectiveTarget(node.ResolvedStack, h.defTarget), action, phase, spec.Env)
	out, err := cmd.CombinedOutput()
	h.emitHookOutput(node.ID, name, out)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("hook timed out: %w", ctx.Err())
		}
		if msg := lastNonEmptyLine(out); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (h *hookedExecutor) runHTTPHook(ctx context.Context, node *runNode, name string, spec *HTTPHookSpec) error {
	url := strings.TrimSpace(spec.URL)
	if url == "" {
		return fmt.Errorf("http hook has no url")
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
		if spec.Body != "" {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if spec.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxHookBodyBytes))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if spec.ExpectStatus != nil {
		ok = resp.StatusCode == *spec.ExpectStatus
	}
	if !ok {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return fmt.Errorf("unexpected status %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	h.emitHookOutput(node.ID, name, raw)
	return nil
}

// emitHookOutput streams hook output line by line as ephemeral node logs.
func (h *hookedExecutor) emitHookOutput(nodeID string, name string, raw []byte) {
	text := strings.TrimRight(string(raw), "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		h.run.NodeLogf(nodeID, "hook %s: %s", name, line)
	}
}

func lastNonEmptyLine(raw []byte) string {
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func chooseWorkDir(workDir string, stackDir string, root string) string {
	switch {
	case strings.TrimSpace(workDir) == "":
		return stackDir
	case filepath.IsAbs(workDir):
		return workDir
	default:
		return filepath.Join(root, workDir)
	}
}

// buildHookEnv extends the process environment with the run context.
// Hook env entries from the spec win over everything else.
func buildHookEnv(run *runState, node *runNode, target cloud.Target, action cloud.Action, phase string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env,
		"STACKCTL_RUN_ID="+run.RunID,
		"STACKCTL_ACTION="+string(action),
		"STACKCTL_PHASE="+phase,
		"STACKCTL_ROOT="+run.Plan.StackRoot,
		"STACKCTL_PROJECT="+run.Plan.ProjectName,
		"STACKCTL_PROFILE="+run.Plan.Profile,
		"STACKCTL_STACK_ID="+node.ID,
		"STACKCTL_STACK_NAME="+node.Name,
		"STACKCTL_STACK_DIR="+node.Dir,
		"STACKCTL_CLOUD_STACK_NAME="+node.StackName,
	)
	if target.Region != "" {
		env = append(env, "STACKCTL_REGION="+target.Region)
	}
	if target.Profile != "" {
		env = append(env, "STACKCTL_AWS_PROFILE="+target.Profile)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
