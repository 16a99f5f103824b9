package stack

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/stackctl/internal/cloud"
)

func intPtr(v int) *int { return &v }

func needsShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("script hooks use sh")
	}
}

func TestShouldRunHook(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		phase     string
		when      string
		actionErr error
		want      bool
	}{
		{"before", "", nil, true},
		{"before", "failure", boom, true},
		{"after", "", nil, true},
		{"after", "", boom, false},
		{"after", "success", boom, false},
		{"after", "failure", nil, false},
		{"after", "failure", boom, true},
		{"after", "always", nil, true},
		{"after", "always", boom, true},
		{"after", "Always", boom, true},
	}
	for _, tc := range cases {
		if got := shouldRunHook(tc.phase, tc.when, tc.actionErr); got != tc.want {
			t.Fatalf("shouldRunHook(%s, %q, err=%v) = %v, want %v", tc.phase, tc.when, tc.actionErr, got, tc.want)
		}
	}
}

func TestValidateHookSpec(t *testing.T) {
	badStatus := 42
	cases := []struct {
		name    string
		spec    HookSpec
		wantErr string
	}{
		{"empty", HookSpec{}, "needs one of run|script|http|use"},
		{"two mechanisms", HookSpec{Run: "true", HTTP: &HTTPHookSpec{URL: "http://x"}}, "exactly one"},
		{"script without command", HookSpec{Script: &ScriptHookSpec{}}, "requires script.command"},
		{"http without url", HookSpec{HTTP: &HTTPHookSpec{}}, "requires http.url"},
		{"http bad status", HookSpec{HTTP: &HTTPHookSpec{URL: "http://x", ExpectStatus: &badStatus}}, "valid status code"},
		{"retry below one", HookSpec{Run: "true", Retry: intPtr(0)}, "retry must be >= 1"},
		{"bad when", HookSpec{Run: "true", When: "sometimes"}, "when must be success|failure|always"},
		{"ok run", HookSpec{Run: "true", When: "always", Retry: intPtr(2)}, ""},
		{"ok use", HookSpec{Use: "custom", Arg: "x"}, ""},
	}
	for _, tc := range cases {
		err := validateHookSpec(tc.spec, "stack.yaml hooks.afterCreate")
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: error %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestShellHookSpec(t *testing.T) {
	spec, err := shellHookSpec(`aws s3 cp out.zip "s3://my bucket/artifacts/"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"aws", "s3", "cp", "out.zip", "s3://my bucket/artifacts/"}
	if len(spec.Command) != len(want) {
		t.Fatalf("command = %v, want %v", spec.Command, want)
	}
	for i := range want {
		if spec.Command[i] != want[i] {
			t.Fatalf("command = %v, want %v", spec.Command, want)
		}
	}

	if _, err := shellHookSpec("   "); err == nil {
		t.Fatalf("expected an error for an empty command")
	}
	if _, err := shellHookSpec(`echo "unbalanced`); err == nil {
		t.Fatalf("expected a parse error for unbalanced quotes")
	}
}

func TestRun_BeforeHookFailureStopsStack(t *testing.T) {
	needsShell(t)
	root := t.TempDir()
	node := testNode("app/api")
	node.Dir = root
	node.Hooks.BeforeCreate = []HookSpec{{Name: "preflight", Run: "sh -c 'exit 3'"}}
	p := testRunPlan(root, node)
	exec := &recordingExecutor{}

	err := Run(context.Background(), RunOptions{
		Action:   cloud.ActionCreate,
		Plan:     p,
		RunID:    "run-prehook",
		Executor: exec,
	}, io.Discard, io.Discard)
	var herr *HookFailureError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HookFailureError, got %v", err)
	}
	if herr.Phase != "before" || herr.Hook != "preflight" {
		t.Fatalf("unexpected hook failure: %+v", herr)
	}
	if got := exec.seen(); len(got) != 0 {
		t.Fatalf("action must not run after a failed before-hook, saw %v", got)
	}

	sum := readRunSummary(t, root, "run-prehook")
	if st := sum.Nodes["app/api"].Status; st != "failed" {
		t.Fatalf("node status = %q, want failed", st)
	}
}

func TestRun_AfterHooksGateOnOutcome(t *testing.T) {
	needsShell(t)
	root := t.TempDir()
	okMarker := filepath.Join(root, "ok.marker")
	failMarker := filepath.Join(root, "fail.marker")
	successMarker := filepath.Join(root, "never.marker")

	okNode := testNode("app/ok")
	okNode.Dir = root
	okNode.Hooks.AfterCreate = []HookSpec{{Name: "post-ok", Run: "sh -c 'touch " + okMarker + "'"}}

	badNode := testNode("app/bad")
	badNode.Dir = root
	badNode.Hooks.AfterCreate = []HookSpec{
		{Name: "on-failure", When: "failure", Run: "sh -c 'touch " + failMarker + "'"},
		{Name: "on-success", Run: "sh -c 'touch " + successMarker + "'"},
	}

	p := testRunPlan(root, okNode, badNode)
	exec := &recordingExecutor{fail: func(node *runNode) error {
		if node.ID == "app/bad" {
			return errors.New("deploy blew up")
		}
		return nil
	}}

	err := Run(context.Background(), RunOptions{
		Action:   cloud.ActionCreate,
		Plan:     p,
		RunID:    "run-afterhooks",
		Executor: exec,
	}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "deploy blew up") {
		t.Fatalf("the action error must stay the result, got %v", err)
	}

	if _, err := os.Stat(okMarker); err != nil {
		t.Fatalf("success-gated hook did not run: %v", err)
	}
	if _, err := os.Stat(failMarker); err != nil {
		t.Fatalf("failure-gated hook did not run: %v", err)
	}
	if _, err := os.Stat(successMarker); !os.IsNotExist(err) {
		t.Fatalf("success-gated hook ran on a failed action")
	}

	var sawSkip bool
	for _, ev := range readRunEvents(t, root, "run-afterhooks") {
		if ev.Type == string(HookSkipped) && ev.NodeID == "app/bad" && strings.Contains(ev.Message, "on-success") {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Fatalf("expected a HOOK_SKIPPED event for on-success")
	}
}

func TestRun_ScriptHookEnvironment(t *testing.T) {
	needsShell(t)
	root := t.TempDir()
	marker := filepath.Join(root, "env.txt")
	node := testNode("app/api")
	node.Dir = filepath.Join(root, "app", "api")
	if err := os.MkdirAll(node.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	node.Hooks.BeforeUpdate = []HookSpec{{
		Name: "capture-env",
		Script: &ScriptHookSpec{
			Command: []string{"sh", "-c", `printf '%s\n%s\n%s\n%s\n%s\n' "$STACKCTL_STACK_ID" "$STACKCTL_ACTION" "$STACKCTL_PHASE" "$STACKCTL_REGION" "$GREETING" > ` + marker},
			Env:     map[string]string{"GREETING": "hello"},
		},
	}}
	p := testRunPlan(root, node)

	err := Run(context.Background(), RunOptions{
		Action:        cloud.ActionUpdate,
		Plan:          p,
		RunID:         "run-hookenv",
		DefaultTarget: cloud.Target{Region: "eu-west-1"},
		Executor:      &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read env marker: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	want := []string{"app/api", "update", "before", "eu-west-1", "hello"}
	if len(lines) != len(want) {
		t.Fatalf("env lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("env line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRun_HTTPHooks(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody, gotType = r.Method, r.URL.Path, string(body), r.Header.Get("Content-Type")
		mu.Unlock()
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	root := t.TempDir()
	node := testNode("app/api")
	node.Hooks.AfterCreate = []HookSpec{{
		Name: "notify",
		HTTP: &HTTPHookSpec{URL: srv.URL + "/notify", Body: `{"stack":"app/api"}`, ExpectStatus: intPtr(http.StatusNoContent)},
	}}
	p := testRunPlan(root, node)

	err := Run(context.Background(), RunOptions{
		Action:   cloud.ActionCreate,
		Plan:     p,
		RunID:    "run-httphook",
		Executor: &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	if gotMethod != http.MethodPost || gotPath != "/notify" || gotBody != `{"stack":"app/api"}` || gotType != "application/json" {
		t.Fatalf("unexpected request: %s %s body=%q type=%q", gotMethod, gotPath, gotBody, gotType)
	}
	mu.Unlock()

	bad := testNode("app/bad")
	bad.Hooks.BeforeCreate = []HookSpec{{Name: "gate", HTTP: &HTTPHookSpec{URL: srv.URL + "/boom"}}}
	err = Run(context.Background(), RunOptions{
		Action:   cloud.ActionCreate,
		Plan:     testRunPlan(root, bad),
		RunID:    "run-httphook-bad",
		Executor: &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("expected a status error, got %v", err)
	}
}

func TestRun_CustomHookKind(t *testing.T) {
	var mu sync.Mutex
	var got HookContext
	if err := RegisterHookKind("smoke-check", func(ctx context.Context, hc HookContext) error {
		mu.Lock()
		got = hc
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterHookKind("smoke-check", func(ctx context.Context, hc HookContext) error { return nil }); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	root := t.TempDir()
	node := testNode("app/api")
	node.Hooks.BeforeLaunch = []HookSpec{{Use: "smoke-check", Arg: "checks/basic"}}
	missing := testNode("app/missing")
	missing.Hooks.BeforeLaunch = []HookSpec{{Use: "not-registered"}}
	p := testRunPlan(root, node, missing)

	err := Run(context.Background(), RunOptions{
		Action:   cloud.ActionLaunch,
		Plan:     p,
		RunID:    "run-usehook",
		Executor: &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), `unknown hook kind "not-registered"`) {
		t.Fatalf("expected the unknown-kind failure, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Stack == nil || got.Stack.ID != "app/api" || got.Action != cloud.ActionLaunch || got.Phase != "before" || got.Arg != "checks/basic" {
		t.Fatalf("unexpected hook context: %+v", got)
	}
	if got.RunID != "run-usehook" {
		t.Fatalf("hook context run id = %q", got.RunID)
	}

	sum := readRunSummary(t, root, "run-usehook")
	if st := sum.Nodes["app/api"].Status; st != "succeeded" {
		t.Fatalf("app/api status = %q, want succeeded", st)
	}
	if st := sum.Nodes["app/missing"].Status; st != "failed" {
		t.Fatalf("app/missing status = %q, want failed", st)
	}
}

func TestRun_HookRetrySucceedsOnSecondTry(t *testing.T) {
	needsShell(t)
	root := t.TempDir()
	flag := filepath.Join(root, "once.flag")
	node := testNode("app/api")
	node.Dir = root
	timeout := 10 * time.Second
	node.Hooks.BeforeCreate = []HookSpec{{
		Name:    "flaky",
		Retry:   intPtr(1),
		Timeout: &timeout,
		Script:  &ScriptHookSpec{Command: []string{"sh", "-c", "[ -e " + flag + " ] || { touch " + flag + "; exit 1; }"}},
	}}
	p := testRunPlan(root, node)

	err := Run(context.Background(), RunOptions{
		Action:   cloud.ActionCreate,
		Plan:     p,
		RunID:    "run-hookretry",
		Executor: &recordingExecutor{},
	}, io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var starts, failures int
	for _, ev := range readRunEvents(t, root, "run-hookretry") {
		switch {
		case ev.Type == string(HookStarted):
			starts++
		case ev.Type == string(HookCompleted) && ev.Error != nil:
			failures++
			if ev.Error.Class != "HOOK_FAILED" {
				t.Fatalf("hook failure class = %q", ev.Error.Class)
			}
		}
	}
	if starts != 2 || failures != 1 {
		t.Fatalf("expected 2 starts and 1 recorded failure, got starts=%d failures=%d", starts, failures)
	}
}
