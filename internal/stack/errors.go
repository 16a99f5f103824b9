// File: internal/stack/errors.go
// Brief: Typed errors surfaced by planning and execution.

package stack

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports one dependency cycle. Path holds the stack
// names along the cycle in order; the last entry links back to the first.
// Edges, when present, explains how each edge came to exist.
type CyclicDependencyError struct {
	Path  []string
	Edges []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	msg := fmt.Sprintf("dependency cycle detected: %s -> %s", strings.Join(e.Path, " -> "), e.Path[0])
	if len(e.Edges) > 0 {
		msg += fmt.Sprintf(" [%s]", strings.Join(e.Edges, ", "))
	}
	return msg
}

// UnknownDependencyError reports an edge pointing at a stack that is not
// part of the plan.
type UnknownDependencyError struct {
	Stack      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stack %s depends on %q which does not exist in the plan", e.Stack, e.Dependency)
}

// UnresolvedReferenceError wraps a resolver failure with the stack and the
// reference that failed.
type UnresolvedReferenceError struct {
	Stack string
	Ref   string
	Err   error
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("stack %s: reference resolution failed: %v", e.Stack, e.Err)
	}
	return fmt.Sprintf("stack %s: cannot resolve %s: %v", e.Stack, e.Ref, e.Err)
}

func (e *UnresolvedReferenceError) Unwrap() error { return e.Err }

// HookFailureError reports a hook that failed. Phase is the hook point,
// e.g. "beforeCreate".
type HookFailureError struct {
	Stack string
	Phase string
	Hook  string
	Err   error
}

func (e *HookFailureError) Error() string {
	return fmt.Sprintf("stack %s: %s hook %s failed: %v", e.Stack, e.Phase, e.Hook, e.Err)
}

func (e *HookFailureError) Unwrap() error { return e.Err }

// StackActionFailedError reports a stack action that reached a terminal
// failure state on the control plane, or could not be submitted at all.
type StackActionFailedError struct {
	Stack  string
	Action string
	Status string
	Reason string
}

func (e *StackActionFailedError) Error() string {
	msg := fmt.Sprintf("stack %s: %s failed", e.Stack, e.Action)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ProtectedStackError reports a mutating action requested against a stack
// with protection enabled.
type ProtectedStackError struct {
	Stack  string
	Action string
}

func (e *ProtectedStackError) Error() string {
	return fmt.Sprintf("stack %s is protected, refusing to %s", e.Stack, e.Action)
}
